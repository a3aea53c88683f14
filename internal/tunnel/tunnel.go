// Package tunnel implements TunnelNegotiator (C4): it opens a TCP
// socket to the upstream proxy and loops CONNECT + NTLM challenge
// response until the tunnel is established or terminally refused, per
// spec §4.4.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"go.uber.org/zap"

	"github.com/ecovaci/prfoom/config"
	"github.com/ecovaci/prfoom/internal/creds"
	"github.com/ecovaci/prfoom/internal/errs"
	"github.com/ecovaci/prfoom/internal/netutil"
	"github.com/ecovaci/prfoom/internal/route"
	"github.com/ecovaci/prfoom/internal/wire"
)

// maxRounds bounds the NTLM loop so a misbehaving proxy that keeps
// returning fresh 407s can't spin the negotiator forever. Spec §4.4
// invariant: the loop MUST terminate.
const maxRounds = 8

// Negotiator implements C4.
type Negotiator struct {
	sysCfg   config.SystemConfig
	resolver *dnscache.Resolver
	log      *zap.Logger
}

// New builds a Negotiator. resolver may be nil, in which case the
// system default resolver is used for every dial (no caching).
func New(sysCfg config.SystemConfig, resolver *dnscache.Resolver, log *zap.Logger) *Negotiator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Negotiator{sysCfg: sysCfg, resolver: resolver, log: log}
}

// Tunnel performs the CONNECT+NTLM loop against r.ProxyHost:ProxyPort for
// r.TargetHost:NormalizedTargetPort, writes the final status line and
// headers to clientOut, and returns the raw upstream socket on success,
// along with any bytes the response parser already pulled off that
// socket past the header block. The caller MUST treat those bytes as
// the start of the tunnelled stream — they are real upstream data, not
// parser overhead, and dropping them corrupts the tunnel.
func (n *Negotiator) Tunnel(ctx context.Context, prov *creds.Provider, r route.UpstreamRoute, protoVersion string, clientOut io.Writer) (net.Conn, []byte, error) {
	targetAddr := fmt.Sprintf("%s:%d", r.TargetHost, r.NormalizedTargetPort())
	proxyAddr := fmt.Sprintf("%s:%d", r.ProxyHost, r.ProxyPort)
	machine := newNTLMMachine(proxyAddr, prov)

	var conn net.Conn
	var brw *bufio.Reader
	var authHeader string

	for round := 0; round < maxRounds; round++ {
		if conn == nil {
			c, err := n.dial(ctx, proxyAddr)
			if err != nil {
				return nil, nil, errs.New(errs.KindUpstreamIO, "tunnel.Tunnel", err)
			}
			conn = c
			brw = bufio.NewReader(conn)
		}

		if err := n.sendConnect(conn, targetAddr, protoVersion, authHeader); err != nil {
			conn.Close()
			return nil, nil, errs.New(errs.KindUpstreamIO, "tunnel.Tunnel", err)
		}
		authHeader = ""

		resp, err := wire.ParseResponseHead(brw)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}

		if resp.StatusCode < 200 {
			conn.Close()
			return nil, nil, errs.New(errs.KindUpstreamProtocol, "tunnel.Tunnel",
				fmt.Errorf("unexpected informational status %d", resp.StatusCode))
		}

		if resp.StatusCode/100 == 2 {
			machine.succeed()
			n.writeSuccess(clientOut, resp)
			return conn, wire.Buffered(brw), nil
		}

		nextHeader, _, err := machine.next(resp)
		if err != nil {
			conn.Close()
			return nil, nil, errs.New(errs.KindUpstreamIO, "tunnel.Tunnel", err)
		}
		if machine.done() {
			return n.fail(conn, brw, resp)
		}

		keepAlive := isKeepAlive(resp)
		if keepAlive {
			if err := drain(brw, resp); err != nil {
				conn.Close()
				conn = nil
			}
		} else {
			conn.Close()
			conn = nil
		}
		authHeader = nextHeader
	}

	if conn != nil {
		conn.Close()
	}
	return nil, nil, errs.New(errs.KindAuthExhausted, "tunnel.Tunnel", errors.New("NTLM loop exceeded round limit"))
}

func (n *Negotiator) fail(conn net.Conn, brw *bufio.Reader, resp wire.ResponseHead) (net.Conn, []byte, error) {
	io.Copy(io.Discard, io.LimitReader(brw, contentLengthOf(resp)))
	conn.Close()
	if resp.StatusCode > 299 {
		return nil, nil, errs.NewTunnelRefused("tunnel.Tunnel", errs.UpstreamStatus{
			StatusCode:        resp.StatusCode,
			Reason:            resp.Reason,
			ProxyAuthenticate: resp.Get("Proxy-Authenticate"),
		})
	}
	return nil, nil, errs.New(errs.KindAuthExhausted, "tunnel.Tunnel", fmt.Errorf("NTLM exhausted at status %d", resp.StatusCode))
}

func (n *Negotiator) writeSuccess(clientOut io.Writer, resp wire.ResponseHead) {
	wire.WriteHeadTolerant(clientOut, resp.StatusLine(), resp.Headers, n.log)
}

func (n *Negotiator) sendConnect(conn net.Conn, targetAddr, protoVersion, authHeader string) error {
	headers := []wire.HeaderField{
		{Name: "Host", Value: targetAddr},
		{Name: "Proxy-Connection", Value: "Keep-Alive"},
	}
	if authHeader != "" {
		headers = append(headers, wire.HeaderField{Name: "Proxy-Authorization", Value: authHeader})
	}
	line := "CONNECT " + targetAddr + " " + protoVersion
	return wire.WriteHead(conn, line, headers)
}

func (n *Negotiator) dial(ctx context.Context, addr string) (net.Conn, error) {
	dial := netutil.CachedDialer(n.resolver, n.sysCfg.SocketBufferSize, 30*time.Second)
	return dial(ctx, "tcp", addr)
}

func isKeepAlive(resp wire.ResponseHead) bool {
	conn := resp.Get("Proxy-Connection")
	if conn == "" {
		conn = resp.Get("Connection")
	}
	if conn == "" {
		// HTTP/1.1 defaults to keep-alive absent an explicit close.
		return resp.Proto == "HTTP/1.1"
	}
	return !strings.EqualFold(strings.TrimSpace(conn), "close")
}

func contentLengthOf(resp wire.ResponseHead) int64 {
	v := resp.Get("Content-Length")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func drain(r *bufio.Reader, resp wire.ResponseHead) error {
	n := contentLengthOf(resp)
	if n == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}
