package tunnel

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecovaci/prfoom/config"
	"github.com/ecovaci/prfoom/internal/creds"
	"github.com/ecovaci/prfoom/internal/errs"
	"github.com/ecovaci/prfoom/internal/route"
)

func testProvider(t *testing.T) *creds.Provider {
	t.Helper()
	var store creds.Store
	prov, err := store.Get(config.UserConfig{Username: "alice", Domain: "CORP", Password: "hunter2"})
	require.NoError(t, err)
	return prov
}

// listenAndServe starts a one-shot upstream proxy stub on 127.0.0.1,
// feeding the raw bytes in responses (in order, one per CONNECT line it
// reads) and returns its address.
func listenAndServe(t *testing.T, responses []string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for _, resp := range responses {
			for {
				line, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if line == "\r\n" || line == "\n" {
					break
				}
			}
			if _, err := conn.Write([]byte(resp)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestTunnelSucceedsWithoutChallenge(t *testing.T) {
	addr := listenAndServe(t, []string{"HTTP/1.1 200 Connection established\r\n\r\n"})
	host, port := splitHostPort(t, addr)

	n := New(config.SystemConfig{}, nil, nil)
	prov := testProvider(t)
	r := route.UpstreamRoute{TargetHost: "example.com", TargetPort: 443, ProxyHost: host, ProxyPort: port}

	var clientOut strings.Builder
	conn, _, err := n.Tunnel(context.Background(), prov, r, "HTTP/1.1", &clientOut)
	require.NoError(t, err)
	require.NotNil(t, conn)
	conn.Close()
	require.Contains(t, clientOut.String(), "200")
}

func TestTunnelRefusedWithoutNTLMSupport(t *testing.T) {
	addr := listenAndServe(t, []string{
		"HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic\r\nContent-Length: 0\r\n\r\n",
	})
	host, port := splitHostPort(t, addr)

	n := New(config.SystemConfig{}, nil, nil)
	prov := testProvider(t)
	r := route.UpstreamRoute{TargetHost: "example.com", TargetPort: 443, ProxyHost: host, ProxyPort: port}

	var clientOut strings.Builder
	conn, _, err := n.Tunnel(context.Background(), prov, r, "HTTP/1.1", &clientOut)
	require.Error(t, err)
	require.Nil(t, conn)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindTunnelRefused, e.Kind)
	require.Equal(t, 407, e.Response.StatusCode)
}

func TestTunnelSendsNegotiateOnBareChallenge(t *testing.T) {
	addr := listenAndServe(t, []string{
		"HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: NTLM\r\nContent-Length: 0\r\n\r\n",
		"HTTP/1.1 200 Connection established\r\n\r\n",
	})
	host, port := splitHostPort(t, addr)

	n := New(config.SystemConfig{}, nil, nil)
	prov := testProvider(t)
	r := route.UpstreamRoute{TargetHost: "example.com", TargetPort: 443, ProxyHost: host, ProxyPort: port}

	var clientOut strings.Builder
	conn, _, err := n.Tunnel(context.Background(), prov, r, "HTTP/1.1", &clientOut)
	require.NoError(t, err)
	require.NotNil(t, conn)
	conn.Close()
}

func TestTunnelReturnsBufferedBytesPastTheResponseHead(t *testing.T) {
	addr := listenAndServe(t, []string{"HTTP/1.1 200 Connection established\r\n\r\nleading-bytes"})
	host, port := splitHostPort(t, addr)

	n := New(config.SystemConfig{}, nil, nil)
	prov := testProvider(t)
	r := route.UpstreamRoute{TargetHost: "example.com", TargetPort: 443, ProxyHost: host, ProxyPort: port}

	var clientOut strings.Builder
	conn, leading, err := n.Tunnel(context.Background(), prov, r, "HTTP/1.1", &clientOut)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "leading-bytes", string(leading))
}

func TestTunnelDialFailureWrapsUpstreamIO(t *testing.T) {
	n := New(config.SystemConfig{}, nil, nil)
	prov := testProvider(t)
	r := route.UpstreamRoute{TargetHost: "example.com", TargetPort: 443, ProxyHost: "127.0.0.1", ProxyPort: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var clientOut strings.Builder
	conn, _, err := n.Tunnel(ctx, prov, r, "HTTP/1.1", &clientOut)
	require.Error(t, err)
	require.Nil(t, conn)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindUpstreamIO, e.Kind)
}
