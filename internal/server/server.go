// Package server implements AcceptorLoop & Worker Dispatch (C7): it
// binds the downstream listener, accepts client sockets, and dispatches
// each to its own goroutine per spec §4.7/§5 ("unbounded elastic pool,
// direct hand-off" — the Go idiom for that is simply `go handle(conn)`,
// the runtime scheduler playing the role of the elastic thread pool).
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecovaci/prfoom/config"
	"github.com/ecovaci/prfoom/internal/body"
	"github.com/ecovaci/prfoom/internal/creds"
	"github.com/ecovaci/prfoom/internal/errs"
	"github.com/ecovaci/prfoom/internal/metrics"
	"github.com/ecovaci/prfoom/internal/netutil"
	"github.com/ecovaci/prfoom/internal/pool"
	"github.com/ecovaci/prfoom/internal/relay"
	"github.com/ecovaci/prfoom/internal/route"
	"github.com/ecovaci/prfoom/internal/tunnel"
	"github.com/ecovaci/prfoom/internal/wire"
)

type lifecycleState int

const (
	stateNew lifecycleState = iota
	stateStarted
	stateClosed
)

// Server implements C7. Construct it with New; a new Server is in state
// NEW.
type Server struct {
	userCfg config.UserConfig
	sysCfg  config.SystemConfig
	log     *zap.Logger

	credsStore *creds.Store
	resolver   *dnscache.Resolver
	negotiator *tunnel.Negotiator
	pool       *pool.Pool
	relay      *relay.Handler
	metrics    *metrics.Metrics

	mu       sync.Mutex
	state    lifecycleState
	listener net.Listener
	conns    errgroup.Group
}

// New constructs a Server in state NEW. Dependencies (credentials,
// pool, relay client) are built by Start, not here, so construction
// never touches the network.
func New(userCfg config.UserConfig, sysCfg config.SystemConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{userCfg: userCfg, sysCfg: sysCfg, log: log, credsStore: &creds.Store{}}
}

// Start resolves credentials, builds the pool and upstream clients, and
// binds the listener, in that order, so a dependency failure never
// leaves a bound listening port behind (spec §9 open question,
// resolved: start dependencies before binding, since CredentialsStore
// can fail). Returns an error if the server has already been started
// (or closed).
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateNew {
		return errors.New("server: start called more than once")
	}

	prov, err := s.credsStore.Get(s.userCfg)
	if err != nil {
		return err
	}

	if s.sysCfg.MetricsEnabled {
		s.metrics = metrics.New(prometheus.DefaultRegisterer)
	}

	s.resolver = &dnscache.Resolver{}
	proxyURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", s.userCfg.ProxyHost, s.userCfg.ProxyPort)}

	s.pool = pool.New(s.sysCfg, proxyURL, s.resolver, s.log, s.metrics)
	s.negotiator = tunnel.New(s.sysCfg, s.resolver, s.log)
	s.relay = relay.New(s.pool, prov, s.sysCfg.Retries, s.log)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.userCfg.LocalPort))
	if err != nil {
		s.pool.Close()
		return errs.New(errs.KindConfiguration, "server.Start", err)
	}
	s.listener = ln
	s.state = stateStarted

	go s.acceptLoop()
	return nil
}

// Close unbinds the listener, tears down the pool/evictor, and then
// waits for every in-flight connection handler to return. It does not
// close in-flight client or tunnel sockets itself, so an open tunnel
// keeps Close waiting until one of its ends closes. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	ln := s.listener
	p := s.pool
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if p != nil {
		p.Close()
	}
	s.conns.Wait()
	return err
}

func (s *Server) acceptLoop() {
	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				delay = backoff(delay)
				time.Sleep(delay)
				continue
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		delay = 0

		netutil.TuneTCP(conn, s.sysCfg.ServerSocketBufferSize)
		s.conns.Go(func() error {
			s.handleConn(conn)
			return nil
		})
	}
}

func backoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if prev *= 2; prev > time.Second {
		return time.Second
	}
	return prev
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	head, err := wire.ParseHead(br)
	if err != nil {
		s.writeError(conn, err)
		return
	}

	if strings.EqualFold(head.Method, "CONNECT") {
		s.handleConnect(conn, head, br)
		return
	}
	s.handleRelay(conn, head, br)
}

func (s *Server) handleConnect(conn net.Conn, head wire.RequestHead, br *bufio.Reader) {
	ctx := context.Background()
	prov, err := s.credsStore.Get(s.userCfg)
	if err != nil {
		s.writeError(conn, err)
		return
	}

	host, port := splitTargetHostPort(head.Target)
	r := route.UpstreamRoute{
		TargetHost: host,
		TargetPort: port,
		ProxyHost:  s.userCfg.ProxyHost,
		ProxyPort:  s.userCfg.ProxyPort,
		Tunnelled:  true,
	}

	// Anything already pulled into br's buffer past the CONNECT head is
	// client data that arrived in the same segment (a pipelined TLS
	// ClientHello, say) and must reach the target once the tunnel is up.
	clientLeading := wire.Buffered(br)

	upstream, upstreamLeading, err := s.negotiator.Tunnel(ctx, prov, r, head.Proto, conn)
	if err != nil {
		s.metrics.TunnelRefused("refused")
		s.writeError(conn, err)
		return
	}
	s.metrics.TunnelStarted()
	defer upstream.Close()
	Bridge(conn, upstream, clientLeading, upstreamLeading)
	s.metrics.TunnelEnded("closed")
}

func (s *Server) handleRelay(conn net.Conn, head wire.RequestHead, br *bufio.Reader) {
	reqBody, err := body.New(br, head.ContentLength())
	if err != nil {
		s.writeError(conn, err)
		return
	}

	tracker := &firstByteTracker{w: conn}
	start := time.Now()
	status, err := s.relay.Relay(head, reqBody, tracker)
	s.metrics.RelayCompleted(head.Method, status, time.Since(start).Seconds())
	if err != nil {
		if !tracker.wrote {
			s.writeError(conn, err)
		}
		return
	}
}

func (s *Server) writeError(w io.Writer, err error) {
	status := errs.StatusFor(err)
	line := fmt.Sprintf("HTTP/1.1 %d %s", status, errs.ReasonFor(err))
	wire.WriteHeadTolerant(w, line, nil, s.log)
}

// firstByteTracker records whether any byte has reached the client yet,
// so a mid-relay failure can be classified per spec §7: map to an error
// response only if writing hasn't started.
type firstByteTracker struct {
	w     io.Writer
	wrote bool
}

func (t *firstByteTracker) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if n > 0 {
		t.wrote = true
	}
	return n, err
}

func splitTargetHostPort(target string) (string, int) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
