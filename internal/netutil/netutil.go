// Package netutil holds the small socket-tuning and DNS-caching helpers
// shared by the tunnel negotiator (C4) and connection pool (C6), so
// upstream dials behave identically whichever component makes them.
package netutil

import (
	"context"
	"net"
	"time"

	"github.com/rs/dnscache"
)

// DialContextFunc matches http.Transport.DialContext and net.Dialer.DialContext.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// CachedDialer returns a DialContextFunc that resolves hosts through
// resolver (if non-nil) before dialing, and tunes every resulting TCP
// connection per spec §4.4/§4.7 (TCP_NODELAY, send/recv buffer size).
func CachedDialer(resolver *dnscache.Resolver, bufferSize int, timeout time.Duration) DialContextFunc {
	dialer := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		target := addr
		if resolver != nil {
			if host, port, err := net.SplitHostPort(addr); err == nil {
				if addrs, lerr := resolver.LookupHost(ctx, host); lerr == nil && len(addrs) > 0 {
					target = net.JoinHostPort(addrs[0], port)
				}
			}
		}
		conn, err := dialer.DialContext(ctx, network, target)
		if err != nil {
			return nil, err
		}
		TuneTCP(conn, bufferSize)
		return conn, nil
	}
}

// TuneTCP applies the socket options spec §4.4/§4.7 require of every
// socket this proxy opens or accepts: TCP_NODELAY, and a send/recv
// buffer size when bufferSize is positive.
func TuneTCP(conn net.Conn, bufferSize int) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetNoDelay(true)
	if bufferSize > 0 {
		tc.SetReadBuffer(bufferSize)
		tc.SetWriteBuffer(bufferSize)
	}
}
