// Package pool implements ConnectionPool & EvictionTimer (C6): a shared,
// pooled *http.Transport for the relay's upstream requests, plus a
// ticker-driven evictor approximating Apache HttpClient's
// IdleConnectionEvictor on top of http.Transport's coarser API.
package pool

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/dnscache"
	"go.uber.org/zap"

	"github.com/ecovaci/prfoom/config"
	"github.com/ecovaci/prfoom/internal/metrics"
	"github.com/ecovaci/prfoom/internal/netutil"
)

// defaultMaxIdleConns and defaultMaxIdleConnsPerHost are the library
// defaults used when SystemConfig leaves the caps unset (nil), matching
// net/http.DefaultTransport's own fallbacks.
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 2
)

// Pool owns the pooled *http.Transport every relayed request is sent
// through, dialing exclusively the configured upstream proxy authority
// (this proxy never contacts targets directly; see spec §3 scope: "any
// upstream authority" is always the single configured upstream).
type Pool struct {
	Transport *http.Transport

	sysCfg       config.SystemConfig
	log          *zap.Logger
	metrics      *metrics.Metrics
	lastActivity atomic.Int64 // unix nanoseconds of the last successful exchange
	idleBudget   atomic.Int64 // nanoseconds; current eviction threshold, set by TouchResponse from Keep-Alive

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the pool's transport, proxying every request through
// proxyURL, and starts the idle-connection evictor if SystemConfig
// enables it. m may be nil; every Metrics method is a no-op on a nil
// receiver.
func New(sysCfg config.SystemConfig, proxyURL *url.URL, resolver *dnscache.Resolver, log *zap.Logger, m *metrics.Metrics) *Pool {
	if log == nil {
		log = zap.NewNop()
	}

	dial := netutil.CachedDialer(resolver, sysCfg.SocketBufferSize, 30*time.Second)
	transport := &http.Transport{
		Proxy:                 http.ProxyURL(proxyURL),
		DialContext:           dial,
		MaxIdleConns:          intOrDefault(sysCfg.MaxConnections, defaultMaxIdleConns),
		MaxIdleConnsPerHost:   intOrDefault(sysCfg.MaxConnectionsPerRoute, defaultMaxIdleConnsPerHost),
		IdleConnTimeout:       0, // the evictor below supersedes Transport's own timeout
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0, // relayed requests may legitimately be long-running
		ExpectContinueTimeout: 1 * time.Second,
	}

	p := &Pool{Transport: transport, sysCfg: sysCfg, log: log, metrics: m, stop: make(chan struct{})}
	p.lastActivity.Store(timeNowUnixNano())
	p.idleBudget.Store(int64(sysCfg.MaxConnectionIdle))

	if sysCfg.EvictionEnabled && sysCfg.EvictionPeriod > 0 {
		p.wg.Add(1)
		go p.evictLoop()
	}
	return p
}

// Touch records a successful exchange, resetting the idle clock the
// evictor watches, without changing the eviction threshold in effect.
func (p *Pool) Touch() {
	p.lastActivity.Store(timeNowUnixNano())
}

// TouchResponse records a successful exchange the way Touch does, and
// additionally lets resp's own Keep-Alive: timeout=N header (via
// KeepAliveStrategy) set the idle threshold evictLoop compares against,
// so the per-response law in spec §4.6/§8 property 4 actually governs
// eviction instead of only being available for callers to consult.
// RelayHandler calls this after every round trip.
func (p *Pool) TouchResponse(resp *http.Response) {
	p.idleBudget.Store(int64(KeepAliveStrategy{}.Duration(resp, p.sysCfg.MaxConnectionIdle)))
	p.lastActivity.Store(timeNowUnixNano())
}

// Close stops the evictor goroutine and closes all pooled idle
// connections.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	p.Transport.CloseIdleConnections()
}

func (p *Pool) evictLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.sysCfg.EvictionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			idleSince := time.Duration(timeNowUnixNano()-p.lastActivity.Load()) * time.Nanosecond
			if idleSince >= time.Duration(p.idleBudget.Load()) {
				p.log.Debug("evicting idle upstream connections", zap.Duration("idle_for", idleSince))
				p.Transport.CloseIdleConnections()
				p.metrics.PoolEvicted()
			}
		}
	}
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func timeNowUnixNano() int64 { return time.Now().UnixNano() }

// KeepAliveStrategy computes how long a pooled connection should be
// considered fresh after a given response, per spec §4.6/§8 property 4:
// honor an explicit Keep-Alive: timeout=N response header, else fall
// back to the configured default.
type KeepAliveStrategy struct{}

// Duration returns the keep-alive duration resp's headers specify, or
// fallback if resp carries none (or an unparsable one).
func (KeepAliveStrategy) Duration(resp *http.Response, fallback time.Duration) time.Duration {
	if resp == nil {
		return fallback
	}
	timeout := parseKeepAliveTimeout(resp.Header.Get("Keep-Alive"))
	if timeout < 0 {
		return fallback
	}
	return timeout
}

// parseKeepAliveTimeout returns the timeout=N parameter as a duration,
// or -1 when the parameter is absent or not a non-negative integer.
func parseKeepAliveTimeout(header string) time.Duration {
	const prefix = "timeout="
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, prefix) {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimPrefix(part, prefix))
		if err != nil || secs < 0 {
			return -1
		}
		return time.Duration(secs) * time.Second
	}
	return -1
}
