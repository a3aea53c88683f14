// Package config holds the plain value carriers consumed by the proxy
// core. Nothing here has behavior; construction, validation against a
// config file/CLI, and hot-reload (there is none) live in the launcher.
package config

import "time"

// UserConfig carries the identity and addressing values a human (or the
// GUI/CLI launcher) supplies.
type UserConfig struct {
	Username string
	Password string
	Domain   string

	ProxyHost string
	ProxyPort int

	LocalPort int
}

// SystemConfig carries the tunables an operator might adjust without
// touching credentials: buffer sizes, pool caps, eviction cadence.
type SystemConfig struct {
	// SocketBufferSize is the send/recv buffer size, in bytes, applied to
	// sockets the proxy opens to the upstream proxy.
	SocketBufferSize int

	// ServerSocketBufferSize is the send/recv buffer size, in bytes,
	// applied to sockets accepted from downstream clients.
	ServerSocketBufferSize int

	// MaxConnections is the pool-wide cap on idle upstream connections
	// kept for reuse (http.Transport.MaxIdleConns). Connections in use
	// are not counted or capped. Nil means "use the library default".
	MaxConnections *int

	// MaxConnectionsPerRoute caps idle upstream connections kept for
	// reuse per host (http.Transport.MaxIdleConnsPerHost). Connections in
	// use are not counted or capped. Nil means "use the library default".
	MaxConnectionsPerRoute *int

	// EvictionEnabled turns the idle-connection evictor on or off.
	EvictionEnabled bool

	// EvictionPeriod is how often the evictor wakes up.
	EvictionPeriod time.Duration

	// MaxConnectionIdle is the default keep-alive duration used when a
	// response carries no usable Keep-Alive: timeout=N parameter.
	MaxConnectionIdle time.Duration

	// Retries enables the relay's automatic retry-on-transient-error
	// behavior for requests whose bodies are repeatable.
	Retries bool

	// MetricsEnabled registers the proxy's Prometheus collectors against
	// prometheus.DefaultRegisterer when true. The zero value (false)
	// reproduces the original spec's "no metrics" surface exactly.
	MetricsEnabled bool
}

// DefaultSystemConfig returns conservative defaults: the socket buffer
// sizes, eviction cadence, and idle timeout an operator would want
// before tuning anything by hand.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		SocketBufferSize:       64 * 1024,
		ServerSocketBufferSize: 64 * 1024,
		EvictionEnabled:        true,
		EvictionPeriod:         30 * time.Second,
		MaxConnectionIdle:      60 * time.Second,
		Retries:                false,
		MetricsEnabled:         false,
	}
}
