package client

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lightforgemedia/go-wslink/pkg/registry"
	"github.com/lightforgemedia/go-wslink/pkg/transport"
	"github.com/lightforgemedia/go-wslink/pkg/transport/coderws"
)

const (
	// DefaultURL is the local message server.
	DefaultURL = "ws://localhost:8561"

	defaultConnectTimeout       = 5 * time.Second
	defaultReconnectInterval    = 3 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultHeartbeatInterval    = 30 * time.Second
	defaultHeartbeatTimeout     = 10 * time.Second
	defaultRequestTimeout       = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultEventBuffer          = 16
)

type clientConfig struct {
	logger                   *slog.Logger
	dialer                   transport.Dialer
	header                   http.Header
	connectTimeout           time.Duration
	writeTimeout             time.Duration
	requestTimeout           time.Duration
	autoReconnect            bool
	reconnectInterval        time.Duration
	maxReconnectAttempts     int
	reconnectOnNormalClosure bool
	heartbeatInterval        time.Duration
	heartbeatTimeout         time.Duration
	token                    string
	readFile                 func(path string) ([]byte, error)
	onDispatchError          func(*registry.DispatchError)
	eventBuffer              int
}

func defaultConfig() clientConfig {
	return clientConfig{
		logger:               slog.Default(),
		dialer:               &coderws.Dialer{},
		connectTimeout:       defaultConnectTimeout,
		writeTimeout:         defaultWriteTimeout,
		requestTimeout:       defaultRequestTimeout,
		autoReconnect:        true,
		reconnectInterval:    defaultReconnectInterval,
		maxReconnectAttempts: defaultMaxReconnectAttempts,
		heartbeatInterval:    defaultHeartbeatInterval,
		heartbeatTimeout:     defaultHeartbeatTimeout,
		readFile:             os.ReadFile,
		eventBuffer:          defaultEventBuffer,
	}
}

// Option configures the Client.
type Option func(*clientConfig)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the transport. The default dials with github.com/coder/websocket.
func WithDialer(d transport.Dialer) Option {
	return func(c *clientConfig) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithHeader adds HTTP headers to the opening handshake.
func WithHeader(h http.Header) Option {
	return func(c *clientConfig) {
		c.header = h.Clone()
	}
}

// WithConnectTimeout bounds a single connect attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithRequestTimeout sets how long a correlated request waits for its response.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithAutoReconnect configures reconnection after an abnormal disconnect.
// maxAttempts <= 0 disables reconnection.
func WithAutoReconnect(maxAttempts int, interval time.Duration) Option {
	return func(c *clientConfig) {
		c.autoReconnect = maxAttempts > 0
		c.maxReconnectAttempts = maxAttempts
		if interval > 0 {
			c.reconnectInterval = interval
		}
	}
}

// WithoutAutoReconnect disables reconnection.
func WithoutAutoReconnect() Option {
	return func(c *clientConfig) {
		c.autoReconnect = false
	}
}

// WithReconnectOnNormalClosure also reconnects after a close with status 1000.
func WithReconnectOnNormalClosure(enabled bool) Option {
	return func(c *clientConfig) {
		c.reconnectOnNormalClosure = enabled
	}
}

// WithHeartbeat sets the probe interval and how long a probe may stay unanswered.
// interval <= 0 disables the heartbeat.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *clientConfig) {
		c.heartbeatInterval = interval
		if timeout > 0 {
			c.heartbeatTimeout = timeout
		}
	}
}

// WithToken sets the credential stamped on outbound envelopes that carry none.
func WithToken(token string) Option {
	return func(c *clientConfig) {
		c.token = token
	}
}

// WithFileReader replaces os.ReadFile for UploadFile.
func WithFileReader(fn func(path string) ([]byte, error)) Option {
	return func(c *clientConfig) {
		if fn != nil {
			c.readFile = fn
		}
	}
}

// WithDispatchErrorHandler receives every isolated handler failure.
func WithDispatchErrorHandler(fn func(*registry.DispatchError)) Option {
	return func(c *clientConfig) {
		c.onDispatchError = fn
	}
}

// WithEventBuffer sets the per-subscriber buffer of state events.
func WithEventBuffer(n int) Option {
	return func(c *clientConfig) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

// Options contains configuration values for NewWithOptions.
type Options struct {
	Logger                   *slog.Logger
	Dialer                   transport.Dialer
	Header                   http.Header
	ConnectTimeout           time.Duration
	WriteTimeout             time.Duration
	RequestTimeout           time.Duration
	AutoReconnect            bool
	ReconnectInterval        time.Duration
	MaxReconnectAttempts     int
	ReconnectOnNormalClosure bool
	HeartbeatInterval        time.Duration // <= 0 disables the heartbeat
	HeartbeatTimeout         time.Duration
	Token                    string
	ReadFile                 func(path string) ([]byte, error)
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	d := defaultConfig()
	return Options{
		Logger:               d.logger,
		Dialer:               d.dialer,
		ConnectTimeout:       d.connectTimeout,
		WriteTimeout:         d.writeTimeout,
		RequestTimeout:       d.requestTimeout,
		AutoReconnect:        d.autoReconnect,
		ReconnectInterval:    d.reconnectInterval,
		MaxReconnectAttempts: d.maxReconnectAttempts,
		HeartbeatInterval:    d.heartbeatInterval,
		HeartbeatTimeout:     d.heartbeatTimeout,
		ReadFile:             d.readFile,
	}
}

// Apply converts the struct into functional options. Zero durations keep the
// defaults, except HeartbeatInterval, where zero disables the heartbeat. Start from
// DefaultOptions to keep the default heartbeat.
func (o Options) Apply() []Option {
	opts := []Option{
		WithLogger(o.Logger),
		WithDialer(o.Dialer),
		WithConnectTimeout(o.ConnectTimeout),
		WithWriteTimeout(o.WriteTimeout),
		WithRequestTimeout(o.RequestTimeout),
		WithReconnectOnNormalClosure(o.ReconnectOnNormalClosure),
		WithToken(o.Token),
		WithFileReader(o.ReadFile),
	}
	if o.Header != nil {
		opts = append(opts, WithHeader(o.Header))
	}
	if o.AutoReconnect {
		opts = append(opts, WithAutoReconnect(o.MaxReconnectAttempts, o.ReconnectInterval))
	} else {
		opts = append(opts, WithoutAutoReconnect())
	}
	opts = append(opts, WithHeartbeat(o.HeartbeatInterval, o.HeartbeatTimeout))
	return opts
}

// NewWithOptions creates a Client from an Options struct. Additional functional
// options override values from the struct.
func NewWithOptions(url string, o Options, extra ...Option) *Client {
	return New(url, append(o.Apply(), extra...)...)
}
