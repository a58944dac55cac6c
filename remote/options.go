package remote

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ev3c/ev3tunnel/logger"
)

const (
	// DefaultHandshakeTimeout bounds the WebSocket opening handshake.
	DefaultHandshakeTimeout = 45 * time.Second
	// DefaultWriteTimeout bounds a write when the context has no deadline.
	DefaultWriteTimeout = 10 * time.Second
)

type options struct {
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	tlsConfig        *tls.Config
	header           http.Header
	logger           logger.Logger
}

func defaultOptions() *options {
	return &options{
		handshakeTimeout: DefaultHandshakeTimeout,
		writeTimeout:     DefaultWriteTimeout,
		logger:           logger.GetLogger(),
	}
}

// Option configures Dial.
type Option interface {
	apply(*options) error
}

type optFunc func(*options) error

func (f optFunc) apply(o *options) error { return f(o) }

// WithHandshakeTimeout sets the timeout of the opening handshake, in range (0, 5m].
//
// The default value is 45 seconds.
func WithHandshakeTimeout(d time.Duration) Option {
	return optFunc(func(o *options) error {
		if d <= 0 || d > 5*time.Minute {
			return fmt.Errorf("handshake timeout out of range (0, 5m]: %s", d)
		}
		o.handshakeTimeout = d

		return nil
	})
}

// WithWriteTimeout sets the write deadline used when the context carries none, in range (0, 5m].
//
// The default value is 10 seconds.
func WithWriteTimeout(d time.Duration) Option {
	return optFunc(func(o *options) error {
		if d <= 0 || d > 5*time.Minute {
			return fmt.Errorf("write timeout out of range (0, 5m]: %s", d)
		}
		o.writeTimeout = d

		return nil
	})
}

// WithTLSConfig sets the TLS configuration of wss connections.
func WithTLSConfig(cfg *tls.Config) Option {
	return optFunc(func(o *options) error {
		o.tlsConfig = cfg
		return nil
	})
}

// WithHeader adds HTTP headers to the opening handshake.
func WithHeader(h http.Header) Option {
	return optFunc(func(o *options) error {
		o.header = h.Clone()
		return nil
	})
}

// WithLogger sets the logger of the connection.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(o *options) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		o.logger = l

		return nil
	})
}
