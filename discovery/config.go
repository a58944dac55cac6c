package discovery

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ev3c/ev3tunnel/logger"
)

const (
	// DefaultBroadcastAddr is the destination of discovery broadcasts.
	DefaultBroadcastAddr = "255.255.255.255:3015"
	// DefaultInterval is the pause after an answered broadcast.
	DefaultInterval = 5 * time.Second
	// DefaultReceiveTimeout bounds the wait for an answer to one broadcast.
	DefaultReceiveTimeout = 10 * time.Second
	// DefaultListenPort is the local TCP port announced to the control software.
	DefaultListenPort = 5555
	// DefaultProtocol is the protocol tag of the announcement.
	DefaultProtocol = "EV3"
)

// Advertisement is the content of one discovery broadcast.
type Advertisement struct {
	Serial   string
	Port     int
	Name     string
	Protocol string
}

// Payload renders the advertisement as the CRLF separated datagram body.
func (a Advertisement) Payload() []byte {
	return fmt.Appendf(nil, "Serial-Number: %s\r\nPort: %d\r\nName: %s\r\nProtocol: %s\r\n",
		a.Serial, a.Port, a.Name, a.Protocol)
}

// Config holds the settings of an Emulator.
type Config struct {
	ad             Advertisement
	broadcastAddr  string
	bindAddr       string
	interval       time.Duration
	receiveTimeout time.Duration
	logger         logger.Logger
}

// NewConfig creates a Config announcing serial and name with default values, then applies opts.
func NewConfig(serial string, name string, opts ...Option) (*Config, error) {
	if strings.TrimSpace(serial) == "" {
		return nil, errors.New("discovery serial number is empty")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("discovery name is empty")
	}

	cfg := &Config{
		ad: Advertisement{
			Serial:   serial,
			Port:     DefaultListenPort,
			Name:     name,
			Protocol: DefaultProtocol,
		},
		broadcastAddr:  DefaultBroadcastAddr,
		bindAddr:       "0.0.0.0:0",
		interval:       DefaultInterval,
		receiveTimeout: DefaultReceiveTimeout,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Advertisement returns the announced advertisement.
func (cfg *Config) Advertisement() Advertisement { return cfg.ad }

// BroadcastAddr returns the broadcast destination.
func (cfg *Config) BroadcastAddr() string { return cfg.broadcastAddr }

// Interval returns the pause after an answered broadcast.
func (cfg *Config) Interval() time.Duration { return cfg.interval }

// ReceiveTimeout returns the wait for an answer to one broadcast.
func (cfg *Config) ReceiveTimeout() time.Duration { return cfg.receiveTimeout }

// Option represents a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithBroadcastAddr sets the host:port broadcasts are sent to.
//
// The default value is "255.255.255.255:3015".
func WithBroadcastAddr(addr string) Option {
	return optFunc(func(cfg *Config) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid broadcast address %q: %w", addr, err)
		}
		cfg.broadcastAddr = addr

		return nil
	})
}

// WithBindAddr sets the local address of the broadcast socket.
//
// The default value is "0.0.0.0:0".
func WithBindAddr(addr string) Option {
	return optFunc(func(cfg *Config) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid bind address %q: %w", addr, err)
		}
		cfg.bindAddr = addr

		return nil
	})
}

// WithInterval sets the pause after an answered broadcast, in range [1ms, 1h].
//
// The default value is 5 seconds.
func WithInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < time.Millisecond || d > time.Hour {
			return fmt.Errorf("broadcast interval out of range [1ms, 1h]: %s", d)
		}
		cfg.interval = d

		return nil
	})
}

// WithReceiveTimeout sets the wait for an answer to one broadcast, in range [1ms, 1h].
//
// The default value is 10 seconds.
func WithReceiveTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < time.Millisecond || d > time.Hour {
			return fmt.Errorf("receive timeout out of range [1ms, 1h]: %s", d)
		}
		cfg.receiveTimeout = d

		return nil
	})
}

// WithListenPort sets the local TCP port announced in the advertisement.
//
// The default value is 5555.
func WithListenPort(port int) Option {
	return optFunc(func(cfg *Config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("listen port out of range: %d", port)
		}
		cfg.ad.Port = port

		return nil
	})
}

// WithProtocol sets the protocol tag of the advertisement.
//
// The default value is "EV3".
func WithProtocol(protocol string) Option {
	return optFunc(func(cfg *Config) error {
		if protocol == "" {
			return errors.New("protocol is empty")
		}
		cfg.ad.Protocol = protocol

		return nil
	})
}

// WithLogger sets the logger of the emulator.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
