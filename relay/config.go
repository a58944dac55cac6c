package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ev3c/ev3tunnel/logger"
)

// FaultPolicy decides what the engine does with a frame that failed validation.
type FaultPolicy uint8

const (
	// ForwardPolicy logs a length mismatch and forwards the frame unchanged.
	// Frames that cannot be classified are dropped, as the engine cannot know
	// whether to wait for a reply.
	ForwardPolicy FaultPolicy = iota
	// DropPolicy discards the offending frame and continues with the next frame boundary.
	// A dropped reply keeps the engine waiting for the next one.
	DropPolicy
	// TerminatePolicy ends the engine with a *FaultError.
	TerminatePolicy
)

func (p FaultPolicy) String() string {
	switch p {
	case ForwardPolicy:
		return "forward"
	case DropPolicy:
		return "drop"
	case TerminatePolicy:
		return "terminate"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParseFaultPolicy converts "forward", "drop" or "terminate" to a FaultPolicy.
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "forward":
		return ForwardPolicy, nil
	case "drop":
		return DropPolicy, nil
	case "terminate":
		return TerminatePolicy, nil
	default:
		return ForwardPolicy, fmt.Errorf("unknown fault policy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p FaultPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *FaultPolicy) UnmarshalText(text []byte) error {
	v, err := ParseFaultPolicy(string(text))
	if err != nil {
		return err
	}
	*p = v

	return nil
}

// MaxReplyTimeout is the largest reply timeout accepted by WithReplyTimeout.
const MaxReplyTimeout = 10 * time.Minute

// Config holds the settings of an Engine.
type Config struct {
	// name identifies the relay in logs and errors, usually the device id.
	name string

	// policy is applied to frames failing validation. Defaults to ForwardPolicy.
	policy FaultPolicy

	// replyTimeout bounds the AwaitingReply state. Zero waits until the
	// destination replies or the context ends. Defaults to 0.
	replyTimeout time.Duration

	logger logger.Logger
}

// NewConfig creates a Config with default values and applies opts.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		name:   "relay",
		policy: ForwardPolicy,
		logger: logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Name returns the relay name.
func (cfg *Config) Name() string { return cfg.name }

// FaultPolicy returns the configured fault policy.
func (cfg *Config) FaultPolicy() FaultPolicy { return cfg.policy }

// ReplyTimeout returns the reply timeout, zero meaning none.
func (cfg *Config) ReplyTimeout() time.Duration { return cfg.replyTimeout }

// Option represents a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error {
	if cfg == nil {
		return ErrConfigNil
	}

	return f(cfg)
}

// WithName sets the name used in logs and errors.
func WithName(name string) Option {
	return optFunc(func(cfg *Config) error {
		if strings.TrimSpace(name) == "" {
			return errors.New("relay name is empty")
		}
		cfg.name = name

		return nil
	})
}

// WithFaultPolicy sets the policy applied to frames failing validation.
//
// The default value is ForwardPolicy.
func WithFaultPolicy(p FaultPolicy) Option {
	return optFunc(func(cfg *Config) error {
		if p > TerminatePolicy {
			return fmt.Errorf("invalid fault policy %d", p)
		}
		cfg.policy = p

		return nil
	})
}

// WithReplyTimeout sets the ceiling of the AwaitingReply state.
// Zero disables the ceiling. An error is returned if the value is negative
// or larger than MaxReplyTimeout.
//
// The default value is 0.
func WithReplyTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 || d > MaxReplyTimeout {
			return fmt.Errorf("reply timeout out of range [0, %s]", MaxReplyTimeout)
		}
		cfg.replyTimeout = d

		return nil
	})
}

// WithLogger sets the logger of the engine.
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
