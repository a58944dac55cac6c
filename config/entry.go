package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ev3c/ev3tunnel/discovery"
)

// Entry is the configuration of the operator side.
type Entry struct {
	Common

	// EV3 is the preferred device, empty for any. It is rewritten after a grant
	// when SaveGrant is set.
	EV3            string    `toml:"ev3,omitempty"`
	SaveGrant      bool      `toml:"save_grant"`
	ReconnectLocal bool      `toml:"reconnect_local"`
	Discovery      Discovery `toml:"discovery"`
}

// Discovery configures the broadcast announcing the tunnel to the control software.
type Discovery struct {
	Serial         string   `toml:"serial"`
	ListenPort     int      `toml:"listen_port"`
	BroadcastAddr  string   `toml:"broadcast_addr"`
	Protocol       string   `toml:"protocol"`
	Interval       Duration `toml:"interval"`
	ReceiveTimeout Duration `toml:"receive_timeout"`
}

// Options returns the discovery options of d.
func (d *Discovery) Options() []discovery.Option {
	return []discovery.Option{
		discovery.WithListenPort(d.ListenPort),
		discovery.WithBroadcastAddr(d.BroadcastAddr),
		discovery.WithProtocol(d.Protocol),
		discovery.WithInterval(d.Interval.Duration),
		discovery.WithReceiveTimeout(d.ReceiveTimeout.Duration),
	}
}

// ListenAddr returns the address the local listener binds.
func (d *Discovery) ListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", d.ListenPort)
}

// DefaultEntry returns the operator side defaults.
func DefaultEntry() *Entry {
	return &Entry{
		Common:         defaultCommon(9000),
		SaveGrant:      true,
		ReconnectLocal: true,
		Discovery: Discovery{
			Serial:         "0016534c0221",
			ListenPort:     discovery.DefaultListenPort,
			BroadcastAddr:  discovery.DefaultBroadcastAddr,
			Protocol:       discovery.DefaultProtocol,
			Interval:       Duration{discovery.DefaultInterval},
			ReceiveTimeout: Duration{discovery.DefaultReceiveTimeout},
		},
	}
}

// LoadEntry reads the operator side configuration at path.
func LoadEntry(path string) (*Entry, error) {
	cfg := DefaultEntry()
	if _, _, err := load(path, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// SaveEntry writes cfg to path.
func SaveEntry(path string, cfg *Entry) error {
	return save(path, cfg)
}

// Validate checks the configuration.
func (cfg *Entry) Validate() error {
	errs := []error{cfg.Common.validate()}

	d := cfg.Discovery
	if strings.TrimSpace(d.Serial) == "" {
		errs = append(errs, errors.New("discovery.serial is empty"))
	}
	if d.ListenPort <= 0 || d.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("discovery.listen_port out of range: %d", d.ListenPort))
	}
	if d.Interval.Duration < time.Millisecond || d.ReceiveTimeout.Duration < time.Millisecond {
		errs = append(errs, errors.New("discovery.interval and discovery.receive_timeout must be at least 1ms"))
	}

	return errors.Join(errs...)
}
