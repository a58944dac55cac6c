package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ev3c/ev3tunnel/device"
)

// Exit is the configuration of the device side.
type Exit struct {
	Common

	EV3s []Device `toml:"ev3s"`
}

// Device describes one brick served by the device side.
type Device struct {
	Name      string `toml:"name"`
	Transport string `toml:"transport"`
	// Nap and Sap form the Bluetooth address when Addr is empty.
	Nap     uint16 `toml:"nap"`
	Sap     uint32 `toml:"sap"`
	Addr    string `toml:"addr,omitempty"`
	Channel uint8  `toml:"channel,omitempty"`
	Path    string `toml:"path,omitempty"`
	Baud    int    `toml:"baud,omitempty"`
	Serial  string `toml:"serial,omitempty"`
}

// Target returns how the device is reached.
func (d *Device) Target() device.Target {
	t := device.Target{
		Transport: d.Transport,
		Addr:      d.Addr,
		Channel:   d.Channel,
		Path:      d.Path,
		Baud:      d.Baud,
		Serial:    d.Serial,
	}

	if t.Transport == "" {
		t.Transport = device.TransportRFCOMM
	}
	if t.Transport == device.TransportRFCOMM && t.Addr == "" {
		t.Addr = device.BtAddrFromNapSap(d.Nap, d.Sap).String()
	}
	if t.Transport == device.TransportRFCOMM && t.Channel == 0 {
		t.Channel = device.DefaultRFCOMMChannel
	}

	return t
}

// DefaultExit returns the device side defaults.
func DefaultExit() *Exit {
	return &Exit{
		Common: defaultCommon(8800),
		EV3s: []Device{{
			Name:      "EV3",
			Transport: device.TransportRFCOMM,
			Nap:       22,
			Sap:       1234567890,
		}},
	}
}

// LoadExit reads the device side configuration at path.
func LoadExit(path string) (*Exit, error) {
	cfg := DefaultExit()
	defaults := cfg.EV3s
	cfg.EV3s = nil

	meta, created, err := load(path, cfg)
	if err != nil {
		return nil, err
	}
	if created || !meta.IsDefined("ev3s") {
		cfg.EV3s = defaults
	}
	if created {
		if err := save(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration.
func (cfg *Exit) Validate() error {
	errs := []error{cfg.Common.validate()}

	if len(cfg.EV3s) == 0 {
		errs = append(errs, errors.New("no ev3s configured"))
	}

	names := make(map[string]struct{}, len(cfg.EV3s))
	for i := range cfg.EV3s {
		d := &cfg.EV3s[i]
		name := strings.TrimSpace(d.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("ev3s[%d]: name is empty", i))
			continue
		}
		if _, dup := names[name]; dup {
			errs = append(errs, fmt.Errorf("ev3s[%d]: duplicate name %q", i, name))
		}
		names[name] = struct{}{}

		switch d.Target().Transport {
		case device.TransportRFCOMM, "bluetooth":
		case device.TransportSerial:
			if d.Path == "" {
				errs = append(errs, fmt.Errorf("ev3s[%d]: serial transport needs a path", i))
			}
		case device.TransportTCP:
			if d.Addr == "" {
				errs = append(errs, fmt.Errorf("ev3s[%d]: tcp transport needs an addr", i))
			}
		default:
			errs = append(errs, fmt.Errorf("ev3s[%d]: unknown transport %q", i, d.Transport))
		}
	}

	return errors.Join(errs...)
}
