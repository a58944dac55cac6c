package session

import (
	"context"
	"errors"
	"io"

	"github.com/ev3c/ev3tunnel/arbiter"
	"github.com/ev3c/ev3tunnel/device"
	"github.com/ev3c/ev3tunnel/logger"
	"github.com/ev3c/ev3tunnel/relay"
	"github.com/ev3c/ev3tunnel/remote"
)

// RemoteDialer connects to the coordinator.
type RemoteDialer func(ctx context.Context) (*remote.Conn, error)

// DeviceConfig describes a device side session: one brick made available
// through the coordinator.
type DeviceConfig struct {
	// Name identifies the device at the coordinator.
	Name string
	// OpenDevice connects the device transport.
	OpenDevice func(ctx context.Context) (io.ReadWriteCloser, error)
	// DialRemote connects to the coordinator.
	DialRemote RemoteDialer
	// Gate registers the device. Defaults to an arbiter.Announcer for Name.
	Gate Gate
	// Relay holds extra relay options.
	Relay []relay.Option
	// Logger defaults to the global logger.
	Logger logger.Logger
}

// NewDeviceSession creates the session relaying coordinator requests to a device.
//
// Each attempt opens the device link first, then registers at the coordinator
// and relays until either side fails.
func NewDeviceSession(cfg DeviceConfig) *Session {
	return New(cfg.Name, func(ctx context.Context, s *Session) error {
		return runDevice(ctx, s, cfg)
	}, cfg.Logger)
}

func runDevice(ctx context.Context, s *Session, cfg DeviceConfig) error {
	if cfg.OpenDevice == nil || cfg.DialRemote == nil {
		return errors.New("device session needs OpenDevice and DialRemote")
	}

	rwc, err := cfg.OpenDevice(ctx)
	if err != nil {
		return err
	}
	link := device.NewLink(cfg.Name, rwc, s.logger)
	defer link.Close()
	s.logger.Info("device connected")

	conn, err := cfg.DialRemote(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.setRemote(conn)

	gate := cfg.Gate
	if gate == nil {
		gate = arbiter.NewAnnouncer(cfg.Name, s.logger)
	}

	cs, err := gate.Acquire(ctx, conn)
	if cs != nil {
		s.setControl(cs)
	}
	if err != nil {
		return err
	}

	engine, err := newEngine(s, conn, link, cfg.Relay)
	if err != nil {
		return err
	}

	return engine.Run(ctx)
}

func newEngine(s *Session, src relay.Endpoint, dst relay.Endpoint, opts []relay.Option) (*relay.Engine, error) {
	all := append([]relay.Option{relay.WithName(s.name), relay.WithLogger(s.logger)}, opts...)

	cfg, err := relay.NewConfig(all...)
	if err != nil {
		return nil, err
	}

	engine, err := relay.NewEngine(src, dst, cfg)
	if err != nil {
		return nil, err
	}
	s.setEngine(engine)

	return engine, nil
}
