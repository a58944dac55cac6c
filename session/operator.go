package session

import (
	"context"
	"errors"

	"github.com/ev3c/ev3tunnel/arbiter"
	"github.com/ev3c/ev3tunnel/discovery"
	"github.com/ev3c/ev3tunnel/internal/task"
	"github.com/ev3c/ev3tunnel/local"
	"github.com/ev3c/ev3tunnel/logger"
	"github.com/ev3c/ev3tunnel/relay"
)

// OperatorConfig describes an operator side session: a remote device presented
// to local control software.
type OperatorConfig struct {
	// Name identifies the session in logs and metrics.
	Name string
	// DialRemote connects to the coordinator.
	DialRemote RemoteDialer
	// Gate requests control. Required, usually an arbiter.Client.
	Gate Gate
	// OnGrant is called once control is granted, before the local side is opened.
	OnGrant func(cs *arbiter.ControlSession)
	// ListenAddr is the address the control software connects to.
	ListenAddr string
	// Discovery returns the broadcast settings for the granted device name.
	// Nil disables the broadcast.
	Discovery func(name string) (*discovery.Config, error)
	// ReconnectLocal accepts a new local connection when the control software
	// disconnects, keeping the remote connection.
	ReconnectLocal bool
	// Relay holds extra relay options.
	Relay []relay.Option
	// Logger defaults to the global logger.
	Logger logger.Logger
}

// NewOperatorSession creates the session relaying local control software requests to the coordinator.
//
// Each attempt connects to the coordinator and waits for control. Once granted,
// it starts the discovery broadcast under the name of the granted device,
// accepts the control software and relays until either side fails.
func NewOperatorSession(cfg OperatorConfig) *Session {
	return New(cfg.Name, func(ctx context.Context, s *Session) error {
		return runOperator(ctx, s, cfg)
	}, cfg.Logger)
}

func runOperator(ctx context.Context, s *Session, cfg OperatorConfig) error {
	if cfg.DialRemote == nil || cfg.Gate == nil {
		return errors.New("operator session needs DialRemote and Gate")
	}

	conn, err := cfg.DialRemote(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.setRemote(conn)

	cs, err := cfg.Gate.Acquire(ctx, conn)
	if cs != nil {
		s.setControl(cs)
	}
	if err != nil {
		return err
	}

	deviceID := cs.DeviceID()
	s.logger.Info("control granted", "device", deviceID, "control_session", cs.ID.String())
	if cfg.OnGrant != nil {
		cfg.OnGrant(cs)
	}

	tasks := task.NewManager(ctx, s.logger)
	defer func() {
		tasks.Stop()
		tasks.Wait()
	}()

	if cfg.Discovery != nil {
		dcfg, err := cfg.Discovery(deviceID)
		if err != nil {
			return err
		}

		emulator := discovery.NewEmulator(dcfg)
		if _, err := tasks.Go("discovery", func(ctx context.Context) error {
			res, err := emulator.Run(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("discovery failed", "error", err, "broadcasts", res.Broadcasts)
			}

			return err
		}); err != nil {
			return err
		}
	}

	ln, err := local.Listen(ctx, cfg.ListenAddr, s.logger)
	if err != nil {
		return err
	}
	defer ln.Close()

	lc, err := ln.Accept(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = lc.Close() }()

	engine, err := newEngine(s, lc, conn, cfg.Relay)
	if err != nil {
		return err
	}

	for {
		err := engine.Run(ctx)
		if !cfg.ReconnectLocal || !relay.IsSide(err, relay.SourceSide) || ctx.Err() != nil {
			return err
		}

		s.logger.Info("local control software disconnected, waiting for reconnection", "error", err)
		_ = lc.Close()

		lc, err = ln.Accept(ctx)
		if err != nil {
			return err
		}
		if err := engine.SetSource(lc); err != nil {
			return err
		}
	}
}
