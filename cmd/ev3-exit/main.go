// ev3-exit runs next to the bricks. It connects every configured brick, then
// registers it at the coordinator and relays the coordinator's frames to it.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ev3c/ev3tunnel/config"
	"github.com/ev3c/ev3tunnel/device"
	"github.com/ev3c/ev3tunnel/logger"
	"github.com/ev3c/ev3tunnel/metrics"
	"github.com/ev3c/ev3tunnel/relay"
	"github.com/ev3c/ev3tunnel/remote"
	"github.com/ev3c/ev3tunnel/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel, metricsAddr string

	flagSet := pflag.NewFlagSet("ev3-exit", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the TOML config file")
	flagSet.StringVar(&logLevel, "log-level", "", "log level, overrides log_level")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, overrides metrics_addr")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadExit(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	l := logger.NewSlog(os.Stdout, level, false)
	logger.SetDefault(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialOpts := []remote.Option{remote.WithLogger(l)}
	if cfg.InsecureSkipVerify {
		dialOpts = append(dialOpts, remote.WithTLSConfig(&tls.Config{InsecureSkipVerify: true})) //nolint:gosec // opt-in for self-signed coordinators
	}
	url := cfg.URL()

	retry := cfg.RetryInterval.Duration
	if retry <= 0 {
		retry = -1
	}
	mgr := session.NewManager(ctx, session.WithRetryInterval(retry), session.WithManagerLogger(l))

	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	for _, dev := range cfg.EV3s {
		target := dev.Target()
		s := session.NewDeviceSession(session.DeviceConfig{
			Name: dev.Name,
			OpenDevice: func(ctx context.Context) (io.ReadWriteCloser, error) {
				return device.Open(ctx, target)
			},
			DialRemote: func(ctx context.Context) (*remote.Conn, error) {
				return remote.Dial(ctx, url, dialOpts...)
			},
			Relay: []relay.Option{
				relay.WithFaultPolicy(cfg.FaultPolicy),
				relay.WithReplyTimeout(cfg.ReplyTimeout.Duration),
			},
			Logger: l,
		})

		if reg != nil {
			if _, err := metrics.Register(reg, s.Name(), s); err != nil {
				mgr.Stop()
				mgr.Wait()
				return err
			}
		}

		if err := mgr.Start(s); err != nil {
			mgr.Stop()
			mgr.Wait()
			return err
		}
		l.Info("device session started", "device", dev.Name, "transport", target.Transport, "addr", target.Addr)
	}

	if reg != nil {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("metrics server stopped", "error", err)
			}
		}()
	}

	mgr.Wait()

	return nil
}
