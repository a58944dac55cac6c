// ev3-entry runs on the operator's computer. It requests control of a brick at
// the coordinator, announces the granted brick on the local network, and
// relays the frames of the local control software to the coordinator.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ev3c/ev3tunnel/arbiter"
	"github.com/ev3c/ev3tunnel/config"
	"github.com/ev3c/ev3tunnel/discovery"
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
	var configPath, logLevel, metricsAddr, preferred string

	flagSet := pflag.NewFlagSet("ev3-entry", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the TOML config file")
	flagSet.StringVar(&logLevel, "log-level", "", "log level, overrides log_level")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, overrides metrics_addr")
	flagSet.StringVar(&preferred, "ev3", "", "preferred brick, overrides ev3")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadEntry(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if preferred != "" {
		cfg.EV3 = preferred
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
	l.Info("connecting to coordinator", "url", url, "preferred", cfg.EV3)

	s := session.NewOperatorSession(session.OperatorConfig{
		Name: "entry",
		DialRemote: func(ctx context.Context) (*remote.Conn, error) {
			return remote.Dial(ctx, url, dialOpts...)
		},
		Gate:       arbiter.NewClient(cfg.EV3, arbiter.WithClientLogger(l)),
		OnGrant:    saveGrant(configPath, cfg, l),
		ListenAddr: cfg.Discovery.ListenAddr(),
		Discovery: func(name string) (*discovery.Config, error) {
			opts := append(cfg.Discovery.Options(), discovery.WithLogger(l))
			return discovery.NewConfig(cfg.Discovery.Serial, name, opts...)
		},
		ReconnectLocal: cfg.ReconnectLocal,
		Relay: []relay.Option{
			relay.WithFaultPolicy(cfg.FaultPolicy),
			relay.WithReplyTimeout(cfg.ReplyTimeout.Duration),
		},
		Logger: l,
	})

	mgr := session.NewManager(ctx, session.WithRetryInterval(retryInterval(cfg.RetryInterval.Duration)), session.WithManagerLogger(l))
	if err := mgr.Start(s); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		if err := serveMetrics(ctx, cfg.MetricsAddr, s, l); err != nil {
			mgr.Stop()
			mgr.Wait()
			return err
		}
	}

	mgr.Wait()
	if ctx.Err() != nil {
		return nil
	}

	return s.Err()
}

// saveGrant returns the OnGrant hook persisting the granted brick as the preferred one.
func saveGrant(path string, cfg *config.Entry, l logger.Logger) func(cs *arbiter.ControlSession) {
	return func(cs *arbiter.ControlSession) {
		if !cfg.SaveGrant || cs.DeviceID() == cfg.EV3 {
			return
		}

		saved := *cfg
		saved.EV3 = cs.DeviceID()
		if err := config.SaveEntry(path, &saved); err != nil {
			l.Warn("save granted brick", "error", err)
			return
		}
		l.Info("granted brick saved as preferred", "ev3", saved.EV3, "config", path)
	}
}

// retryInterval maps the configured interval to the manager option; zero disables restarts.
func retryInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return -1
	}

	return d
}

func serveMetrics(ctx context.Context, addr string, s *session.Session, l logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if _, err := metrics.Register(reg, s.Name(), s); err != nil {
		return err
	}

	go func() {
		if err := metrics.Serve(ctx, addr, reg); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("metrics server stopped", "error", err)
		}
	}()
	l.Info("serving metrics", "addr", addr)

	return nil
}
