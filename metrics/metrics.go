// Package metrics exposes the counters of running sessions to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ev3c/ev3tunnel/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "ev3tunnel"

// Source is what a session reports. RelayMetrics returns nil while no relay runs.
type Source interface {
	RelayMetrics() *relay.Metrics
	KeepAlives() uint64
	Restarts() uint64
	Running() bool
}

type relayCounter struct {
	name string
	help string
	get  func(m *relay.Metrics) uint64
}

var relayCounters = []relayCounter{
	{"requests_total", "Requests forwarded to the destination.", func(m *relay.Metrics) uint64 { return m.RequestCount.Load() }},
	{"no_reply_requests_total", "Forwarded requests that expected no reply.", func(m *relay.Metrics) uint64 { return m.NoReplyCount.Load() }},
	{"replies_total", "Replies relayed back to the source.", func(m *relay.Metrics) uint64 { return m.ReplyCount.Load() }},
	{"faults_total", "Frames failing validation or classification.", func(m *relay.Metrics) uint64 { return m.FaultCount.Load() }},
	{"dropped_total", "Frames discarded by the fault policy.", func(m *relay.Metrics) uint64 { return m.DropCount.Load() }},
	{"sequence_rollovers_total", "Request sequence number rollovers.", func(m *relay.Metrics) uint64 { return m.RolloverCount.Load() }},
}

// Register adds the metrics of src, labelled with device=name, to reg. The
// returned function removes them again.
func Register(reg prometheus.Registerer, name string, src Source) (func(), error) {
	labels := prometheus.Labels{"device": name}
	collectors := make([]prometheus.Collector, 0, len(relayCounters)+4)

	for _, rc := range relayCounters {
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "relay",
			Name:        rc.name,
			Help:        rc.help,
			ConstLabels: labels,
		}, relayValue(src, rc.get)))
	}

	collectors = append(collectors,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   "relay",
			Name:        "inflight_requests",
			Help:        "1 while a reply is awaited.",
			ConstLabels: labels,
		}, func() float64 {
			if m := src.RelayMetrics(); m != nil {
				return float64(m.InflightGauge.Load())
			}
			return 0
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "remote",
			Name:        "keepalives_total",
			Help:        "Keep-alive pings answered on the remote transport.",
			ConstLabels: labels,
		}, func() float64 { return float64(src.KeepAlives()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "session",
			Name:        "restarts_total",
			Help:        "Session restarts after a failure.",
			ConstLabels: labels,
		}, func() float64 { return float64(src.Restarts()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   "session",
			Name:        "up",
			Help:        "1 while the session is running.",
			ConstLabels: labels,
		}, func() float64 {
			if src.Running() {
				return 1
			}
			return 0
		}),
	)

	registered := make([]prometheus.Collector, 0, len(collectors))
	unregister := func() {
		for _, c := range registered {
			reg.Unregister(c)
		}
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			unregister()
			return nil, fmt.Errorf("register metrics of %s: %w", name, err)
		}
		registered = append(registered, c)
	}

	return unregister, nil
}

func relayValue(src Source, get func(m *relay.Metrics) uint64) func() float64 {
	return func() float64 {
		if m := src.RelayMetrics(); m != nil {
			return float64(get(m))
		}
		return 0
	}
}

// Serve serves /metrics and /health on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics on %s: %w", addr, err)
	}

	return ctx.Err()
}
