package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ev3c/ev3tunnel/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	metrics  atomic.Pointer[relay.Metrics]
	pings    atomic.Uint64
	restarts atomic.Uint64
	running  atomic.Bool
}

func (f *fakeSource) RelayMetrics() *relay.Metrics { return f.metrics.Load() }
func (f *fakeSource) KeepAlives() uint64           { return f.pings.Load() }
func (f *fakeSource) Restarts() uint64             { return f.restarts.Load() }
func (f *fakeSource) Running() bool                { return f.running.Load() }

func TestRegister(t *testing.T) {
	require := require.New(t)

	reg := prometheus.NewRegistry()
	src := &fakeSource{}

	unregister, err := Register(reg, "r1", src)
	require.NoError(err)

	// no relay yet
	require.NoError(testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP ev3tunnel_relay_requests_total Requests forwarded to the destination.
# TYPE ev3tunnel_relay_requests_total counter
ev3tunnel_relay_requests_total{device="r1"} 0
`), "ev3tunnel_relay_requests_total"))

	m := &relay.Metrics{}
	m.RequestCount.Add(3)
	m.ReplyCount.Add(2)
	m.InflightGauge.Add(1)
	src.metrics.Store(m)
	src.pings.Add(4)
	src.running.Store(true)

	expected := `
# HELP ev3tunnel_relay_requests_total Requests forwarded to the destination.
# TYPE ev3tunnel_relay_requests_total counter
ev3tunnel_relay_requests_total{device="r1"} 3
# HELP ev3tunnel_relay_replies_total Replies relayed back to the source.
# TYPE ev3tunnel_relay_replies_total counter
ev3tunnel_relay_replies_total{device="r1"} 2
# HELP ev3tunnel_relay_inflight_requests 1 while a reply is awaited.
# TYPE ev3tunnel_relay_inflight_requests gauge
ev3tunnel_relay_inflight_requests{device="r1"} 1
# HELP ev3tunnel_remote_keepalives_total Keep-alive pings answered on the remote transport.
# TYPE ev3tunnel_remote_keepalives_total counter
ev3tunnel_remote_keepalives_total{device="r1"} 4
# HELP ev3tunnel_session_up 1 while the session is running.
# TYPE ev3tunnel_session_up gauge
ev3tunnel_session_up{device="r1"} 1
`
	require.NoError(testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"ev3tunnel_relay_requests_total",
		"ev3tunnel_relay_replies_total",
		"ev3tunnel_relay_inflight_requests",
		"ev3tunnel_remote_keepalives_total",
		"ev3tunnel_session_up",
	))

	_, err = Register(reg, "r1", src)
	require.Error(err, "same device twice")

	_, err = Register(reg, "r2", &fakeSource{})
	require.NoError(err)

	unregister()
	count, err := testutil.GatherAndCount(reg, "ev3tunnel_relay_requests_total")
	require.NoError(err)
	require.Equal(1, count)
}

func TestServe(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	addr := ln.Addr().String()
	require.NoError(ln.Close())

	reg := prometheus.NewRegistry()
	_, err = Register(reg, "r1", &fakeSource{})
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, addr, reg) }()

	var body string
	require.Eventually(func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)

		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	require.Contains(body, `ev3tunnel_session_up{device="r1"} 0`)

	cancel()
	require.ErrorIs(<-errCh, context.Canceled)
}
