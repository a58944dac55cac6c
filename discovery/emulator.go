package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/ev3c/ev3tunnel/internal/pool"
	"github.com/ev3c/ev3tunnel/logger"
)

// Result summarizes a finished Run.
type Result struct {
	// Broadcasts is the number of datagrams sent.
	Broadcasts int
	// Acks is the number of answers received.
	Acks int
	// Failures is the number of sends and receives that failed and were retried.
	Failures int
	// LastAck is the address of the last answering host.
	LastAck net.Addr
}

// Emulator broadcasts an Advertisement until cancelled.
type Emulator struct {
	cfg    *Config
	logger logger.Logger
}

// NewEmulator creates an Emulator.
func NewEmulator(cfg *Config) *Emulator {
	return &Emulator{
		cfg:    cfg,
		logger: cfg.logger.With("discovery", cfg.ad.Name),
	}
}

// Run owns a UDP socket and broadcasts until ctx is done, then returns the
// counters and ctx.Err(). Failed sends and receives are logged and retried after
// the interval; any other returned error means the socket could not be opened
// or was closed.
func (em *Emulator) Run(ctx context.Context) (Result, error) {
	var res Result

	dst, err := net.ResolveUDPAddr("udp4", em.cfg.broadcastAddr)
	if err != nil {
		return res, fmt.Errorf("resolve broadcast address: %w", err)
	}

	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", em.cfg.bindAddr)
	if err != nil {
		return res, fmt.Errorf("bind discovery socket: %w", err)
	}
	defer pc.Close()

	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()

	payload := em.cfg.ad.Payload()
	buf := make([]byte, 1024)

	em.logger.Info("discovery started", "broadcast", dst.String(), "port", em.cfg.ad.Port)

	for {
		if _, err := pc.WriteTo(payload, dst); err != nil {
			if !em.retry(ctx, &res, "send broadcast", err) {
				return res, em.socketErr(ctx, "send broadcast", err)
			}
			continue
		}
		res.Broadcasts++

		_ = pc.SetReadDeadline(time.Now().Add(em.cfg.receiveTimeout))
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				em.logger.Debug("no discovery answer", "timeout", em.cfg.receiveTimeout)
				continue
			}

			if !em.retry(ctx, &res, "receive answer", err) {
				return res, em.socketErr(ctx, "receive answer", err)
			}
			continue
		}

		// an empty datagram is an answer too
		res.Acks++
		res.LastAck = from
		em.logger.Info("discovery answered", "from", from.String(), "len", n)

		if !pool.Sleep(ctx, em.cfg.interval) {
			return res, ctx.Err()
		}
	}
}

// retry logs a failed socket operation and waits one interval. It returns false
// if the socket is closed or ctx is done.
func (em *Emulator) retry(ctx context.Context, res *Result, op string, err error) bool {
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return false
	}

	res.Failures++
	em.logger.Warn("discovery "+op+" failed", "error", err, "failures", res.Failures)

	return pool.Sleep(ctx, em.cfg.interval)
}

func (em *Emulator) socketErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return fmt.Errorf("%s: %w", op, err)
}

func enableBroadcast(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = setBroadcast(fd)
	})
	if err != nil {
		return err
	}

	return sockErr
}
