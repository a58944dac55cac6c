package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ev3c/ev3tunnel/frame"
	"github.com/ev3c/ev3tunnel/logger"
)

// ErrLinkClosed is returned by operations on a closed Link.
var ErrLinkClosed = errors.New("device link closed")

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Link is the exclusive connection to one device.
//
// Send serializes whole request/reply exchanges. ReadFrame and WriteFrame let
// the relay drive the link directly; they must not be mixed with Send.
type Link struct {
	name   string
	rwc    io.ReadWriteCloser
	reader *frame.Reader
	logger logger.Logger

	sendMu sync.Mutex
	rmu    sync.Mutex
	wmu    sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewLink creates a Link named name over rwc. The Link owns rwc.
func NewLink(name string, rwc io.ReadWriteCloser, l logger.Logger) *Link {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Link{
		name:   name,
		rwc:    rwc,
		reader: frame.NewReader(rwc),
		logger: l.With("device", name),
	}
}

// Name returns the device name.
func (l *Link) Name() string { return l.name }

// Send writes req and returns the reply, or nil for a request that expects none.
func (l *Link) Send(ctx context.Context, req []byte) ([]byte, error) {
	ct, err := frame.Classify(req)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", l.name, err)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if err := l.WriteFrame(ctx, req); err != nil {
		return nil, err
	}

	if !ct.ExpectsReply() {
		return nil, nil
	}

	return l.ReadFrame(ctx)
}

// ReadFrame reads one frame from the device.
func (l *Link) ReadFrame(ctx context.Context) ([]byte, error) {
	l.rmu.Lock()
	defer l.rmu.Unlock()

	if l.closed.Load() {
		return nil, ErrLinkClosed
	}

	if rd, ok := l.rwc.(readDeadliner); ok {
		deadline, _ := ctx.Deadline()
		_ = rd.SetReadDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	b, err := l.reader.ReadFrame()
	if err != nil {
		return nil, l.wrapErr(ctx, "read", err)
	}

	if l.logger.Level() == logger.DebugLevel {
		l.logger.Debug("device frame received", "len", len(b), "frame", frame.HexString(b))
	}

	return b, nil
}

// WriteFrame writes b to the device in a single write.
func (l *Link) WriteFrame(ctx context.Context, b []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	if l.closed.Load() {
		return ErrLinkClosed
	}

	if wd, ok := l.rwc.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		_ = wd.SetWriteDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	if l.logger.Level() == logger.DebugLevel {
		l.logger.Debug("device frame send", "len", len(b), "frame", frame.HexString(b))
	}

	if _, err := l.rwc.Write(b); err != nil {
		return l.wrapErr(ctx, "write", err)
	}

	return nil
}

// Close closes the transport. It is safe to call Close more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.rwc.Close()
		l.logger.Debug("device link closed")
	})

	return l.closeErr
}

func (l *Link) wrapErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	if l.closed.Load() {
		return ErrLinkClosed
	}

	return fmt.Errorf("%s %s: %w", op, l.name, err)
}
