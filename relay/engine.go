package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ev3c/ev3tunnel/frame"
	"github.com/ev3c/ev3tunnel/logger"
)

// Endpoint is one side of a relay. ReadFrame returns the next complete frame;
// endpoints answer transport keep-alives and skip non-frame messages themselves.
type Endpoint interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, b []byte) error
}

// Watcher is implemented by source endpoints that report a lost peer without
// being read. Done is closed once no more requests can arrive.
type Watcher interface {
	Done() <-chan struct{}
}

// State is the state of an Engine.
type State uint32

const (
	// Idle means the engine is ready to read the next request.
	Idle State = iota
	// Forwarding means a request is being validated and written to the destination.
	Forwarding
	// AwaitingReply means a request was forwarded and its reply is pending.
	AwaitingReply
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Forwarding:
		return "forwarding"
	case AwaitingReply:
		return "awaiting-reply"
	default:
		return "unknown"
	}
}

// Engine relays frames from a source endpoint to a destination endpoint.
//
// Engine is NOT goroutine-safe: Step and Run must be called from one goroutine.
// State and Metrics may be read concurrently.
type Engine struct {
	cfg    *Config
	logger logger.Logger

	mu  sync.Mutex // protects src and dst
	src Endpoint
	dst Endpoint

	state   atomic.Uint32
	seq     frame.SequenceTracker
	metrics Metrics

	// abandoned is the sequence number of a request whose source went away
	// before the reply arrived
	abandoned    uint16
	hasAbandoned bool
}

// NewEngine creates an Engine relaying from src to dst.
func NewEngine(src Endpoint, dst Endpoint, cfg *Config) (*Engine, error) {
	if src == nil || dst == nil {
		return nil, ErrEndpointNil
	}
	if cfg == nil {
		return nil, ErrConfigNil
	}

	return &Engine{
		cfg:    cfg,
		logger: cfg.logger.With("relay", cfg.name),
		src:    src,
		dst:    dst,
	}, nil
}

// State returns the current engine state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Metrics returns the counters of the engine.
func (e *Engine) Metrics() *Metrics {
	return &e.metrics
}

// Sequence returns the tracker of request sequence numbers.
func (e *Engine) Sequence() *frame.SequenceTracker {
	return &e.seq
}

// SetSource replaces the source endpoint, e.g. after the local control software reconnected.
// It must not be called while Step or Run is executing.
func (e *Engine) SetSource(src Endpoint) error {
	if src == nil {
		return ErrEndpointNil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.src = src
	e.seq.Reset()

	return nil
}

func (e *Engine) endpoints() (Endpoint, Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.src, e.dst
}

// Run calls Step until it fails or ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.Step(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			return err
		}
	}
}

// Step relays one request and, if the request expects one, its reply.
//
// It returns nil when the engine is back in Idle, including when the fault policy
// dropped the request. Any error is terminal for the engine.
func (e *Engine) Step(ctx context.Context) error {
	src, dst := e.endpoints()
	e.setState(Idle)

	req, err := src.ReadFrame(ctx)
	if err != nil {
		return e.transportErr(SourceSide, "read request", err)
	}

	e.setState(Forwarding)
	defer e.setState(Idle)

	ct, keep, err := e.checkRequest(req)
	if err != nil || !keep {
		return err
	}

	if e.seq.ObserveFrame(req) {
		e.metrics.incRolloverCount()
		seq, _ := frame.Sequence(req)
		e.logger.Info("request sequence number rolled over", "seq", seq)
	}

	if e.logger.Level() == logger.DebugLevel {
		e.logger.Debug("forward request", "type", ct, "len", len(req), "frame", frame.HexString(req))
	}

	if err := dst.WriteFrame(ctx, req); err != nil {
		return e.transportErr(DestinationSide, "write request", err)
	}
	e.metrics.incRequestCount()

	if !ct.ExpectsReply() {
		e.metrics.incNoReplyCount()
		return nil
	}

	reply, err := e.awaitReply(ctx, src, dst, req)
	if err != nil {
		return err
	}

	if e.logger.Level() == logger.DebugLevel {
		e.logger.Debug("relay reply", "len", len(reply), "frame", frame.HexString(reply))
	}

	// the request is answered once the reply left; a failed write discards it
	if err := src.WriteFrame(ctx, reply); err != nil {
		return e.transportErr(SourceSide, "write reply", err)
	}
	e.metrics.incReplyCount()

	return nil
}

// checkRequest validates and classifies a request. keep is false if the
// request must not be forwarded.
func (e *Engine) checkRequest(req []byte) (ct frame.CommandType, keep bool, err error) {
	if verr := frame.Validate(req); verr != nil {
		if keep, err = e.applyPolicy("request", req, verr); err != nil || !keep {
			return 0, false, err
		}
	}

	ct, cerr := frame.Classify(req)
	if cerr != nil {
		e.metrics.incFaultCount()
		e.logFault("request", req, cerr)
		if e.cfg.policy == TerminatePolicy {
			return 0, false, &FaultError{Relay: e.cfg.name, Direction: "request", Len: len(req), Err: cerr}
		}
		// without a command type the engine cannot tell whether to wait
		e.metrics.incDropCount()

		return 0, false, nil
	}

	return ct, true, nil
}

// awaitReply reads from dst until one reply is accepted by the fault policy.
// If src is a Watcher, a lost source ends the wait with ErrSourceGone.
func (e *Engine) awaitReply(ctx context.Context, src Endpoint, dst Endpoint, req []byte) ([]byte, error) {
	e.setState(AwaitingReply)
	e.metrics.incInflight()
	defer e.metrics.decInflight()

	rctx := ctx
	if e.cfg.replyTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, e.cfg.replyTimeout)
		defer cancel()
	}

	if w, ok := src.(Watcher); ok {
		wctx, cancel := context.WithCancelCause(rctx)
		defer cancel(nil)
		go func() {
			select {
			case <-w.Done():
				cancel(ErrSourceGone)
			case <-wctx.Done():
			}
		}()
		rctx = wctx
	}

	reqSeq, _ := frame.Sequence(req)

	for {
		reply, err := dst.ReadFrame(rctx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(context.Cause(rctx), ErrSourceGone) {
				e.abandoned, e.hasAbandoned = reqSeq, true
				return nil, e.transportErr(SourceSide, "await reply", ErrSourceGone)
			}
			if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded)) {
				err = ErrReplyTimeout
			}

			return nil, e.transportErr(DestinationSide, "read reply", err)
		}

		if e.isAbandonedReply(reply, reqSeq) {
			continue
		}

		verr := frame.Validate(reply)
		if verr == nil {
			return reply, nil
		}

		keep, err := e.applyPolicy("reply", reply, verr)
		if err != nil {
			return nil, err
		}
		if keep {
			return reply, nil
		}
	}
}

// isAbandonedReply drops the late reply of an abandoned request.
func (e *Engine) isAbandonedReply(reply []byte, reqSeq uint16) bool {
	if !e.hasAbandoned {
		return false
	}

	seq, ok := frame.Sequence(reply)
	if !ok || seq != e.abandoned || seq == reqSeq {
		return false
	}

	e.hasAbandoned = false
	e.metrics.incDropCount()
	e.logger.Info("drop reply of abandoned request", "seq", seq)

	return true
}

// applyPolicy handles a frame that failed validation. It returns keep=true if
// the frame should still be forwarded.
func (e *Engine) applyPolicy(direction string, b []byte, fault error) (keep bool, err error) {
	e.metrics.incFaultCount()
	e.logFault(direction, b, fault)

	switch e.cfg.policy {
	case TerminatePolicy:
		return false, &FaultError{Relay: e.cfg.name, Direction: direction, Len: len(b), Err: fault}
	case DropPolicy:
		e.metrics.incDropCount()
		return false, nil
	default:
		return true, nil
	}
}

func (e *Engine) logFault(direction string, b []byte, fault error) {
	e.logger.Warn("protocol fault",
		"direction", direction,
		"len", len(b),
		"policy", e.cfg.policy,
		"error", fault,
	)
	if e.logger.Level() == logger.DebugLevel {
		e.logger.Debug("faulty frame", "direction", direction, "frame", frame.HexString(b))
	}
}

func (e *Engine) transportErr(side Side, op string, err error) error {
	return &TransportError{Relay: e.cfg.name, Side: side, Op: op, Err: err}
}

func (e *Engine) setState(s State) {
	e.state.Store(uint32(s))
}
