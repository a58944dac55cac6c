package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ev3c/ev3tunnel/frame"
	"github.com/ev3c/ev3tunnel/logger"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("remote connection closed")

// URL builds the coordinator endpoint, e.g. URL("wss", "host", 9000, "ev3c")
// returns "wss://host:9000/ev3c".
func URL(scheme string, host string, port int, path string) string {
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + strings.TrimPrefix(path, "/"),
	}

	return u.String()
}

// Conn is a WebSocket connection to the coordinator.
//
// A reader goroutine runs for the whole life of the connection so keep-alive
// pings are answered whether or not a caller is reading. Received messages are
// queued until ReadFrame or ReadText takes them; a full queue stops reading.
// One goroutine may read and one goroutine may write at a time; concurrent
// reads or concurrent writes are serialized.
type Conn struct {
	ws           *websocket.Conn
	logger       logger.Logger
	writeTimeout time.Duration

	rmu sync.Mutex
	wmu sync.Mutex

	incoming chan message
	readDone chan struct{}
	readErr  error
	closing  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	pings   atomic.Uint64
	skipped atomic.Uint64
}

type message struct {
	mt   int
	data []byte
}

// incomingQueueSize is the number of received messages held for the next read.
const incomingQueueSize = 16

// Dial opens a WebSocket connection to rawURL.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Conn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}

	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: o.handshakeTimeout,
		TLSClientConfig:  o.tlsConfig,
	}

	ws, resp, err := dialer.DialContext(ctx, rawURL, o.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}

		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	c := newConn(ws, o)
	c.logger.Debug("remote connected", "url", rawURL)

	return c, nil
}

// NewConn wraps an established WebSocket connection, e.g. one accepted by a server.
func NewConn(ws *websocket.Conn, l logger.Logger) *Conn {
	o := defaultOptions()
	if l != nil {
		o.logger = l
	}

	return newConn(ws, o)
}

func newConn(ws *websocket.Conn, o *options) *Conn {
	c := &Conn{
		ws:           ws,
		logger:       o.logger.With("remote", ws.RemoteAddr().String()),
		writeTimeout: o.writeTimeout,
		incoming:     make(chan message, incomingQueueSize),
		readDone:     make(chan struct{}),
		closing:      make(chan struct{}),
	}
	ws.SetPingHandler(c.handlePing)
	go c.readLoop()

	return c
}

// readLoop reads until the connection fails. Control messages are handled by
// gorilla inside ReadMessage; empty binary messages are dropped here.
func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}

		if mt == websocket.BinaryMessage && len(data) == 0 {
			c.skipped.Add(1)
			c.logger.Info("empty binary message, controlling peer disconnected")
			continue
		}

		select {
		case c.incoming <- message{mt: mt, data: data}:
		case <-c.closing:
			return
		}
	}
}

// handlePing answers a ping with a pong carrying the same data.
func (c *Conn) handlePing(data string) error {
	c.pings.Add(1)

	err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
	if err == nil || errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}

	return err
}

// Pings returns the number of keep-alive pings answered.
func (c *Conn) Pings() uint64 { return c.pings.Load() }

// Skipped returns the number of messages ReadFrame skipped.
func (c *Conn) Skipped() uint64 { return c.skipped.Load() }

// RemoteAddr returns the address of the coordinator.
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// ReadFrame returns the payload of the next non-empty binary message.
//
// An empty binary message means the controlling peer went away; it is skipped
// like any text message. A done ctx ends this read only; the connection stays
// open until Close.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		mt, data, err := c.read(ctx)
		if err != nil {
			return nil, err
		}

		if mt == websocket.BinaryMessage {
			if c.logger.Level() == logger.DebugLevel {
				c.logger.Debug("remote frame received", "len", len(data), "frame", frame.HexString(data))
			}
			return data, nil
		}

		c.skipped.Add(1)
		c.logger.Debug("ignore text message on tunnel", "len", len(data))
	}
}

// WriteFrame sends b as one binary message.
func (c *Conn) WriteFrame(ctx context.Context, b []byte) error {
	return c.write(ctx, websocket.BinaryMessage, b)
}

// WriteJSON sends v encoded as one text message.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}

	return c.write(ctx, websocket.TextMessage, data)
}

// ReadText returns the next text message, skipping binary messages.
func (c *Conn) ReadText(ctx context.Context) ([]byte, error) {
	for {
		mt, data, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}

		c.skipped.Add(1)
		c.logger.Debug("ignore binary message on control plane", "len", len(data))
	}
}

// Close sends a close message and closes the connection. It is safe to call Close
// more than once and concurrently with reads.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})

	return c.closeErr
}

func (c *Conn) read(ctx context.Context) (int, []byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if c.closed.Load() {
		return 0, nil, ErrClosed
	}

	select {
	case m := <-c.incoming:
		return m.mt, m.data, nil
	case <-c.readDone:
		// messages queued before the failure are still delivered
		select {
		case m := <-c.incoming:
			return m.mt, m.data, nil
		default:
		}
		if c.closed.Load() {
			return 0, nil, ErrClosed
		}

		return 0, nil, c.readErr
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *Conn) write(ctx context.Context, mt int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}

	if err := c.ws.WriteMessage(mt, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return err
	}

	return nil
}
