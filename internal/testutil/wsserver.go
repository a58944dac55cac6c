// Package testutil provides a fake coordinator for tests exercising the remote transport.
package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// WSHandler serves one accepted WebSocket connection. The connection is closed
// after the handler returns.
type WSHandler func(ws *websocket.Conn)

// WSServer is a WebSocket server on a loopback port.
type WSServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	handler  WSHandler

	mu    sync.Mutex
	conns []*websocket.Conn
	wg    sync.WaitGroup
}

// NewWSServer starts a server calling handler for every connection. It is shut
// down by t.Cleanup.
func NewWSServer(t testing.TB, handler WSHandler) *WSServer {
	t.Helper()

	s := &WSServer{handler: handler}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)

	return s
}

func (s *WSServer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, ws)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer ws.Close()

	s.handler(ws)
}

// URL returns the ws:// URL of path on the server.
func (s *WSServer) URL(path string) string {
	return "ws://" + s.HostPort() + "/" + strings.TrimPrefix(path, "/")
}

// HostPort returns the listen address of the server.
func (s *WSServer) HostPort() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

// Host returns the listen host of the server.
func (s *WSServer) Host() string {
	host, _, _ := net.SplitHostPort(s.HostPort())
	return host
}

// Port returns the listen port of the server.
func (s *WSServer) Port() int {
	_, port, _ := net.SplitHostPort(s.HostPort())
	p, _ := strconv.Atoi(port)

	return p
}

// Close closes every accepted connection and stops the server.
func (s *WSServer) Close() {
	s.mu.Lock()
	for _, ws := range s.conns {
		_ = ws.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.srv.Close()
}
