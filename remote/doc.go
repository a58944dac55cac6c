// Package remote implements the message transport to the coordinator, a WebSocket
// connection carrying EV3 frames as binary messages and the arbitration control
// plane as JSON text messages.
//
// Conn satisfies relay.Endpoint. Ping control frames are answered with the
// matching pong as soon as they are read, so keep-alives are served while a
// relay waits for a reply. Text messages arriving on the tunnel and empty binary
// messages are skipped by ReadFrame.
//
// Example Usage:
//
//	conn, err := remote.Dial(ctx, remote.URL("wss", "coordinator.local", 9000, "ev3c"))
//	if err != nil {
//	    // handle error
//	}
//	defer conn.Close()
//
//	if err := conn.WriteJSON(ctx, map[string]string{"preferred_ev3": "EV3"}); err != nil {
//	    // handle error
//	}
package remote
