// Package discovery emulates the UDP broadcast a brick sends so that control
// software on the local network segment detects it without manual addressing.
//
// Every broadcast carries an Advertisement rendered as
//
//	Serial-Number: 0016534c0221\r\n
//	Port: 5555\r\n
//	Name: EV3\r\n
//	Protocol: EV3\r\n
//
// After each broadcast the emulator waits for an answer datagram. A receive
// timeout is not an error: the next broadcast is sent right away. An answer is
// logged and the next broadcast follows after the broadcast interval, so the
// emulator keeps announcing until its context is cancelled.
package discovery
