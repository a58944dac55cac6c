// Package device owns the connection to a physical EV3 brick.
//
// A Link wraps one transport, an RFCOMM socket, a serial port (such as a
// bound /dev/rfcommN or the USB gadget), or a TCP connection to a brick on
// Wi-Fi, and exchanges length-prefixed frames over it. Link.Send writes one
// request and, when its command type expects one, returns exactly one reply.
//
// Connect failures are reported to the caller and never retried here.
package device
