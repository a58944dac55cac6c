// Package local accepts the connection of the local control software.
//
// The control software connects to the port announced by the discovery
// broadcast and sends one request line, which is answered with the fixed
// acceptance token "Accept:EV340\r\n\r\n". After the handshake the connection
// carries length-prefixed frames in both directions.
package local
