//go:build !unix

package discovery

// setBroadcast is a no-op where the runtime enables SO_BROADCAST on UDP sockets itself.
func setBroadcast(_ uintptr) error { return nil }
