//go:build unix

package discovery

import "golang.org/x/sys/unix"

func setBroadcast(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1) //nolint:gosec // fd from RawConn
}
