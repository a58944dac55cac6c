//go:build linux

package device

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// DialRFCOMM connects a native Bluetooth RFCOMM socket to addr on channel.
//
// The returned file is registered with the runtime poller, so read and write
// deadlines apply and Close unblocks pending reads.
func DialRFCOMM(ctx context.Context, addr BtAddr, channel uint8) (io.ReadWriteCloser, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{Addr: addr.littleEndian(), Channel: channel}
	if err := connectNonblock(ctx, fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect %s channel %d: %w", addr, channel, err)
	}

	return os.NewFile(uintptr(fd), "rfcomm:"+addr.String()), nil
}

// connectNonblock connects fd and polls for completion until ctx is done.
func connectNonblock(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS && err != unix.EAGAIN {
		return err
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}} //nolint:gosec // fd fits in int32
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		n, err := unix.Poll(pfd, 100)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			break
		}
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr) //nolint:gosec // errno values are small
	}

	return nil
}
