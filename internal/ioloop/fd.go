//go:build unix

package ioloop

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/turnrelay/turnrelay/internal/rerr"
)

// DupFD extracts a non-blocking, independently-owned file descriptor from a
// net.Conn/net.Listener (or anything exposing SyscallConn), suitable for
// registering with a Poller directly. The caller remains responsible for
// closing the original conn; DupFD's descriptor survives that close since it
// is a separate kernel reference (matching the standard *os.File-via-dup
// pattern net.UDPConn.File() uses, expressed through the raw-conn API to
// avoid File()'s extra allocation).
func DupFD(conn syscall.Conn) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return -1, rerr.New(rerr.IOError, "ioloop.DupFD", err)
	}
	var dupFd int
	var dupErr error
	err = rc.Control(func(fd uintptr) {
		dupFd, dupErr = unix.Dup(int(fd))
	})
	if err != nil {
		return -1, rerr.New(rerr.IOError, "ioloop.DupFD", err)
	}
	if dupErr != nil {
		return -1, rerr.New(rerr.IOError, "ioloop.DupFD", dupErr)
	}
	if err := unix.SetNonblock(dupFd, true); err != nil {
		_ = unix.Close(dupFd)
		return -1, rerr.New(rerr.IOError, "ioloop.DupFD", err)
	}
	return dupFd, nil
}
