//go:build !linux && unix

package ioloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/turnrelay/turnrelay/internal/rerr"
)

const maxFDs = 65536

type pollEntry struct {
	fd   int
	mask Mask
	cb   Callback
}

// pollPoller is a poll(2)-based fallback Poller for non-Linux unix targets,
// matching the epoll implementation's Add/Remove/Enable/Disable/Run/Close
// contract without relying on epoll-specific syscalls.
type pollPoller struct {
	mu      sync.Mutex
	entries map[int]*pollEntry
	closed  atomic.Bool
	wakeR   int
	wakeW   int
}

// New constructs the platform Poller (poll(2)-based fallback).
func New() (Poller, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, rerr.New(rerr.IOError, "ioloop.New", err)
	}
	return &pollPoller{
		entries: make(map[int]*pollEntry),
		wakeR:   fds[0],
		wakeW:   fds[1],
	}, nil
}

func (p *pollPoller) Add(fd int, mask Mask, cb Callback) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[fd]; ok {
		return rerr.New(rerr.InvalidInput, "ioloop.Add: already registered", nil)
	}
	p.entries[fd] = &pollEntry{fd: fd, mask: mask, cb: cb}
	return nil
}

func (p *pollPoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[fd]; !ok {
		return rerr.New(rerr.NotFound, "ioloop.Remove", nil)
	}
	delete(p.entries, fd)
	return nil
}

func (p *pollPoller) Enable(fd int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[fd]
	if !ok {
		return rerr.New(rerr.NotFound, "ioloop.Enable", nil)
	}
	e.mask |= mask
	return nil
}

func (p *pollPoller) Disable(fd int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[fd]
	if !ok {
		return rerr.New(rerr.NotFound, "ioloop.Disable", nil)
	}
	e.mask &^= mask
	return nil
}

func maskToPollEvents(m Mask) int16 {
	var e int16
	if m&Readable != 0 {
		e |= unix.POLLIN
	}
	if m&Writable != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func pollEventsToMask(e int16) Mask {
	var m Mask
	if e&unix.POLLIN != 0 {
		m |= Readable
	}
	if e&unix.POLLOUT != 0 {
		m |= Writable
	}
	if e&unix.POLLERR != 0 {
		m |= ErrorCond
	}
	if e&unix.POLLHUP != 0 {
		m |= Hup
	}
	return m
}

func (p *pollPoller) Run() error {
	for {
		if p.closed.Load() {
			return nil
		}

		p.mu.Lock()
		fds := make([]unix.PollFd, 0, len(p.entries)+1)
		order := make([]int, 0, len(p.entries))
		for fd, e := range p.entries {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: maskToPollEvents(e.mask)})
			order = append(order, fd)
		}
		fds = append(fds, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
		p.mu.Unlock()

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return rerr.New(rerr.IOError, "ioloop.Run", err)
		}
		if p.closed.Load() {
			return nil
		}
		if n == 0 {
			continue
		}

		if fds[len(fds)-1].Revents != 0 {
			drainWake(p.wakeR)
		}
		for i, fd := range order {
			if fds[i].Revents == 0 {
				continue
			}
			p.mu.Lock()
			e, ok := p.entries[fd]
			p.mu.Unlock()
			if ok && e.cb != nil {
				e.cb(pollEventsToMask(fds[i].Revents))
			}
		}
	}
}

func drainWake(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *pollPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	_, _ = unix.Write(p.wakeW, []byte{0})
	_ = unix.Close(p.wakeW)
	_ = unix.Close(p.wakeR)
	return nil
}
