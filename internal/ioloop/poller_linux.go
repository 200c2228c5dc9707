//go:build linux

package ioloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/turnrelay/turnrelay/internal/rerr"
)

const maxFDs = 65536

type fdInfo struct {
	cb     Callback
	mask   Mask
	active bool
}

// epollPoller is a level-triggered epoll multiplexer, adapted from
// joeycumines-go-utilpkg/eventloop's FastPoller: direct fd-indexed array
// under an RWMutex, version counter to discard stale EpollWait results after
// concurrent registration changes, self-pipe wakeup so Close can unblock a
// pending Run.
type epollPoller struct {
	epfd     int
	fds      [maxFDs]fdInfo
	fdMu     sync.RWMutex
	version  atomic.Uint64
	closed   atomic.Bool
	wakeR    int
	wakeW    int
	eventBuf [256]unix.EpollEvent
}

// New constructs the platform Poller (epoll on linux).
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, rerr.New(rerr.IOError, "ioloop.New", err)
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, rerr.New(rerr.IOError, "ioloop.New", err)
	}
	p := &epollPoller{epfd: epfd, wakeR: fds[0], wakeW: fds[1]}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, p.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(p.wakeR),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(p.wakeR)
		_ = unix.Close(p.wakeW)
		return nil, rerr.New(rerr.IOError, "ioloop.New", err)
	}
	return p, nil
}

func maskToEpoll(m Mask) uint32 {
	var e uint32
	if m&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if m&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToMask(e uint32) Mask {
	var m Mask
	if e&unix.EPOLLIN != 0 {
		m |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		m |= Writable
	}
	if e&unix.EPOLLERR != 0 {
		m |= ErrorCond
	}
	if e&unix.EPOLLHUP != 0 {
		m |= Hup
	}
	return m
}

func (p *epollPoller) Add(fd int, mask Mask, cb Callback) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if fd < 0 || fd >= maxFDs {
		return rerr.New(rerr.InvalidInput, "ioloop.Add", nil)
	}
	p.fdMu.Lock()
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return rerr.New(rerr.InvalidInput, "ioloop.Add: already registered", nil)
	}
	p.fds[fd] = fdInfo{cb: cb, mask: mask, active: true}
	p.version.Add(1)
	p.fdMu.Unlock()

	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: maskToEpoll(mask),
		Fd:     int32(fd),
	})
	if err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{}
		p.fdMu.Unlock()
		return rerr.New(rerr.IOError, "ioloop.Add", err)
	}
	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return rerr.New(rerr.InvalidInput, "ioloop.Remove", nil)
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return rerr.New(rerr.NotFound, "ioloop.Remove", nil)
	}
	p.fds[fd] = fdInfo{}
	p.version.Add(1)
	p.fdMu.Unlock()
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (p *epollPoller) setMask(fd int, mask Mask) error {
	if fd < 0 || fd >= maxFDs {
		return rerr.New(rerr.InvalidInput, "ioloop.setMask", nil)
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return rerr.New(rerr.NotFound, "ioloop.setMask", nil)
	}
	p.fds[fd].mask = mask
	p.version.Add(1)
	p.fdMu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: maskToEpoll(mask),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Enable(fd int, mask Mask) error {
	p.fdMu.RLock()
	cur := p.fds[fd].mask
	p.fdMu.RUnlock()
	return p.setMask(fd, cur|mask)
}

func (p *epollPoller) Disable(fd int, mask Mask) error {
	p.fdMu.RLock()
	cur := p.fds[fd].mask
	p.fdMu.RUnlock()
	return p.setMask(fd, cur&^mask)
}

func (p *epollPoller) Run() error {
	for {
		if p.closed.Load() {
			return nil
		}
		v := p.version.Load()
		n, err := unix.EpollWait(p.epfd, p.eventBuf[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return rerr.New(rerr.IOError, "ioloop.Run", err)
		}
		if p.closed.Load() {
			return nil
		}
		if p.version.Load() != v {
			// Registrations changed mid-wait; discard this batch's stale
			// results and poll again rather than dispatch against them.
			continue
		}
		p.dispatch(n)
	}
}

func (p *epollPoller) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakeR {
			drainWake(p.wakeR)
			continue
		}
		if fd < 0 || fd >= maxFDs {
			continue
		}
		p.fdMu.RLock()
		info := p.fds[fd]
		p.fdMu.RUnlock()
		if info.active && info.cb != nil {
			info.cb(epollToMask(p.eventBuf[i].Events))
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

func (p *epollPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	_, _ = unix.Write(p.wakeW, []byte{0})
	_ = unix.Close(p.wakeW)
	_ = unix.Close(p.wakeR)
	return unix.Close(p.epfd)
}
