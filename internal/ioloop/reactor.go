package ioloop

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/turnrelay/turnrelay/internal/bufpool"
	"github.com/turnrelay/turnrelay/internal/rerr"
	"github.com/turnrelay/turnrelay/internal/rlog"
)

// Reactor dispatches poller readiness events to per-socket Handlers,
// generalizing the teacher's single event loop into the three handler kinds
// spec §4.3 names. The reactor thread (the goroutine running Run) never
// blocks a caller: Send/SendTo/Shutdown take only short-held locks (the
// Handler's own, the poller's registration table, and, when Shutdown
// destroys the handler, the reactor's handler table) and never wait on I/O.
type Reactor struct {
	poller Poller
	log    *rlog.Logger

	mu       sync.Mutex
	handlers map[int]*Handler
}

// NewReactor wraps a Poller. log may be nil (defaults to a no-op logger).
func NewReactor(poller Poller, log *rlog.Logger) *Reactor {
	if log == nil {
		log = rlog.Nop()
	}
	return &Reactor{
		poller:   poller,
		log:      log,
		handlers: make(map[int]*Handler),
	}
}

// Run blocks dispatching readiness events until Close is called.
func (r *Reactor) Run() error {
	return r.poller.Run()
}

// Close shuts down the underlying poller; registered handlers are not
// individually notified (callers should Shutdown handlers first for a
// graceful drain).
func (r *Reactor) Close() error {
	return r.poller.Close()
}

func (r *Reactor) register(h *Handler, mask Mask) error {
	r.mu.Lock()
	r.handlers[h.fd] = h
	r.mu.Unlock()
	if err := r.poller.Add(h.fd, mask, func(m Mask) { r.dispatch(h, m) }); err != nil {
		r.mu.Lock()
		delete(r.handlers, h.fd)
		r.mu.Unlock()
		return err
	}
	return nil
}

// AddStream registers fd as a stream handler. pool supplies inbound read
// buffers; onData receives each chunk read (valid only for the duration of
// the callback); onClose fires exactly once when the handler is destroyed.
func (r *Reactor) AddStream(fd int, pool *bufpool.Pool, onData func([]byte), onClose func(error)) (*Handler, error) {
	h := &Handler{fd: fd, kind: StreamKind, reactor: r, pool: pool, onStreamData: onData, onClose: onClose}
	if err := r.register(h, Readable); err != nil {
		return nil, err
	}
	return h, nil
}

// AddAccept registers fd as a listening socket; onAccept receives the fd of
// each newly accepted connection.
func (r *Reactor) AddAccept(fd int, onAccept func(fd int)) (*Handler, error) {
	h := &Handler{fd: fd, kind: AcceptKind, reactor: r, onAccept: onAccept}
	if err := r.register(h, Readable); err != nil {
		return nil, err
	}
	return h, nil
}

// AddDatagram registers fd as a UDP socket. pool supplies inbound read
// buffers; onDatagram receives one buffer (caller-owned, refcount 1) and the
// packet's source address per inbound datagram.
func (r *Reactor) AddDatagram(fd int, pool *bufpool.Pool, onDatagram func(*bufpool.Buffer, *net.UDPAddr), onClose func(error)) (*Handler, error) {
	h := &Handler{fd: fd, kind: DatagramKind, reactor: r, pool: pool, onDatagram: onDatagram, onClose: onClose}
	if err := r.register(h, Readable); err != nil {
		return nil, err
	}
	return h, nil
}

func (r *Reactor) dispatch(h *Handler, mask Mask) {
	if mask&Readable != 0 {
		r.handleReadable(h)
	}
	if mask&Writable != 0 {
		r.handleWritable(h)
	}
	if mask&(Hup|ErrorCond) != 0 {
		// Drain any readable data queued alongside HUP before tearing down,
		// per spec §4.2's edge case note.
		if mask&Readable == 0 {
			r.handleReadable(h)
		}
		r.destroy(h, rerr.New(rerr.IOError, "ioloop: fd hup/error", nil))
	}
}

func (r *Reactor) handleReadable(h *Handler) {
	switch h.kind {
	case StreamKind:
		r.readStream(h)
	case AcceptKind:
		r.acceptLoop(h)
	case DatagramKind:
		r.readDatagram(h)
	}
}

func (r *Reactor) readStream(h *Handler) {
	buf := make([]byte, h.pool.ElemSize())
	for {
		n, err := unix.Read(h.fd, buf)
		if n > 0 && h.onStreamData != nil {
			h.onStreamData(buf[:n])
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.destroy(h, rerr.New(rerr.IOError, "ioloop: stream read", err))
			return
		}
		if n == 0 {
			r.destroy(h, nil)
			return
		}
		if n < len(buf) {
			return
		}
	}
}

func (r *Reactor) acceptLoop(h *Handler) {
	for {
		nfd, _, err := unix.Accept4(h.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.log.Warning().Err(err).Log("ioloop: accept failed")
			return
		}
		if h.onAccept != nil {
			h.onAccept(nfd)
		}
	}
}

func (r *Reactor) readDatagram(h *Handler) {
	for {
		buf, err := h.pool.Alloc()
		if err != nil {
			r.log.Warning().Err(err).Log("ioloop: datagram buffer exhausted")
			return
		}
		n, from, err := unix.Recvfrom(h.fd, buf.Bytes(), 0)
		if err != nil {
			buf.Release()
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.log.Warning().Err(err).Log("ioloop: recvfrom failed")
			return
		}
		buf.SetLen(n)
		addr := sockaddrToUDPAddr(from)
		if h.onDatagram != nil {
			h.onDatagram(buf, addr)
		} else {
			buf.Release()
		}
	}
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: append(net.IP{}, a.Addr[:]...), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: append(net.IP{}, a.Addr[:]...), Port: a.Port}
	default:
		return nil
	}
}

func udpAddrToSockaddr(addr *net.UDPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}

func (r *Reactor) handleWritable(h *Handler) {
	switch h.kind {
	case StreamKind:
		r.writeStream(h)
	case DatagramKind:
		r.writeDatagram(h)
	}
}

func (r *Reactor) writeStream(h *Handler) {
	for {
		h.mu.Lock()
		if len(h.outq) == 0 {
			h.mu.Unlock()
			_ = r.poller.Disable(h.fd, Writable)
			return
		}
		item := h.outq[0]
		off := h.partialOff
		h.mu.Unlock()

		data := item.buf.Bytes()[off:]
		n, err := unix.Write(h.fd, data)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.destroy(h, rerr.New(rerr.IOError, "ioloop: stream write", err))
			return
		}

		h.mu.Lock()
		if off+n >= len(item.buf.Bytes()) {
			h.outq = h.outq[1:]
			h.partialOff = 0
			empty := len(h.outq) == 0
			closing := h.closing
			h.mu.Unlock()
			item.buf.Release()
			if empty {
				_ = r.poller.Disable(h.fd, Writable)
				if closing {
					r.destroy(h, nil)
				}
				return
			}
			continue
		}
		h.partialOff = off + n
		h.mu.Unlock()
		return
	}
}

func (r *Reactor) writeDatagram(h *Handler) {
	for {
		h.mu.Lock()
		if len(h.outq) == 0 {
			h.mu.Unlock()
			_ = r.poller.Disable(h.fd, Writable)
			return
		}
		item := h.outq[0]
		h.outq = h.outq[1:]
		empty := len(h.outq) == 0
		closing := h.closing
		h.mu.Unlock()

		var err error
		if item.addr != nil {
			err = unix.Sendto(h.fd, item.buf.Bytes(), 0, udpAddrToSockaddr(item.addr))
		} else {
			_, err = unix.Write(h.fd, item.buf.Bytes())
		}
		if err != nil {
			// Partial/failed datagram writes are dropped, not retried or
			// requeued, per spec §4.3.
			r.log.Warning().Err(err).Log("ioloop: sendto dropped")
		}
		item.buf.Release()

		if empty {
			_ = r.poller.Disable(h.fd, Writable)
			if closing {
				r.destroy(h, nil)
			}
			return
		}
	}
}

// destroy removes h from its reactor, closes its fd, and invokes onClose
// exactly once. Safe to call more than once; only the first call acts.
func (r *Reactor) destroy(h *Handler, cause error) {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	pending := h.outq
	h.outq = nil
	h.mu.Unlock()

	for _, item := range pending {
		item.buf.Release()
	}

	r.mu.Lock()
	delete(r.handlers, h.fd)
	r.mu.Unlock()

	_ = r.poller.Remove(h.fd)
	_ = unix.Close(h.fd)

	if h.onClose != nil {
		h.onClose(cause)
	}
}
