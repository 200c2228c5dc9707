package ioloop

import (
	"net"
	"sync"

	"github.com/turnrelay/turnrelay/internal/bufpool"
)

// Kind tags which of the three handler variants a Handler is. Modeled as a
// sum type (spec §9's "handler callback wiring without function pointers in
// a struct" design note) rather than a union of optional function fields.
type Kind int

const (
	StreamKind Kind = iota
	AcceptKind
	DatagramKind
)

type outboundItem struct {
	buf  *bufpool.Buffer
	addr *net.UDPAddr // set only for DatagramKind sends
}

// Handler owns one socket and its outbound FIFO. Exactly one of the
// on* callbacks relevant to its Kind is ever invoked. A Handler transitions
// active -> closing on Shutdown, and is destroyed (fd closed, removed from
// its Reactor) once its outbound FIFO drains or an unrecoverable fd error
// occurs, per spec §4.3.
type Handler struct {
	fd      int
	kind    Kind
	reactor *Reactor
	pool    *bufpool.Pool

	mu         sync.Mutex
	outq       []outboundItem
	partialOff int // byte offset already written into outq[0], stream only
	closing    bool
	destroyed  bool

	// onStreamData receives each chunk read from a stream socket.
	onStreamData func(data []byte)
	// onAccept receives the fd of a newly accepted connection.
	onAccept func(fd int)
	// onDatagram receives one inbound datagram and its source address.
	onDatagram func(buf *bufpool.Buffer, addr *net.UDPAddr)
	// onClose is invoked exactly once when the handler is destroyed, with
	// the triggering error (nil for a clean graceful shutdown).
	onClose func(err error)
}

// Fd returns the handler's underlying file descriptor.
func (h *Handler) Fd() int { return h.fd }

// Send enqueues buf for transmission on a stream handler. Ownership of buf
// transfers to the Handler; it is released once fully written.
func (h *Handler) Send(buf *bufpool.Buffer) error {
	return h.enqueue(outboundItem{buf: buf})
}

// SendTo enqueues buf for transmission to addr on a datagram handler.
// Ownership of buf transfers to the Handler; it is released after the
// sendto call regardless of outcome (partial writes are dropped, not
// retried, per spec §4.3).
func (h *Handler) SendTo(buf *bufpool.Buffer, addr *net.UDPAddr) error {
	return h.enqueue(outboundItem{buf: buf, addr: addr})
}

func (h *Handler) enqueue(item outboundItem) error {
	h.mu.Lock()
	if h.closing || h.destroyed {
		h.mu.Unlock()
		item.buf.Release()
		return ErrClosed
	}
	wasEmpty := len(h.outq) == 0
	h.outq = append(h.outq, item)
	h.mu.Unlock()

	if wasEmpty {
		_ = h.reactor.poller.Enable(h.fd, Writable)
	}
	return nil
}

// Shutdown requests graceful close: further Send/SendTo calls are refused,
// and the handler is destroyed once its outbound FIFO drains (immediately,
// if already empty). Inbound data is still delivered until it is destroyed.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	if h.closing || h.destroyed {
		h.mu.Unlock()
		return
	}
	h.closing = true
	empty := len(h.outq) == 0
	h.mu.Unlock()

	if empty {
		h.reactor.destroy(h, nil)
	}
}
