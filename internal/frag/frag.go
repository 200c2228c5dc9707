// Package frag implements the datagram fragmentation/reassembly engine
// (C5): splitting a bounded payload into fragments tagged with sequence,
// offset, and more-fragments bit, and reassembling them under a
// per-sequence deadline. Grounded on hoycutils/common/data_frag.c
// (data_frag / data_defrag / defrag_timeout_handle), re-expressed with
// internal/timer standing in for the source's timer wheel and a
// mutex-guarded map standing in for its Hashmap.
package frag

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/rerr"
	"github.com/turnrelay/turnrelay/internal/timer"
)

func nowPlus(d time.Duration) time.Time {
	return time.Now().Add(d)
}

// Fragment is one piece of a split payload.
type Fragment struct {
	ID     uint16
	Offset uint32
	Length uint32
	More   bool // more-fragments bit; false marks the terminal fragment
	Data   []byte
}

// Split divides payload into fragments of at most maxLen bytes each, tagged
// with a monotonic per-sender fragment-set id. The last fragment has
// More == false; all others have More == true. Returns rerr.InvalidInput if
// payload exceeds config.MaxPayloadLen.
func Split(nextID func() uint16, payload []byte, maxLen int) ([]Fragment, error) {
	if len(payload) > config.MaxPayloadLen {
		return nil, rerr.New(rerr.InvalidInput, "frag.Split", nil)
	}
	if maxLen <= 0 {
		maxLen = config.CliFragmentMaxLen
	}
	id := nextID()
	if len(payload) == 0 {
		return []Fragment{{ID: id, Offset: 0, Length: 0, More: false, Data: payload[:0]}}, nil
	}
	var out []Fragment
	for ofs := 0; ofs < len(payload); {
		end := ofs + maxLen
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, Fragment{
			ID:     id,
			Offset: uint32(ofs),
			Length: uint32(end - ofs),
			More:   end != len(payload),
			Data:   payload[ofs:end],
		})
		ofs = end
	}
	return out, nil
}

// Counter is a monotonic 16-bit fragment-set id allocator, one per sender.
type Counter struct{ n atomic.Uint32 }

// Next returns the next id, wrapping modulo 2^16.
func (c *Counter) Next() uint16 {
	return uint16(c.n.Add(1))
}

type reassembly struct {
	mu       sync.Mutex
	id       uint16
	frags    []Fragment
	recvLen  uint32
	total    uint32 // 0 until the terminal fragment has been seen
	haveTerm bool
	timerEnt *timer.Entry
}

// Reassembler tracks in-flight reassembly queues, one per fragment-set id,
// each under a deadline. Deliver is invoked with the reassembled payload
// exactly once per fragment set, never holding the Reassembler's lock.
type Reassembler struct {
	svc      *timer.Service
	mu       sync.Mutex
	queues   map[uint16]*reassembly
	timeouts atomic.Uint64

	// Deliver receives a fully reassembled payload. Must be set before use.
	Deliver func(payload []byte)
}

// New constructs a Reassembler. svc drives reassembly-queue deadlines.
func New(svc *timer.Service) *Reassembler {
	return &Reassembler{
		svc:    svc,
		queues: make(map[uint16]*reassembly),
	}
}

// TimeoutCount returns the number of reassembly queues that have expired.
func (r *Reassembler) TimeoutCount() uint64 {
	return r.timeouts.Load()
}

// Insert feeds one received fragment into the reassembler. Duplicate
// offsets within a fragment set are dropped and reported as an
// rerr.InvalidInput error. When the fragment set completes, Deliver is invoked
// with the contiguous reassembled payload and the queue is freed.
func (r *Reassembler) Insert(f Fragment) error {
	r.mu.Lock()
	q, ok := r.queues[f.ID]
	if !ok {
		q = &reassembly{id: f.ID}
		q.timerEnt = r.svc.Add(nowPlus(config.DefragTimeout), func() { r.expire(f.ID, q) })
		r.queues[f.ID] = q
	}
	r.mu.Unlock()

	q.mu.Lock()
	for _, existing := range q.frags {
		if existing.Offset == f.Offset {
			q.mu.Unlock()
			return rerr.New(rerr.InvalidInput, "frag.Insert", nil)
		}
	}
	q.frags = append(q.frags, f)
	q.recvLen += f.Length
	if !f.More {
		q.total = f.Offset + f.Length
		q.haveTerm = true
	}
	complete := q.haveTerm && q.recvLen == q.total
	var payload []byte
	var contigErr error
	if complete {
		if q.total > uint32(config.DataMaxLen) {
			contigErr = rerr.New(rerr.InvalidInput, "frag.Insert", nil)
		} else {
			payload, contigErr = reassemble(q.frags, q.total)
		}
	}
	q.mu.Unlock()

	if !complete {
		return nil
	}

	r.mu.Lock()
	delete(r.queues, f.ID)
	r.mu.Unlock()
	r.svc.Remove(q.timerEnt)

	if contigErr != nil {
		return contigErr
	}
	if r.Deliver != nil {
		r.Deliver(payload)
	}
	return nil
}

func (r *Reassembler) expire(id uint16, q *reassembly) {
	r.mu.Lock()
	if cur, ok := r.queues[id]; ok && cur == q {
		delete(r.queues, id)
	}
	r.mu.Unlock()
	r.timeouts.Add(1)
}

func reassemble(frags []Fragment, total uint32) ([]byte, error) {
	sorted := make([]Fragment, len(frags))
	copy(sorted, frags)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	next := uint32(0)
	for _, f := range sorted {
		if f.Offset != next {
			return nil, rerr.New(rerr.InvalidInput, "frag.reassemble", nil)
		}
		next += f.Length
	}

	out := make([]byte, total)
	for _, f := range sorted {
		copy(out[f.Offset:f.Offset+f.Length], f.Data)
	}
	return out, nil
}
