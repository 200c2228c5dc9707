// Package iowait implements the request/response correlation layer (C4):
// a caller blocks on an expected reply identified by (type, seq), with
// timeout. Grounded on hoycutils/common/iowait.c's bucket-hashed slot table
// (wait_for_response_data / post_response_data), re-expressed with a Go
// channel standing in for the source's per-slot completion primitive.
package iowait

import (
	"container/list"
	"sync"
	"time"

	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/rerr"
)

const bucketShift = 6
const bucketCount = 1 << bucketShift // matches RES_SLOT_CAPACITY in the source
const bucketMask = bucketCount - 1

// Key identifies an expected reply.
type Key struct {
	Type uint8
	Seq  uint16
}

func (k Key) bucket() int {
	h := uint32(k.Type)<<16 | uint32(k.Seq)
	// fibonacci hashing, mixes both fields so distinct seqs of one type
	// land in different buckets (per the design note in spec §4.4).
	h *= 2654435761
	return int((h >> (32 - bucketShift)) & bucketMask)
}

type slot struct {
	key      Key
	dst      []byte // capacity-bounded destination
	n        int    // actual byte count written by Post
	done     chan struct{}
	elem     *list.Element
}

// Table is the correlation table. Zero value is not usable; use New.
type Table struct {
	mu      sync.Mutex
	buckets [bucketCount]*list.List
}

// New constructs an empty Table.
func New() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i] = list.New()
	}
	return t
}

// Wait registers for key and blocks the caller until Post delivers a
// matching reply into dst (truncated to len(dst) if the reply is larger),
// or timeout elapses. On return the registration is always removed. Returns
// the number of bytes written to dst, or a *rerr.Error of kind Timeout.
func (t *Table) Wait(key Key, dst []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = config.WaitResDeadline
	}
	s := &slot{key: key, dst: dst, done: make(chan struct{})}

	b := t.buckets[key.bucket()]
	t.mu.Lock()
	s.elem = b.PushBack(s)
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-s.done:
	case <-timer.C:
		err = rerr.New(rerr.Timeout, "iowait.Wait", nil)
	}

	t.mu.Lock()
	b.Remove(s.elem)
	t.mu.Unlock()

	return s.n, err
}

// Post delivers data to the first slot waiting on (typ, seq), copying at
// most min(len(dst), len(data)) bytes and unblocking its Wait. If no slot
// matches, returns rerr.ErrNotFound; the caller is expected to discard the
// reply silently (a late reply after the waiter's timeout).
func (t *Table) Post(key Key, data []byte) error {
	b := t.buckets[key.bucket()]

	t.mu.Lock()
	var found *slot
	var foundElem *list.Element
	for e := b.Front(); e != nil; e = e.Next() {
		s := e.Value.(*slot)
		if s.key == key {
			found = s
			foundElem = e
			break
		}
	}
	if found != nil {
		// Remove immediately so a second Post for the same key (which
		// should not normally happen, but must not panic) finds nothing
		// rather than double-closing done.
		b.Remove(foundElem)
	}
	t.mu.Unlock()

	if found == nil {
		return rerr.New(rerr.NotFound, "iowait.Post", nil)
	}

	n := len(data)
	if n > len(found.dst) {
		n = len(found.dst)
	}
	copy(found.dst, data[:n])
	found.n = n
	close(found.done)
	return nil
}
