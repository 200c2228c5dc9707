package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiresInDeadlineOrder(t *testing.T) {
	svc := New()
	defer svc.Close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	now := time.Now()
	svc.Add(now.Add(30*time.Millisecond), func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})
	svc.Add(now.Add(10*time.Millisecond), func() {
		mu.Lock()
		order = append(order, 0)
		mu.Unlock()
	})
	svc.Add(now.Add(20*time.Millisecond), func() {
		mu.Lock()
		order = append(order, 1)
		if len(order) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timers did not all fire")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestEqualDeadlinesFireInInsertionOrder(t *testing.T) {
	svc := New()
	defer svc.Close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	deadline := time.Now().Add(10 * time.Millisecond)
	for i := 0; i < 5; i++ {
		i := i
		svc.Add(deadline, func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 5 {
				close(done)
			}
			mu.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timers did not all fire")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRemoveCancelsBeforeFiring(t *testing.T) {
	svc := New()
	defer svc.Close()

	fired := make(chan struct{}, 1)
	e := svc.Add(time.Now().Add(50*time.Millisecond), func() {
		fired <- struct{}{}
	})
	svc.Remove(e)

	select {
	case <-fired:
		t.Fatal("canceled entry fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestModifyReschedules(t *testing.T) {
	svc := New()
	defer svc.Close()

	fired := make(chan time.Time, 1)
	e := svc.Add(time.Now().Add(time.Hour), func() {
		fired <- time.Now()
	})
	svc.Modify(e, time.Now().Add(10*time.Millisecond))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("modified entry did not fire promptly")
	}
}

func TestCloseDiscardsPendingEntries(t *testing.T) {
	svc := New()
	fired := make(chan struct{}, 1)
	svc.Add(time.Now().Add(20*time.Millisecond), func() {
		fired <- struct{}{}
	})
	svc.Close()

	select {
	case <-fired:
		t.Fatal("entry fired after Close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoveAfterFireIsSafe(t *testing.T) {
	svc := New()
	defer svc.Close()
	done := make(chan struct{})
	e := svc.Add(time.Now().Add(5*time.Millisecond), func() { close(done) })
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.NotPanics(t, func() { svc.Remove(e) })
}
