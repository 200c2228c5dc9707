package iowait

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnrelay/turnrelay/internal/rerr"
)

func TestWaitUnblocksOnMatchingPost(t *testing.T) {
	tbl := New()
	key := Key{Type: 1, Seq: 7}
	dst := make([]byte, 4)

	done := make(chan struct{})
	var n int
	var err error
	go func() {
		n, err = tbl.Wait(key, dst, time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return tbl.Post(key, []byte{1, 2, 3, 4}) == nil
	}, time.Second, time.Millisecond)

	<-done
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, dst)
}

func TestWaitTimesOutWithoutPost(t *testing.T) {
	tbl := New()
	_, err := tbl.Wait(Key{Type: 1, Seq: 1}, make([]byte, 4), 20*time.Millisecond)
	assert.True(t, rerr.Of(err, rerr.Timeout))
}

func TestPostTruncatesToDestinationCapacity(t *testing.T) {
	tbl := New()
	key := Key{Type: 2, Seq: 3}
	dst := make([]byte, 2)

	done := make(chan struct{})
	var n int
	go func() {
		n, _ = tbl.Wait(key, dst, time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return tbl.Post(key, []byte{9, 9, 9, 9}) == nil
	}, time.Second, time.Millisecond)
	<-done
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{9, 9}, dst)
}

func TestPostWithNoWaiterReportsNotFound(t *testing.T) {
	tbl := New()
	err := tbl.Post(Key{Type: 1, Seq: 99}, []byte{1})
	assert.True(t, rerr.Of(err, rerr.NotFound))
}

func TestDistinctKeysDoNotCrossDeliver(t *testing.T) {
	tbl := New()
	k1 := Key{Type: 1, Seq: 1}
	k2 := Key{Type: 1, Seq: 2}

	var wg sync.WaitGroup
	wg.Add(2)
	var n1, n2 int
	go func() {
		defer wg.Done()
		n1, _ = tbl.Wait(k1, make([]byte, 1), time.Second)
	}()
	go func() {
		defer wg.Done()
		n2, _ = tbl.Wait(k2, make([]byte, 1), time.Second)
	}()

	require.Eventually(t, func() bool { return tbl.Post(k2, []byte{2}) == nil }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return tbl.Post(k1, []byte{1}) == nil }, time.Second, time.Millisecond)
	wg.Wait()
	assert.Equal(t, 1, n1)
	assert.Equal(t, 1, n2)
}
