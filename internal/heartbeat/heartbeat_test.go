package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/timer"
)

func withPeriod(d time.Duration, fn func()) {
	orig := config.HeartbeatPeriod
	config.HeartbeatPeriod = d
	defer func() { config.HeartbeatPeriod = orig }()
	fn()
}

func TestDeadAfterKMissedPeriods(t *testing.T) {
	withPeriod(20*time.Millisecond, func() {
		svc := timer.New()
		defer svc.Close()

		s := New(svc)
		var mu sync.Mutex
		var died []any
		done := make(chan struct{})
		s.Dead = func(key any) {
			mu.Lock()
			died = append(died, key)
			mu.Unlock()
			close(done)
		}
		s.Start()
		defer s.Stop()

		s.Add("user-1")

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("participant never declared dead")
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []any{"user-1"}, died)
		assert.False(t, s.Online("user-1"))
	})
}

func TestBeatResetsCounterAndKeepsOnline(t *testing.T) {
	withPeriod(15*time.Millisecond, func() {
		svc := timer.New()
		defer svc.Close()

		s := New(svc)
		deadCh := make(chan struct{}, 1)
		s.Dead = func(any) { deadCh <- struct{}{} }
		s.Start()
		defer s.Stop()

		s.Add("user-1")

		// Keep beating faster than K periods elapse.
		for i := 0; i < 10; i++ {
			time.Sleep(10 * time.Millisecond)
			assert.True(t, s.Beat("user-1"))
		}

		select {
		case <-deadCh:
			t.Fatal("participant declared dead despite steady heartbeats")
		default:
		}
		assert.True(t, s.Online("user-1"))
	})
}

func TestRemoveStopsTracking(t *testing.T) {
	withPeriod(10*time.Millisecond, func() {
		svc := timer.New()
		defer svc.Close()

		s := New(svc)
		deadCh := make(chan struct{}, 1)
		s.Dead = func(any) { deadCh <- struct{}{} }
		s.Start()
		defer s.Stop()

		s.Add("user-1")
		s.Remove("user-1")

		select {
		case <-deadCh:
			t.Fatal("removed participant still reported dead")
		case <-time.After(200 * time.Millisecond):
		}
		assert.False(t, s.Online("user-1"))
	})
}

func TestBeatUnknownKeyReportsFalse(t *testing.T) {
	svc := timer.New()
	defer svc.Close()
	s := New(svc)
	require.False(t, s.Beat("nope"))
}
