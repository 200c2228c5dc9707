// Package heartbeat implements the heartbeat supervisor (C6): a periodic
// tick decrements a counter per tracked participant, and a participant that
// reaches zero is declared dead exactly once. Grounded on
// hoycutils/common/hbeat.c's hbeat_god_handle (list walk, decrement,
// dead callback on the zero-crossing) and timer.c's mod_timer re-arm
// pattern, re-expressed over internal/timer instead of a kernel-style timer
// wheel.
package heartbeat

import (
	"sync"
	"time"

	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/timer"
)

// Node tracks one participant's liveness. Callers embed or reference a Node
// per user; Supervisor owns the counter and online flag.
type Node struct {
	key    any
	count  int
	online bool
}

// Key returns the identifier this Node was added under.
func (n *Node) Key() any { return n.key }

// Online reports the participant's last-known liveness state.
func (n *Node) Online() bool { return n.online }

// Supervisor decrements every tracked Node's counter once per
// config.HeartbeatPeriod; a Node whose counter reaches <= 0 transitions to
// offline and Dead is invoked exactly once for that transition.
type Supervisor struct {
	mu    sync.Mutex
	nodes map[any]*Node
	init  int
	svc   *timer.Service
	entry *timer.Entry

	// Dead is invoked (off the supervisor's lock) for every node that
	// transitions from online to offline. Must be set before Start.
	Dead func(key any)
}

// New constructs a Supervisor with K = config.HeartbeatInitCount.
func New(svc *timer.Service) *Supervisor {
	return &Supervisor{
		nodes: make(map[any]*Node),
		init:  config.HeartbeatInitCount,
		svc:   svc,
	}
}

// Start arms the periodic tick. Must be called once, after Dead is set.
func (s *Supervisor) Start() {
	s.entry = s.svc.Add(nowPlusPeriod(), s.tick)
}

// Stop disarms the periodic tick.
func (s *Supervisor) Stop() {
	if s.entry != nil {
		s.svc.Remove(s.entry)
	}
}

func nowPlusPeriod() time.Time {
	return time.Now().Add(config.HeartbeatPeriod)
}

// Add registers a new participant, initializing its counter to K and
// marking it online, mirroring hbeat_add_to_god.
func (s *Supervisor) Add(key any) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := &Node{key: key, count: s.init, online: true}
	s.nodes[key] = n
	return n
}

// Remove stops tracking key, mirroring hbeat_rm_from_god.
func (s *Supervisor) Remove(key any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, key)
}

// Beat resets key's counter to K and marks it online, mirroring
// user_heartbeat. Reports false if key is not tracked.
func (s *Supervisor) Beat(key any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[key]
	if !ok {
		return false
	}
	n.count = s.init
	n.online = true
	return true
}

// Online reports whether key is tracked and currently online.
func (s *Supervisor) Online(key any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[key]
	return ok && n.online
}

func (s *Supervisor) tick() {
	var died []any

	s.mu.Lock()
	for key, n := range s.nodes {
		if !n.online {
			continue
		}
		n.count--
		if n.count <= 0 {
			n.online = false
			died = append(died, key)
		}
	}
	s.mu.Unlock()

	s.entry = s.svc.Add(nowPlusPeriod(), s.tick)

	if s.Dead != nil {
		for _, key := range died {
			s.Dead(key)
		}
	}
}
