// Package node implements the node server side of the platform: the turn
// task relay state machine (C11) and TASK_ASSIGN/TASK_RECLAIM/TASK_CONTROL
// handling (C12). There is no per-kind registry: turn is the only task
// kind, and TASK_ASSIGN builds a turn task whatever kind it carries.
// Grounded on hoycutils/serv/node_mgr.c's task table and
// hoycutils/serv/turn_task.c's endpoint-learning/fan-out logic.
package node

import (
	"net"
	"sync"

	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/rerr"
	"github.com/turnrelay/turnrelay/internal/wire"
)

// ParticipantState tracks whether a task participant's UDP endpoint has
// been learned yet.
type ParticipantState int

const (
	Pending ParticipantState = iota
	Running
)

// Participant is one member of a turn task's roster.
type Participant struct {
	UserID uint32
	Addr   *net.UDPAddr
	State  ParticipantState
}

// Task is a worker's view of one relay group, mirroring the source's
// struct turn_task.
type Task struct {
	ID      uint32
	Kind    wire.TaskKind
	GroupID uint32
	Worker  *Worker

	mu           sync.Mutex
	participants []*Participant
}

// NewTask constructs a Task with all participants initialized to Pending,
// per spec §4.11's TASK_ASSIGN handling.
func NewTask(id uint32, kind wire.TaskKind, groupID uint32, descs []wire.ParticipantDescriptor) *Task {
	t := &Task{ID: id, Kind: kind, GroupID: groupID}
	for _, d := range descs {
		t.participants = append(t.participants, &Participant{UserID: d.UserID, State: Pending})
	}
	return t
}

// learn records the observed source address for userID's first datagram,
// transitioning it from Pending to Running. An already-Running participant's
// address is never overwritten, per spec §4.11.
func (t *Task) learn(userID uint32, addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.participants {
		if p.UserID == userID {
			if p.State == Pending {
				p.Addr = addr
				p.State = Running
			}
			return
		}
	}
}

// runningPeers returns the address of every Running participant other than
// excludeUserID, the fan-out target set for a datagram from that sender.
func (t *Task) runningPeers(excludeUserID uint32) []*net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*net.UDPAddr
	for _, p := range t.participants {
		if p.State == Running && p.UserID != excludeUserID {
			out = append(out, p.Addr)
		}
	}
	return out
}

// join appends a new Pending participant, capped at config.GroupMaxUser,
// per spec §4.11's TURN_CONTROL(join).
func (t *Task) join(userID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.participants) >= config.GroupMaxUser {
		return rerr.New(rerr.ResourceExhausted, "node.Task.join", nil)
	}
	t.participants = append(t.participants, &Participant{UserID: userID, State: Pending})
	return nil
}

// leave swap-removes the matching participant, per spec §4.11's
// TURN_CONTROL(leave).
func (t *Task) leave(userID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.participants {
		if p.UserID == userID {
			last := len(t.participants) - 1
			t.participants[i] = t.participants[last]
			t.participants = t.participants[:last]
			return
		}
	}
}
