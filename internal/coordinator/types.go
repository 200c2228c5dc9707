// Package coordinator implements the control plane (C9) and worker
// scheduler (C10): user/group lifecycle over UDP, heartbeat-driven liveness,
// and turn-task assignment to the least-loaded node server. Grounded on
// hoycutils/serv/cli_mgr.c (user/group operations) and
// hoycutils/serv/node_mgr.c (node bookkeeping and task assignment), with
// internal/heartbeat and internal/iowait standing in for the source's
// god-list and response-wait primitives.
package coordinator

import (
	"net"
	"sync"

	"github.com/turnrelay/turnrelay/internal/ioloop"
	"github.com/turnrelay/turnrelay/internal/wire"
)

// User is a logged-in client, mirroring the source's struct cli_user.
type User struct {
	ID    uint32
	Addr  *net.UDPAddr
	Group *Group
}

// Group is a named session, mirroring the source's struct cli_group.
type Group struct {
	ID     uint32
	Name   string
	Passwd string
	Flags  uint16
	Users  []*User
	Task   *TaskHandle
}

func (g *Group) hasPasswd() bool { return g.Flags&wire.GroupNeedPasswd != 0 }

func (g *Group) removeUser(u *User) bool {
	for i, m := range g.Users {
		if m == u {
			g.Users = append(g.Users[:i], g.Users[i+1:]...)
			return true
		}
	}
	return false
}

// TaskHandle is the coordinator's record of a relay task hosted on some
// Node, mirroring the source's struct task_handle.
type TaskHandle struct {
	TaskID    uint32
	Node      *Node
	Kind      wire.TaskKind
	Priority  uint8
	GroupID   uint32
	RelayAddr *net.UDPAddr
}

// Node is a connected node server: one TCP control-channel Handler plus the
// load counters the scheduler (C10) reads, mirroring the source's struct
// node_info.
type Node struct {
	ID       string // diagnostic identifier, not part of the wire protocol
	handler  *ioloop.Handler
	seq      uint16 // next outbound control-message sequence
	mu       sync.Mutex
	taskCnt  int
	priority int
	tasks    map[uint32]*TaskHandle
}

func (n *Node) nextSeq() uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return n.seq
}

// TaskCount reports the node's current hosted-task count (scheduler C10
// reads this to pick the least-loaded candidate).
func (n *Node) TaskCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.taskCnt
}
