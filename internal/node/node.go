package node

import (
	"net"
	"sync"

	"github.com/turnrelay/turnrelay/internal/bufpool"
	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/ioloop"
	"github.com/turnrelay/turnrelay/internal/rlog"
	"github.com/turnrelay/turnrelay/internal/wire"
)

// Node is a node server: a pool of task workers plus the TCP control
// channel to the coordinator that assigns, reclaims, and adjusts the tasks
// those workers host.
type Node struct {
	pool    *bufpool.Pool
	log     *rlog.Logger
	reactor *ioloop.Reactor
	handler *ioloop.Handler
	dec     wire.StreamDecoder

	mu      sync.Mutex
	workers []*Worker
	tasks   map[uint32]*Task
}

// New constructs a Node. reactor drives the control-channel connection;
// each task worker gets its own internally-managed reactor.
func New(reactor *ioloop.Reactor, pool *bufpool.Pool, log *rlog.Logger) *Node {
	if log == nil {
		log = rlog.Nop()
	}
	return &Node{
		pool:    pool,
		log:     log,
		reactor: reactor,
		tasks:   make(map[uint32]*Task),
	}
}

// Connect dials the coordinator's node-control listener and begins serving
// TASK_ASSIGN/TASK_RECLAIM/TASK_CONTROL requests.
func (n *Node) Connect(addr *net.TCPAddr) error {
	fd, err := dialTCP(addr)
	if err != nil {
		return err
	}
	h, err := n.reactor.AddStream(fd, n.pool, n.onControlData, n.onControlClosed)
	if err != nil {
		return err
	}
	n.handler = h
	return nil
}

func (n *Node) onControlData(data []byte) {
	n.dec.Feed(data)
	for {
		h, payload, ok, err := n.dec.Next()
		if err != nil {
			n.log.Warning().Err(err).Log("node: malformed control frame")
			n.handler.Shutdown()
			return
		}
		if !ok {
			return
		}
		switch h.Type {
		case wire.TypeTaskAssign:
			n.handleTaskAssign(h.Seq, payload)
		case wire.TypeTaskReclaim:
			n.handleTaskReclaim(payload)
		case wire.TypeTaskControl:
			n.handleTaskControl(payload)
		default:
			n.log.Warning().Log("node: unexpected control message type")
		}
	}
}

func (n *Node) onControlClosed(err error) {
	n.log.Warning().Err(err).Log("node: control channel closed")
}

func (n *Node) sendControl(typ wire.Type, seq uint16, payload []byte) {
	buf := bufpool.Wrap(make([]byte, wire.HeaderLen+len(payload)))
	wire.Frame(buf.Bytes(), typ, seq, payload)
	if err := n.handler.Send(buf); err != nil {
		n.log.Warning().Err(err).Log("node: control send failed")
	}
}

// pickWorker returns an existing worker under capacity, or spawns a new
// one, per spec §4.11's worker-thread model.
func (n *Node) pickWorker() (*Worker, error) {
	n.mu.Lock()
	var best *Worker
	bestCount := config.WorkerMaxTaskCount
	for _, w := range n.workers {
		c := w.TaskCount()
		if c < config.WorkerMaxTaskCount && c < bestCount {
			best = w
			bestCount = c
		}
	}
	n.mu.Unlock()
	if best != nil {
		return best, nil
	}

	w, err := newWorker(n.pool, n.log)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.workers = append(n.workers, w)
	n.mu.Unlock()
	return w, nil
}

func (n *Node) removeWorker(w *Worker) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.workers {
		if c == w {
			n.workers = append(n.workers[:i], n.workers[i+1:]...)
			return
		}
	}
}

func (n *Node) handleTaskAssign(seq uint16, payload []byte) {
	msg, err := wire.DecodeTaskAssign(payload)
	if err != nil {
		n.log.Warning().Err(err).Log("node: malformed task assign")
		return
	}
	worker, err := n.pickWorker()
	if err != nil {
		n.log.Warning().Err(err).Log("node: no worker available for task assign")
		return
	}
	task := NewTask(msg.TaskID, msg.Kind, msg.GroupID, msg.Participants)
	worker.AddTask(task)

	n.mu.Lock()
	n.tasks[task.ID] = task
	n.mu.Unlock()

	n.sendControl(wire.TypeTaskAssignResponse, seq,
		wire.TaskAssignResponse{TaskID: task.ID, RelayAddr: worker.Addr()}.Encode())
}

func (n *Node) handleTaskReclaim(payload []byte) {
	msg, err := wire.DecodeTaskReclaim(payload)
	if err != nil {
		return
	}
	n.mu.Lock()
	task, ok := n.tasks[msg.TaskID]
	if ok {
		delete(n.tasks, msg.TaskID)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	worker := task.Worker
	if worker.RemoveTask(task.ID) {
		n.removeWorker(worker)
		if err := worker.Close(); err != nil {
			n.log.Warning().Err(err).Log("node: worker close failed")
		}
	}
}

func (n *Node) handleTaskControl(payload []byte) {
	msg, err := wire.DecodeTaskControl(payload)
	if err != nil {
		return
	}
	n.mu.Lock()
	task, ok := n.tasks[msg.TaskID]
	n.mu.Unlock()
	if !ok {
		return
	}
	switch msg.Op {
	case wire.ControlJoin:
		if err := task.join(msg.UserID); err != nil {
			n.log.Warning().Err(err).Log("node: task join rejected")
		}
	case wire.ControlLeave:
		task.leave(msg.UserID)
	}
}
