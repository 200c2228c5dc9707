package coordinator

import "sync"

// Scheduler picks a node server to host a new relay task (C10). The source
// filters by priority admissibility but never actually rejects a candidate
// on it, so the practical policy kept here is: among all connected nodes,
// pick the smallest task_count, ties broken by first-registered.
type Scheduler struct {
	mu    sync.Mutex
	nodes []*Node
}

// NewScheduler constructs an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// AddNode registers a newly connected node.
func (s *Scheduler) AddNode(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, n)
}

// RemoveNode deregisters a node (on control-channel disconnection).
func (s *Scheduler) RemoveNode(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.nodes {
		if c == n {
			s.nodes = append(s.nodes[:i], s.nodes[i+1:]...)
			return
		}
	}
}

// Pick returns the least-loaded connected node, or nil if none are
// connected.
func (s *Scheduler) Pick() *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Node
	bestCount := -1
	for _, n := range s.nodes {
		c := n.TaskCount()
		if best == nil || c < bestCount {
			best = n
			bestCount = c
		}
	}
	return best
}

// Accepted records that n has taken on a task of the given priority,
// mirroring the source's node_task_count++ / node_priority += priority on a
// successful TASK_ASSIGN_RESPONSE.
func (n *Node) Accepted(task *TaskHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taskCnt++
	n.priority += int(task.Priority)
	if n.tasks == nil {
		n.tasks = make(map[uint32]*TaskHandle)
	}
	n.tasks[task.TaskID] = task
}

// Reclaimed records that n no longer hosts taskID.
func (n *Node) Reclaimed(taskID uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if task, ok := n.tasks[taskID]; ok {
		n.taskCnt--
		n.priority -= int(task.Priority)
		delete(n.tasks, taskID)
	}
}
