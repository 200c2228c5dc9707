package node

import (
	"net"
	"sync"

	"github.com/turnrelay/turnrelay/internal/bufpool"
	"github.com/turnrelay/turnrelay/internal/ioloop"
	"github.com/turnrelay/turnrelay/internal/rerr"
	"github.com/turnrelay/turnrelay/internal/rlog"
	"github.com/turnrelay/turnrelay/internal/wire"
)

// Worker is one of the node's task-worker threads (spec §4.11): a reactor
// on its own UDP socket, hosting up to config.WorkerMaxTaskCount tasks.
// Grounded on hoycutils/serv/node_mgr.c's per-worker thread pool.
type Worker struct {
	pool    *bufpool.Pool
	log     *rlog.Logger
	poller  ioloop.Poller
	reactor *ioloop.Reactor
	handler *ioloop.Handler
	addr    *net.UDPAddr

	mu    sync.Mutex
	tasks map[uint32]*Task
}

func newWorker(pool *bufpool.Pool, log *rlog.Logger) (*Worker, error) {
	poller, err := ioloop.New()
	if err != nil {
		return nil, err
	}
	fd, addr, err := bindUDPAnyPort()
	if err != nil {
		_ = poller.Close()
		return nil, err
	}
	w := &Worker{
		pool:   pool,
		log:    log,
		poller: poller,
		addr:   addr,
		tasks:  make(map[uint32]*Task),
	}
	w.reactor = ioloop.NewReactor(poller, log)
	h, err := w.reactor.AddDatagram(fd, pool, w.handleDatagram, nil)
	if err != nil {
		_ = poller.Close()
		return nil, err
	}
	w.handler = h
	go func() {
		if err := w.reactor.Run(); err != nil {
			w.log.Warning().Err(err).Log("node: worker reactor stopped")
		}
	}()
	return w, nil
}

// Addr is the relay endpoint clients target for tasks on this worker.
func (w *Worker) Addr() *net.UDPAddr { return w.addr }

// TaskCount reports how many tasks this worker currently hosts.
func (w *Worker) TaskCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

// AddTask registers a newly assigned task with this worker.
func (w *Worker) AddTask(t *Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t.Worker = w
	w.tasks[t.ID] = t
}

// RemoveTask drops a reclaimed task. Reports whether the worker now hosts
// zero tasks (the caller destroys a worker that loses its last task, per
// spec §4.11).
func (w *Worker) RemoveTask(id uint32) (empty bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tasks, id)
	return len(w.tasks) == 0
}

func (w *Worker) lookupTask(id uint32) *Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasks[id]
}

// Close tears down the worker's socket and reactor goroutine.
func (w *Worker) Close() error {
	w.handler.Shutdown()
	return w.reactor.Close()
}

func (w *Worker) handleDatagram(buf *bufpool.Buffer, addr *net.UDPAddr) {
	defer buf.Release()
	env, err := wire.DecodeEnvelope(buf.Bytes())
	if err != nil {
		w.log.Warning().Err(err).Log("node: malformed relay envelope")
		return
	}
	task := w.lookupTask(env.TaskID)
	if task == nil {
		return
	}
	task.learn(env.UserID, addr)

	peers := task.runningPeers(env.UserID)
	if len(peers) == 0 {
		return
	}
	outerPayload := buf.Bytes()
	need := wire.HeaderLen + len(outerPayload)
	out, err := w.pool.Alloc()
	if err != nil {
		w.log.Warning().Err(err).Log("node: relay fan-out buffer exhausted")
		return
	}
	if need > out.Cap() {
		w.log.Warning().Log("node: relay fan-out payload exceeds buffer capacity")
		out.Release()
		return
	}
	out.SetLen(need)
	wire.Frame(out.Bytes(), wire.TypeTurnPack, 0, outerPayload)
	for _, peer := range peers {
		if err := w.handler.SendTo(out.Get(), peer); err != nil {
			w.log.Warning().Err(err).Log("node: relay fan-out send failed")
		}
	}
	out.Release()
}

func bindUDPAnyPort() (int, *net.UDPAddr, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return -1, nil, rerr.New(rerr.IOError, "node.bindUDPAnyPort", err)
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	fd, err := ioloop.DupFD(conn)
	if err != nil {
		return -1, nil, err
	}
	return fd, addr, nil
}
