package coordinator

import (
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/turnrelay/turnrelay/internal/bufpool"
	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/heartbeat"
	"github.com/turnrelay/turnrelay/internal/ioloop"
	"github.com/turnrelay/turnrelay/internal/iowait"
	"github.com/turnrelay/turnrelay/internal/rerr"
	"github.com/turnrelay/turnrelay/internal/rlog"
	"github.com/turnrelay/turnrelay/internal/timer"
	"github.com/turnrelay/turnrelay/internal/wire"
)

// Coordinator is the control-plane process (C9): user/group lifecycle over
// UDP plus the worker scheduler (C10) and task-assignment RPC to node
// servers over TCP. The client-facing UDP socket and the node-facing TCP
// listener run on separate Reactors so that a CREATE_GROUP request, which
// blocks the calling goroutine on iowait while the node responds, never
// stalls delivery of that node's response.
type Coordinator struct {
	clientReactor *ioloop.Reactor
	nodeReactor   *ioloop.Reactor
	pool          *bufpool.Pool
	hb            *heartbeat.Supervisor
	sched         *Scheduler
	iow           *iowait.Table
	log           *rlog.Logger

	clientHandler *ioloop.Handler

	mu          sync.Mutex
	users       map[uint32]*User
	groups      map[uint32]*Group
	nextUserID  uint32
	nextGroupID uint32
	nextTaskID  uint32
}

// New constructs a Coordinator. svc drives the heartbeat supervisor's
// periodic tick.
func New(clientReactor, nodeReactor *ioloop.Reactor, pool *bufpool.Pool, svc *timer.Service, log *rlog.Logger) *Coordinator {
	if log == nil {
		log = rlog.Nop()
	}
	c := &Coordinator{
		clientReactor: clientReactor,
		nodeReactor:   nodeReactor,
		pool:          pool,
		sched:         NewScheduler(),
		iow:           iowait.New(),
		log:           log,
		users:         make(map[uint32]*User),
		groups:        make(map[uint32]*Group),
		nextUserID:    1,
		nextGroupID:   1,
		nextTaskID:    1,
	}
	c.hb = heartbeat.New(svc)
	c.hb.Dead = c.onHeartbeatDead
	c.hb.Start()
	return c
}

// ListenClients binds the UDP client-login socket (spec's
// CLIENT_LOGIN_PORT) and begins serving requests.
func (c *Coordinator) ListenClients(addr *net.UDPAddr) error {
	fd, err := bindUDP(addr)
	if err != nil {
		return err
	}
	h, err := c.clientReactor.AddDatagram(fd, c.pool, c.handleClientDatagram, nil)
	if err != nil {
		return err
	}
	c.clientHandler = h
	return nil
}

// ListenNodes binds the TCP node-control listener (spec's
// NODE_SERV_LOGIN_PORT) and begins accepting node connections.
func (c *Coordinator) ListenNodes(addr *net.TCPAddr) error {
	fd, err := listenTCP(addr)
	if err != nil {
		return err
	}
	_, err = c.nodeReactor.AddAccept(fd, c.handleNodeAccept)
	return err
}

func (c *Coordinator) allocUserID() uint32 {
	for {
		id := c.nextUserID
		c.nextUserID++
		if id != 0 && id != 0xFFFFFFFF {
			return id
		}
	}
}

func (c *Coordinator) allocGroupID() uint32 {
	for {
		id := c.nextGroupID
		c.nextGroupID++
		if id != 0 && id != 0xFFFFFFFF {
			return id
		}
	}
}

func (c *Coordinator) allocTaskID() uint32 {
	for {
		id := c.nextTaskID
		c.nextTaskID++
		if id != 0 && id != 0xFFFFFFFF {
			return id
		}
	}
}

// --- node control channel -------------------------------------------------

type nodeConn struct {
	node *Node
	dec  wire.StreamDecoder
}

func (c *Coordinator) handleNodeAccept(fd int) {
	node := &Node{ID: uuid.NewString()}
	nc := &nodeConn{node: node}
	h, err := c.nodeReactor.AddStream(fd, c.pool,
		func(data []byte) { c.onNodeData(nc, data) },
		func(err error) { c.onNodeClose(nc) },
	)
	if err != nil {
		c.log.Warning().Err(err).Log("coordinator: node accept registration failed")
		return
	}
	node.handler = h
	c.sched.AddNode(node)
	c.log.Info().Str("node", node.ID).Log("coordinator: node connected")
}

func (c *Coordinator) onNodeData(nc *nodeConn, data []byte) {
	nc.dec.Feed(data)
	for {
		h, payload, ok, err := nc.dec.Next()
		if err != nil {
			c.log.Warning().Err(err).Log("coordinator: malformed node frame")
			nc.node.handler.Shutdown()
			return
		}
		if !ok {
			return
		}
		switch h.Type {
		case wire.TypeTaskAssignResponse:
			_ = c.iow.Post(iowait.Key{Type: uint8(h.Type), Seq: h.Seq}, payload)
		default:
			c.log.Warning().Log("coordinator: unexpected node message type")
		}
	}
}

func (c *Coordinator) onNodeClose(nc *nodeConn) {
	c.sched.RemoveNode(nc.node)
	c.log.Info().Str("node", nc.node.ID).Log("coordinator: node disconnected")
}

// assignTask sends TASK_ASSIGN to node and blocks (this goroutine only; the
// node reactor goroutine remains free to deliver the response) until
// TASK_ASSIGN_RESPONSE arrives or the iowait deadline elapses.
func (c *Coordinator) assignTask(node *Node, taskID uint32, kind wire.TaskKind, priority uint8, groupID uint32, participants []wire.ParticipantDescriptor) (*net.UDPAddr, error) {
	seq := node.nextSeq()
	msg := wire.TaskAssign{TaskID: taskID, Kind: kind, Priority: priority, GroupID: groupID, Participants: participants}
	if err := c.sendNode(node, wire.TypeTaskAssign, seq, msg.Encode()); err != nil {
		return nil, err
	}
	dst := make([]byte, 4+wire.AddrLen)
	n, err := c.iow.Wait(iowait.Key{Type: uint8(wire.TypeTaskAssignResponse), Seq: seq}, dst, config.WaitResDeadline)
	if err != nil {
		return nil, err
	}
	resp, err := wire.DecodeTaskAssignResponse(dst[:n])
	if err != nil {
		return nil, err
	}
	return resp.RelayAddr, nil
}

func (c *Coordinator) sendNode(node *Node, typ wire.Type, seq uint16, payload []byte) error {
	buf := bufpool.Wrap(make([]byte, wire.HeaderLen+len(payload)))
	wire.Frame(buf.Bytes(), typ, seq, payload)
	return node.handler.Send(buf)
}

func (c *Coordinator) reclaimTask(node *Node, taskID uint32) {
	seq := node.nextSeq()
	msg := wire.TaskReclaim{TaskID: taskID}
	if err := c.sendNode(node, wire.TypeTaskReclaim, seq, msg.Encode()); err != nil {
		c.log.Warning().Err(err).Log("coordinator: task reclaim send failed")
	}
}

func (c *Coordinator) controlTask(node *Node, taskID uint32, op wire.ControlOp, userID uint32, addr *net.UDPAddr) {
	seq := node.nextSeq()
	msg := wire.TaskControl{TaskID: taskID, Op: op, UserID: userID, Addr: addr}
	if err := c.sendNode(node, wire.TypeTaskControl, seq, msg.Encode()); err != nil {
		c.log.Warning().Err(err).Log("coordinator: task control send failed")
	}
}

// --- client-facing UDP -----------------------------------------------------

func (c *Coordinator) sendClient(addr *net.UDPAddr, typ wire.Type, seq uint16, payload []byte) {
	buf := bufpool.Wrap(make([]byte, wire.HeaderLen+len(payload)))
	wire.Frame(buf.Bytes(), typ, seq, payload)
	if err := c.clientHandler.SendTo(buf, addr); err != nil {
		c.log.Warning().Err(err).Log("coordinator: client send failed")
	}
}

func (c *Coordinator) sendHandleErr(addr *net.UDPAddr, seq uint16, reqType wire.Type, reason wire.ErrReason) {
	c.sendClient(addr, wire.TypeHandleErr, seq, wire.HandleErr{ReqType: reqType, Reason: reason}.Encode())
}

func (c *Coordinator) handleClientDatagram(buf *bufpool.Buffer, addr *net.UDPAddr) {
	defer buf.Release()
	h, payload, err := wire.Split(buf.Bytes())
	if err != nil {
		c.log.Warning().Err(err).Log("coordinator: malformed client packet")
		return
	}
	switch h.Type {
	case wire.TypeLogin:
		c.handleLogin(addr, h.Seq)
	case wire.TypeLogout:
		c.handleLogout(payload)
	case wire.TypeHeartbeat:
		c.handleHeartbeat(payload)
	case wire.TypeCreateGroup:
		c.handleCreateGroup(addr, h.Seq, payload)
	case wire.TypeListGroup:
		c.handleListGroup(addr, h.Seq, payload)
	case wire.TypeJoinGroup:
		c.handleJoinGroup(addr, h.Seq, payload)
	case wire.TypeLeaveGroup:
		c.handleLeaveGroup(payload)
	case wire.TypeDeleteGroup:
		c.handleDeleteGroup(payload)
	default:
		c.log.Warning().Log("coordinator: unknown client message type")
	}
}

func (c *Coordinator) handleLogin(addr *net.UDPAddr, seq uint16) {
	c.mu.Lock()
	id := c.allocUserID()
	u := &User{ID: id, Addr: addr}
	c.users[id] = u
	c.mu.Unlock()

	c.hb.Add(id)
	c.sendClient(addr, wire.TypeLoginResponse, seq, wire.LoginResponse{UserID: id}.Encode())
}

// logout tears down a user: leaves its group if any and forgets it.
// Mirrors the source's cli_user_logout, shared by explicit LOGOUT and
// heartbeat-expiry death (spec §4.9: "treat as implicit LOGOUT").
func (c *Coordinator) logout(userID uint32) {
	c.mu.Lock()
	u, ok := c.users[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.users, userID)
	group := u.Group
	c.mu.Unlock()

	if group != nil {
		c.leaveGroup(u, group)
	}
	c.hb.Remove(userID)
}

func (c *Coordinator) handleLogout(payload []byte) {
	m, err := wire.DecodeUserMsg(payload)
	if err != nil {
		return
	}
	c.logout(m.UserID)
}

func (c *Coordinator) handleHeartbeat(payload []byte) {
	m, err := wire.DecodeUserMsg(payload)
	if err != nil {
		return
	}
	c.hb.Beat(m.UserID) // unknown id: dropped silently, per spec §4.9
}

func (c *Coordinator) onHeartbeatDead(key any) {
	c.logout(key.(uint32))
}

func (c *Coordinator) handleCreateGroup(addr *net.UDPAddr, seq uint16, payload []byte) {
	m, err := wire.DecodeCreateGroup(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	u, ok := c.users[m.UserID]
	c.mu.Unlock()
	if !ok {
		c.sendHandleErr(addr, seq, wire.TypeCreateGroup, wire.ReasonUnknownUser)
		return
	}

	node := c.sched.Pick()
	if node == nil {
		c.sendHandleErr(addr, seq, wire.TypeCreateGroup, wire.ReasonInternal)
		return
	}

	c.mu.Lock()
	gid := c.allocGroupID()
	taskID := c.allocTaskID()
	g := &Group{ID: gid, Name: m.Name, Passwd: m.Passwd, Flags: m.Flags, Users: []*User{u}}
	c.groups[gid] = g
	c.mu.Unlock()

	relayAddr, err := c.assignTask(node, taskID, wire.TaskTurn, 1, gid,
		[]wire.ParticipantDescriptor{{UserID: u.ID, Addr: u.Addr}})
	if err != nil {
		c.mu.Lock()
		delete(c.groups, gid)
		c.mu.Unlock()
		c.sendHandleErr(addr, seq, wire.TypeCreateGroup, wire.ReasonInternal)
		return
	}

	task := &TaskHandle{TaskID: taskID, Node: node, Kind: wire.TaskTurn, Priority: 1, GroupID: gid, RelayAddr: relayAddr}
	node.Accepted(task)

	c.mu.Lock()
	g.Task = task
	u.Group = g
	c.mu.Unlock()

	c.sendClient(addr, wire.TypeCreateGroupResponse, seq,
		wire.GroupResult{GroupID: gid, TaskID: taskID, Addr: relayAddr}.Encode())
}

func (c *Coordinator) handleListGroup(addr *net.UDPAddr, seq uint16, payload []byte) {
	m, err := wire.DecodeListGroup(payload)
	if err != nil {
		return
	}

	c.mu.Lock()
	var descs []wire.GroupDescriptor
	var ids []uint32
	for id := range c.groups {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	// Deterministic paging order; the source iterates its hash table in
	// bucket order, which has no externally meaningful sequence either.
	sortUint32(ids)
	start := int(m.Pos)
	if start > len(ids) {
		start = len(ids)
	}
	end := start + int(m.Count)
	if end > len(ids) {
		end = len(ids)
	}

	c.mu.Lock()
	for _, id := range ids[start:end] {
		if g, ok := c.groups[id]; ok {
			descs = append(descs, wire.GroupDescriptor{GroupID: g.ID, Flags: g.Flags, Name: g.Name})
		}
	}
	c.mu.Unlock()

	body, _ := wire.EncodeListGroupResponse(descs, config.ListGroupResponseBudget)
	c.sendClient(addr, wire.TypeListGroupResponse, seq, body)
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func (c *Coordinator) handleJoinGroup(addr *net.UDPAddr, seq uint16, payload []byte) {
	m, err := wire.DecodeJoinGroup(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	u, uok := c.users[m.UserID]
	g, gok := c.groups[m.GroupID]
	c.mu.Unlock()
	if !uok {
		c.sendHandleErr(addr, seq, wire.TypeJoinGroup, wire.ReasonUnknownUser)
		return
	}
	if !gok {
		c.sendHandleErr(addr, seq, wire.TypeJoinGroup, wire.ReasonUnknownGroup)
		return
	}
	if g.hasPasswd() && g.Passwd != m.Passwd {
		c.sendHandleErr(addr, seq, wire.TypeJoinGroup, wire.ReasonWrongPasswd)
		return
	}

	c.mu.Lock()
	full := len(g.Users) >= config.GroupMaxUser
	if !full {
		g.Users = append(g.Users, u)
		u.Group = g
	}
	task := g.Task
	c.mu.Unlock()
	if full {
		c.sendHandleErr(addr, seq, wire.TypeJoinGroup, wire.ReasonGroupFull)
		return
	}

	c.controlTask(task.Node, task.TaskID, wire.ControlJoin, u.ID, u.Addr)
	c.sendClient(addr, wire.TypeJoinGroupResponse, seq,
		wire.GroupResult{GroupID: g.ID, TaskID: task.TaskID, Addr: task.RelayAddr}.Encode())
}

// leaveGroup removes u from group, informs the hosting node, and deletes
// the group if it is now empty.
func (c *Coordinator) leaveGroup(u *User, group *Group) {
	c.mu.Lock()
	group.removeUser(u)
	u.Group = nil
	task := group.Task
	empty := len(group.Users) == 0
	if empty {
		delete(c.groups, group.ID)
	}
	c.mu.Unlock()

	if task != nil {
		if empty {
			c.reclaimTask(task.Node, task.TaskID)
			task.Node.Reclaimed(task.TaskID)
		} else {
			c.controlTask(task.Node, task.TaskID, wire.ControlLeave, u.ID, nil)
		}
	}
}

func (c *Coordinator) handleLeaveGroup(payload []byte) {
	m, err := wire.DecodeLeaveGroup(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	u, uok := c.users[m.UserID]
	g, gok := c.groups[m.GroupID]
	c.mu.Unlock()
	if !uok || !gok || u.Group != g {
		return
	}
	c.leaveGroup(u, g)
}

func (c *Coordinator) handleDeleteGroup(payload []byte) {
	m, err := wire.DecodeDeleteGroup(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	g, gok := c.groups[m.GroupID]
	c.mu.Unlock()
	if !gok {
		return
	}
	// Any member may initiate the delete per spec §4.9's wire table; the
	// source does not check ownership beyond "initiator" bookkeeping for
	// the push notification below.
	c.mu.Lock()
	delete(c.groups, g.ID)
	members := append([]*User(nil), g.Users...)
	task := g.Task
	c.mu.Unlock()

	for _, member := range members {
		if member.ID == m.UserID {
			continue
		}
		member.Group = nil
		c.sendClient(member.Addr, wire.TypeGroupDelete, 0, wire.GroupDelete{GroupID: g.ID}.Encode())
	}

	if task != nil {
		c.reclaimTask(task.Node, task.TaskID)
		task.Node.Reclaimed(task.TaskID)
	}
}

func bindUDP(addr *net.UDPAddr) (int, error) {
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return -1, rerr.New(rerr.IOError, "coordinator.bindUDP", err)
	}
	defer conn.Close()
	return ioloop.DupFD(conn)
}

func listenTCP(addr *net.TCPAddr) (int, error) {
	l, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		return -1, rerr.New(rerr.IOError, "coordinator.listenTCP", err)
	}
	defer l.Close()
	return ioloop.DupFD(l)
}
