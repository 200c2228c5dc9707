// Package client implements the client session object (C13): login and
// group lifecycle against the coordinator, and command/state-image
// exchange with the worker-assigned relay. Grounded on hoycutils'
// samples/*.c client demos' request/wait/dispatch shape, re-expressed
// without the FIFO-based fork/exec handoff those samples use (neither this
// package nor cmd/relaycli implements it).
package client

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turnrelay/turnrelay/internal/bufpool"
	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/frag"
	"github.com/turnrelay/turnrelay/internal/ioloop"
	"github.com/turnrelay/turnrelay/internal/iowait"
	"github.com/turnrelay/turnrelay/internal/rerr"
	"github.com/turnrelay/turnrelay/internal/rlog"
	"github.com/turnrelay/turnrelay/internal/timer"
	"github.com/turnrelay/turnrelay/internal/wire"
)

// Event is delivered to the application for every inbound relay message,
// reassembled if it was a state image.
type Event struct {
	Inner   wire.InnerType
	UserID  uint32 // the sender, as carried in the envelope
	Payload []byte
}

// Client is a session: one reactor, one socket to the coordinator, one
// socket to the relay once a group assigns it. Per spec §5, a client needs
// only one reactor thread.
type Client struct {
	reactor *ioloop.Reactor
	pool    *bufpool.Pool
	iow     *iowait.Table
	fragCtr frag.Counter
	reasm   *frag.Reassembler
	log     *rlog.Logger

	coordAddr    *net.UDPAddr
	coordHandler *ioloop.Handler

	seq atomic.Uint32

	mu        sync.Mutex
	userID    uint32
	groupID   uint32
	taskID    uint32
	relayAddr *net.UDPAddr

	relayHandler *ioloop.Handler

	// OnEvent receives every inbound relay event. Must be set before
	// JoinGroup/CreateGroup; nil is treated as "discard".
	OnEvent func(Event)
}

// New constructs a Client driven by reactor and svc (the latter for
// state-image reassembly deadlines).
func New(reactor *ioloop.Reactor, pool *bufpool.Pool, svc *timer.Service, log *rlog.Logger) *Client {
	if log == nil {
		log = rlog.Nop()
	}
	c := &Client{
		reactor: reactor,
		pool:    pool,
		iow:     iowait.New(),
		log:     log,
	}
	c.reasm = frag.New(svc)
	c.reasm.Deliver = c.deliverStateImage
	return c
}

func (c *Client) nextSeq() uint16 {
	return uint16(c.seq.Add(1))
}

func (c *Client) deliverStateImage(payload []byte) {
	if c.OnEvent != nil {
		c.OnEvent(Event{Inner: wire.InnerStateImage, Payload: payload})
	}
}

// Dial opens the coordinator-facing UDP socket.
func (c *Client) Dial(coordAddr *net.UDPAddr) error {
	fd, err := dialUDP()
	if err != nil {
		return err
	}
	h, err := c.reactor.AddDatagram(fd, c.pool, c.handleCoordDatagram, nil)
	if err != nil {
		return err
	}
	c.coordAddr = coordAddr
	c.coordHandler = h
	return nil
}

// Close releases both sockets.
func (c *Client) Close() {
	if c.coordHandler != nil {
		c.coordHandler.Shutdown()
	}
	c.mu.Lock()
	rh := c.relayHandler
	c.mu.Unlock()
	if rh != nil {
		rh.Shutdown()
	}
}

func mapReason(r wire.ErrReason) rerr.Kind {
	switch r {
	case wire.ReasonUnknownUser, wire.ReasonUnknownGroup:
		return rerr.NotFound
	case wire.ReasonGroupFull:
		return rerr.ResourceExhausted
	case wire.ReasonWrongPasswd:
		return rerr.InvalidInput
	default:
		return rerr.IOError
	}
}

// request sends a framed request to the coordinator and waits for either
// the expected success response or a HANDLE_ERR carrying the same sequence,
// whichever arrives first.
func (c *Client) request(reqType wire.Type, successType wire.Type, payload []byte, timeout time.Duration) ([]byte, error) {
	seq := c.nextSeq()
	buf := bufpool.Wrap(make([]byte, wire.HeaderLen+len(payload)))
	wire.Frame(buf.Bytes(), reqType, seq, payload)
	if err := c.coordHandler.SendTo(buf, c.coordAddr); err != nil {
		return nil, err
	}

	type result struct {
		data []byte
		err  error
		isErr bool
	}
	ch := make(chan result, 2)
	go func() {
		dst := make([]byte, config.ListGroupResponseBudget)
		n, err := c.iow.Wait(iowait.Key{Type: uint8(successType), Seq: seq}, dst, timeout)
		ch <- result{data: dst[:n], err: err}
	}()
	go func() {
		dst := make([]byte, 2)
		n, err := c.iow.Wait(iowait.Key{Type: uint8(wire.TypeHandleErr), Seq: seq}, dst, timeout)
		ch <- result{data: dst[:n], err: err, isErr: true}
	}()

	r := <-ch
	if r.err != nil {
		return nil, r.err
	}
	if r.isErr {
		herr, err := wire.DecodeHandleErr(r.data)
		if err != nil {
			return nil, err
		}
		return nil, rerr.New(mapReason(herr.Reason), "client.request", nil)
	}
	return r.data, nil
}

// Login allocates a user id for this session.
func (c *Client) Login() (uint32, error) {
	data, err := c.request(wire.TypeLogin, wire.TypeLoginResponse, wire.Login{}.Encode(), config.WaitResDeadline)
	if err != nil {
		return 0, err
	}
	resp, err := wire.DecodeLoginResponse(data)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.userID = resp.UserID
	c.mu.Unlock()
	return resp.UserID, nil
}

// Logout ends the session's coordinator-side registration. Fire-and-forget
// per spec §4.9 (no response is defined).
func (c *Client) Logout() {
	c.mu.Lock()
	uid := c.userID
	c.mu.Unlock()
	c.sendCoord(wire.TypeLogout, wire.UserMsg{UserID: uid}.Encode())
}

// Heartbeat refreshes liveness. Fire-and-forget.
func (c *Client) Heartbeat() {
	c.mu.Lock()
	uid := c.userID
	c.mu.Unlock()
	c.sendCoord(wire.TypeHeartbeat, wire.UserMsg{UserID: uid}.Encode())
}

func (c *Client) sendCoord(typ wire.Type, payload []byte) {
	buf := bufpool.Wrap(make([]byte, wire.HeaderLen+len(payload)))
	wire.Frame(buf.Bytes(), typ, c.nextSeq(), payload)
	if err := c.coordHandler.SendTo(buf, c.coordAddr); err != nil {
		c.log.Warning().Err(err).Log("client: coordinator send failed")
	}
}

// CreateGroup creates a new group and joins the assigned relay.
func (c *Client) CreateGroup(flags uint16, name, passwd string) (groupID uint32, err error) {
	c.mu.Lock()
	uid := c.userID
	c.mu.Unlock()
	data, err := c.request(wire.TypeCreateGroup, wire.TypeCreateGroupResponse,
		wire.CreateGroup{UserID: uid, Flags: flags, Name: name, Passwd: passwd}.Encode(), config.WaitResDeadline)
	if err != nil {
		return 0, err
	}
	res, err := wire.DecodeGroupResult(data)
	if err != nil {
		return 0, err
	}
	if err := c.adoptRelay(res); err != nil {
		return 0, err
	}
	return res.GroupID, nil
}

// JoinGroup joins an existing group and connects to its relay.
func (c *Client) JoinGroup(groupID uint32, passwd string) error {
	c.mu.Lock()
	uid := c.userID
	c.mu.Unlock()
	data, err := c.request(wire.TypeJoinGroup, wire.TypeJoinGroupResponse,
		wire.JoinGroup{UserID: uid, GroupID: groupID, Passwd: passwd}.Encode(), config.WaitResDeadline)
	if err != nil {
		return err
	}
	res, err := wire.DecodeGroupResult(data)
	if err != nil {
		return err
	}
	return c.adoptRelay(res)
}

func (c *Client) adoptRelay(res wire.GroupResult) error {
	fd, err := dialUDP()
	if err != nil {
		return err
	}
	h, err := c.reactor.AddDatagram(fd, c.pool, c.handleRelayDatagram, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.relayHandler != nil {
		c.relayHandler.Shutdown()
	}
	c.groupID = res.GroupID
	c.taskID = res.TaskID
	c.relayAddr = res.Addr
	c.relayHandler = h
	c.mu.Unlock()
	return nil
}

// LeaveGroup leaves the current group. Fire-and-forget.
func (c *Client) LeaveGroup() {
	c.mu.Lock()
	uid, gid := c.userID, c.groupID
	rh := c.relayHandler
	c.groupID = 0
	c.taskID = 0
	c.relayAddr = nil
	c.relayHandler = nil
	c.mu.Unlock()
	if gid == 0 {
		return
	}
	c.sendCoord(wire.TypeLeaveGroup, wire.LeaveGroup{UserID: uid, GroupID: gid}.Encode())
	if rh != nil {
		rh.Shutdown()
	}
}

// DeleteGroup asks the coordinator to delete the current group for everyone.
func (c *Client) DeleteGroup() {
	c.mu.Lock()
	uid, gid := c.userID, c.groupID
	c.mu.Unlock()
	if gid == 0 {
		return
	}
	c.sendCoord(wire.TypeDeleteGroup, wire.DeleteGroup{UserID: uid, GroupID: gid}.Encode())
}

// ListGroup pages through the coordinator's group table.
func (c *Client) ListGroup(pos, count uint32) ([]wire.GroupDescriptor, error) {
	c.mu.Lock()
	uid := c.userID
	c.mu.Unlock()
	data, err := c.request(wire.TypeListGroup, wire.TypeListGroupResponse,
		wire.ListGroup{UserID: uid, Pos: pos, Count: count}.Encode(), config.WaitResDeadline)
	if err != nil {
		return nil, err
	}
	return wire.DecodeListGroupResponse(data)
}

// SendCommand sends a short command payload to the relay.
func (c *Client) SendCommand(payload []byte) error {
	return c.sendEnvelope(wire.Envelope{Inner: wire.InnerCommand, Payload: payload})
}

// SendStateImage fragments payload and sends each fragment to the relay,
// per spec §4.13 (CLI_FRAGMENT_MAX_LEN per fragment).
func (c *Client) SendStateImage(payload []byte) error {
	frags, err := frag.Split(c.fragCtr.Next, payload, config.CliFragmentMaxLen)
	if err != nil {
		return err
	}
	for _, f := range frags {
		env := wire.Envelope{
			Inner:     wire.InnerStateImage,
			FragSeq:   f.ID,
			FragOfs:   f.Offset,
			FragLen:   f.Length,
			MoreFrags: f.More,
			Payload:   f.Data,
		}
		if err := c.sendEnvelope(env); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendEnvelope(env wire.Envelope) error {
	c.mu.Lock()
	env.TaskID = c.taskID
	env.UserID = c.userID
	rh := c.relayHandler
	addr := c.relayAddr
	c.mu.Unlock()
	if rh == nil {
		return rerr.New(rerr.InvalidInput, "client.sendEnvelope: no relay joined", nil)
	}
	buf := bufpool.Wrap(env.Encode())
	return rh.SendTo(buf, addr)
}

func (c *Client) handleCoordDatagram(buf *bufpool.Buffer, addr *net.UDPAddr) {
	defer buf.Release()
	h, payload, err := wire.Split(buf.Bytes())
	if err != nil {
		c.log.Warning().Err(err).Log("client: malformed coordinator packet")
		return
	}
	switch h.Type {
	case wire.TypeLoginResponse, wire.TypeCreateGroupResponse, wire.TypeListGroupResponse,
		wire.TypeJoinGroupResponse, wire.TypeHandleErr:
		_ = c.iow.Post(iowait.Key{Type: uint8(h.Type), Seq: h.Seq}, payload)
	case wire.TypeGroupDelete:
		c.handleGroupDelete(payload)
	default:
		c.log.Warning().Log("client: unexpected coordinator message type")
	}
}

func (c *Client) handleGroupDelete(payload []byte) {
	m, err := wire.DecodeGroupDelete(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.groupID == m.GroupID {
		rh := c.relayHandler
		c.groupID = 0
		c.taskID = 0
		c.relayAddr = nil
		c.relayHandler = nil
		c.mu.Unlock()
		if rh != nil {
			rh.Shutdown()
		}
		return
	}
	c.mu.Unlock()
}

func (c *Client) handleRelayDatagram(buf *bufpool.Buffer, addr *net.UDPAddr) {
	defer buf.Release()
	env, err := wire.DecodeEnvelope(buf.Bytes())
	if err != nil {
		c.log.Warning().Err(err).Log("client: malformed relay envelope")
		return
	}
	switch env.Inner {
	case wire.InnerStateImage:
		_ = c.reasm.Insert(frag.Fragment{
			ID: env.FragSeq, Offset: env.FragOfs, Length: env.FragLen,
			More: env.MoreFrags, Data: env.Payload,
		})
	default:
		if c.OnEvent != nil {
			c.OnEvent(Event{Inner: env.Inner, UserID: env.UserID, Payload: env.Payload})
		}
	}
}

func dialUDP() (int, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return -1, rerr.New(rerr.IOError, "client.dialUDP", err)
	}
	defer conn.Close()
	return ioloop.DupFD(conn)
}
