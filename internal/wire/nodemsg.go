package wire

import (
	"encoding/binary"
	"net"

	"github.com/turnrelay/turnrelay/internal/rerr"
)

// TaskKind enumerates the kinds of tasks a node can host. Only TaskTurn is
// defined, mirroring hoycutils' enum task_type.
type TaskKind uint8

const TaskTurn TaskKind = 1

// ParticipantDescriptor is one (user_id, address) pair carried inside a
// TASK_ASSIGN for kind=turn.
type ParticipantDescriptor struct {
	UserID uint32
	Addr   *net.UDPAddr
}

const participantDescriptorLen = 4 + AddrLen

// TaskAssign is sent coordinator -> node: group_id, client_count, and
// client_count x (user_id, address), per spec §6.
type TaskAssign struct {
	TaskID       uint32
	Kind         TaskKind
	Priority     uint8
	GroupID      uint32
	Participants []ParticipantDescriptor
}

func (m TaskAssign) Encode() []byte {
	b := make([]byte, 4+1+1+4+4+len(m.Participants)*participantDescriptorLen)
	binary.BigEndian.PutUint32(b[0:4], m.TaskID)
	b[4] = byte(m.Kind)
	b[5] = m.Priority
	binary.BigEndian.PutUint32(b[6:10], m.GroupID)
	binary.BigEndian.PutUint32(b[10:14], uint32(len(m.Participants)))
	off := 14
	for _, p := range m.Participants {
		binary.BigEndian.PutUint32(b[off:off+4], p.UserID)
		EncodeAddr(b[off+4:off+4+AddrLen], p.Addr)
		off += participantDescriptorLen
	}
	return b
}

func DecodeTaskAssign(b []byte) (TaskAssign, error) {
	if len(b) < 14 {
		return TaskAssign{}, rerr.New(rerr.InvalidInput, "wire.DecodeTaskAssign", nil)
	}
	m := TaskAssign{
		TaskID:   binary.BigEndian.Uint32(b[0:4]),
		Kind:     TaskKind(b[4]),
		Priority: b[5],
		GroupID:  binary.BigEndian.Uint32(b[6:10]),
	}
	count := int(binary.BigEndian.Uint32(b[10:14]))
	off := 14
	for i := 0; i < count; i++ {
		if off+participantDescriptorLen > len(b) {
			return TaskAssign{}, rerr.New(rerr.InvalidInput, "wire.DecodeTaskAssign", nil)
		}
		addr, err := DecodeAddr(b[off+4 : off+4+AddrLen])
		if err != nil {
			return TaskAssign{}, err
		}
		m.Participants = append(m.Participants, ParticipantDescriptor{
			UserID: binary.BigEndian.Uint32(b[off : off+4]),
			Addr:   addr,
		})
		off += participantDescriptorLen
	}
	return m, nil
}

// TaskAssignResponse is sent node -> coordinator, carrying the relay
// endpoint clients should target.
type TaskAssignResponse struct {
	TaskID   uint32
	RelayAddr *net.UDPAddr
}

func (m TaskAssignResponse) Encode() []byte {
	b := make([]byte, 4+AddrLen)
	binary.BigEndian.PutUint32(b[0:4], m.TaskID)
	EncodeAddr(b[4:4+AddrLen], m.RelayAddr)
	return b
}

func DecodeTaskAssignResponse(b []byte) (TaskAssignResponse, error) {
	if len(b) < 4+AddrLen {
		return TaskAssignResponse{}, rerr.New(rerr.InvalidInput, "wire.DecodeTaskAssignResponse", nil)
	}
	addr, err := DecodeAddr(b[4 : 4+AddrLen])
	if err != nil {
		return TaskAssignResponse{}, err
	}
	return TaskAssignResponse{TaskID: binary.BigEndian.Uint32(b[0:4]), RelayAddr: addr}, nil
}

// TaskReclaim asks a node to destroy a task.
type TaskReclaim struct {
	TaskID uint32
}

func (m TaskReclaim) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.TaskID)
	return b
}

func DecodeTaskReclaim(b []byte) (TaskReclaim, error) {
	if len(b) < 4 {
		return TaskReclaim{}, rerr.New(rerr.InvalidInput, "wire.DecodeTaskReclaim", nil)
	}
	return TaskReclaim{TaskID: binary.BigEndian.Uint32(b)}, nil
}

// ControlOp enumerates TASK_CONTROL operations.
type ControlOp uint8

const (
	ControlJoin ControlOp = iota + 1
	ControlLeave
)

// TaskControl asks a node to add or remove a participant from a running
// task.
type TaskControl struct {
	TaskID uint32
	Op     ControlOp
	UserID uint32
	Addr   *net.UDPAddr // meaningful for ControlJoin only
}

func (m TaskControl) Encode() []byte {
	b := make([]byte, 4+1+4+AddrLen)
	binary.BigEndian.PutUint32(b[0:4], m.TaskID)
	b[4] = byte(m.Op)
	binary.BigEndian.PutUint32(b[5:9], m.UserID)
	if m.Addr != nil {
		EncodeAddr(b[9:9+AddrLen], m.Addr)
	}
	return b
}

func DecodeTaskControl(b []byte) (TaskControl, error) {
	if len(b) < 9+AddrLen {
		return TaskControl{}, rerr.New(rerr.InvalidInput, "wire.DecodeTaskControl", nil)
	}
	addr, err := DecodeAddr(b[9 : 9+AddrLen])
	if err != nil {
		return TaskControl{}, err
	}
	return TaskControl{
		TaskID: binary.BigEndian.Uint32(b[0:4]),
		Op:     ControlOp(b[4]),
		UserID: binary.BigEndian.Uint32(b[5:9]),
		Addr:   addr,
	}, nil
}
