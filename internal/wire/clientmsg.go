package wire

import (
	"encoding/binary"
	"net"

	"github.com/turnrelay/turnrelay/internal/rerr"
)

// NameMax and PasswdMax bound the fixed-width, NUL-terminated-when-shorter
// group name and passphrase fields (hoycutils GROUP_NAME_MAX/GROUP_PASSWD_MAX).
const (
	NameMax   = 32
	PasswdMax = 32
)

// Group flags, mirroring hoycutils GROUP_TYPE_*.
const (
	GroupNeedPasswd uint16 = 1 << 0
	GroupOpened     uint16 = 1 << 1
)

func putFixed(dst []byte, s string, n int) {
	copy(dst[:n], s)
	for i := len(s); i < n; i++ {
		dst[i] = 0
	}
}

func getFixed(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}

// Login carries no fields; the coordinator learns the sender's address from
// the UDP source.
type Login struct{}

func (Login) Encode() []byte { return nil }

// LoginResponse carries the allocated user id.
type LoginResponse struct {
	UserID uint32
}

func (m LoginResponse) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.UserID)
	return b
}

func DecodeLoginResponse(b []byte) (LoginResponse, error) {
	if len(b) < 4 {
		return LoginResponse{}, rerr.New(rerr.InvalidInput, "wire.DecodeLoginResponse", nil)
	}
	return LoginResponse{UserID: binary.BigEndian.Uint32(b)}, nil
}

// Logout, Heartbeat carry only the user id.
type UserMsg struct {
	UserID uint32
}

func (m UserMsg) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.UserID)
	return b
}

func DecodeUserMsg(b []byte) (UserMsg, error) {
	if len(b) < 4 {
		return UserMsg{}, rerr.New(rerr.InvalidInput, "wire.DecodeUserMsg", nil)
	}
	return UserMsg{UserID: binary.BigEndian.Uint32(b)}, nil
}

// CreateGroup requests a new group.
type CreateGroup struct {
	UserID  uint32
	Flags   uint16
	Name    string
	Passwd  string
}

func (m CreateGroup) Encode() []byte {
	b := make([]byte, 4+2+NameMax+PasswdMax)
	binary.BigEndian.PutUint32(b[0:4], m.UserID)
	binary.BigEndian.PutUint16(b[4:6], m.Flags)
	putFixed(b[6:6+NameMax], m.Name, NameMax)
	putFixed(b[6+NameMax:6+NameMax+PasswdMax], m.Passwd, PasswdMax)
	return b
}

func DecodeCreateGroup(b []byte) (CreateGroup, error) {
	if len(b) < 6+NameMax+PasswdMax {
		return CreateGroup{}, rerr.New(rerr.InvalidInput, "wire.DecodeCreateGroup", nil)
	}
	return CreateGroup{
		UserID: binary.BigEndian.Uint32(b[0:4]),
		Flags:  binary.BigEndian.Uint16(b[4:6]),
		Name:   getFixed(b[6 : 6+NameMax]),
		Passwd: getFixed(b[6+NameMax : 6+NameMax+PasswdMax]),
	}, nil
}

// GroupResult is the shared shape of CREATE_GROUP_RESPONSE and
// JOIN_GROUP_RESPONSE (hoycutils pack_creat_group_result is reused for both).
type GroupResult struct {
	GroupID uint32
	TaskID  uint32
	Addr    *net.UDPAddr
}

func (m GroupResult) Encode() []byte {
	b := make([]byte, 4+4+AddrLen)
	binary.BigEndian.PutUint32(b[0:4], m.GroupID)
	binary.BigEndian.PutUint32(b[4:8], m.TaskID)
	EncodeAddr(b[8:8+AddrLen], m.Addr)
	return b
}

func DecodeGroupResult(b []byte) (GroupResult, error) {
	if len(b) < 8+AddrLen {
		return GroupResult{}, rerr.New(rerr.InvalidInput, "wire.DecodeGroupResult", nil)
	}
	addr, err := DecodeAddr(b[8 : 8+AddrLen])
	if err != nil {
		return GroupResult{}, err
	}
	return GroupResult{
		GroupID: binary.BigEndian.Uint32(b[0:4]),
		TaskID:  binary.BigEndian.Uint32(b[4:8]),
		Addr:    addr,
	}, nil
}

// DeleteGroup requests deletion of a group by its owner.
type DeleteGroup struct {
	UserID  uint32
	GroupID uint32
}

func (m DeleteGroup) Encode() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.UserID)
	binary.BigEndian.PutUint32(b[4:8], m.GroupID)
	return b
}

func DecodeDeleteGroup(b []byte) (DeleteGroup, error) {
	if len(b) < 8 {
		return DeleteGroup{}, rerr.New(rerr.InvalidInput, "wire.DecodeDeleteGroup", nil)
	}
	return DeleteGroup{
		UserID:  binary.BigEndian.Uint32(b[0:4]),
		GroupID: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// ListGroup pages through the group table.
type ListGroup struct {
	UserID uint32
	Pos    uint32
	Count  uint32
}

func (m ListGroup) Encode() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.UserID)
	binary.BigEndian.PutUint32(b[4:8], m.Pos)
	binary.BigEndian.PutUint32(b[8:12], m.Count)
	return b
}

func DecodeListGroup(b []byte) (ListGroup, error) {
	if len(b) < 12 {
		return ListGroup{}, rerr.New(rerr.InvalidInput, "wire.DecodeListGroup", nil)
	}
	return ListGroup{
		UserID: binary.BigEndian.Uint32(b[0:4]),
		Pos:    binary.BigEndian.Uint32(b[4:8]),
		Count:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// GroupDescriptor is one packed entry of a LIST_GROUP_RESPONSE.
type GroupDescriptor struct {
	GroupID uint32
	Flags   uint16
	Name    string
}

const groupDescriptorFixedLen = 4 + 2 + 4 // id + flags + namelen

func (d GroupDescriptor) encodedLen() int {
	return groupDescriptorFixedLen + len(d.Name)
}

// EncodeListGroupResponse packs as many descriptors as fit within budget
// bytes, in order, and reports how many were packed. Stops early rather than
// exceeding the byte budget, per spec.
func EncodeListGroupResponse(descs []GroupDescriptor, budget int) ([]byte, int) {
	var out []byte
	n := 0
	for _, d := range descs {
		need := d.encodedLen()
		if len(out)+need > budget {
			break
		}
		hdr := make([]byte, groupDescriptorFixedLen)
		binary.BigEndian.PutUint32(hdr[0:4], d.GroupID)
		binary.BigEndian.PutUint16(hdr[4:6], d.Flags)
		binary.BigEndian.PutUint32(hdr[6:10], uint32(len(d.Name)))
		out = append(out, hdr...)
		out = append(out, d.Name...)
		n++
	}
	return out, n
}

// DecodeListGroupResponse unpacks descriptors from a LIST_GROUP_RESPONSE
// payload.
func DecodeListGroupResponse(b []byte) ([]GroupDescriptor, error) {
	var out []GroupDescriptor
	for len(b) > 0 {
		if len(b) < groupDescriptorFixedLen {
			return nil, rerr.New(rerr.InvalidInput, "wire.DecodeListGroupResponse", nil)
		}
		gid := binary.BigEndian.Uint32(b[0:4])
		flags := binary.BigEndian.Uint16(b[4:6])
		namelen := int(binary.BigEndian.Uint32(b[6:10]))
		b = b[groupDescriptorFixedLen:]
		if namelen > len(b) {
			return nil, rerr.New(rerr.InvalidInput, "wire.DecodeListGroupResponse", nil)
		}
		out = append(out, GroupDescriptor{GroupID: gid, Flags: flags, Name: string(b[:namelen])})
		b = b[namelen:]
	}
	return out, nil
}

// JoinGroup requests membership in an existing group.
type JoinGroup struct {
	UserID  uint32
	GroupID uint32
	Passwd  string
}

func (m JoinGroup) Encode() []byte {
	b := make([]byte, 8+PasswdMax)
	binary.BigEndian.PutUint32(b[0:4], m.UserID)
	binary.BigEndian.PutUint32(b[4:8], m.GroupID)
	putFixed(b[8:8+PasswdMax], m.Passwd, PasswdMax)
	return b
}

func DecodeJoinGroup(b []byte) (JoinGroup, error) {
	if len(b) < 8+PasswdMax {
		return JoinGroup{}, rerr.New(rerr.InvalidInput, "wire.DecodeJoinGroup", nil)
	}
	return JoinGroup{
		UserID:  binary.BigEndian.Uint32(b[0:4]),
		GroupID: binary.BigEndian.Uint32(b[4:8]),
		Passwd:  getFixed(b[8 : 8+PasswdMax]),
	}, nil
}

// LeaveGroup requests removal of the caller from a group.
type LeaveGroup struct {
	UserID  uint32
	GroupID uint32
}

func (m LeaveGroup) Encode() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.UserID)
	binary.BigEndian.PutUint32(b[4:8], m.GroupID)
	return b
}

func DecodeLeaveGroup(b []byte) (LeaveGroup, error) {
	if len(b) < 8 {
		return LeaveGroup{}, rerr.New(rerr.InvalidInput, "wire.DecodeLeaveGroup", nil)
	}
	return LeaveGroup{
		UserID:  binary.BigEndian.Uint32(b[0:4]),
		GroupID: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// GroupDelete is pushed to each non-initiator member when their group is
// deleted.
type GroupDelete struct {
	GroupID uint32
}

func (m GroupDelete) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.GroupID)
	return b
}

func DecodeGroupDelete(b []byte) (GroupDelete, error) {
	if len(b) < 4 {
		return GroupDelete{}, rerr.New(rerr.InvalidInput, "wire.DecodeGroupDelete", nil)
	}
	return GroupDelete{GroupID: binary.BigEndian.Uint32(b)}, nil
}

// ErrReason enumerates why a request was rejected, carried in a HandleErr.
// This resolves the HANDLE_ERR open question (see DESIGN.md): a rejected
// CREATE_GROUP or JOIN_GROUP gets one of these instead of a silent drop;
// rejected requests that have no response are still dropped.
type ErrReason uint8

const (
	ReasonUnknownUser ErrReason = iota + 1
	ReasonUnknownGroup
	ReasonWrongPasswd
	ReasonGroupFull
	ReasonInternal
)

// HandleErr reports a rejected request, naming the request type that failed
// and why.
type HandleErr struct {
	ReqType Type
	Reason  ErrReason
}

func (m HandleErr) Encode() []byte {
	return []byte{byte(m.ReqType), byte(m.Reason)}
}

func DecodeHandleErr(b []byte) (HandleErr, error) {
	if len(b) < 2 {
		return HandleErr{}, rerr.New(rerr.InvalidInput, "wire.DecodeHandleErr", nil)
	}
	return HandleErr{ReqType: Type(b[0]), Reason: ErrReason(b[1])}, nil
}
