// Package wire implements the relay platform's wire framing (C8, the
// protocol framer) and the message types carried over it (C9/C10/C11
// external interfaces). It is grounded on hoycutils/common/pack_head.c and
// include/protos.h: a fixed 12-byte header (magic, version, type, sequence,
// reserved checksum, reserved byte, payload length), network byte order,
// payload immediately following.
package wire

import (
	"encoding/binary"

	"github.com/turnrelay/turnrelay/internal/rerr"
)

const (
	// Magic identifies a relay-protocol packet.
	Magic uint16 = 0x2016
	// Version is the only wire version this implementation speaks.
	Version uint8 = 1
	// HeaderLen is the fixed size of Header on the wire.
	HeaderLen = 12
)

// Type identifies the payload carried after a Header.
type Type uint8

// Coordinator <-> client message types, mirroring hoycutils/include/protos.h
// cli_center_msg_type / center_cli_msg_type, renamed to the spec's names.
const (
	TypeLogin Type = iota + 1
	TypeLogout
	TypeHeartbeat
	TypeCreateGroup
	TypeDeleteGroup
	TypeListGroup
	TypeJoinGroup
	TypeLeaveGroup

	TypeLoginResponse
	TypeCreateGroupResponse
	TypeListGroupResponse
	TypeJoinGroupResponse
	TypeGroupDelete
	TypeHandleErr
)

// Coordinator <-> node control-channel message types.
const (
	TypeTaskAssign Type = iota + 64
	TypeTaskReclaim
	TypeTaskControl
	TypeTaskAssignResponse
)

// Client <-> relay envelope inner types (spec §6, hoycutils PACK_CHECKIN et al).
const (
	TypeCheckin Type = iota + 128
	TypeCommand
	TypeStateImage
)

// Relay outer wrapper types. P2PPack is reserved and never produced.
const (
	TypeTurnPack Type = iota + 192
	TypeP2PPack
)

// Header is the fixed 12-byte relay protocol header.
type Header struct {
	Magic    uint16
	Version  uint8
	Type     Type
	Seq      uint16
	Checksum uint8 // reserved, always zero
	Reserved uint8 // reserved, always zero
	Len      uint32
}

// Encode stamps the header into the first HeaderLen bytes of dst, which must
// have length >= HeaderLen. Checksum and Reserved are always written zero
// per spec (checksum is reserved, not computed).
func (h Header) Encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], Magic)
	dst[2] = Version
	dst[3] = byte(h.Type)
	binary.BigEndian.PutUint16(dst[4:6], h.Seq)
	dst[6] = 0
	dst[7] = 0
	binary.BigEndian.PutUint32(dst[8:12], h.Len)
}

// Decode validates magic and version and parses a header from src, which
// must have length >= HeaderLen. A magic or version mismatch is reported as
// rerr.InvalidInput; the caller should drop the packet silently per spec
// (logging is the caller's responsibility, since only it knows the socket
// context worth logging).
func Decode(src []byte) (Header, error) {
	if len(src) < HeaderLen {
		return Header{}, rerr.New(rerr.InvalidInput, "wire.Decode", nil)
	}
	magic := binary.BigEndian.Uint16(src[0:2])
	version := src[2]
	if magic != Magic || version != Version {
		return Header{}, rerr.New(rerr.InvalidInput, "wire.Decode", nil)
	}
	return Header{
		Magic:   magic,
		Version: version,
		Type:    Type(src[3]),
		Seq:     binary.BigEndian.Uint16(src[4:6]),
		Len:     binary.BigEndian.Uint32(src[8:12]),
	}, nil
}

// Frame stamps a header (magic/version fixed, caller-supplied type/seq) onto
// an outbound buffer whose capacity is at least HeaderLen+len(payload), and
// copies payload immediately after it. It returns the total framed length.
func Frame(dst []byte, typ Type, seq uint16, payload []byte) int {
	h := Header{Type: typ, Seq: seq, Len: uint32(len(payload))}
	h.Encode(dst)
	copy(dst[HeaderLen:], payload)
	return HeaderLen + len(payload)
}

// Split decodes the header from src and returns it along with the payload
// slice (src[HeaderLen:HeaderLen+h.Len]), bounds-checked against src's
// length.
func Split(src []byte) (Header, []byte, error) {
	h, err := Decode(src)
	if err != nil {
		return Header{}, nil, err
	}
	end := HeaderLen + int(h.Len)
	if end > len(src) {
		return Header{}, nil, rerr.New(rerr.InvalidInput, "wire.Split", nil)
	}
	return h, src[HeaderLen:end], nil
}
