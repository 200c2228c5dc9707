package wire

import (
	"encoding/binary"

	"github.com/turnrelay/turnrelay/internal/rerr"
)

// InnerType enumerates the relay envelope's application-level payload kind.
type InnerType = Type

const (
	InnerCheckin    = TypeCheckin
	InnerCommand    = TypeCommand
	InnerStateImage = TypeStateImage
)

// FragHeaderLen is the size of the fragment fields appended after the base
// envelope header when Inner == InnerStateImage: seq (16 bits), frag flag +
// more-fragments bit + 6 reserved bits packed into 1 byte, 22-bit fragment
// offset and 10-bit length packed into 4 bytes (network order, MSB first:
// offset in the high 22 bits, length in the low 10).
const FragHeaderLen = 2 + 1 + 4

// Envelope is the inner (task_id, user_id, inner_type, datalen, ...)
// structure exchanged between clients and a relay task, per spec §6. For
// InnerStateImage it additionally carries fragment fields; for the other
// inner types FragSeq/FragOfs/FragLen/MoreFrags are unused.
type Envelope struct {
	TaskID uint32
	UserID uint32
	Inner  InnerType

	// Fragment fields, valid only when Inner == InnerStateImage.
	FragSeq    uint16
	FragOfs    uint32 // 22 significant bits
	FragLen    uint32 // 10 significant bits
	MoreFrags  bool

	Payload []byte
}

const envelopeFixedLen = 4 + 4 + 1 + 4 // task_id + user_id + inner_type + datalen

// Encode serializes the envelope, including fragment fields when Inner is
// InnerStateImage.
func (e Envelope) Encode() []byte {
	fragLen := 0
	if e.Inner == InnerStateImage {
		fragLen = FragHeaderLen
	}
	b := make([]byte, envelopeFixedLen+fragLen+len(e.Payload))
	binary.BigEndian.PutUint32(b[0:4], e.TaskID)
	binary.BigEndian.PutUint32(b[4:8], e.UserID)
	b[8] = byte(e.Inner)
	binary.BigEndian.PutUint32(b[9:13], uint32(len(e.Payload)))
	off := envelopeFixedLen
	if e.Inner == InnerStateImage {
		binary.BigEndian.PutUint16(b[off:off+2], e.FragSeq)
		mf := byte(0)
		if e.MoreFrags {
			mf = 1
		}
		b[off+2] = mf
		packed := (e.FragOfs&0x3FFFFF)<<10 | (e.FragLen & 0x3FF)
		binary.BigEndian.PutUint32(b[off+3:off+7], packed)
		off += FragHeaderLen
	}
	copy(b[off:], e.Payload)
	return b
}

// DecodeEnvelope parses an Envelope from b.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < envelopeFixedLen {
		return Envelope{}, rerr.New(rerr.InvalidInput, "wire.DecodeEnvelope", nil)
	}
	e := Envelope{
		TaskID: binary.BigEndian.Uint32(b[0:4]),
		UserID: binary.BigEndian.Uint32(b[4:8]),
		Inner:  InnerType(b[8]),
	}
	datalen := int(binary.BigEndian.Uint32(b[9:13]))
	off := envelopeFixedLen
	if e.Inner == InnerStateImage {
		if len(b) < off+FragHeaderLen {
			return Envelope{}, rerr.New(rerr.InvalidInput, "wire.DecodeEnvelope", nil)
		}
		e.FragSeq = binary.BigEndian.Uint16(b[off : off+2])
		e.MoreFrags = b[off+2] != 0
		packed := binary.BigEndian.Uint32(b[off+3 : off+7])
		e.FragOfs = (packed >> 10) & 0x3FFFFF
		e.FragLen = packed & 0x3FF
		off += FragHeaderLen
	}
	if off+datalen > len(b) {
		return Envelope{}, rerr.New(rerr.InvalidInput, "wire.DecodeEnvelope", nil)
	}
	e.Payload = b[off : off+datalen]
	return e, nil
}
