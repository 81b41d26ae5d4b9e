package packet

import (
	"github.com/pkg/errors"

	"github.com/zeusync/netreplica/internal/core/serialize"
)

// HeaderSize is the largest frame header: u16 type plus a varint length of
// up to 32 bits.
const HeaderSize = 2 + 5

// Encode frames p as [type u16][payload length varint][payload]. maxSize
// bounds the whole frame; <= 0 disables the bound.
func Encode(p Packet, maxSize int) ([]byte, error) {
	payloadMax := 0
	if maxSize > 0 {
		payloadMax = maxSize - HeaderSize
	}

	payload := serialize.AcquireWriter(payloadMax)
	defer payload.Release()

	if !p.Serialize(payload) {
		if errors.Is(payload.Err(), serialize.ErrBufferOverflow) {
			return nil, errors.Wrapf(ErrFrameTooLarge, "%s", p.GetPacketType())
		}
		return nil, errors.Wrapf(ErrSerializationFailed, "%s: %v", p.GetPacketType(), payload.Err())
	}

	frame := serialize.NewWriter(0)
	t := uint16(p.GetPacketType())
	n := uint64(payload.Len())
	frame.Uint16(&t)
	frame.VarUint(&n)

	out := make([]byte, 0, frame.Len()+payload.Len())
	out = append(out, frame.Data()...)
	out = append(out, payload.Data()...)
	return out, nil
}

// PeekType returns the packet type of a frame without decoding it.
func PeekType(frame []byte) (Type, bool) {
	var t uint16
	if !serialize.NewReader(frame).Uint16(&t) {
		return TypeInvalid, false
	}
	return Type(t), true
}

// Decode parses one frame. The declared payload length must match the frame
// exactly and Serialize must consume the whole payload.
func Decode(frame []byte, registry *Registry) (Packet, error) {
	r := serialize.NewReader(frame)

	var t uint16
	var n uint64
	if !r.Uint16(&t) || !r.VarUint(&n) {
		return nil, errors.Wrap(ErrMalformedPacket, "truncated header")
	}
	if n != uint64(r.Remaining()) {
		return nil, errors.Wrapf(ErrMalformedPacket, "payload length %d, have %d", n, r.Remaining())
	}

	p, ok := registry.New(Type(t))
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPacketType, "%d", t)
	}

	if !p.Serialize(r) {
		return nil, errors.Wrapf(ErrMalformedPacket, "%s: %v", p.GetPacketType(), r.Err())
	}
	if r.Remaining() != 0 {
		return nil, errors.Wrapf(ErrMalformedPacket, "%s: %d trailing bytes", p.GetPacketType(), r.Remaining())
	}
	return p, nil
}
