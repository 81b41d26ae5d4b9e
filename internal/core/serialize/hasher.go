package serialize

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Hasher is a write-mode serializer that feeds the encoding into xxhash
// instead of a buffer. Running a Serialize method through it yields a
// checksum of exactly the bytes a Writer would produce.
type Hasher struct {
	digest *xxhash.Digest
	size   int
	tmp    [binary.MaxVarintLen64]byte
}

var _ Serializer = (*Hasher)(nil)

func NewHasher() *Hasher {
	return &Hasher{digest: xxhash.New()}
}

// Checksum returns xxhash64 of everything written.
func Checksum(v Serializable) (uint64, bool) {
	h := NewHasher()
	if !v.Serialize(h) {
		return 0, false
	}
	return h.Sum64(), true
}

// Sum64 returns the digest of the bytes written so far.
func (h *Hasher) Sum64() uint64 { return h.digest.Sum64() }

// Size returns how many bytes the encoding would take.
func (h *Hasher) Size() int { return h.size }

func (h *Hasher) Mode() Mode    { return ModeWrite }
func (h *Hasher) IsValid() bool { return true }
func (h *Hasher) Err() error    { return nil }
func (h *Hasher) Invalidate()   {}

func (h *Hasher) write(b []byte) bool {
	_, _ = h.digest.Write(b)
	h.size += len(b)
	return true
}

func (h *Hasher) Bool(v *bool) bool {
	if *v {
		return h.write([]byte{1})
	}
	return h.write([]byte{0})
}

func (h *Hasher) Uint8(v *uint8) bool { return h.write([]byte{*v}) }

func (h *Hasher) Uint16(v *uint16) bool {
	return h.write(binary.LittleEndian.AppendUint16(h.tmp[:0], *v))
}

func (h *Hasher) Uint32(v *uint32) bool {
	return h.write(binary.LittleEndian.AppendUint32(h.tmp[:0], *v))
}

func (h *Hasher) Uint64(v *uint64) bool {
	return h.write(binary.LittleEndian.AppendUint64(h.tmp[:0], *v))
}

func (h *Hasher) Int32(v *int32) bool {
	u := uint32(*v)
	return h.Uint32(&u)
}

func (h *Hasher) Int64(v *int64) bool {
	u := uint64(*v)
	return h.Uint64(&u)
}

func (h *Hasher) Float32(v *float32) bool {
	u := math.Float32bits(*v)
	return h.Uint32(&u)
}

func (h *Hasher) Float64(v *float64) bool {
	u := math.Float64bits(*v)
	return h.Uint64(&u)
}

func (h *Hasher) VarUint(v *uint64) bool {
	n := binary.PutUvarint(h.tmp[:], *v)
	return h.write(h.tmp[:n])
}

func (h *Hasher) Bytes(v *[]byte, _ int) bool {
	n := uint64(len(*v))
	h.VarUint(&n)
	return h.write(*v)
}

func (h *Hasher) String(v *string, maxLen int) bool {
	b := []byte(*v)
	return h.Bytes(&b, maxLen)
}
