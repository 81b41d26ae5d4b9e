package serialize

import (
	"encoding/binary"
	"math"
)

// Reader decodes from a fixed byte slice.
type Reader struct {
	data []byte
	pos  int
	err  error
}

var _ Serializer = (*Reader)(nil)

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) Mode() Mode    { return ModeRead }
func (r *Reader) IsValid() bool { return r.err == nil }
func (r *Reader) Err() error    { return r.err }
func (r *Reader) Invalidate()   { r.fail(ErrValueOutOfRange) }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.fail(ErrBufferUnderflow)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) Bool(v *bool) bool {
	var b uint8
	if !r.Uint8(&b) {
		return false
	}
	if b > 1 {
		r.fail(ErrValueOutOfRange)
		return false
	}
	*v = b == 1
	return true
}

func (r *Reader) Uint8(v *uint8) bool {
	b := r.take(1)
	if b == nil {
		return false
	}
	*v = b[0]
	return true
}

func (r *Reader) Uint16(v *uint16) bool {
	b := r.take(2)
	if b == nil {
		return false
	}
	*v = binary.LittleEndian.Uint16(b)
	return true
}

func (r *Reader) Uint32(v *uint32) bool {
	b := r.take(4)
	if b == nil {
		return false
	}
	*v = binary.LittleEndian.Uint32(b)
	return true
}

func (r *Reader) Uint64(v *uint64) bool {
	b := r.take(8)
	if b == nil {
		return false
	}
	*v = binary.LittleEndian.Uint64(b)
	return true
}

func (r *Reader) Int32(v *int32) bool {
	var u uint32
	if !r.Uint32(&u) {
		return false
	}
	*v = int32(u)
	return true
}

func (r *Reader) Int64(v *int64) bool {
	var u uint64
	if !r.Uint64(&u) {
		return false
	}
	*v = int64(u)
	return true
}

func (r *Reader) Float32(v *float32) bool {
	var u uint32
	if !r.Uint32(&u) {
		return false
	}
	*v = math.Float32frombits(u)
	return true
}

func (r *Reader) Float64(v *float64) bool {
	var u uint64
	if !r.Uint64(&u) {
		return false
	}
	*v = math.Float64frombits(u)
	return true
}

func (r *Reader) VarUint(v *uint64) bool {
	if r.err != nil {
		return false
	}
	u, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		r.fail(ErrBufferUnderflow)
		return false
	}
	r.pos += n
	*v = u
	return true
}

func (r *Reader) Bytes(v *[]byte, maxLen int) bool {
	var n uint64
	if !r.VarUint(&n) {
		return false
	}
	if n > uint64(maxLen) {
		r.fail(ErrValueOutOfRange)
		return false
	}
	b := r.take(int(n))
	if b == nil {
		return false
	}
	*v = append((*v)[:0], b...)
	return true
}

func (r *Reader) String(v *string, maxLen int) bool {
	var b []byte
	if !r.Bytes(&b, maxLen) {
		return false
	}
	*v = string(b)
	return true
}
