package serialize

import (
	"encoding/binary"
	"math"

	"github.com/zeusync/netreplica/pkg/generic"
)

var writerPool = generic.NewPool(func() *Writer {
	return &Writer{buf: make([]byte, 0, 1500)}
}).WithKeep(func(w *Writer) bool {
	return cap(w.buf) <= 64*1024
}).WithReset(func(w *Writer) {
	w.Reset(0)
}).Warm(8)

// Writer encodes into a growing byte slice bounded by a maximum size.
type Writer struct {
	buf     []byte
	maxSize int
	err     error
}

var _ Serializer = (*Writer)(nil)

// NewWriter returns a writer that invalidates once more than maxSize bytes
// are written. maxSize <= 0 means unbounded.
func NewWriter(maxSize int) *Writer {
	return &Writer{maxSize: maxSize}
}

// AcquireWriter takes a writer from the shared pool.
func AcquireWriter(maxSize int) *Writer {
	w := writerPool.Get()
	w.Reset(maxSize)
	return w
}

// Release returns w to the pool. Data() must not be used afterwards.
func (w *Writer) Release() {
	writerPool.Put(w)
}

func (w *Writer) Reset(maxSize int) {
	w.buf = w.buf[:0]
	w.maxSize = maxSize
	w.err = nil
}

// Data returns the encoded output.
func (w *Writer) Data() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Mode() Mode    { return ModeWrite }
func (w *Writer) IsValid() bool { return w.err == nil }
func (w *Writer) Err() error    { return w.err }
func (w *Writer) Invalidate()   { w.fail(ErrValueOutOfRange) }

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) grow(n int) bool {
	if w.err != nil {
		return false
	}
	if w.maxSize > 0 && len(w.buf)+n > w.maxSize {
		w.fail(ErrBufferOverflow)
		return false
	}
	return true
}

func (w *Writer) Bool(v *bool) bool {
	var b uint8
	if *v {
		b = 1
	}
	return w.Uint8(&b)
}

func (w *Writer) Uint8(v *uint8) bool {
	if !w.grow(1) {
		return false
	}
	w.buf = append(w.buf, *v)
	return true
}

func (w *Writer) Uint16(v *uint16) bool {
	if !w.grow(2) {
		return false
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, *v)
	return true
}

func (w *Writer) Uint32(v *uint32) bool {
	if !w.grow(4) {
		return false
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, *v)
	return true
}

func (w *Writer) Uint64(v *uint64) bool {
	if !w.grow(8) {
		return false
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, *v)
	return true
}

func (w *Writer) Int32(v *int32) bool {
	u := uint32(*v)
	return w.Uint32(&u)
}

func (w *Writer) Int64(v *int64) bool {
	u := uint64(*v)
	return w.Uint64(&u)
}

func (w *Writer) Float32(v *float32) bool {
	u := math.Float32bits(*v)
	return w.Uint32(&u)
}

func (w *Writer) Float64(v *float64) bool {
	u := math.Float64bits(*v)
	return w.Uint64(&u)
}

func (w *Writer) VarUint(v *uint64) bool {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], *v)
	if !w.grow(n) {
		return false
	}
	w.buf = append(w.buf, tmp[:n]...)
	return true
}

func (w *Writer) Bytes(v *[]byte, maxLen int) bool {
	if len(*v) > maxLen {
		w.fail(ErrValueOutOfRange)
		return false
	}
	n := uint64(len(*v))
	if !w.VarUint(&n) || !w.grow(len(*v)) {
		return false
	}
	w.buf = append(w.buf, *v...)
	return true
}

func (w *Writer) String(v *string, maxLen int) bool {
	b := []byte(*v)
	return w.Bytes(&b, maxLen)
}
