package netentity

import (
	"bytes"
	"math"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/zeusync/netreplica/internal/core/serialize"
)

// MaxFields is bounded by the width of the dirty-field bitmask.
const MaxFields = 64

// TransformField is the index of the position field every entity carries.
const TransformField = 0

const (
	maxStringField = 1024
	maxBytesField  = 4096
)

var (
	ErrTooManyFields        = errors.New("too many fields")
	ErrFieldIndex           = errors.New("field index out of range")
	ErrFieldKind            = errors.New("field kind mismatch")
	ErrFieldTooLarge        = errors.New("field value too large")
	ErrMalformedState       = errors.New("malformed entity state")
	ErrChecksumMismatch     = errors.New("snapshot checksum mismatch")
	ErrFieldSetIncompatible = errors.New("field sets have different layouts")
)

// FieldKind is the wire type of one replicated field.
type FieldKind uint8

const (
	KindInvalid FieldKind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindVec3
	KindBytes

	kindCount
)

func (k FieldKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindVec3:
		return "vec3"
	case KindBytes:
		return "bytes"
	default:
		return "invalid"
	}
}

// Vec3 is a position in world space.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) LengthSquared() float64 { return v.X*v.X + v.Y*v.Y + v.Z*v.Z }

func (v Vec3) Distance(o Vec3) float64 { return math.Sqrt(v.Sub(o).LengthSquared()) }

type fieldValue struct {
	b   bool
	i   int64
	f   float64
	s   string
	v   Vec3
	raw []byte
}

func (fv *fieldValue) equal(kind FieldKind, o *fieldValue) bool {
	switch kind {
	case KindBool:
		return fv.b == o.b
	case KindInt64:
		return fv.i == o.i
	case KindFloat64:
		return math.Float64bits(fv.f) == math.Float64bits(o.f)
	case KindString:
		return fv.s == o.s
	case KindVec3:
		return fv.v == o.v
	case KindBytes:
		return bytes.Equal(fv.raw, o.raw)
	}
	return false
}

// FieldSet is the serializable state of one entity. Every field carries the
// version at which it last changed; a replicator compares those versions with
// what it already sent to find the dirty fields.
type FieldSet struct {
	kinds    []FieldKind
	values   []fieldValue
	versions []uint32
	clock    uint32
}

var _ serialize.Serializable = (*FieldSet)(nil)

// NewFieldSet builds a field set with the transform at index 0 followed by
// the given kinds.
func NewFieldSet(kinds ...FieldKind) (*FieldSet, error) {
	all := append([]FieldKind{KindVec3}, kinds...)
	if len(all) > MaxFields {
		return nil, errors.Wrapf(ErrTooManyFields, "%d", len(all))
	}
	for i, k := range all {
		if k == KindInvalid || k >= kindCount {
			return nil, errors.Wrapf(ErrFieldKind, "field %d", i)
		}
	}
	return newFieldSet(all), nil
}

func newFieldSet(kinds []FieldKind) *FieldSet {
	return &FieldSet{
		kinds:    kinds,
		values:   make([]fieldValue, len(kinds)),
		versions: make([]uint32, len(kinds)),
	}
}

func (f *FieldSet) Len() int { return len(f.kinds) }

func (f *FieldSet) Kind(i int) FieldKind { return f.kinds[i] }

// Version returns the change version of field i.
func (f *FieldSet) Version(i int) uint32 { return f.versions[i] }

// Versions copies all change versions into dst.
func (f *FieldSet) Versions(dst []uint32) []uint32 {
	return append(dst[:0], f.versions...)
}

// FullMask has a bit for every field.
func (f *FieldSet) FullMask() uint64 {
	if len(f.kinds) == MaxFields {
		return math.MaxUint64
	}
	return 1<<uint(len(f.kinds)) - 1
}

// DirtyMask returns the fields whose version differs from sent.
func (f *FieldSet) DirtyMask(sent []uint32) uint64 {
	var mask uint64
	for i, v := range f.versions {
		if i >= len(sent) || v != sent[i] {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

func (f *FieldSet) check(i int, kind FieldKind) error {
	if i < 0 || i >= len(f.kinds) {
		return errors.Wrapf(ErrFieldIndex, "%d", i)
	}
	if f.kinds[i] != kind {
		return errors.Wrapf(ErrFieldKind, "field %d is %s, not %s", i, f.kinds[i], kind)
	}
	return nil
}

func (f *FieldSet) touch(i int) {
	f.clock++
	f.versions[i] = f.clock
}

func (f *FieldSet) SetBool(i int, v bool) error {
	if err := f.check(i, KindBool); err != nil {
		return err
	}
	if f.values[i].b != v {
		f.values[i].b = v
		f.touch(i)
	}
	return nil
}

func (f *FieldSet) SetInt(i int, v int64) error {
	if err := f.check(i, KindInt64); err != nil {
		return err
	}
	if f.values[i].i != v {
		f.values[i].i = v
		f.touch(i)
	}
	return nil
}

func (f *FieldSet) SetFloat(i int, v float64) error {
	if err := f.check(i, KindFloat64); err != nil {
		return err
	}
	if math.Float64bits(f.values[i].f) != math.Float64bits(v) {
		f.values[i].f = v
		f.touch(i)
	}
	return nil
}

func (f *FieldSet) SetString(i int, v string) error {
	if err := f.check(i, KindString); err != nil {
		return err
	}
	if len(v) > maxStringField {
		return errors.Wrapf(ErrFieldTooLarge, "string field %d longer than %d", i, maxStringField)
	}
	if f.values[i].s != v {
		f.values[i].s = v
		f.touch(i)
	}
	return nil
}

func (f *FieldSet) SetVec3(i int, v Vec3) error {
	if err := f.check(i, KindVec3); err != nil {
		return err
	}
	if f.values[i].v != v {
		f.values[i].v = v
		f.touch(i)
	}
	return nil
}

func (f *FieldSet) SetBytes(i int, v []byte) error {
	if err := f.check(i, KindBytes); err != nil {
		return err
	}
	if len(v) > maxBytesField {
		return errors.Wrapf(ErrFieldTooLarge, "bytes field %d longer than %d", i, maxBytesField)
	}
	if !bytes.Equal(f.values[i].raw, v) {
		f.values[i].raw = append([]byte(nil), v...)
		f.touch(i)
	}
	return nil
}

func (f *FieldSet) Bool(i int) bool     { return f.values[i].b }
func (f *FieldSet) Int(i int) int64     { return f.values[i].i }
func (f *FieldSet) Float(i int) float64 { return f.values[i].f }
func (f *FieldSet) String(i int) string { return f.values[i].s }
func (f *FieldSet) Vec3(i int) Vec3     { return f.values[i].v }
func (f *FieldSet) Bytes(i int) []byte  { return f.values[i].raw }

func (f *FieldSet) serializeValue(s serialize.Serializer, i int) bool {
	fv := &f.values[i]
	switch f.kinds[i] {
	case KindBool:
		return s.Bool(&fv.b)
	case KindInt64:
		return s.Int64(&fv.i)
	case KindFloat64:
		return s.Float64(&fv.f)
	case KindString:
		return s.String(&fv.s, maxStringField)
	case KindVec3:
		s.Float64(&fv.v.X)
		s.Float64(&fv.v.Y)
		return s.Float64(&fv.v.Z)
	case KindBytes:
		return s.Bytes(&fv.raw, maxBytesField)
	}
	s.Invalidate()
	return false
}

// SerializeDelta writes or reads [bitmask][values of set bits, ascending].
// In read mode a bitmask naming a field the set does not have invalidates
// the serializer; values are decoded in place, so callers read into a clone.
func (f *FieldSet) SerializeDelta(s serialize.Serializer, mask *uint64) bool {
	if !s.VarUint(mask) {
		return false
	}
	if *mask == 0 || *mask&^f.FullMask() != 0 {
		s.Invalidate()
		return false
	}
	for m := *mask; m != 0; m &= m - 1 {
		if !f.serializeValue(s, bits.TrailingZeros64(m)) {
			return false
		}
	}
	return s.IsValid()
}

// Serialize writes or reads a full snapshot: layout followed by every value.
// Reading replaces the layout.
func (f *FieldSet) Serialize(s serialize.Serializer) bool {
	n := len(f.kinds)
	if !serialize.Count(s, &n, MaxFields) {
		return false
	}
	if s.Mode() == serialize.ModeRead {
		if n == 0 {
			s.Invalidate()
			return false
		}
		*f = *newFieldSet(make([]FieldKind, n))
	}
	for i := range f.kinds {
		k := uint8(f.kinds[i])
		if !s.Uint8(&k) {
			return false
		}
		if FieldKind(k) == KindInvalid || FieldKind(k) >= kindCount {
			s.Invalidate()
			return false
		}
		f.kinds[i] = FieldKind(k)
	}
	if f.kinds[TransformField] != KindVec3 {
		s.Invalidate()
		return false
	}
	for i := range f.kinds {
		if !f.serializeValue(s, i) {
			return false
		}
	}
	return s.IsValid()
}

// Clone returns a deep copy including versions.
func (f *FieldSet) Clone() *FieldSet {
	c := &FieldSet{
		kinds:    append([]FieldKind(nil), f.kinds...),
		values:   append([]fieldValue(nil), f.values...),
		versions: append([]uint32(nil), f.versions...),
		clock:    f.clock,
	}
	for i := range c.values {
		if c.values[i].raw != nil {
			c.values[i].raw = append([]byte(nil), c.values[i].raw...)
		}
	}
	return c
}

// EncodeDelta serializes the fields in mask.
func (f *FieldSet) EncodeDelta(mask uint64) ([]byte, error) {
	w := serialize.NewWriter(0)
	if !f.SerializeDelta(w, &mask) {
		return nil, errors.Wrap(ErrMalformedState, "encode delta")
	}
	return w.Data(), nil
}

// ApplyDelta decodes a delta into a staging copy and commits it only if the
// whole blob is valid. It returns the mask of fields that actually changed.
func (f *FieldSet) ApplyDelta(data []byte) (uint64, error) {
	stage := f.Clone()
	r := serialize.NewReader(data)
	var mask uint64
	if !stage.SerializeDelta(r, &mask) || r.Remaining() != 0 {
		return 0, errors.Wrapf(ErrMalformedState, "delta: %v", r.Err())
	}
	return f.commit(stage, mask), nil
}

// CheckDelta reports whether data would apply cleanly, without applying it.
func (f *FieldSet) CheckDelta(data []byte) error {
	stage := f.Clone()
	r := serialize.NewReader(data)
	var mask uint64
	if !stage.SerializeDelta(r, &mask) || r.Remaining() != 0 {
		return errors.Wrapf(ErrMalformedState, "delta: %v", r.Err())
	}
	return nil
}

// EncodeSnapshot returns the full snapshot and its xxhash checksum.
func (f *FieldSet) EncodeSnapshot() ([]byte, uint64, error) {
	w := serialize.NewWriter(0)
	if !f.Serialize(w) {
		return nil, 0, errors.Wrap(ErrMalformedState, "encode snapshot")
	}
	sum, _ := serialize.Checksum(f)
	return w.Data(), sum, nil
}

// DecodeSnapshot parses a snapshot and verifies its checksum.
func DecodeSnapshot(data []byte, checksum uint64) (*FieldSet, error) {
	f := &FieldSet{}
	r := serialize.NewReader(data)
	if !f.Serialize(r) || r.Remaining() != 0 {
		return nil, errors.Wrapf(ErrMalformedState, "snapshot: %v", r.Err())
	}
	if sum, _ := serialize.Checksum(f); sum != checksum {
		return nil, ErrChecksumMismatch
	}
	return f, nil
}

// ApplySnapshot copies every value of other into f. Layouts must match.
func (f *FieldSet) ApplySnapshot(other *FieldSet) (uint64, error) {
	if len(other.kinds) != len(f.kinds) {
		return 0, ErrFieldSetIncompatible
	}
	for i := range f.kinds {
		if f.kinds[i] != other.kinds[i] {
			return 0, ErrFieldSetIncompatible
		}
	}
	return f.commit(other, f.FullMask()), nil
}

func (f *FieldSet) commit(src *FieldSet, mask uint64) uint64 {
	var changed uint64
	for m := mask; m != 0; m &= m - 1 {
		i := bits.TrailingZeros64(m)
		if f.values[i].equal(f.kinds[i], &src.values[i]) {
			continue
		}
		f.values[i] = src.values[i]
		if f.values[i].raw != nil {
			f.values[i].raw = append([]byte(nil), f.values[i].raw...)
		}
		f.touch(i)
		changed |= 1 << uint(i)
	}
	return changed
}
