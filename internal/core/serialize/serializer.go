// Package serialize provides a bidirectional binary codec. A single Serialize
// method written against Serializer runs in both directions: in write mode the
// pointers are read and encoded, in read mode they are filled from the input.
package serialize

import "errors"

// Mode is the direction a serializer runs in.
type Mode uint8

const (
	ModeWrite Mode = iota
	ModeRead
)

func (m Mode) String() string {
	if m == ModeRead {
		return "read"
	}
	return "write"
}

var (
	ErrBufferOverflow  = errors.New("serializer buffer overflow")
	ErrBufferUnderflow = errors.New("serializer buffer underflow")
	ErrValueOutOfRange = errors.New("serialized value out of range")
)

// Serializer is implemented by every codec direction. Each method returns
// IsValid() after the operation; once a serializer turns invalid it stays
// invalid and further calls are no-ops.
type Serializer interface {
	Mode() Mode

	Bool(v *bool) bool
	Uint8(v *uint8) bool
	Uint16(v *uint16) bool
	Uint32(v *uint32) bool
	Uint64(v *uint64) bool
	Int32(v *int32) bool
	Int64(v *int64) bool
	Float32(v *float32) bool
	Float64(v *float64) bool
	// VarUint uses LEB128 encoding.
	VarUint(v *uint64) bool
	// Bytes is length prefixed; reading more than maxLen bytes invalidates.
	Bytes(v *[]byte, maxLen int) bool
	String(v *string, maxLen int) bool

	IsValid() bool
	// Invalidate marks the stream malformed, typically after a range check.
	Invalidate()
	Err() error
}

// Serializable is implemented by anything with a single bidirectional
// Serialize method.
type Serializable interface {
	Serialize(s Serializer) bool
}

// Count serializes a collection length and checks it against limit in both
// directions.
func Count(s Serializer, n *int, limit int) bool {
	v := uint64(*n)
	if s.Mode() == ModeWrite && *n > limit {
		s.Invalidate()
		return false
	}
	if !s.VarUint(&v) {
		return false
	}
	if v > uint64(limit) {
		s.Invalidate()
		return false
	}
	*n = int(v)
	return true
}
