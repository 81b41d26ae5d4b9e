package replication

import (
	"fmt"

	"github.com/zeusync/netreplica/internal/core/nettypes"
)

// ErrorCode classifies why an inbound packet was rejected.
type ErrorCode uint16

const (
	ErrCodeMalformedDelta ErrorCode = iota + 1
	ErrCodeMalformedSnapshot
	ErrCodeChecksumMismatch
	ErrCodeNotAuthority
	ErrCodeUnknownEntity
	ErrCodeUnexpectedPacket
	ErrCodeRegistry
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeMalformedDelta:
		return "malformed_delta"
	case ErrCodeMalformedSnapshot:
		return "malformed_snapshot"
	case ErrCodeChecksumMismatch:
		return "checksum_mismatch"
	case ErrCodeNotAuthority:
		return "not_authority"
	case ErrCodeUnknownEntity:
		return "unknown_entity"
	case ErrCodeUnexpectedPacket:
		return "unexpected_packet"
	case ErrCodeRegistry:
		return "registry"
	default:
		return fmt.Sprintf("code(%d)", uint16(c))
	}
}

// Error is an inbound rejection. Malformed reports whether the connection's
// malformed packet policy applies.
type Error struct {
	Code     ErrorCode
	EntityID nettypes.NetEntityId
	Cause    error
}

func newError(code ErrorCode, id nettypes.NetEntityId, cause error) *Error {
	return &Error{Code: code, EntityID: id, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("replication %s: entity %s", e.Code, e.EntityID)
	}
	return fmt.Sprintf("replication %s: entity %s: %v", e.Code, e.EntityID, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Malformed() bool {
	switch e.Code {
	case ErrCodeMalformedDelta, ErrCodeMalformedSnapshot, ErrCodeChecksumMismatch:
		return true
	default:
		return false
	}
}
