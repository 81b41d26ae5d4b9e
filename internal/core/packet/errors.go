package packet

import "errors"

var (
	ErrMalformedPacket     = errors.New("malformed packet")
	ErrUnknownPacketType   = errors.New("unknown packet type")
	ErrFrameTooLarge       = errors.New("frame too large")
	ErrAlreadyRegistered   = errors.New("packet type already registered")
	ErrSerializationFailed = errors.New("packet serialization failed")
)
