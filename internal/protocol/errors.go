package protocol

import "errors"

var (
	ErrMalformedMessage = errors.New("protocol: malformed message")
	ErrUnknownKind      = errors.New("protocol: unknown envelope kind")
	ErrValueShape       = errors.New("protocol: invalid value shape")
	ErrNotPrimitive     = errors.New("protocol: value is not transportable")
)
