package event

import "errors"

var (
	ErrNoSymbol        = errors.New("event has no symbol")
	ErrNoTimestamp     = errors.New("event has no timestamp")
	ErrPayloadMismatch = errors.New("payload does not match event type")
	ErrUnknownType     = errors.New("unknown event type")
	ErrBadPrice        = errors.New("non-positive price")
	ErrInvertedRange   = errors.New("high/low range does not bracket open/close")
)
