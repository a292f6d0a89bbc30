// Package touch encodes the two touch signal tokens exchanged over a peer connection.
package touch

import (
	"errors"
	"fmt"
)

const (
	TokenTouchStart = "touchstart"
	TokenTouchEnd   = "touchend"
)

var ErrUnknownSignal = errors.New("unknown touch signal")

type Signal uint8

const (
	TouchStart Signal = iota + 1
	TouchEnd
)

func (s Signal) String() string {
	switch s {
	case TouchStart:
		return TokenTouchStart
	case TouchEnd:
		return TokenTouchEnd
	default:
		return "UNKNOWN"
	}
}

// UnknownSignalError carries the payload that failed to decode.
type UnknownSignalError struct {
	Payload []byte
}

func (e *UnknownSignalError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownSignal, e.Payload)
}

func (e *UnknownSignalError) Unwrap() error {
	return ErrUnknownSignal
}

func Encode(s Signal) ([]byte, error) {
	switch s {
	case TouchStart, TouchEnd:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("encoding signal %d: %w", s, ErrUnknownSignal)
	}
}

func Decode(payload []byte) (Signal, error) {
	switch string(payload) {
	case TokenTouchStart:
		return TouchStart, nil
	case TokenTouchEnd:
		return TouchEnd, nil
	default:
		p := make([]byte, len(payload))
		copy(p, payload)
		return 0, &UnknownSignalError{Payload: p}
	}
}
