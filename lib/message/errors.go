// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"
	"fmt"

	"github.com/obs-foundation/nodemesh/lib/codec"
)

// Decode fault categories. A *DecodeError matches exactly one of these
// with errors.Is.
var (
	ErrTruncated       = errors.New("truncated frame")
	ErrVersion         = errors.New("unsupported frame version")
	ErrMalformed       = errors.New("malformed encoding")
	ErrUnknownType     = errors.New("unknown message type")
	ErrUnknownPriority = errors.New("unknown priority")
	ErrSchema          = errors.New("schema violation")
)

// DecodeError is returned by Decode for any input that does not yield
// a valid Message.
type DecodeError struct {
	// Reason is one of the Err* categories above.
	Reason error
	// Err carries the underlying detail.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err == nil || e.Err == e.Reason {
		return fmt.Sprintf("decode message: %v", e.Reason)
	}
	return fmt.Sprintf("decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{e.Reason, e.Err} }

// Label is a short stable name for the reason, used as a metric label.
func (e *DecodeError) Label() string {
	switch e.Reason {
	case ErrTruncated:
		return "truncated"
	case ErrVersion:
		return "version"
	case ErrUnknownType:
		return "unknown_type"
	case ErrUnknownPriority:
		return "unknown_priority"
	case ErrSchema:
		return "schema"
	default:
		return "malformed"
	}
}

func decodeError(reason, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}

// reasonOf picks the category an error from Validate belongs to.
func reasonOf(err error) error {
	for _, reason := range []error{ErrUnknownType, ErrUnknownPriority, ErrSchema} {
		if errors.Is(err, reason) {
			return reason
		}
	}
	return ErrMalformed
}

// FrameError classifies an error from the codec frame layer. Stream
// transports use it for faults detected before a whole frame exists.
func FrameError(err error) *DecodeError {
	switch {
	case errors.Is(err, codec.ErrShortFrame):
		return decodeError(ErrTruncated, err)
	case errors.Is(err, codec.ErrFrameVersion):
		return decodeError(ErrVersion, err)
	default:
		return decodeError(ErrMalformed, err)
	}
}
