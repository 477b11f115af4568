package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownCodec   = errors.New("unknown codec")
	ErrMissingField   = errors.New("missing field")
)

// Stage names the parse step a frame failed at.
type Stage string

const (
	StageFrame   Stage = "frame"
	StagePayload Stage = "payload"
)

// MalformedFrameError reports a frame that could not be decoded.
type MalformedFrameError struct {
	Stage Stage
	Err   error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame (%s stage): %v", e.Stage, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// Is reports ErrMalformedFrame so callers can match without errors.As.
func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

func malformed(stage Stage, err error) error {
	return &MalformedFrameError{Stage: stage, Err: err}
}
