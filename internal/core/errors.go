package core

import (
	"errors"
)

var (
	// ErrInvalidOffer means the client sent a malformed or non-publisher SDP offer.
	ErrInvalidOffer = errors.New("invalid sdp offer")
	// ErrInvalidArgument means a request carried unusable parameters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAnswerTimeout means the SFU did not produce an SDP answer in time.
	ErrAnswerTimeout = errors.New("timeout waiting for sdp answer")
	// ErrStreamEnded means the stream is already in its terminal state.
	ErrStreamEnded = errors.New("stream is already ended")
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("not found")
)
