package core

import (
	"time"

	"github.com/google/uuid"
)

type StreamSessionRole string

const (
	RolePublisher  StreamSessionRole = "PUBLISHER"
	RoleSubscriber StreamSessionRole = "SUBSCRIBER"
)

type StreamSessionStatus string

const (
	SessionCreated     StreamSessionStatus = "CREATED"
	SessionNegotiating StreamSessionStatus = "NEGOTIATING"
	SessionConnected   StreamSessionStatus = "CONNECTED"
	SessionClosed      StreamSessionStatus = "CLOSED"
	SessionFailed      StreamSessionStatus = "FAILED"
)

// Terminal reports whether no further transition may leave the status.
func (s StreamSessionStatus) Terminal() bool {
	return s == SessionClosed || s == SessionFailed
}

// CanTransitionTo encodes the session state machine:
// CREATED -> NEGOTIATING -> CONNECTED -> CLOSED, with FAILED reachable
// only from CREATED and NEGOTIATING.
func (s StreamSessionStatus) CanTransitionTo(next StreamSessionStatus) bool {
	if s.Terminal() {
		return false
	}

	switch s {
	case SessionCreated:
		return next == SessionNegotiating || next == SessionFailed
	case SessionNegotiating:
		return next == SessionConnected || next == SessionFailed
	case SessionConnected:
		return next == SessionClosed
	}

	return false
}

// StreamSession is one negotiation attempt of a publisher (or subscriber)
// against the SFU, persisted for every status change.
type StreamSession struct {
	ID             uuid.UUID           `json:"id" db:"id"`
	StreamID       uuid.UUID           `json:"stream_id" db:"stream_id"`
	Role           StreamSessionRole   `json:"role" db:"role"`
	Status         StreamSessionStatus `json:"status" db:"status"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	ConnectedAt    *time.Time          `json:"connected_at,omitempty" db:"connected_at"`
	ClosedAt       *time.Time          `json:"closed_at,omitempty" db:"closed_at"`
	SfuSessionID   *int64              `json:"sfu_session_id,omitempty" db:"sfu_session_id"`
	SfuHandleID    *int64              `json:"sfu_handle_id,omitempty" db:"sfu_handle_id"`
	SfuRoomID      *int64              `json:"sfu_room_id,omitempty" db:"sfu_room_id"`
	SfuPublisherID *int64              `json:"sfu_publisher_id,omitempty" db:"sfu_publisher_id"`
	LastError      *string             `json:"-" db:"last_error"`
}

// HasSfuContext reports whether the session carries both SFU identifiers
// needed to address its plugin handle.
func (s *StreamSession) HasSfuContext() bool {
	return s.SfuSessionID != nil && s.SfuHandleID != nil
}

const lastErrorMaxLen = 512

// WithStatus returns a copy moved to the given status, stamping the
// matching timestamp. It does not check the transition itself; the
// repository's conditional update keeps terminal rows immutable, and
// CanTransitionTo documents the full relation.
func (s StreamSession) WithStatus(status StreamSessionStatus) StreamSession {
	now := time.Now().UTC()
	s.Status = status

	switch status {
	case SessionConnected:
		s.ConnectedAt = &now
	case SessionClosed:
		s.ClosedAt = &now
	}

	return s
}

// WithError returns a copy carrying a length-bounded error description.
func (s StreamSession) WithError(err error) StreamSession {
	if err == nil {
		return s
	}

	msg := err.Error()
	if len(msg) > lastErrorMaxLen {
		msg = msg[:lastErrorMaxLen]
	}
	s.LastError = &msg

	return s
}

func NewPublisherSession(streamID uuid.UUID, sfuSessionID, sfuHandleID, roomID int64) *StreamSession {
	return &StreamSession{
		ID:           uuid.New(),
		StreamID:     streamID,
		Role:         RolePublisher,
		Status:       SessionCreated,
		CreatedAt:    time.Now().UTC(),
		SfuSessionID: &sfuSessionID,
		SfuHandleID:  &sfuHandleID,
		SfuRoomID:    &roomID,
	}
}
