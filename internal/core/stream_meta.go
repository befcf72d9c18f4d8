package core

import (
	"time"

	"github.com/google/uuid"
)

type StreamStatus string

const (
	StreamCreated StreamStatus = "CREATED"
	StreamLive    StreamStatus = "LIVE"
	StreamEnded   StreamStatus = "ENDED"
)

// StreamMeta is the metadata record of one live stream.
// Lifecycle: CREATED -> LIVE -> ENDED.
type StreamMeta struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	StreamKey   string       `json:"stream_key" db:"stream_key"`
	Title       string       `json:"title" db:"title"`
	Description string       `json:"description" db:"description"`
	Status      StreamStatus `json:"status" db:"status"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty" db:"started_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty" db:"ended_at"`
}
