package core

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// StreamSessionsDBStorer persists stream sessions.
type StreamSessionsDBStorer interface {
	Save(*StreamSession) (*StreamSession, error)
	FindActivePublisherByStreamID(streamID uuid.UUID) (*StreamSession, error)
	FindByStreamID(streamID uuid.UUID) ([]*StreamSession, error)
}

type StreamSessionsRepository struct {
	db *sqlx.DB
}

func NewStreamSessionsRepository(db *sqlx.DB) StreamSessionsDBStorer {
	return &StreamSessionsRepository{
		db: db,
	}
}

const streamSessionColumns = `id, stream_id, role, status, created_at, connected_at, closed_at,
	sfu_session_id, sfu_handle_id, sfu_room_id, sfu_publisher_id, last_error`

// Save upserts the session. Rows already in a terminal status are left
// untouched: closing an already-closed session is a no-op, not an error.
func (r *StreamSessionsRepository) Save(session *StreamSession) (*StreamSession, error) {
	_, err := r.db.Exec(
		`INSERT INTO stream_sessions
			(id, stream_id, role, status, created_at, connected_at, closed_at,
			sfu_session_id, sfu_handle_id, sfu_room_id, sfu_publisher_id, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE
			SET
				status = EXCLUDED.status,
				connected_at = EXCLUDED.connected_at,
				closed_at = EXCLUDED.closed_at,
				sfu_session_id = EXCLUDED.sfu_session_id,
				sfu_handle_id = EXCLUDED.sfu_handle_id,
				sfu_room_id = EXCLUDED.sfu_room_id,
				sfu_publisher_id = EXCLUDED.sfu_publisher_id,
				last_error = EXCLUDED.last_error
			WHERE stream_sessions.status NOT IN ('CLOSED', 'FAILED')`,
		session.ID,
		session.StreamID,
		string(session.Role),
		string(session.Status),
		session.CreatedAt,
		session.ConnectedAt,
		session.ClosedAt,
		session.SfuSessionID,
		session.SfuHandleID,
		session.SfuRoomID,
		session.SfuPublisherID,
		session.LastError,
	)
	if err != nil {
		return nil, fmt.Errorf("save stream session: %w", err)
	}

	return session, nil
}

// FindActivePublisherByStreamID returns the newest non-terminal publisher
// session of the stream, or ErrNotFound.
func (r *StreamSessionsRepository) FindActivePublisherByStreamID(streamID uuid.UUID) (*StreamSession, error) {
	session := &StreamSession{}

	err := r.db.Get(session,
		`SELECT `+streamSessionColumns+`
		FROM stream_sessions
		WHERE stream_id = $1
			AND role = $2
			AND status IN ($3, $4, $5)
		ORDER BY created_at DESC
		LIMIT 1`,
		streamID,
		string(RolePublisher),
		string(SessionCreated),
		string(SessionNegotiating),
		string(SessionConnected),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return session, nil
}

func (r *StreamSessionsRepository) FindByStreamID(streamID uuid.UUID) ([]*StreamSession, error) {
	sessions := []*StreamSession{}

	err := r.db.Select(&sessions,
		`SELECT `+streamSessionColumns+`
		FROM stream_sessions
		WHERE stream_id = $1
		ORDER BY created_at DESC`,
		streamID,
	)
	if err != nil {
		return nil, err
	}

	return sessions, nil
}
