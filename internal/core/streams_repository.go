package core

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	streamsPageDefault    int = 1
	streamsPerPageDefault int = 50

	// streamKeyMaxAttempts bounds the retry loop when a freshly generated
	// stream key collides with an existing one.
	streamKeyMaxAttempts = 8
)

// StreamsDBStorer is the stream metadata store.
type StreamsDBStorer interface {
	Create(title, description string) (*StreamMeta, error)
	Get(id uuid.UUID) (*StreamMeta, error)
	GetByStreamKey(streamKey string) (*StreamMeta, error)
	GetAll(page, perPage int) (*StreamsPage, error)
	MarkLive(id uuid.UUID) error
	MarkEnded(id uuid.UUID) error
}

type StreamsPage struct {
	Streams    []*StreamMeta `json:"streams"`
	TotalPages int           `json:"total_pages"`
}

type StreamsRepository struct {
	db *sqlx.DB
}

func NewStreamsRepository(db *sqlx.DB) StreamsDBStorer {
	return &StreamsRepository{
		db: db,
	}
}

const streamMetaColumns = `id, stream_key, title, description, status, created_at, started_at, ended_at`

// Create inserts a new stream in CREATED status with a unique stream key.
// Key collisions are retried with a fresh key a bounded number of times.
func (r *StreamsRepository) Create(title, description string) (*StreamMeta, error) {
	for attempt := 0; attempt < streamKeyMaxAttempts; attempt++ {
		meta := &StreamMeta{
			ID:          uuid.New(),
			StreamKey:   strings.ReplaceAll(uuid.NewString(), "-", ""),
			Title:       title,
			Description: description,
			Status:      StreamCreated,
			CreatedAt:   time.Now().UTC(),
		}

		var exists bool
		err := r.db.Get(&exists,
			`SELECT EXISTS (SELECT 1 FROM streams WHERE stream_key = $1)`,
			meta.StreamKey,
		)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		_, err = r.db.Exec(
			`INSERT INTO streams
				(id, stream_key, title, description, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			meta.ID,
			meta.StreamKey,
			meta.Title,
			meta.Description,
			string(meta.Status),
			meta.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("create stream: %w", err)
		}

		return meta, nil
	}

	return nil, fmt.Errorf("create stream: no unique stream key after %d attempts", streamKeyMaxAttempts)
}

func (r *StreamsRepository) Get(id uuid.UUID) (*StreamMeta, error) {
	meta := &StreamMeta{}

	err := r.db.Get(meta,
		`SELECT `+streamMetaColumns+` FROM streams WHERE id = $1 LIMIT 1`,
		id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return meta, nil
}

func (r *StreamsRepository) GetByStreamKey(streamKey string) (*StreamMeta, error) {
	meta := &StreamMeta{}

	err := r.db.Get(meta,
		`SELECT `+streamMetaColumns+` FROM streams WHERE stream_key = $1 LIMIT 1`,
		streamKey,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return meta, nil
}

func (r *StreamsRepository) GetAll(page, perPage int) (*StreamsPage, error) {
	if page == 0 {
		page = streamsPageDefault
	}
	if perPage == 0 {
		perPage = streamsPerPageDefault
	}

	result := &StreamsPage{}

	var total int
	err := r.db.Get(&total, `SELECT COUNT(*) FROM streams`)
	if err != nil {
		return nil, err
	}
	result.TotalPages = int(math.Ceil(float64(total) / float64(perPage)))

	streams := []*StreamMeta{}
	err = r.db.Select(&streams,
		`SELECT `+streamMetaColumns+`
		FROM streams
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		perPage, (page-1)*perPage,
	)
	if err != nil {
		return nil, err
	}
	result.Streams = streams

	return result, nil
}

// MarkLive moves a CREATED stream to LIVE. Streams already LIVE or ENDED
// are left untouched.
func (r *StreamsRepository) MarkLive(id uuid.UUID) error {
	_, err := r.db.Exec(
		`UPDATE streams SET status = $1, started_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(StreamLive),
		id,
		string(StreamCreated),
	)
	return err
}

// MarkEnded moves a LIVE stream to ENDED.
func (r *StreamsRepository) MarkEnded(id uuid.UUID) error {
	_, err := r.db.Exec(
		`UPDATE streams SET status = $1, ended_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(StreamEnded),
		id,
		string(StreamLive),
	)
	return err
}
