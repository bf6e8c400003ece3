package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaFS embed.FS

// Postgres stores meetings in PostgreSQL. Safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and applies the embedded schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("read embedded schema.sql: %w", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateMeeting(ctx context.Context, m Meeting) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO meetings (id, title, language, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.Title, m.Language, m.Status, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create meeting: %w", err)
	}
	return nil
}

func (p *Postgres) FinishMeeting(ctx context.Context, id string, durationSeconds, segmentCount int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE meetings
		 SET status = $2, duration_seconds = $3, segment_count = $4
		 WHERE id = $1`,
		id, StatusCompleted, durationSeconds, segmentCount,
	)
	if err != nil {
		return fmt.Errorf("finish meeting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendSegment(ctx context.Context, meetingID string, seq int, text string, committedAt time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO segments (meeting_id, seq, text, committed_at)
		 VALUES ($1, $2, $3, $4)`,
		meetingID, seq, text, committedAt,
	)
	if err != nil {
		return fmt.Errorf("append segment: %w", err)
	}
	return nil
}

func (p *Postgres) ListMeetings(ctx context.Context) ([]Meeting, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, title, language, status, created_at, duration_seconds, segment_count
		 FROM meetings
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	var meetings []Meeting
	for rows.Next() {
		var m Meeting
		if err := rows.Scan(&m.ID, &m.Title, &m.Language, &m.Status, &m.CreatedAt, &m.DurationSeconds, &m.SegmentCount); err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

func (p *Postgres) GetMeeting(ctx context.Context, id string) (Meeting, []Segment, error) {
	var m Meeting
	err := p.pool.QueryRow(ctx,
		`SELECT id, title, language, status, created_at, duration_seconds, segment_count
		 FROM meetings WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.Title, &m.Language, &m.Status, &m.CreatedAt, &m.DurationSeconds, &m.SegmentCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Meeting{}, nil, ErrNotFound
	}
	if err != nil {
		return Meeting{}, nil, fmt.Errorf("get meeting: %w", err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT seq, text, committed_at FROM segments
		 WHERE meeting_id = $1 ORDER BY seq`,
		id,
	)
	if err != nil {
		return Meeting{}, nil, fmt.Errorf("get transcript: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var s Segment
		if err := rows.Scan(&s.Seq, &s.Text, &s.CommittedAt); err != nil {
			return Meeting{}, nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, s)
	}
	return m, segments, rows.Err()
}

func (p *Postgres) PutAudio(ctx context.Context, meetingID, contentType string, data []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO recordings (meeting_id, content_type, data)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (meeting_id) DO UPDATE SET content_type = $2, data = $3`,
		meetingID, contentType, data,
	)
	if err != nil {
		return fmt.Errorf("store audio: %w", err)
	}
	return nil
}

func (p *Postgres) GetAudio(ctx context.Context, meetingID string) (Recording, error) {
	var r Recording
	err := p.pool.QueryRow(ctx,
		`SELECT content_type, data FROM recordings WHERE meeting_id = $1`,
		meetingID,
	).Scan(&r.ContentType, &r.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	if err != nil {
		return Recording{}, fmt.Errorf("get audio: %w", err)
	}
	return r, nil
}

func (p *Postgres) DeleteMeeting(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM meetings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete meeting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
