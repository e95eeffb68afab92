package door

import (
	"context"
	"database/sql"
)

// Repository is the append-only door log.
type Repository interface {
	// Append stores ev and returns it with its arrival sequence.
	Append(ctx context.Context, ev Event) (Event, error)
	ListForSubject(ctx context.Context, lectureID, subjectID string) ([]Event, error)
	ListForLecture(ctx context.Context, lectureID string) ([]Event, error)
}

// PostgresRepository stores events in door_events.
type PostgresRepository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Append(ctx context.Context, ev Event) (Event, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO door_events (id, subject_id, lecture_id, type, occurred_at, confidence, room_number)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING seq
	`, ev.ID, ev.SubjectID, ev.LectureID, ev.Type, ev.Timestamp, ev.Confidence, ev.RoomNumber).Scan(&ev.Seq)
	return ev, err
}

func (r *PostgresRepository) ListForSubject(ctx context.Context, lectureID, subjectID string) ([]Event, error) {
	return r.list(ctx, `
		SELECT id, subject_id, lecture_id, type, occurred_at, confidence, room_number, seq
		FROM door_events
		WHERE lecture_id = $1 AND subject_id = $2
		ORDER BY occurred_at, seq
	`, lectureID, subjectID)
}

func (r *PostgresRepository) ListForLecture(ctx context.Context, lectureID string) ([]Event, error) {
	return r.list(ctx, `
		SELECT id, subject_id, lecture_id, type, occurred_at, confidence, room_number, seq
		FROM door_events
		WHERE lecture_id = $1
		ORDER BY subject_id, occurred_at, seq
	`, lectureID)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var confidence sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.SubjectID, &ev.LectureID, &ev.Type, &ev.Timestamp, &confidence, &ev.RoomNumber, &ev.Seq); err != nil {
			return nil, err
		}
		if confidence.Valid {
			ev.Confidence = &confidence.Float64
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
