package lecture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"presence/internal/apperr"
	"presence/internal/store"
)

// ErrConflict is returned when a write would leave a section with two
// ONGOING lectures.
var ErrConflict = fmt.Errorf("section already has an ongoing lecture: %w", apperr.ErrInvalidTransition)

// Repository persists lectures.
type Repository interface {
	Create(ctx context.Context, l Lecture) error
	Get(ctx context.Context, id string) (Lecture, error)
	// Ongoing returns the ONGOING lecture of a section, or nil.
	Ongoing(ctx context.Context, sectionID string) (*Lecture, error)
	// OngoingInRoom returns the most recently started ONGOING lecture in a
	// room, or nil.
	OngoingInRoom(ctx context.Context, room string) (*Lecture, error)
	// Transition moves id from → to if it is still in from. It reports
	// whether the row changed.
	Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
}

// PostgresRepository is the database/sql implementation.
type PostgresRepository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const lectureColumns = `id, section_id, teacher_id, status, scheduled_start, scheduled_end, actual_start, actual_end, room_number`

type scanner interface {
	Scan(dest ...any) error
}

func scanLecture(row scanner) (Lecture, error) {
	var l Lecture
	var start, end sql.NullTime
	if err := row.Scan(&l.ID, &l.SectionID, &l.TeacherID, &l.Status, &l.ScheduledStart, &l.ScheduledEnd, &start, &end, &l.RoomNumber); err != nil {
		return Lecture{}, err
	}
	if start.Valid {
		l.ActualStart = &start.Time
	}
	if end.Valid {
		l.ActualEnd = &end.Time
	}
	return l, nil
}

func (r *PostgresRepository) Create(ctx context.Context, l Lecture) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lectures (id, section_id, teacher_id, status, scheduled_start, scheduled_end, actual_start, actual_end, room_number)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, l.ID, l.SectionID, l.TeacherID, l.Status, l.ScheduledStart, l.ScheduledEnd, l.ActualStart, l.ActualEnd, l.RoomNumber)
	if store.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Lecture, error) {
	l, err := scanLecture(r.db.QueryRowContext(ctx, `SELECT `+lectureColumns+` FROM lectures WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Lecture{}, fmt.Errorf("lecture %s: %w", id, apperr.ErrNotFound)
	}
	return l, err
}

func (r *PostgresRepository) Ongoing(ctx context.Context, sectionID string) (*Lecture, error) {
	return r.optional(ctx, `
		SELECT `+lectureColumns+` FROM lectures
		WHERE section_id = $1 AND status = 'ONGOING'
		ORDER BY actual_start DESC NULLS LAST
		LIMIT 1
	`, sectionID)
}

func (r *PostgresRepository) OngoingInRoom(ctx context.Context, room string) (*Lecture, error) {
	return r.optional(ctx, `
		SELECT `+lectureColumns+` FROM lectures
		WHERE room_number = $1 AND status = 'ONGOING'
		ORDER BY actual_start DESC NULLS LAST
		LIMIT 1
	`, room)
}

func (r *PostgresRepository) optional(ctx context.Context, query string, arg string) (*Lecture, error) {
	l, err := scanLecture(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *PostgresRepository) Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE lectures SET
			status = $3::text,
			actual_start = CASE WHEN $3::text = 'ONGOING' THEN COALESCE(actual_start, $4) ELSE actual_start END,
			actual_end = CASE WHEN $3::text = 'COMPLETED' THEN $4 ELSE actual_end END
		WHERE id = $1 AND status = $2
	`, id, from, to, at)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return false, ErrConflict
		}
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
