package window

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"presence/internal/store"
)

// ErrActiveExists is returned by Create when the lecture already has an
// ACTIVE window.
var ErrActiveExists = errors.New("active window exists")

// Repository persists windows. Create must reject a second ACTIVE window
// for the same lecture atomically.
type Repository interface {
	Create(ctx context.Context, w Window) error
	// Latest returns the most recently created window of a lecture, or nil.
	Latest(ctx context.Context, lectureID string) (*Window, error)
	// Expire moves an ACTIVE window to EXPIRED. It reports whether the row
	// changed.
	Expire(ctx context.Context, windowID string, at time.Time) (bool, error)
	// CloseActive moves the lecture's ACTIVE window to CLOSED.
	CloseActive(ctx context.Context, lectureID string, at time.Time) (bool, error)
	Mark(ctx context.Context, windowID, subjectID string, at time.Time) error
	MarkedSubjects(ctx context.Context, windowID string) ([]string, error)
}

// PostgresRepository relies on the partial unique index
// uq_attendance_windows_active.
type PostgresRepository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, w Window) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_windows (id, lecture_id, teacher_id, created_at, expires_at, status)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, w.ID, w.LectureID, w.TeacherID, w.CreatedAt, w.ExpiresAt, w.Status)
	if store.IsUniqueViolation(err) {
		return ErrActiveExists
	}
	return err
}

func (r *PostgresRepository) Latest(ctx context.Context, lectureID string) (*Window, error) {
	var w Window
	err := r.db.QueryRowContext(ctx, `
		SELECT id, lecture_id, teacher_id, created_at, expires_at, status
		FROM attendance_windows
		WHERE lecture_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, lectureID).Scan(&w.ID, &w.LectureID, &w.TeacherID, &w.CreatedAt, &w.ExpiresAt, &w.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Expire only touches a row that is ACTIVE and past its deadline, so racing
// readers agree on the outcome.
func (r *PostgresRepository) Expire(ctx context.Context, windowID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_windows SET status = 'EXPIRED'
		WHERE id = $1 AND status = 'ACTIVE' AND expires_at < $2
	`, windowID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepository) CloseActive(ctx context.Context, lectureID string, _ time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_windows SET status = 'CLOSED'
		WHERE lecture_id = $1 AND status = 'ACTIVE'
	`, lectureID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepository) Mark(ctx context.Context, windowID, subjectID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_window_marks (window_id, subject_id, marked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (window_id, subject_id) DO NOTHING
	`, windowID, subjectID, at)
	return err
}

func (r *PostgresRepository) MarkedSubjects(ctx context.Context, windowID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT subject_id FROM attendance_window_marks WHERE window_id = $1 ORDER BY marked_at
	`, windowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
