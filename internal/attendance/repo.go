package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"presence/internal/apperr"
	"presence/internal/store"
)

// HistoryFilter narrows a subject's history.
type HistoryFilter struct {
	SectionID string
	From      time.Time
	To        time.Time
	Status    Status
	Limit     int
	Offset    int
}

// Repository persists attendance records. Insert and InsertTeacher must
// report a uniqueness violation as apperr.ErrDuplicateRecord.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	// Get returns the record of subjectID for lectureID, or nil.
	Get(ctx context.Context, lectureID, subjectID string) (*Record, error)
	ListByLecture(ctx context.Context, lectureID string) ([]Record, error)
	ListBySubject(ctx context.Context, subjectID string, f HistoryFilter) ([]Record, error)
	// CountHeld counts ONGOING or COMPLETED lectures of the sections
	// subjectID is enrolled in.
	CountHeld(ctx context.Context, subjectID string, f HistoryFilter) (int, error)
	// StatusCounts counts the subject's records per status. Only the section
	// and time filters apply; status and paging do not.
	StatusCounts(ctx context.Context, subjectID string, f HistoryFilter) (map[Status]int, error)
	UpdateDwell(ctx context.Context, lectureID, subjectID string, lastEntry *time.Time, minutes int) error
	InsertTeacher(ctx context.Context, rec TeacherRecord) error
	ListTeacher(ctx context.Context, teacherID string, f HistoryFilter) ([]TeacherRecord, error)
}

// PostgresRepository persists attendance data in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const recordColumns = `id, lecture_id, subject_id, marked_at, status, verification_method, confidence_score,
	evidence_url, latitude, longitude, last_entry_time, cumulative_duration_minutes, flagged`

// Insert writes a new record. The unique constraint on
// (lecture_id, subject_id) decides concurrent submissions.
func (r *PostgresRepository) Insert(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.ID, rec.LectureID, rec.SubjectID, rec.MarkedAt, rec.Status, rec.Method, rec.Confidence,
		rec.EvidenceURL, rec.Latitude, rec.Longitude, rec.LastEntryTime, rec.CumulativeDurationMinutes, rec.Flagged)
	if store.IsUniqueViolation(err) {
		return fmt.Errorf("lecture %s subject %s: %w", rec.LectureID, rec.SubjectID, apperr.ErrDuplicateRecord)
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var confidence, lat, lng sql.NullFloat64
	var lastEntry sql.NullTime
	err := row.Scan(&rec.ID, &rec.LectureID, &rec.SubjectID, &rec.MarkedAt, &rec.Status, &rec.Method, &confidence,
		&rec.EvidenceURL, &lat, &lng, &lastEntry, &rec.CumulativeDurationMinutes, &rec.Flagged)
	if err != nil {
		return Record{}, err
	}
	rec.Confidence = nullFloat(confidence)
	rec.Latitude = nullFloat(lat)
	rec.Longitude = nullFloat(lng)
	if lastEntry.Valid {
		rec.LastEntryTime = &lastEntry.Time
	}
	return rec, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func (r *PostgresRepository) Get(ctx context.Context, lectureID, subjectID string) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records WHERE lecture_id = $1 AND subject_id = $2
	`, lectureID, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresRepository) ListByLecture(ctx context.Context, lectureID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records WHERE lecture_id = $1 ORDER BY marked_at
	`, lectureID)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *PostgresRepository) ListBySubject(ctx context.Context, subjectID string, f HistoryFilter) ([]Record, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	clauses := []string{"ar.subject_id = $1"}
	args := []any{subjectID}
	clauses, args = appendFilter(clauses, args, f, "ar.marked_at")
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, fmt.Sprintf("ar.status = $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)

	query := `SELECT ` + prefixed("ar", recordColumns) + `
		FROM attendance_records ar
		JOIN lectures l ON l.id = ar.lecture_id
		WHERE ` + strings.Join(clauses, " AND ") + fmt.Sprintf(`
		ORDER BY ar.marked_at DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *PostgresRepository) CountHeld(ctx context.Context, subjectID string, f HistoryFilter) (int, error) {
	clauses := []string{"se.subject_id = $1", "l.status IN ('ONGOING','COMPLETED')"}
	args := []any{subjectID}
	clauses, args = appendFilter(clauses, args, f, "l.scheduled_start")

	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM lectures l
		JOIN section_enrollments se ON se.section_id = l.section_id
		WHERE `+strings.Join(clauses, " AND "), args...).Scan(&n)
	return n, err
}

func (r *PostgresRepository) StatusCounts(ctx context.Context, subjectID string, f HistoryFilter) (map[Status]int, error) {
	clauses := []string{"ar.subject_id = $1"}
	args := []any{subjectID}
	clauses, args = appendFilter(clauses, args, f, "ar.marked_at")

	rows, err := r.db.QueryContext(ctx, `
		SELECT ar.status, COUNT(*) FROM attendance_records ar
		JOIN lectures l ON l.id = ar.lecture_id
		WHERE `+strings.Join(clauses, " AND ")+`
		GROUP BY ar.status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// appendFilter adds the section and time-range conditions shared by the
// history queries. Both callers join lectures as l.
func appendFilter(clauses []string, args []any, f HistoryFilter, timeColumn string) ([]string, []any) {
	if f.SectionID != "" {
		args = append(args, f.SectionID)
		clauses = append(clauses, fmt.Sprintf("l.section_id = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		clauses = append(clauses, fmt.Sprintf("%s >= $%d", timeColumn, len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		clauses = append(clauses, fmt.Sprintf("%s < $%d", timeColumn, len(args)))
	}
	return clauses, args
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpdateDwell overwrites the cached door-derived fields.
func (r *PostgresRepository) UpdateDwell(ctx context.Context, lectureID, subjectID string, lastEntry *time.Time, minutes int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET last_entry_time = $3, cumulative_duration_minutes = $4
		WHERE lecture_id = $1 AND subject_id = $2
	`, lectureID, subjectID, lastEntry, minutes)
	return err
}

func (r *PostgresRepository) InsertTeacher(ctx context.Context, rec TeacherRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO teacher_attendance (id, teacher_id, lecture_id, attendance_date, marked_at, status,
			verification_method, confidence_score, evidence_url, latitude, longitude, flagged)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ID, rec.TeacherID, rec.LectureID, rec.Date.Format(time.DateOnly), rec.MarkedAt, rec.Status,
		rec.Method, rec.Confidence, rec.EvidenceURL, rec.Latitude, rec.Longitude, rec.Flagged)
	if store.IsUniqueViolation(err) {
		return fmt.Errorf("teacher %s lecture %s on %s: %w", rec.TeacherID, rec.LectureID, rec.Date.Format(time.DateOnly), apperr.ErrDuplicateRecord)
	}
	return err
}

func (r *PostgresRepository) ListTeacher(ctx context.Context, teacherID string, f HistoryFilter) ([]TeacherRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"ta.teacher_id = $1"}
	args := []any{teacherID}
	clauses, args = appendFilter(clauses, args, f, "ta.marked_at")
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, `
		SELECT ta.id, ta.teacher_id, ta.lecture_id, ta.attendance_date, ta.marked_at, ta.status,
			ta.verification_method, ta.confidence_score, ta.evidence_url, ta.latitude, ta.longitude, ta.flagged
		FROM teacher_attendance ta
		JOIN lectures l ON l.id = ta.lecture_id
		WHERE `+strings.Join(clauses, " AND ")+fmt.Sprintf(`
		ORDER BY ta.marked_at DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []TeacherRecord
	for rows.Next() {
		var rec TeacherRecord
		var confidence, lat, lng sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.TeacherID, &rec.LectureID, &rec.Date, &rec.MarkedAt, &rec.Status,
			&rec.Method, &confidence, &rec.EvidenceURL, &lat, &lng, &rec.Flagged); err != nil {
			return nil, err
		}
		rec.Confidence = nullFloat(confidence)
		rec.Latitude = nullFloat(lat)
		rec.Longitude = nullFloat(lng)
		res = append(res, rec)
	}
	return res, rows.Err()
}
