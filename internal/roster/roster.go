// Package roster reads the section data owned by course management:
// who teaches a section, who is enrolled, and where its classroom is.
// Nothing here writes.
package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"presence/internal/apperr"
)

// Section is the subset of a course section this service needs.
type Section struct {
	ID         string `json:"id"`
	TeacherID  string `json:"teacher_id"`
	RoomNumber string `json:"room_number"`
}

// ClassroomLocation is the registered point attendance GPS fixes are
// compared against.
type ClassroomLocation struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Directory is the read-only view of sections.
type Directory interface {
	Section(ctx context.Context, sectionID string) (Section, error)
	EnrolledSubjects(ctx context.Context, sectionID string) ([]string, error)
	// ClassroomLocation returns nil when no coordinates are registered.
	ClassroomLocation(ctx context.Context, sectionID string) (*ClassroomLocation, error)
}

// Repository reads sections from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Section(ctx context.Context, sectionID string) (Section, error) {
	var s Section
	err := r.db.QueryRowContext(ctx, `
		SELECT id, teacher_id, room_number FROM sections WHERE id = $1
	`, sectionID).Scan(&s.ID, &s.TeacherID, &s.RoomNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return Section{}, fmt.Errorf("section %s: %w", sectionID, apperr.ErrNotFound)
	}
	return s, err
}

func (r *Repository) EnrolledSubjects(ctx context.Context, sectionID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT subject_id FROM section_enrollments WHERE section_id = $1 ORDER BY subject_id
	`, sectionID)
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

func (r *Repository) ClassroomLocation(ctx context.Context, sectionID string) (*ClassroomLocation, error) {
	var loc ClassroomLocation
	err := r.db.QueryRowContext(ctx, `
		SELECT latitude, longitude, radius_meters FROM classroom_locations WHERE section_id = $1
	`, sectionID).Scan(&loc.Latitude, &loc.Longitude, &loc.RadiusMeters)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// IsEnrolled reports whether subjectID is on the section roster.
func IsEnrolled(ctx context.Context, d Directory, sectionID, subjectID string) (bool, error) {
	ids, err := d.EnrolledSubjects(ctx, sectionID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == subjectID {
			return true, nil
		}
	}
	return false, nil
}
