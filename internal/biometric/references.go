package biometric

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"presence/internal/apperr"
)

// ReferenceRepository keeps the raw enrollment sample of each subject. The
// local face fallback compares fresh samples against it when the face
// service is down.
type ReferenceRepository struct {
	db *sql.DB
}

// NewReferenceRepository creates a repo.
func NewReferenceRepository(db *sql.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

func dbKind(k Kind) string { return strings.ToUpper(string(k)) }

// Reference returns the stored sample, or apperr.ErrNotRegistered.
func (r *ReferenceRepository) Reference(ctx context.Context, subjectID string, kind Kind) ([]byte, error) {
	var sample []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT sample FROM biometric_references WHERE subject_id = $1 AND kind = $2
	`, subjectID, dbKind(kind)).Scan(&sample)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s reference for %s: %w", kind, subjectID, apperr.ErrNotRegistered)
	}
	return sample, err
}

// SaveReference replaces the stored sample of subjectID.
func (r *ReferenceRepository) SaveReference(ctx context.Context, subjectID string, kind Kind, sample []byte, url string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO biometric_references (subject_id, kind, sample, url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id, kind) DO UPDATE SET
			sample = EXCLUDED.sample,
			url = EXCLUDED.url,
			updated_at = NOW()
	`, subjectID, dbKind(kind), sample, url)
	return err
}
