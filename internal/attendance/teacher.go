package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"presence/internal/metrics"
	"presence/internal/verification"
)

// TeacherLedger records the teachers' own presence, one record per teacher,
// lecture and local calendar date.
type TeacherLedger struct {
	repo          Repository
	lateThreshold time.Duration
	loc           *time.Location
	metrics       *metrics.Metrics
}

// NewTeacherLedger creates a teacher ledger. Dates are taken in loc.
func NewTeacherLedger(repo Repository, lateThreshold time.Duration, loc *time.Location, m *metrics.Metrics) *TeacherLedger {
	if loc == nil {
		loc = time.UTC
	}
	return &TeacherLedger{repo: repo, lateThreshold: lateThreshold, loc: loc, metrics: m}
}

// Record writes a verified teacher attendance.
func (t *TeacherLedger) Record(ctx context.Context, teacherID, lectureID string, out verification.Outcome, scheduledStart, now time.Time, gps *verification.GPSFix) (TeacherRecord, error) {
	if !out.Verified() {
		return TeacherRecord{}, &verification.RejectedError{Outcome: out}
	}
	local := now.In(t.loc)
	rec := TeacherRecord{
		ID:          uuid.NewString(),
		TeacherID:   teacherID,
		LectureID:   lectureID,
		Date:        time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc),
		MarkedAt:    now,
		Status:      Classify(scheduledStart, now, t.lateThreshold),
		Method:      out.Method,
		Confidence:  &out.Confidence,
		EvidenceURL: out.EvidenceURL,
		Flagged:     out.Flagged,
	}
	if gps != nil {
		rec.Latitude = &gps.Latitude
		rec.Longitude = &gps.Longitude
	}
	if err := t.repo.InsertTeacher(ctx, rec); err != nil {
		return TeacherRecord{}, err
	}
	t.metrics.RecordWritten("TEACHER_" + string(rec.Status))
	return rec, nil
}

// History lists a teacher's own records.
func (t *TeacherLedger) History(ctx context.Context, teacherID string, f HistoryFilter) ([]TeacherRecord, error) {
	recs, err := t.repo.ListTeacher(ctx, teacherID, f)
	if recs == nil && err == nil {
		recs = []TeacherRecord{}
	}
	return recs, err
}
