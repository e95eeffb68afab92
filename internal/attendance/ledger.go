package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/metrics"
	"presence/internal/roster"
	"presence/internal/verification"
	"presence/internal/window"
)

// WindowGate is the part of the window service the ledger depends on.
type WindowGate interface {
	CheckActive(ctx context.Context, lectureID string) (window.Window, error)
	MarkSubject(ctx context.Context, windowID, subjectID string) error
}

// Ledger writes attendance records and answers questions about them.
type Ledger struct {
	repo          Repository
	windows       WindowGate
	roster        roster.Directory
	lateThreshold time.Duration
	log           *zap.Logger
	metrics       *metrics.Metrics
}

// NewLedger creates a ledger.
func NewLedger(repo Repository, windows WindowGate, directory roster.Directory, lateThreshold time.Duration, log *zap.Logger, m *metrics.Metrics) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{repo: repo, windows: windows, roster: directory, lateThreshold: lateThreshold, log: log, metrics: m}
}

// RecordInput is a verified submission ready to be written.
type RecordInput struct {
	LectureID      string
	SubjectID      string
	Outcome        verification.Outcome
	ScheduledStart time.Time
	Now            time.Time
	GPS            *verification.GPSFix
}

// RecordAttendance writes the subject's record for the lecture. The gating
// window must be ACTIVE; a second record for the same pair fails with
// apperr.ErrDuplicateRecord regardless of which process wrote the first.
func (l *Ledger) RecordAttendance(ctx context.Context, in RecordInput) (Record, error) {
	if !in.Outcome.Verified() {
		return Record{}, &verification.RejectedError{Outcome: in.Outcome}
	}
	w, err := l.windows.CheckActive(ctx, in.LectureID)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:          uuid.NewString(),
		LectureID:   in.LectureID,
		SubjectID:   in.SubjectID,
		MarkedAt:    in.Now,
		Status:      Classify(in.ScheduledStart, in.Now, l.lateThreshold),
		Method:      in.Outcome.Method,
		Confidence:  &in.Outcome.Confidence,
		EvidenceURL: in.Outcome.EvidenceURL,
		Flagged:     in.Outcome.Flagged,
	}
	if in.GPS != nil {
		rec.Latitude = &in.GPS.Latitude
		rec.Longitude = &in.GPS.Longitude
	}

	if err := l.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, apperr.ErrDuplicateRecord) {
			l.metrics.Duplicate()
		}
		return Record{}, err
	}
	l.metrics.RecordWritten(string(rec.Status))

	if err := l.windows.MarkSubject(ctx, w.ID, in.SubjectID); err != nil {
		l.log.Warn("window mark failed", zap.String("window_id", w.ID), zap.String("subject_id", in.SubjectID), zap.Error(err))
	}
	return rec, nil
}

// RecordManual writes a record decided by the teacher. It is not gated by a
// window and keeps the given status.
func (l *Ledger) RecordManual(ctx context.Context, lectureID, subjectID string, status Status, now time.Time) (Record, error) {
	if !status.Valid() {
		return Record{}, fmt.Errorf("status %q: %w", status, apperr.ErrInvalidInput)
	}
	rec := Record{
		ID:        uuid.NewString(),
		LectureID: lectureID,
		SubjectID: subjectID,
		MarkedAt:  now,
		Status:    status,
		Method:    verification.MethodManual,
	}
	if err := l.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, apperr.ErrDuplicateRecord) {
			l.metrics.Duplicate()
		}
		return Record{}, err
	}
	l.metrics.RecordWritten(string(rec.Status))
	return rec, nil
}

// Stats aggregates a history.
type Stats struct {
	Total   int     `json:"total"`
	Present int     `json:"present"`
	Late    int     `json:"late"`
	Absent  int     `json:"absent"`
	Excused int     `json:"excused"`
	Held    int     `json:"held"`
	Rate    float64 `json:"attendance_rate"`
}

// History is a subject's records with aggregates.
type History struct {
	Records []Record `json:"records"`
	Stats   Stats    `json:"stats"`
}

// History returns one page of the subject's records. Stats cover every
// record matching the section and time filters regardless of the status
// filter and paging. Rate is attended (PRESENT or LATE) over lectures held
// in the subject's sections.
func (l *Ledger) History(ctx context.Context, subjectID string, f HistoryFilter) (History, error) {
	records, err := l.repo.ListBySubject(ctx, subjectID, f)
	if err != nil {
		return History{}, err
	}
	counts, err := l.repo.StatusCounts(ctx, subjectID, f)
	if err != nil {
		return History{}, err
	}
	held, err := l.repo.CountHeld(ctx, subjectID, f)
	if err != nil {
		return History{}, err
	}

	h := History{Records: records}
	if h.Records == nil {
		h.Records = []Record{}
	}
	h.Stats = Stats{
		Present: counts[StatusPresent],
		Late:    counts[StatusLate],
		Absent:  counts[StatusAbsent],
		Excused: counts[StatusExcused],
	}
	for _, n := range counts {
		h.Stats.Total += n
	}

	attended := h.Stats.Present + h.Stats.Late
	h.Stats.Held = max(held, attended)
	if h.Stats.Held > 0 {
		h.Stats.Rate = float64(attended) / float64(h.Stats.Held)
	}
	return h, nil
}

// LectureStatus is the roster gap of one lecture.
type LectureStatus struct {
	LectureID string   `json:"lecture_id"`
	Present   int      `json:"present"`
	Late      int      `json:"late"`
	Excused   int      `json:"excused"`
	Absent    int      `json:"absent"`
	Marked    int      `json:"marked"`
	Total     int      `json:"total"`
	Unmarked  []string `json:"unmarked_subject_ids"`
	Records   []Record `json:"records"`
}

// StatusForLecture compares the lecture's records with the section roster.
// Marked counts enrolled subjects recorded PRESENT or LATE; everyone else
// who is not EXCUSED counts as absent.
func (l *Ledger) StatusForLecture(ctx context.Context, lectureID, sectionID string) (LectureStatus, error) {
	enrolled, err := l.roster.EnrolledSubjects(ctx, sectionID)
	if err != nil {
		return LectureStatus{}, err
	}
	records, err := l.repo.ListByLecture(ctx, lectureID)
	if err != nil {
		return LectureStatus{}, err
	}

	byID := make(map[string]Record, len(records))
	for _, rec := range records {
		byID[rec.SubjectID] = rec
	}

	st := LectureStatus{LectureID: lectureID, Total: len(enrolled), Unmarked: []string{}, Records: records}
	if st.Records == nil {
		st.Records = []Record{}
	}
	for _, id := range enrolled {
		rec, ok := byID[id]
		if !ok {
			st.Unmarked = append(st.Unmarked, id)
			continue
		}
		switch rec.Status {
		case StatusPresent:
			st.Present++
		case StatusLate:
			st.Late++
		case StatusExcused:
			st.Excused++
		}
	}
	sort.Strings(st.Unmarked)
	st.Marked = st.Present + st.Late
	st.Absent = st.Total - st.Marked - st.Excused
	return st, nil
}
