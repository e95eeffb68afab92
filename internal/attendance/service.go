// Package attendance holds the attendance ledger and the submission flow
// that feeds it.
package attendance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/broadcast"
	"presence/internal/clock"
	"presence/internal/lecture"
	"presence/internal/metrics"
	"presence/internal/roster"
	"presence/internal/verification"
)

// Lectures reads lectures.
type Lectures interface {
	Get(ctx context.Context, lectureID string) (lecture.Lecture, error)
}

// Verifier runs the verification pipeline.
type Verifier interface {
	Verify(ctx context.Context, c verification.Claim) (verification.Outcome, error)
}

// MediaStore keeps submitted evidence. Failures never fail a submission.
type MediaStore interface {
	Store(ctx context.Context, data []byte, folder string) (string, error)
}

// Publisher is the broadcast side of the service.
type Publisher interface {
	Publish(topic, eventType string, data any)
}

// Deps wires a Service. Media and Hub may be nil.
type Deps struct {
	Ledger       *Ledger
	Teachers     *TeacherLedger
	Lectures     Lectures
	Windows      WindowGate
	Roster       roster.Directory
	Verifier     Verifier
	Media        MediaStore
	Hub          Publisher
	MediaTimeout time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Service orchestrates attendance submissions: gating, enrollment,
// verification, evidence upload, recording and notification.
type Service struct {
	Deps
}

// NewService creates a service.
func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.MediaTimeout <= 0 {
		d.MediaTimeout = 10 * time.Second
	}
	return &Service{Deps: d}
}

// MarkInput is a subject's submission.
type MarkInput struct {
	LectureID string
	SubjectID string
	Face      []byte
	Voice     []byte
	Photo     []byte
	GPS       *verification.GPSFix
}

func (in MarkInput) claim(subjectID string, classroom *roster.ClassroomLocation) verification.Claim {
	return verification.Claim{
		SubjectID: subjectID,
		Face:      in.Face,
		Voice:     in.Voice,
		Photo:     in.Photo,
		GPS:       in.GPS,
		Classroom: classroom,
	}
}

// MarkResult is the answer to a submission. Outcome is set whenever the
// pipeline ran, including on rejection.
type MarkResult struct {
	Outcome verification.Outcome `json:"verification"`
	Record  *Record              `json:"record,omitempty"`
}

// VerifiedEvent is the payload of subject:verified.
type VerifiedEvent struct {
	LectureID  string              `json:"lecture_id"`
	SubjectID  string              `json:"subject_id"`
	Status     Status              `json:"status"`
	Method     verification.Method `json:"method"`
	Confidence float64             `json:"confidence"`
	Flagged    bool                `json:"flagged,omitempty"`
	MarkedAt   time.Time           `json:"marked_at"`
}

// Mark verifies and records a subject's attendance for a lecture.
func (s *Service) Mark(ctx context.Context, in MarkInput) (MarkResult, error) {
	l, err := s.Lectures.Get(ctx, in.LectureID)
	if err != nil {
		return MarkResult{}, err
	}
	if l.Status.Terminal() {
		return MarkResult{}, fmt.Errorf("lecture %s is %s: %w", l.ID, l.Status, apperr.ErrLectureClosed)
	}
	// Fail fast before calling any backend; the ledger checks again at
	// write time.
	if _, err := s.Windows.CheckActive(ctx, in.LectureID); err != nil {
		return MarkResult{}, err
	}

	enrolled, err := roster.IsEnrolled(ctx, s.Roster, l.SectionID, in.SubjectID)
	if err != nil {
		return MarkResult{}, err
	}
	if !enrolled {
		return MarkResult{}, fmt.Errorf("subject %s not enrolled in section %s: %w", in.SubjectID, l.SectionID, apperr.ErrUnauthorized)
	}

	// Advisory only; the unique constraint is authoritative.
	if existing, err := s.Ledger.repo.Get(ctx, in.LectureID, in.SubjectID); err != nil {
		return MarkResult{}, err
	} else if existing != nil {
		return MarkResult{Record: existing}, fmt.Errorf("lecture %s subject %s: %w", in.LectureID, in.SubjectID, apperr.ErrDuplicateRecord)
	}

	classroom, err := s.Roster.ClassroomLocation(ctx, l.SectionID)
	if err != nil {
		return MarkResult{}, err
	}

	out, err := s.Verifier.Verify(ctx, in.claim(in.SubjectID, classroom))
	if err != nil {
		return MarkResult{Outcome: out}, err
	}
	if !out.Verified() {
		s.Logger.Info("attendance verification rejected",
			zap.String("lecture_id", in.LectureID),
			zap.String("subject_id", in.SubjectID),
			zap.String("method", string(out.Method)),
			zap.Float64("confidence", out.Confidence),
		)
		return MarkResult{Outcome: out}, &verification.RejectedError{Outcome: out}
	}

	if out.EvidenceURL == "" {
		out.EvidenceURL = s.storeEvidence(ctx, "attendance/"+in.LectureID, in.Photo, in.Face, in.Voice)
	}

	rec, err := s.Ledger.RecordAttendance(ctx, RecordInput{
		LectureID:      in.LectureID,
		SubjectID:      in.SubjectID,
		Outcome:        out,
		ScheduledStart: l.ScheduledStart,
		Now:            s.Clock.Now(),
		GPS:            in.GPS,
	})
	if err != nil {
		return MarkResult{Outcome: out}, err
	}

	s.Logger.Info("attendance recorded",
		zap.String("lecture_id", rec.LectureID),
		zap.String("subject_id", rec.SubjectID),
		zap.String("status", string(rec.Status)),
		zap.String("method", string(rec.Method)),
	)
	s.publishVerified(l, rec)
	return MarkResult{Outcome: out, Record: &rec}, nil
}

// ManualInput is a teacher's decision about one subject.
type ManualInput struct {
	LectureID string
	TeacherID string
	SubjectID string
	Status    Status
}

// MarkManual records a subject's status as decided by the lecture's teacher.
func (s *Service) MarkManual(ctx context.Context, in ManualInput) (Record, error) {
	l, err := s.Lectures.Get(ctx, in.LectureID)
	if err != nil {
		return Record{}, err
	}
	if l.TeacherID != in.TeacherID {
		return Record{}, fmt.Errorf("teacher %s does not own lecture %s: %w", in.TeacherID, l.ID, apperr.ErrUnauthorized)
	}
	enrolled, err := roster.IsEnrolled(ctx, s.Roster, l.SectionID, in.SubjectID)
	if err != nil {
		return Record{}, err
	}
	if !enrolled {
		return Record{}, fmt.Errorf("subject %s not enrolled in section %s: %w", in.SubjectID, l.SectionID, apperr.ErrInvalidInput)
	}

	rec, err := s.Ledger.RecordManual(ctx, in.LectureID, in.SubjectID, in.Status, s.Clock.Now())
	if err != nil {
		return Record{}, err
	}
	s.publishVerified(l, rec)
	return rec, nil
}

// TeacherResult is the answer to a teacher self-attendance submission.
type TeacherResult struct {
	Outcome verification.Outcome `json:"verification"`
	Record  *TeacherRecord       `json:"record,omitempty"`
}

// MarkTeacher verifies and records the lecture's teacher. It is not gated by
// an attendance window.
func (s *Service) MarkTeacher(ctx context.Context, teacherID string, in MarkInput) (TeacherResult, error) {
	l, err := s.Lectures.Get(ctx, in.LectureID)
	if err != nil {
		return TeacherResult{}, err
	}
	if l.TeacherID != teacherID {
		return TeacherResult{}, fmt.Errorf("teacher %s does not own lecture %s: %w", teacherID, l.ID, apperr.ErrUnauthorized)
	}
	if l.Status.Terminal() {
		return TeacherResult{}, fmt.Errorf("lecture %s is %s: %w", l.ID, l.Status, apperr.ErrLectureClosed)
	}
	classroom, err := s.Roster.ClassroomLocation(ctx, l.SectionID)
	if err != nil {
		return TeacherResult{}, err
	}

	out, err := s.Verifier.Verify(ctx, in.claim(teacherID, classroom))
	if err != nil {
		return TeacherResult{Outcome: out}, err
	}
	if !out.Verified() {
		return TeacherResult{Outcome: out}, &verification.RejectedError{Outcome: out}
	}
	if out.EvidenceURL == "" {
		out.EvidenceURL = s.storeEvidence(ctx, "teacher-attendance/"+teacherID, in.Photo, in.Face, in.Voice)
	}

	rec, err := s.Teachers.Record(ctx, teacherID, l.ID, out, l.ScheduledStart, s.Clock.Now(), in.GPS)
	if err != nil {
		return TeacherResult{Outcome: out}, err
	}
	return TeacherResult{Outcome: out, Record: &rec}, nil
}

// StatusForLecture reports the roster gap of a lecture to its teacher.
func (s *Service) StatusForLecture(ctx context.Context, lectureID, teacherID string) (LectureStatus, error) {
	l, err := s.Lectures.Get(ctx, lectureID)
	if err != nil {
		return LectureStatus{}, err
	}
	if l.TeacherID != teacherID {
		return LectureStatus{}, fmt.Errorf("teacher %s does not own lecture %s: %w", teacherID, l.ID, apperr.ErrUnauthorized)
	}
	return s.Ledger.StatusForLecture(ctx, l.ID, l.SectionID)
}

// storeEvidence uploads the first non-empty sample. It returns "" on any
// failure.
func (s *Service) storeEvidence(ctx context.Context, folder string, samples ...[]byte) string {
	if s.Media == nil {
		return ""
	}
	var data []byte
	for _, sample := range samples {
		if len(sample) > 0 {
			data = sample
			break
		}
	}
	if data == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, s.MediaTimeout)
	defer cancel()
	url, err := s.Media.Store(ctx, data, folder)
	if err != nil {
		s.Metrics.MediaFailure()
		s.Logger.Warn("evidence upload failed", zap.String("folder", folder), zap.Error(err))
		return ""
	}
	return url
}

func (s *Service) publishVerified(l lecture.Lecture, rec Record) {
	if s.Hub == nil {
		return
	}
	var confidence float64
	if rec.Confidence != nil {
		confidence = *rec.Confidence
	}
	ev := VerifiedEvent{
		LectureID:  rec.LectureID,
		SubjectID:  rec.SubjectID,
		Status:     rec.Status,
		Method:     rec.Method,
		Confidence: confidence,
		Flagged:    rec.Flagged,
		MarkedAt:   rec.MarkedAt,
	}
	s.Hub.Publish(broadcast.SectionTopic(l.SectionID), broadcast.SubjectVerified, ev)
	s.Hub.Publish(broadcast.TeacherTopic(l.TeacherID), broadcast.SubjectVerified, ev)
}
