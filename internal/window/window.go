// Package window manages attendance windows: the time-boxed periods during
// which a lecture accepts submissions.
//
// Expiry is lazy. Nothing runs when expires_at passes; the next read that
// finds an ACTIVE window past its deadline moves it to EXPIRED.
package window

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/broadcast"
	"presence/internal/clock"
	"presence/internal/lecture"
	"presence/internal/metrics"
)

// Status of a window.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusClosed  Status = "CLOSED"
)

// Window is one attendance request opened by a teacher.
type Window struct {
	ID               string    `json:"id"`
	LectureID        string    `json:"lecture_id"`
	TeacherID        string    `json:"teacher_id"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Status           Status    `json:"status"`
	MarkedSubjectIDs []string  `json:"marked_subject_ids"`
}

// IsExpired reports whether now is past the window's deadline. Once true for
// some now it stays true for every later now.
func IsExpired(w Window, now time.Time) bool {
	return now.After(w.ExpiresAt)
}

// Lectures is the part of the lifecycle service windows depend on.
type Lectures interface {
	Get(ctx context.Context, lectureID string) (lecture.Lecture, error)
	MarkOngoing(ctx context.Context, lectureID string) (lecture.Lecture, error)
}

// Publisher is the broadcast side of the service.
type Publisher interface {
	Publish(topic, eventType string, data any)
}

// Service implements open / checkActive / markSubject / close.
type Service struct {
	repo            Repository
	lectures        Lectures
	hub             Publisher
	defaultDuration time.Duration
	clock           clock.Clock
	log             *zap.Logger
	metrics         *metrics.Metrics
}

// NewService wires the window service.
func NewService(repo Repository, lectures Lectures, hub Publisher, defaultDuration time.Duration, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Service {
	if defaultDuration <= 0 {
		defaultDuration = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:            repo,
		lectures:        lectures,
		hub:             hub,
		defaultDuration: defaultDuration,
		clock:           clk,
		log:             log,
		metrics:         m,
	}
}

// Event is the payload of window:opened and window:closed.
type Event struct {
	WindowID  string    `json:"window_id"`
	LectureID string    `json:"lecture_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    Status    `json:"status"`
}

// Open creates the lecture's ACTIVE window. duration <= 0 uses the
// configured default. A SCHEDULED lecture becomes ONGOING.
func (s *Service) Open(ctx context.Context, lectureID, teacherID string, duration time.Duration) (Window, error) {
	l, err := s.lectures.Get(ctx, lectureID)
	if err != nil {
		return Window{}, err
	}
	if l.TeacherID != teacherID {
		return Window{}, fmt.Errorf("teacher %s does not own lecture %s: %w", teacherID, lectureID, apperr.ErrUnauthorized)
	}
	if l.Status.Terminal() {
		return Window{}, fmt.Errorf("lecture %s is %s: %w", lectureID, l.Status, apperr.ErrLectureClosed)
	}
	if duration <= 0 {
		duration = s.defaultDuration
	}

	// A stale ACTIVE row would block the unique index; expire it first.
	if _, err := s.expireStale(ctx, lectureID); err != nil {
		return Window{}, err
	}

	if l.Status == lecture.StatusScheduled {
		if l, err = s.lectures.MarkOngoing(ctx, lectureID); err != nil {
			return Window{}, err
		}
	}

	now := s.clock.Now()
	w := Window{
		ID:        uuid.NewString(),
		LectureID: lectureID,
		TeacherID: teacherID,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
		Status:    StatusActive,
	}
	if err := s.repo.Create(ctx, w); err != nil {
		if errors.Is(err, ErrActiveExists) {
			return Window{}, fmt.Errorf("lecture %s: %w", lectureID, apperr.ErrWindowAlreadyActive)
		}
		return Window{}, err
	}

	s.log.Info("attendance window opened",
		zap.String("window_id", w.ID),
		zap.String("lecture_id", lectureID),
		zap.Time("expires_at", w.ExpiresAt),
	)
	s.publish(l, broadcast.WindowOpened, w)
	return w, nil
}

// CheckActive returns the lecture's ACTIVE window. A window found ACTIVE
// past its deadline is moved to EXPIRED and reported as
// apperr.ErrWindowExpired.
func (s *Service) CheckActive(ctx context.Context, lectureID string) (Window, error) {
	w, err := s.repo.Latest(ctx, lectureID)
	if err != nil {
		return Window{}, err
	}
	if w == nil {
		return Window{}, fmt.Errorf("lecture %s: %w", lectureID, apperr.ErrNoActiveWindow)
	}

	switch w.Status {
	case StatusExpired:
		return *w, fmt.Errorf("window %s: %w", w.ID, apperr.ErrWindowExpired)
	case StatusClosed:
		return *w, fmt.Errorf("window %s closed: %w", w.ID, apperr.ErrNoActiveWindow)
	}

	now := s.clock.Now()
	if IsExpired(*w, now) {
		if _, err := s.repo.Expire(ctx, w.ID, now); err != nil {
			return Window{}, err
		}
		s.metrics.WindowExpired()
		s.log.Debug("attendance window expired on read", zap.String("window_id", w.ID))
		w.Status = StatusExpired
		return *w, fmt.Errorf("window %s: %w", w.ID, apperr.ErrWindowExpired)
	}

	marked, err := s.repo.MarkedSubjects(ctx, w.ID)
	if err != nil {
		return Window{}, err
	}
	w.MarkedSubjectIDs = marked
	return *w, nil
}

// MarkSubject records that subjectID answered the window. Repeating it is
// harmless.
func (s *Service) MarkSubject(ctx context.Context, windowID, subjectID string) error {
	return s.repo.Mark(ctx, windowID, subjectID, s.clock.Now())
}

// Close ends the lecture's ACTIVE window early.
func (s *Service) Close(ctx context.Context, lectureID, teacherID string) (Window, error) {
	l, err := s.lectures.Get(ctx, lectureID)
	if err != nil {
		return Window{}, err
	}
	if l.TeacherID != teacherID {
		return Window{}, fmt.Errorf("teacher %s does not own lecture %s: %w", teacherID, lectureID, apperr.ErrUnauthorized)
	}

	w, err := s.CheckActive(ctx, lectureID)
	if err != nil {
		return Window{}, err
	}
	ok, err := s.repo.CloseActive(ctx, lectureID, s.clock.Now())
	if err != nil {
		return Window{}, err
	}
	if !ok {
		return Window{}, fmt.Errorf("lecture %s: %w", lectureID, apperr.ErrNoActiveWindow)
	}
	w.Status = StatusClosed
	s.publish(l, broadcast.WindowClosed, w)
	return w, nil
}

func (s *Service) expireStale(ctx context.Context, lectureID string) (bool, error) {
	w, err := s.repo.Latest(ctx, lectureID)
	if err != nil || w == nil || w.Status != StatusActive {
		return false, err
	}
	now := s.clock.Now()
	if !IsExpired(*w, now) {
		return false, nil
	}
	ok, err := s.repo.Expire(ctx, w.ID, now)
	if ok {
		s.metrics.WindowExpired()
	}
	return ok, err
}

func (s *Service) publish(l lecture.Lecture, eventType string, w Window) {
	if s.hub == nil {
		return
	}
	ev := Event{WindowID: w.ID, LectureID: w.LectureID, ExpiresAt: w.ExpiresAt, Status: w.Status}
	s.hub.Publish(broadcast.SectionTopic(l.SectionID), eventType, ev)
}
