// Package lecture owns the lecture lifecycle:
// SCHEDULED → ONGOING → COMPLETED, or SCHEDULED → CANCELLED.
package lecture

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
	"presence/internal/roster"
)

// Publisher is the broadcast side of the service.
type Publisher interface {
	Publish(topic, eventType string, data any)
}

// WindowCloser closes the ACTIVE attendance window of a lecture, if any.
type WindowCloser interface {
	CloseActive(ctx context.Context, lectureID string, at time.Time) (bool, error)
}

// Policy holds the lifecycle knobs.
type Policy struct {
	// Duration is the planned length of a lecture started ad hoc.
	Duration time.Duration
	// RoomExclusive rejects a second ONGOING lecture in the same room.
	RoomExclusive bool
}

// Service coordinates lecture state changes.
type Service struct {
	repo     Repository
	sections roster.Directory
	windows  WindowCloser
	hub      Publisher
	policy   Policy
	clock    clock.Clock
	log      *zap.Logger
}

// NewService wires the lifecycle service. windows may be nil.
func NewService(repo Repository, sections roster.Directory, windows WindowCloser, hub Publisher, policy Policy, clk clock.Clock, log *zap.Logger) *Service {
	if policy.Duration <= 0 {
		policy.Duration = time.Hour
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, sections: sections, windows: windows, hub: hub, policy: policy, clock: clk, log: log}
}

// SessionEvent is the payload of session:started and session:ended.
type SessionEvent struct {
	LectureID string    `json:"lecture_id"`
	SectionID string    `json:"section_id"`
	TeacherID string    `json:"teacher_id"`
	Room      string    `json:"room_number,omitempty"`
	At        time.Time `json:"at"`
}

func (s *Service) teaches(ctx context.Context, sectionID, teacherID string) (roster.Section, error) {
	sec, err := s.sections.Section(ctx, sectionID)
	if err != nil {
		return roster.Section{}, err
	}
	if sec.TeacherID != teacherID {
		return roster.Section{}, fmt.Errorf("teacher %s does not teach section %s: %w", teacherID, sectionID, apperr.ErrUnauthorized)
	}
	return sec, nil
}

// StartSession starts a lecture for the section right now. A retry while the
// section already has an ONGOING lecture returns that lecture.
func (s *Service) StartSession(ctx context.Context, sectionID, teacherID string) (Lecture, error) {
	sec, err := s.teaches(ctx, sectionID, teacherID)
	if err != nil {
		return Lecture{}, err
	}

	if existing, err := s.repo.Ongoing(ctx, sectionID); err != nil {
		return Lecture{}, err
	} else if existing != nil {
		return *existing, nil
	}

	if err := s.checkRoom(ctx, sec.RoomNumber); err != nil {
		return Lecture{}, err
	}

	now := s.clock.Now()
	l := Lecture{
		ID:             uuid.NewString(),
		SectionID:      sectionID,
		TeacherID:      teacherID,
		Status:         StatusOngoing,
		ScheduledStart: now,
		ScheduledEnd:   now.Add(s.policy.Duration),
		ActualStart:    &now,
		RoomNumber:     sec.RoomNumber,
	}
	if err := s.repo.Create(ctx, l); err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost a concurrent start; the winner's lecture is the answer.
			if existing, gerr := s.repo.Ongoing(ctx, sectionID); gerr == nil && existing != nil {
				return *existing, nil
			}
		}
		return Lecture{}, err
	}

	s.log.Info("session started", zap.String("lecture_id", l.ID), zap.String("section_id", sectionID), zap.String("teacher_id", teacherID))
	s.publish(broadcast.SessionStarted, l, now)
	return l, nil
}

// EndSession completes the section's ONGOING lecture and closes its window.
func (s *Service) EndSession(ctx context.Context, sectionID, teacherID string) (Lecture, error) {
	if _, err := s.teaches(ctx, sectionID, teacherID); err != nil {
		return Lecture{}, err
	}
	l, err := s.repo.Ongoing(ctx, sectionID)
	if err != nil {
		return Lecture{}, err
	}
	if l == nil {
		return Lecture{}, fmt.Errorf("section %s: %w", sectionID, apperr.ErrNoActiveSession)
	}

	now := s.clock.Now()
	ok, err := s.repo.Transition(ctx, l.ID, StatusOngoing, StatusCompleted, now)
	if err != nil {
		return Lecture{}, err
	}
	if !ok {
		return Lecture{}, fmt.Errorf("lecture %s already ended: %w", l.ID, apperr.ErrNoActiveSession)
	}
	l.Status = StatusCompleted
	l.ActualEnd = &now

	if s.windows != nil {
		if _, err := s.windows.CloseActive(ctx, l.ID, now); err != nil {
			s.log.Warn("close window on session end failed", zap.String("lecture_id", l.ID), zap.Error(err))
		}
	}

	s.log.Info("session ended", zap.String("lecture_id", l.ID), zap.String("section_id", sectionID))
	s.publish(broadcast.SessionEnded, *l, now)
	return *l, nil
}

// MarkOngoing moves a SCHEDULED lecture to ONGOING. It is a no-op for a
// lecture that is already ONGOING and fails for terminal lectures.
func (s *Service) MarkOngoing(ctx context.Context, lectureID string) (Lecture, error) {
	l, err := s.repo.Get(ctx, lectureID)
	if err != nil {
		return Lecture{}, err
	}
	switch {
	case l.Status == StatusOngoing:
		return l, nil
	case l.Status.Terminal():
		return Lecture{}, fmt.Errorf("lecture %s is %s: %w", l.ID, l.Status, apperr.ErrLectureClosed)
	}
	if err := s.checkRoom(ctx, l.RoomNumber); err != nil {
		return Lecture{}, err
	}

	now := s.clock.Now()
	ok, err := s.repo.Transition(ctx, l.ID, StatusScheduled, StatusOngoing, now)
	if err != nil {
		return Lecture{}, err
	}
	if !ok {
		// Someone else moved it; report whatever it is now.
		current, err := s.repo.Get(ctx, lectureID)
		if err != nil {
			return Lecture{}, err
		}
		if current.Status != StatusOngoing {
			return Lecture{}, fmt.Errorf("lecture %s is %s: %w", l.ID, current.Status, apperr.ErrLectureClosed)
		}
		return current, nil
	}
	l.Status = StatusOngoing
	l.ActualStart = &now
	s.publish(broadcast.SessionStarted, l, now)
	return l, nil
}

// ScheduleInput describes a planned lecture.
type ScheduleInput struct {
	SectionID string
	TeacherID string
	Start     time.Time
	End       time.Time
}

// Schedule plans a lecture for later.
func (s *Service) Schedule(ctx context.Context, in ScheduleInput) (Lecture, error) {
	sec, err := s.teaches(ctx, in.SectionID, in.TeacherID)
	if err != nil {
		return Lecture{}, err
	}
	if in.Start.IsZero() {
		return Lecture{}, fmt.Errorf("start time required: %w", apperr.ErrInvalidInput)
	}
	if in.End.IsZero() {
		in.End = in.Start.Add(s.policy.Duration)
	}
	if !in.End.After(in.Start) {
		return Lecture{}, fmt.Errorf("end must be after start: %w", apperr.ErrInvalidInput)
	}

	l := Lecture{
		ID:             uuid.NewString(),
		SectionID:      in.SectionID,
		TeacherID:      in.TeacherID,
		Status:         StatusScheduled,
		ScheduledStart: in.Start.UTC(),
		ScheduledEnd:   in.End.UTC(),
		RoomNumber:     sec.RoomNumber,
	}
	if err := s.repo.Create(ctx, l); err != nil {
		return Lecture{}, err
	}
	return l, nil
}

// Cancel withdraws a SCHEDULED lecture.
func (s *Service) Cancel(ctx context.Context, lectureID, teacherID string) (Lecture, error) {
	l, err := s.repo.Get(ctx, lectureID)
	if err != nil {
		return Lecture{}, err
	}
	if l.TeacherID != teacherID {
		return Lecture{}, fmt.Errorf("lecture %s: %w", lectureID, apperr.ErrUnauthorized)
	}
	if !CanTransition(l.Status, StatusCancelled) {
		return Lecture{}, fmt.Errorf("cancel %s lecture: %w", l.Status, apperr.ErrInvalidTransition)
	}
	ok, err := s.repo.Transition(ctx, l.ID, l.Status, StatusCancelled, s.clock.Now())
	if err != nil {
		return Lecture{}, err
	}
	if !ok {
		return Lecture{}, fmt.Errorf("lecture %s changed concurrently: %w", l.ID, apperr.ErrInvalidTransition)
	}
	l.Status = StatusCancelled
	return l, nil
}

// Get returns a lecture by id.
func (s *Service) Get(ctx context.Context, lectureID string) (Lecture, error) {
	return s.repo.Get(ctx, lectureID)
}

// ActiveInRoom resolves the ONGOING lecture a door camera in room belongs
// to. With several ONGOING lectures in one room the latest started wins.
func (s *Service) ActiveInRoom(ctx context.Context, room string) (Lecture, error) {
	if room == "" {
		return Lecture{}, fmt.Errorf("room required: %w", apperr.ErrInvalidInput)
	}
	l, err := s.repo.OngoingInRoom(ctx, room)
	if err != nil {
		return Lecture{}, err
	}
	if l == nil {
		return Lecture{}, fmt.Errorf("room %s: %w", room, apperr.ErrNoActiveSession)
	}
	return *l, nil
}

func (s *Service) checkRoom(ctx context.Context, room string) error {
	if !s.policy.RoomExclusive || room == "" {
		return nil
	}
	busy, err := s.repo.OngoingInRoom(ctx, room)
	if err != nil {
		return err
	}
	if busy != nil {
		return fmt.Errorf("room %s held by lecture %s: %w", room, busy.ID, apperr.ErrRoomBusy)
	}
	return nil
}

func (s *Service) publish(eventType string, l Lecture, at time.Time) {
	if s.hub == nil {
		return
	}
	ev := SessionEvent{LectureID: l.ID, SectionID: l.SectionID, TeacherID: l.TeacherID, Room: l.RoomNumber, At: at}
	s.hub.Publish(broadcast.SectionTopic(l.SectionID), eventType, ev)
	s.hub.Publish(broadcast.TeacherTopic(l.TeacherID), eventType, ev)
}
