package door

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/attendance"
	"presence/internal/broadcast"
	"presence/internal/clock"
	"presence/internal/lecture"
	"presence/internal/metrics"
	"presence/internal/roster"
	"presence/internal/verification"
)

// Records is the part of the attendance store the tracker maintains.
type Records interface {
	Get(ctx context.Context, lectureID, subjectID string) (*attendance.Record, error)
	Insert(ctx context.Context, rec attendance.Record) error
	UpdateDwell(ctx context.Context, lectureID, subjectID string, lastEntry *time.Time, minutes int) error
}

// Lectures resolves the lecture an event belongs to.
type Lectures interface {
	Get(ctx context.Context, lectureID string) (lecture.Lecture, error)
	ActiveInRoom(ctx context.Context, room string) (lecture.Lecture, error)
}

// Publisher is the broadcast side of the tracker.
type Publisher interface {
	Publish(topic, eventType string, data any)
}

// Tracker appends door events and keeps dwell time current.
type Tracker struct {
	repo     Repository
	records  Records
	lectures Lectures
	roster   roster.Directory
	hub      Publisher
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewTracker wires a tracker. hub may be nil.
func NewTracker(repo Repository, records Records, lectures Lectures, directory roster.Directory, hub Publisher, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{repo: repo, records: records, lectures: lectures, roster: directory, hub: hub, clock: clk, log: log, metrics: m}
}

// LogInput is what a door camera reports. Either LectureID or Room must be
// set; Timestamp defaults to now.
type LogInput struct {
	SubjectID  string    `json:"subject_id"`
	LectureID  string    `json:"lecture_id,omitempty"`
	Room       string    `json:"room_number,omitempty"`
	Type       Type      `json:"type"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// LogResult is the stored event and the subject's record after the event
// was applied, if one exists.
type LogResult struct {
	Event  Event              `json:"event"`
	Record *attendance.Record `json:"record,omitempty"`
}

// DoorEventPayload is the payload of door:event.
type DoorEventPayload struct {
	Event                     Event `json:"event"`
	CumulativeDurationMinutes int   `json:"cumulative_duration_minutes"`
	Inside                    bool  `json:"inside"`
}

// LogEvent appends the event and reconciles the subject's dwell time. The
// event is stored whatever the attendance state is.
func (t *Tracker) LogEvent(ctx context.Context, in LogInput) (LogResult, error) {
	if in.SubjectID == "" {
		return LogResult{}, fmt.Errorf("subject id required: %w", apperr.ErrInvalidInput)
	}
	if in.Type != Entry && in.Type != Exit {
		return LogResult{}, fmt.Errorf("event type %q: %w", in.Type, apperr.ErrInvalidInput)
	}

	l, err := t.resolve(ctx, in)
	if err != nil {
		return LogResult{}, err
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = t.clock.Now()
	}
	room := in.Room
	if room == "" {
		room = l.RoomNumber
	}
	ev, err := t.repo.Append(ctx, Event{
		ID:         uuid.NewString(),
		SubjectID:  in.SubjectID,
		LectureID:  l.ID,
		Type:       in.Type,
		Timestamp:  ts.UTC(),
		Confidence: in.Confidence,
		RoomNumber: room,
	})
	if err != nil {
		return LogResult{}, err
	}
	t.metrics.DoorEvent(string(ev.Type))

	rec, err := t.records.Get(ctx, l.ID, in.SubjectID)
	if err != nil {
		return LogResult{Event: ev}, err
	}
	if rec == nil && ev.Type == Entry {
		if rec, err = t.createFromEntry(ctx, ev); err != nil {
			return LogResult{Event: ev}, err
		}
	}

	if rec != nil {
		if err := t.reconcile(ctx, rec); err != nil {
			return LogResult{Event: ev, Record: rec}, err
		}
	} else {
		t.log.Debug("exit without attendance record", zap.String("lecture_id", l.ID), zap.String("subject_id", in.SubjectID))
	}

	t.publish(l, ev, rec)
	return LogResult{Event: ev, Record: rec}, nil
}

func (t *Tracker) resolve(ctx context.Context, in LogInput) (lecture.Lecture, error) {
	if in.LectureID != "" {
		return t.lectures.Get(ctx, in.LectureID)
	}
	if in.Room == "" {
		return lecture.Lecture{}, fmt.Errorf("lecture id or room required: %w", apperr.ErrInvalidInput)
	}
	return t.lectures.ActiveInRoom(ctx, in.Room)
}

// createFromEntry records a subject seen entering before submitting
// anything. A concurrent writer may win; its record is used instead.
func (t *Tracker) createFromEntry(ctx context.Context, ev Event) (*attendance.Record, error) {
	rec := attendance.Record{
		ID:            uuid.NewString(),
		LectureID:     ev.LectureID,
		SubjectID:     ev.SubjectID,
		MarkedAt:      ev.Timestamp,
		Status:        attendance.StatusPresent,
		Method:        verification.MethodFace,
		Confidence:    ev.Confidence,
		LastEntryTime: &ev.Timestamp,
	}
	err := t.records.Insert(ctx, rec)
	switch {
	case err == nil:
		t.metrics.RecordWritten(string(rec.Status))
		t.log.Info("attendance recorded from door entry", zap.String("lecture_id", rec.LectureID), zap.String("subject_id", rec.SubjectID))
		return &rec, nil
	case errors.Is(err, apperr.ErrDuplicateRecord):
		return t.records.Get(ctx, ev.LectureID, ev.SubjectID)
	}
	return nil, err
}

// reconcile recomputes the cached dwell fields from the full log.
func (t *Tracker) reconcile(ctx context.Context, rec *attendance.Record) error {
	events, err := t.repo.ListForSubject(ctx, rec.LectureID, rec.SubjectID)
	if err != nil {
		return err
	}
	inside, total := Dwell(events)
	minutes := Minutes(total)
	if err := t.records.UpdateDwell(ctx, rec.LectureID, rec.SubjectID, inside, minutes); err != nil {
		return err
	}
	rec.LastEntryTime = inside
	rec.CumulativeDurationMinutes = minutes
	return nil
}

// SubjectTimeline is one subject's door history for a lecture.
type SubjectTimeline struct {
	SubjectID    string  `json:"subject_id"`
	Events       []Event `json:"events"`
	TotalMinutes int     `json:"total_minutes"`
	Inside       bool    `json:"inside"`
}

// Timeline is the per-subject door history of a lecture.
type Timeline struct {
	LectureID string            `json:"lecture_id"`
	AsOf      time.Time         `json:"as_of"`
	Subjects  []SubjectTimeline `json:"subjects"`
}

// Timeline groups the lecture's events by subject. A subject still inside
// is credited up to now; nothing is written.
func (t *Tracker) Timeline(ctx context.Context, lectureID string) (Timeline, error) {
	if _, err := t.lectures.Get(ctx, lectureID); err != nil {
		return Timeline{}, err
	}
	events, err := t.repo.ListForLecture(ctx, lectureID)
	if err != nil {
		return Timeline{}, err
	}

	now := t.clock.Now()
	bySubject := make(map[string][]Event)
	for _, ev := range events {
		bySubject[ev.SubjectID] = append(bySubject[ev.SubjectID], ev)
	}

	tl := Timeline{LectureID: lectureID, AsOf: now, Subjects: make([]SubjectTimeline, 0, len(bySubject))}
	for subjectID, evs := range bySubject {
		Sort(evs)
		inside, total := Dwell(evs)
		if inside != nil && now.After(*inside) {
			total += now.Sub(*inside)
		}
		tl.Subjects = append(tl.Subjects, SubjectTimeline{
			SubjectID:    subjectID,
			Events:       evs,
			TotalMinutes: Minutes(total),
			Inside:       inside != nil,
		})
	}
	sort.Slice(tl.Subjects, func(i, j int) bool { return tl.Subjects[i].SubjectID < tl.Subjects[j].SubjectID })
	return tl, nil
}

// ActiveLecture is what a door camera needs to start recognizing faces.
type ActiveLecture struct {
	Lecture            lecture.Lecture `json:"lecture"`
	EnrolledSubjectIDs []string        `json:"enrolled_subject_ids"`
}

// ActiveLecture returns the ONGOING lecture in room and its roster.
func (t *Tracker) ActiveLecture(ctx context.Context, room string) (ActiveLecture, error) {
	l, err := t.lectures.ActiveInRoom(ctx, room)
	if err != nil {
		return ActiveLecture{}, err
	}
	ids, err := t.roster.EnrolledSubjects(ctx, l.SectionID)
	if err != nil {
		return ActiveLecture{}, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ActiveLecture{Lecture: l, EnrolledSubjectIDs: ids}, nil
}

func (t *Tracker) publish(l lecture.Lecture, ev Event, rec *attendance.Record) {
	if t.hub == nil {
		return
	}
	payload := DoorEventPayload{Event: ev}
	if rec != nil {
		payload.CumulativeDurationMinutes = rec.CumulativeDurationMinutes
		payload.Inside = rec.LastEntryTime != nil
	}
	t.hub.Publish(broadcast.SectionTopic(l.SectionID), broadcast.DoorEvent, payload)
	t.hub.Publish(broadcast.TeacherTopic(l.TeacherID), broadcast.DoorEvent, payload)
}
