package lecture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"presence/internal/apperr"
	"presence/internal/roster"
)

// memRepo mirrors the Postgres constraints that matter here: one ONGOING
// lecture per section and conditional transitions.
type memRepo struct {
	mu       sync.Mutex
	lectures map[string]Lecture
	order    []string
}

func newMemRepo() *memRepo {
	return &memRepo{lectures: make(map[string]Lecture)}
}

func (r *memRepo) Create(_ context.Context, l Lecture) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.Status == StatusOngoing {
		for _, other := range r.lectures {
			if other.SectionID == l.SectionID && other.Status == StatusOngoing {
				return ErrConflict
			}
		}
	}
	r.lectures[l.ID] = l
	r.order = append(r.order, l.ID)
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (Lecture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lectures[id]
	if !ok {
		return Lecture{}, fmt.Errorf("lecture %s: %w", id, apperr.ErrNotFound)
	}
	return l, nil
}

func (r *memRepo) find(match func(Lecture) bool) *Lecture {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		l := r.lectures[r.order[i]]
		if match(l) {
			return &l
		}
	}
	return nil
}

func (r *memRepo) Ongoing(_ context.Context, sectionID string) (*Lecture, error) {
	return r.find(func(l Lecture) bool { return l.SectionID == sectionID && l.Status == StatusOngoing }), nil
}

func (r *memRepo) OngoingInRoom(_ context.Context, room string) (*Lecture, error) {
	return r.find(func(l Lecture) bool { return l.RoomNumber == room && l.Status == StatusOngoing }), nil
}

func (r *memRepo) Transition(_ context.Context, id string, from, to Status, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lectures[id]
	if !ok || l.Status != from {
		return false, nil
	}
	l.Status = to
	switch to {
	case StatusOngoing:
		if l.ActualStart == nil {
			l.ActualStart = &at
		}
	case StatusCompleted:
		l.ActualEnd = &at
	}
	r.lectures[id] = l
	return true, nil
}

type fakeSections map[string]roster.Section

func (f fakeSections) Section(_ context.Context, id string) (roster.Section, error) {
	s, ok := f[id]
	if !ok {
		return roster.Section{}, fmt.Errorf("section %s: %w", id, apperr.ErrNotFound)
	}
	return s, nil
}

func (f fakeSections) EnrolledSubjects(context.Context, string) ([]string, error) { return nil, nil }

func (f fakeSections) ClassroomLocation(context.Context, string) (*roster.ClassroomLocation, error) {
	return nil, nil
}

type published struct {
	Topic string
	Type  string
}

type recordingHub struct {
	mu     sync.Mutex
	events []published
}

func (h *recordingHub) Publish(topic, eventType string, _ any) {
	h.mu.Lock()
	h.events = append(h.events, published{topic, eventType})
	h.mu.Unlock()
}

func (h *recordingHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type fakeWindows struct {
	closed []string
}

func (w *fakeWindows) CloseActive(_ context.Context, lectureID string, _ time.Time) (bool, error) {
	w.closed = append(w.closed, lectureID)
	return true, nil
}
