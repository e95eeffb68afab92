package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"presence/internal/apperr"
	"presence/internal/biometric"
	"presence/internal/clock"
	"presence/internal/lecture"
	"presence/internal/roster"
	"presence/internal/window"
)

// memRepo enforces the same uniqueness keys as the Postgres schema.
type memRepo struct {
	mu       sync.Mutex
	records  map[string]Record
	teachers map[string]TeacherRecord
	held     int
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]Record), teachers: make(map[string]TeacherRecord)}
}

func recordKey(lectureID, subjectID string) string { return lectureID + "/" + subjectID }

func (r *memRepo) Insert(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := recordKey(rec.LectureID, rec.SubjectID)
	if _, ok := r.records[key]; ok {
		return fmt.Errorf("%s: %w", key, apperr.ErrDuplicateRecord)
	}
	r.records[key] = rec
	return nil
}

func (r *memRepo) Get(_ context.Context, lectureID, subjectID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordKey(lectureID, subjectID)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *memRepo) ListByLecture(_ context.Context, lectureID string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if rec.LectureID == lectureID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) ListBySubject(_ context.Context, subjectID string, f HistoryFilter) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if rec.SubjectID == subjectID && (f.Status == "" || rec.Status == f.Status) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memRepo) StatusCounts(_ context.Context, subjectID string, _ HistoryFilter) (map[Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Status]int)
	for _, rec := range r.records {
		if rec.SubjectID == subjectID {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

func (r *memRepo) CountHeld(context.Context, string, HistoryFilter) (int, error) {
	return r.held, nil
}

func (r *memRepo) UpdateDwell(_ context.Context, lectureID, subjectID string, lastEntry *time.Time, minutes int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := recordKey(lectureID, subjectID)
	rec, ok := r.records[key]
	if !ok {
		return errors.New("no record")
	}
	rec.LastEntryTime = lastEntry
	rec.CumulativeDurationMinutes = minutes
	r.records[key] = rec
	return nil
}

func (r *memRepo) InsertTeacher(_ context.Context, rec TeacherRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rec.TeacherID + "/" + rec.Date.Format(time.DateOnly) + "/" + rec.LectureID
	if _, ok := r.teachers[key]; ok {
		return fmt.Errorf("%s: %w", key, apperr.ErrDuplicateRecord)
	}
	r.teachers[key] = rec
	return nil
}

func (r *memRepo) ListTeacher(_ context.Context, teacherID string, _ HistoryFilter) ([]TeacherRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TeacherRecord
	for _, rec := range r.teachers {
		if rec.TeacherID == teacherID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// clockGate is an attendance window that expires by the fake clock.
type clockGate struct {
	mu     sync.Mutex
	w      *window.Window
	clock  clock.Clock
	marked map[string]bool
}

func (g *clockGate) CheckActive(_ context.Context, lectureID string) (window.Window, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.w == nil || g.w.LectureID != lectureID || g.w.Status == window.StatusClosed {
		return window.Window{}, apperr.ErrNoActiveWindow
	}
	if g.w.Status == window.StatusExpired || window.IsExpired(*g.w, g.clock.Now()) {
		g.w.Status = window.StatusExpired
		return *g.w, apperr.ErrWindowExpired
	}
	return *g.w, nil
}

func (g *clockGate) MarkSubject(_ context.Context, _, subjectID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.marked == nil {
		g.marked = make(map[string]bool)
	}
	g.marked[subjectID] = true
	return nil
}

type fakeLectures map[string]lecture.Lecture

func (f fakeLectures) Get(_ context.Context, id string) (lecture.Lecture, error) {
	l, ok := f[id]
	if !ok {
		return lecture.Lecture{}, fmt.Errorf("lecture %s: %w", id, apperr.ErrNotFound)
	}
	return l, nil
}

type fakeRoster struct {
	enrolled  map[string][]string
	classroom *roster.ClassroomLocation
}

func (f fakeRoster) Section(_ context.Context, id string) (roster.Section, error) {
	return roster.Section{ID: id}, nil
}

func (f fakeRoster) EnrolledSubjects(_ context.Context, id string) ([]string, error) {
	return f.enrolled[id], nil
}

func (f fakeRoster) ClassroomLocation(context.Context, string) (*roster.ClassroomLocation, error) {
	return f.classroom, nil
}

type fakeMedia struct {
	url   string
	err   error
	calls int
}

func (m *fakeMedia) Store(context.Context, []byte, string) (string, error) {
	m.calls++
	return m.url, m.err
}

type recordingHub struct {
	mu    sync.Mutex
	types []string
}

func (h *recordingHub) Publish(_, eventType string, _ any) {
	h.mu.Lock()
	h.types = append(h.types, eventType)
	h.mu.Unlock()
}

type stubBackend struct {
	res biometric.Result
	err error
}

func (b stubBackend) Name() string { return "face" }

func (b stubBackend) Verify(context.Context, string, []byte) (biometric.Result, error) {
	return b.res, b.err
}

type stubReferences struct{}

func (stubReferences) Reference(context.Context, string, biometric.Kind) ([]byte, error) {
	return []byte("reference"), nil
}

type fixedComparator float64

func (c fixedComparator) Compare(_, _ []byte) (float64, error) { return float64(c), nil }

func biometricOK(confidence float64) biometric.Result {
	return biometric.Result{Verified: true, Confidence: confidence}
}

func biometricNo(confidence float64) biometric.Result {
	return biometric.Result{Verified: false, Confidence: confidence, Reason: "face mismatch"}
}
