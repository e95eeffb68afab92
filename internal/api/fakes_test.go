package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"presence/internal/apperr"
	"presence/internal/attendance"
	"presence/internal/biometric"
	"presence/internal/door"
	"presence/internal/enrollment"
	"presence/internal/lecture"
	"presence/internal/roster"
	"presence/internal/window"
)

type fakeSessions struct {
	lectures map[string]lecture.Lecture
	err      error
}

func (f *fakeSessions) StartSession(_ context.Context, sectionID, teacherID string) (lecture.Lecture, error) {
	if f.err != nil {
		return lecture.Lecture{}, f.err
	}
	return lecture.Lecture{ID: "lec-new", SectionID: sectionID, TeacherID: teacherID, Status: lecture.StatusOngoing}, nil
}

func (f *fakeSessions) EndSession(_ context.Context, sectionID, teacherID string) (lecture.Lecture, error) {
	return lecture.Lecture{}, apperr.ErrNoActiveSession
}

func (f *fakeSessions) Schedule(_ context.Context, in lecture.ScheduleInput) (lecture.Lecture, error) {
	return lecture.Lecture{ID: "lec-s", SectionID: in.SectionID, TeacherID: in.TeacherID, Status: lecture.StatusScheduled, ScheduledStart: in.Start}, nil
}

func (f *fakeSessions) Cancel(_ context.Context, lectureID, _ string) (lecture.Lecture, error) {
	return lecture.Lecture{ID: lectureID, Status: lecture.StatusCancelled}, nil
}

func (f *fakeSessions) Get(_ context.Context, lectureID string) (lecture.Lecture, error) {
	l, ok := f.lectures[lectureID]
	if !ok {
		return lecture.Lecture{}, fmt.Errorf("lecture %s: %w", lectureID, apperr.ErrNotFound)
	}
	return l, nil
}

type fakeWindows struct {
	opened time.Duration
	active *window.Window
}

func (f *fakeWindows) Open(_ context.Context, lectureID, teacherID string, d time.Duration) (window.Window, error) {
	f.opened = d
	return window.Window{ID: "w-1", LectureID: lectureID, TeacherID: teacherID, Status: window.StatusActive}, nil
}

func (f *fakeWindows) Close(_ context.Context, lectureID, _ string) (window.Window, error) {
	return window.Window{}, apperr.ErrNoActiveWindow
}

func (f *fakeWindows) CheckActive(_ context.Context, lectureID string) (window.Window, error) {
	if f.active != nil && f.active.LectureID == lectureID {
		return *f.active, nil
	}
	return window.Window{}, apperr.ErrWindowExpired
}

type fakeAttendance struct {
	mu   sync.Mutex
	last attendance.MarkInput
	err  error
}

func (f *fakeAttendance) Mark(_ context.Context, in attendance.MarkInput) (attendance.MarkResult, error) {
	f.mu.Lock()
	f.last = in
	f.mu.Unlock()
	if f.err != nil {
		return attendance.MarkResult{}, f.err
	}
	return attendance.MarkResult{Record: &attendance.Record{LectureID: in.LectureID, SubjectID: in.SubjectID, Status: attendance.StatusPresent}}, nil
}

func (f *fakeAttendance) MarkManual(_ context.Context, in attendance.ManualInput) (attendance.Record, error) {
	if !in.Status.Valid() {
		return attendance.Record{}, apperr.ErrInvalidInput
	}
	return attendance.Record{LectureID: in.LectureID, SubjectID: in.SubjectID, Status: in.Status}, nil
}

func (f *fakeAttendance) MarkTeacher(_ context.Context, teacherID string, in attendance.MarkInput) (attendance.TeacherResult, error) {
	f.last = in
	return attendance.TeacherResult{Record: &attendance.TeacherRecord{TeacherID: teacherID, LectureID: in.LectureID}}, nil
}

func (f *fakeAttendance) StatusForLecture(_ context.Context, lectureID, _ string) (attendance.LectureStatus, error) {
	return attendance.LectureStatus{LectureID: lectureID, Total: 3, Marked: 1, Absent: 2}, nil
}

type fakeHistory struct {
	filter attendance.HistoryFilter
}

func (f *fakeHistory) History(_ context.Context, subjectID string, filter attendance.HistoryFilter) (attendance.History, error) {
	f.filter = filter
	return attendance.History{Records: []attendance.Record{}, Stats: attendance.Stats{Total: 1}}, nil
}

type fakeTeacherHistory struct{}

func (fakeTeacherHistory) History(context.Context, string, attendance.HistoryFilter) ([]attendance.TeacherRecord, error) {
	return nil, nil
}

type fakeDoor struct {
	logged []door.LogInput
}

func (f *fakeDoor) LogEvent(_ context.Context, in door.LogInput) (door.LogResult, error) {
	f.logged = append(f.logged, in)
	return door.LogResult{Event: door.Event{SubjectID: in.SubjectID, Type: in.Type}}, nil
}

func (f *fakeDoor) Timeline(_ context.Context, lectureID string) (door.Timeline, error) {
	return door.Timeline{LectureID: lectureID}, nil
}

func (f *fakeDoor) ActiveLecture(_ context.Context, room string) (door.ActiveLecture, error) {
	if room != "B-204" {
		return door.ActiveLecture{}, apperr.ErrNoActiveSession
	}
	return door.ActiveLecture{Lecture: lecture.Lecture{ID: "lec-1", RoomNumber: room}, EnrolledSubjectIDs: []string{"s-1"}}, nil
}

type fakeEnroller struct {
	sample []byte
}

func (f *fakeEnroller) Enroll(_ context.Context, subjectID string, kind biometric.Kind, sample []byte) (enrollment.Enrollment, error) {
	f.sample = sample
	return enrollment.Enrollment{SubjectID: subjectID, Kind: kind, Forwarded: true}, nil
}

type fakeRoster struct{}

func (fakeRoster) Section(_ context.Context, id string) (roster.Section, error) {
	return roster.Section{ID: id, TeacherID: "t-1"}, nil
}

func (fakeRoster) EnrolledSubjects(_ context.Context, id string) ([]string, error) {
	if id == "sec-1" {
		return []string{"s-1"}, nil
	}
	return nil, nil
}

func (fakeRoster) ClassroomLocation(context.Context, string) (*roster.ClassroomLocation, error) {
	return nil, nil
}
