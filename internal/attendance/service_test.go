package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"presence/internal/apperr"
	"presence/internal/broadcast"
	"presence/internal/clock"
	"presence/internal/lecture"
	"presence/internal/verification"
	"presence/internal/window"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func accepted(method verification.Method, confidence float64) verification.Outcome {
	return verification.Outcome{Kind: verification.Accepted, Method: method, Confidence: confidence}
}

type fixture struct {
	svc   *Service
	repo  *memRepo
	gate  *clockGate
	clock *clock.FakeClock
	media *fakeMedia
	hub   *recordingHub
}

func newFixture(t *testing.T, face verification.Backend, similarity float64) fixture {
	t.Helper()
	clk := clock.Fake(t0)
	repo := newMemRepo()
	gate := &clockGate{
		clock: clk,
		w:     &window.Window{ID: "w-1", LectureID: "lec-1", CreatedAt: t0, ExpiresAt: t0.Add(10 * time.Minute), Status: window.StatusActive},
	}
	dir := fakeRoster{enrolled: map[string][]string{"sec-1": {"s-1", "s-2", "s-3"}}}
	pipeline := verification.New(verification.Policy{
		FaceLocalThreshold: 0.6,
		BackendTimeout:     time.Second,
	}, verification.Deps{
		Face:       face,
		References: stubReferences{},
		Comparator: fixedComparator(similarity),
		Clock:      clk,
	})
	f := fixture{repo: repo, gate: gate, clock: clk, media: &fakeMedia{url: "https://cdn/evidence.jpg"}, hub: &recordingHub{}}
	f.svc = NewService(Deps{
		Ledger:   NewLedger(repo, gate, dir, 5*time.Minute, nil, nil),
		Teachers: NewTeacherLedger(repo, 5*time.Minute, time.FixedZone("IST", 5*3600+1800), nil),
		Lectures: fakeLectures{
			"lec-1": {ID: "lec-1", SectionID: "sec-1", TeacherID: "t-1", Status: lecture.StatusOngoing, ScheduledStart: t0},
			"lec-2": {ID: "lec-2", SectionID: "sec-1", TeacherID: "t-1", Status: lecture.StatusCompleted, ScheduledStart: t0},
		},
		Windows:  gate,
		Roster:   dir,
		Verifier: pipeline,
		Media:    f.media,
		Hub:      f.hub,
		Clock:    clk,
	})
	return f
}

func TestClassify(t *testing.T) {
	threshold := 5 * time.Minute
	if got := Classify(t0, t0.Add(7*time.Minute), threshold); got != StatusLate {
		t.Errorf("T+7 = %s, want LATE", got)
	}
	if got := Classify(t0, t0.Add(3*time.Minute), threshold); got != StatusPresent {
		t.Errorf("T+3 = %s, want PRESENT", got)
	}
	if got := Classify(t0, t0.Add(5*time.Minute), threshold); got != StatusPresent {
		t.Errorf("exactly at threshold = %s, want PRESENT", got)
	}
}

func TestRecordAttendance_ConcurrentSubmissionsYieldOneRecord(t *testing.T) {
	repo := newMemRepo()
	gate := &clockGate{clock: clock.Fake(t0), w: &window.Window{ID: "w-1", LectureID: "lec-1", ExpiresAt: t0.Add(time.Hour), Status: window.StatusActive}}
	ledger := NewLedger(repo, gate, fakeRoster{}, 5*time.Minute, nil, nil)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.RecordAttendance(context.Background(), RecordInput{
				LectureID:      "lec-1",
				SubjectID:      "s-1",
				Outcome:        accepted(verification.MethodFace, 0.9),
				ScheduledStart: t0,
				Now:            t0.Add(time.Minute),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success, dup := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, apperr.ErrDuplicateRecord):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if success != 1 || dup != n-1 {
		t.Errorf("success=%d duplicates=%d", success, dup)
	}
	if len(repo.records) != 1 {
		t.Errorf("%d records stored", len(repo.records))
	}
}

func TestRecordAttendance_Rejections(t *testing.T) {
	clk := clock.Fake(t0)
	gate := &clockGate{clock: clk, w: &window.Window{ID: "w-1", LectureID: "lec-1", ExpiresAt: t0.Add(time.Minute), Status: window.StatusActive}}
	ledger := NewLedger(newMemRepo(), gate, fakeRoster{}, 5*time.Minute, nil, nil)
	ctx := context.Background()

	_, err := ledger.RecordAttendance(ctx, RecordInput{LectureID: "lec-1", SubjectID: "s-1", Outcome: verification.Outcome{Kind: verification.Rejected}})
	if !errors.Is(err, apperr.ErrVerificationRejected) {
		t.Errorf("rejected outcome: got %v", err)
	}

	clk.Advance(2 * time.Minute)
	_, err = ledger.RecordAttendance(ctx, RecordInput{LectureID: "lec-1", SubjectID: "s-1", Outcome: accepted(verification.MethodGPS, 1)})
	if !errors.Is(err, apperr.ErrWindowExpired) {
		t.Errorf("expired window: got %v", err)
	}
}

func TestMark_WindowScenario(t *testing.T) {
	f := newFixture(t, stubBackend{res: biometricOK(0.93)}, 0)
	ctx := context.Background()

	f.clock.Advance(5 * time.Minute)
	res, err := f.svc.Mark(ctx, MarkInput{LectureID: "lec-1", SubjectID: "s-1", Face: []byte("img")})
	if err != nil {
		t.Fatalf("T+5: %v", err)
	}
	if res.Record.Status != StatusPresent || res.Record.Method != verification.MethodFace {
		t.Errorf("T+5 record = %+v", res.Record)
	}
	if !f.gate.marked["s-1"] {
		t.Error("subject not marked on the window")
	}

	f.clock.Advance(6 * time.Minute)
	_, err = f.svc.Mark(ctx, MarkInput{LectureID: "lec-1", SubjectID: "s-1", Face: []byte("img")})
	if !errors.Is(err, apperr.ErrWindowExpired) {
		t.Fatalf("T+11: expected ErrWindowExpired, got %v", err)
	}
	if f.gate.w.Status != window.StatusExpired {
		t.Error("window should have transitioned to EXPIRED on read")
	}
}

func TestMark_LateAfterThreshold(t *testing.T) {
	f := newFixture(t, stubBackend{res: biometricOK(0.93)}, 0)
	f.clock.Advance(7 * time.Minute)
	res, err := f.svc.Mark(context.Background(), MarkInput{LectureID: "lec-1", SubjectID: "s-2", Face: []byte("img")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Status != StatusLate {
		t.Errorf("status = %s, want LATE", res.Record.Status)
	}
}

func TestMark_FaceLocalFallback(t *testing.T) {
	f := newFixture(t, stubBackend{err: apperr.ErrBackendUnavailable}, 0.82)
	res, err := f.svc.Mark(context.Background(), MarkInput{LectureID: "lec-1", SubjectID: "s-1", Face: []byte("img")})
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}
	rec := res.Record
	if rec.Method != verification.MethodFaceLocal || rec.Confidence == nil || *rec.Confidence != 0.82 {
		t.Errorf("record = %+v", rec)
	}
	if rec.EvidenceURL != "https://cdn/evidence.jpg" {
		t.Errorf("evidence url = %q", rec.EvidenceURL)
	}
}

func TestMark_MediaFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, stubBackend{res: biometricOK(0.9)}, 0)
	f.media.err = errors.New("cloud down")

	res, err := f.svc.Mark(context.Background(), MarkInput{LectureID: "lec-1", SubjectID: "s-1", Face: []byte("img")})
	if err != nil {
		t.Fatalf("media failure must not fail the submission: %v", err)
	}
	if res.Record.EvidenceURL != "" || f.media.calls != 1 {
		t.Errorf("evidence=%q calls=%d", res.Record.EvidenceURL, f.media.calls)
	}
}

func TestMark_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("not enrolled", func(t *testing.T) {
		f := newFixture(t, stubBackend{res: biometricOK(0.9)}, 0)
		_, err := f.svc.Mark(ctx, MarkInput{LectureID: "lec-1", SubjectID: "stranger", Face: []byte("img")})
		if !errors.Is(err, apperr.ErrUnauthorized) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("closed lecture", func(t *testing.T) {
		f := newFixture(t, stubBackend{res: biometricOK(0.9)}, 0)
		_, err := f.svc.Mark(ctx, MarkInput{LectureID: "lec-2", SubjectID: "s-1", Face: []byte("img")})
		if !errors.Is(err, apperr.ErrLectureClosed) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		f := newFixture(t, stubBackend{res: biometricOK(0.9)}, 0)
		if _, err := f.svc.Mark(ctx, MarkInput{LectureID: "lec-1", SubjectID: "s-1", Face: []byte("img")}); err != nil {
			t.Fatal(err)
		}
		res, err := f.svc.Mark(ctx, MarkInput{LectureID: "lec-1", SubjectID: "s-1", Face: []byte("img")})
		if !errors.Is(err, apperr.ErrDuplicateRecord) || res.Record == nil {
			t.Errorf("got %v, record %v", err, res.Record)
		}
	})

	t.Run("backend rejects", func(t *testing.T) {
		f := newFixture(t, stubBackend{res: biometricNo(0.2)}, 0)
		res, err := f.svc.Mark(ctx, MarkInput{LectureID: "lec-1", SubjectID: "s-1", Face: []byte("img")})
		var rejected *verification.RejectedError
		if !errors.As(err, &rejected) || rejected.Outcome.Confidence != 0.2 {
			t.Errorf("got %v", err)
		}
		if res.Outcome.Kind != verification.Rejected || len(f.repo.records) != 0 {
			t.Errorf("rejection must not write a record")
		}
	})
}

func TestMark_PublishesVerified(t *testing.T) {
	f := newFixture(t, stubBackend{res: biometricOK(0.9)}, 0)
	if _, err := f.svc.Mark(context.Background(), MarkInput{LectureID: "lec-1", SubjectID: "s-1", Face: []byte("img")}); err != nil {
		t.Fatal(err)
	}
	if len(f.hub.types) != 2 || f.hub.types[0] != broadcast.SubjectVerified {
		t.Errorf("published %v", f.hub.types)
	}
}

func TestMarkManual(t *testing.T) {
	f := newFixture(t, nil, 0)
	ctx := context.Background()

	if _, err := f.svc.MarkManual(ctx, ManualInput{LectureID: "lec-1", TeacherID: "t-9", SubjectID: "s-1", Status: StatusExcused}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("foreign teacher: %v", err)
	}
	if _, err := f.svc.MarkManual(ctx, ManualInput{LectureID: "lec-1", TeacherID: "t-1", SubjectID: "s-1", Status: "GONE"}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("bad status: %v", err)
	}
	rec, err := f.svc.MarkManual(ctx, ManualInput{LectureID: "lec-1", TeacherID: "t-1", SubjectID: "s-1", Status: StatusExcused})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Method != verification.MethodManual || rec.Status != StatusExcused {
		t.Errorf("record = %+v", rec)
	}
}

func TestMarkTeacher(t *testing.T) {
	f := newFixture(t, stubBackend{res: biometricOK(0.95)}, 0)
	ctx := context.Background()
	// 20:00 UTC is already the next day in IST.
	f.clock.Set(time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC))

	res, err := f.svc.MarkTeacher(ctx, "t-1", MarkInput{LectureID: "lec-1", Face: []byte("img")})
	if err != nil {
		t.Fatalf("MarkTeacher: %v", err)
	}
	if got := res.Record.Date.Format(time.DateOnly); got != "2026-03-03" {
		t.Errorf("attendance date = %s", got)
	}
	if _, err := f.svc.MarkTeacher(ctx, "t-1", MarkInput{LectureID: "lec-1", Face: []byte("img")}); !errors.Is(err, apperr.ErrDuplicateRecord) {
		t.Errorf("second mark: %v", err)
	}
	if _, err := f.svc.MarkTeacher(ctx, "t-2", MarkInput{LectureID: "lec-1", Face: []byte("img")}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("foreign teacher: %v", err)
	}
}

func TestStatusForLecture(t *testing.T) {
	f := newFixture(t, stubBackend{res: biometricOK(0.9)}, 0)
	ctx := context.Background()

	f.clock.Advance(2 * time.Minute)
	if _, err := f.svc.Mark(ctx, MarkInput{LectureID: "lec-1", SubjectID: "s-1", Face: []byte("img")}); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(6 * time.Minute)
	if _, err := f.svc.Mark(ctx, MarkInput{LectureID: "lec-1", SubjectID: "s-2", Face: []byte("img")}); err != nil {
		t.Fatal(err)
	}

	st, err := f.svc.StatusForLecture(ctx, "lec-1", "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Present != 1 || st.Late != 1 || st.Marked != 2 || st.Total != 3 || st.Absent != 1 {
		t.Errorf("status = %+v", st)
	}
	if len(st.Unmarked) != 1 || st.Unmarked[0] != "s-3" {
		t.Errorf("unmarked = %v", st.Unmarked)
	}

	if _, err := f.svc.StatusForLecture(ctx, "lec-1", "t-2"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("foreign teacher: %v", err)
	}
}

func TestHistory(t *testing.T) {
	repo := newMemRepo()
	repo.held = 4
	_ = repo.Insert(context.Background(), Record{LectureID: "a", SubjectID: "s-1", Status: StatusPresent})
	_ = repo.Insert(context.Background(), Record{LectureID: "b", SubjectID: "s-1", Status: StatusLate})
	_ = repo.Insert(context.Background(), Record{LectureID: "c", SubjectID: "s-1", Status: StatusExcused})
	_ = repo.Insert(context.Background(), Record{LectureID: "a", SubjectID: "s-2", Status: StatusPresent})

	ledger := NewLedger(repo, nil, fakeRoster{}, 5*time.Minute, nil, nil)
	h, err := ledger.History(context.Background(), "s-1", HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if h.Stats.Total != 3 || h.Stats.Present != 1 || h.Stats.Late != 1 || h.Stats.Excused != 1 {
		t.Errorf("stats = %+v", h.Stats)
	}
	if h.Stats.Rate != 0.5 {
		t.Errorf("rate = %f, want 2 of 4 held", h.Stats.Rate)
	}
}

func TestHistory_StatsIgnoreStatusFilterAndPaging(t *testing.T) {
	repo := newMemRepo()
	repo.held = 2
	_ = repo.Insert(context.Background(), Record{LectureID: "a", SubjectID: "s-1", Status: StatusPresent, MarkedAt: t0})
	_ = repo.Insert(context.Background(), Record{LectureID: "b", SubjectID: "s-1", Status: StatusLate, MarkedAt: t0.Add(time.Hour)})
	ledger := NewLedger(repo, nil, fakeRoster{}, 5*time.Minute, nil, nil)

	tests := []struct {
		name    string
		filter  HistoryFilter
		records int
	}{
		{"unfiltered", HistoryFilter{}, 2},
		{"late only", HistoryFilter{Status: StatusLate}, 1},
		{"first page", HistoryFilter{Limit: 1}, 1},
		{"past the end", HistoryFilter{Limit: 1, Offset: 5}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, err := ledger.History(context.Background(), "s-1", tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(h.Records) != tc.records {
				t.Errorf("records = %d, want %d", len(h.Records), tc.records)
			}
			if h.Stats.Total != 2 || h.Stats.Present != 1 || h.Stats.Late != 1 {
				t.Errorf("stats = %+v", h.Stats)
			}
			if h.Stats.Rate != 1 {
				t.Errorf("rate = %f, want 1", h.Stats.Rate)
			}
		})
	}
}
