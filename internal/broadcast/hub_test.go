package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_PublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	h := NewHub(Options{})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			h.Publish(SectionTopic("sec-1"), DoorEvent, map[string]int{"i": i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}

func TestHub_PerTopicOrder(t *testing.T) {
	h := NewHub(Options{})
	sub := h.Subscribe(SectionTopic("sec-1"), 0)
	defer sub.Close()

	for i := 1; i <= 50; i++ {
		h.Publish(SectionTopic("sec-1"), SubjectVerified, map[string]int{"n": i})
	}
	for i := 1; i <= 50; i++ {
		ev := recv(t, sub)
		if ev.Seq != uint64(i) {
			t.Fatalf("event %d arrived with seq %d", i, ev.Seq)
		}
		var body map[string]int
		if err := json.Unmarshal(ev.Data, &body); err != nil {
			t.Fatal(err)
		}
		if body["n"] != i {
			t.Fatalf("payload order broken: got %d want %d", body["n"], i)
		}
	}
}

func TestHub_TopicsAreIsolated(t *testing.T) {
	h := NewHub(Options{})
	teacher := h.Subscribe(TeacherTopic("t-1"), 0)
	defer teacher.Close()

	h.Publish(SectionTopic("sec-1"), SessionStarted, nil)
	h.Publish(TeacherTopic("t-1"), SessionStarted, nil)

	ev := recv(t, teacher)
	if ev.Topic != TeacherTopic("t-1") {
		t.Errorf("teacher subscriber received %q", ev.Topic)
	}
}

func TestHub_ReplaySince(t *testing.T) {
	h := NewHub(Options{ReplaySize: 3})
	topic := SectionTopic("sec-9")
	for i := 0; i < 5; i++ {
		h.Publish(topic, DoorEvent, nil)
	}

	sub := h.Subscribe(topic, 3)
	defer sub.Close()
	if sub.Gap {
		t.Error("seq 4 and 5 are retained, no gap expected")
	}
	if ev := recv(t, sub); ev.Seq != 4 {
		t.Errorf("first replayed seq = %d, want 4", ev.Seq)
	}
	if ev := recv(t, sub); ev.Seq != 5 {
		t.Errorf("second replayed seq = %d, want 5", ev.Seq)
	}

	lagging := h.Subscribe(topic, 1)
	defer lagging.Close()
	if !lagging.Gap {
		t.Error("seq 2 is no longer retained, gap expected")
	}
}

func TestHub_SlowConsumerIsClosed(t *testing.T) {
	h := NewHub(Options{MaxBacklog: 4})
	topic := SectionTopic("sec-2")
	sub := h.Subscribe(topic, 0)

	// Nobody reads sub.C; the pump holds one event and the mailbox fills.
	for i := 0; i < 20; i++ {
		h.Publish(topic, DoorEvent, nil)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				if !errors.Is(sub.Err(), ErrSlowConsumer) {
					t.Fatalf("Err = %v, want ErrSlowConsumer", sub.Err())
				}
				if n := h.Subscribers(topic); n != 0 {
					t.Errorf("slow subscriber still registered (%d)", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber was never closed")
		}
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(Options{})
	sub := h.Subscribe(SectionTopic("x"), 0)
	sub.Close()
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if sub.Err() != nil {
		t.Errorf("normal close Err = %v", sub.Err())
	}
}

type loopRelay struct {
	mu        sync.Mutex
	published []Event
	incoming  chan Event
}

func (r *loopRelay) Publish(_ context.Context, _ string, ev Event) error {
	r.mu.Lock()
	r.published = append(r.published, ev)
	r.mu.Unlock()
	return nil
}

func (r *loopRelay) Run(ctx context.Context, _ string, deliver func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.incoming:
			deliver(ev)
		}
	}
}

func TestHub_RelayDeliversForeignEvents(t *testing.T) {
	relay := &loopRelay{incoming: make(chan Event, 1)}
	h := NewHub(Options{Relay: relay})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	sub := h.Subscribe(SectionTopic("sec-r"), 0)
	defer sub.Close()

	relay.incoming <- Event{Seq: 77, Topic: SectionTopic("sec-r"), Type: SessionEnded}
	ev := recv(t, sub)
	if ev.Type != SessionEnded || ev.Seq != 1 {
		t.Errorf("foreign event = %+v, want local seq 1", ev)
	}

	h.Publish(SectionTopic("sec-r"), SessionStarted, nil)
	recv(t, sub)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		relay.mu.Lock()
		n := len(relay.published)
		relay.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("local publish never reached the relay")
}

// flakyRelay fails its first subscription, then behaves like loopRelay.
type flakyRelay struct {
	loopRelay
	runs atomic.Int32
}

func (r *flakyRelay) Run(ctx context.Context, origin string, deliver func(Event)) error {
	if r.runs.Add(1) == 1 {
		return errors.New("dial tcp: connection refused")
	}
	return r.loopRelay.Run(ctx, origin, deliver)
}

func TestHub_RelayResubscribesAfterFailure(t *testing.T) {
	relay := &flakyRelay{loopRelay: loopRelay{incoming: make(chan Event, 1)}}
	h := NewHub(Options{Relay: relay, RelayBackoff: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	sub := h.Subscribe(TeacherTopic("t-r"), 0)
	defer sub.Close()

	relay.incoming <- Event{Topic: TeacherTopic("t-r"), Type: DoorEvent}
	if ev := recv(t, sub); ev.Type != DoorEvent {
		t.Fatalf("event = %+v", ev)
	}
	if n := relay.runs.Load(); n != 2 {
		t.Errorf("relay runs = %d, want 2", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
