// Package broadcast fans state changes out to observers subscribed to a
// section or teacher topic.
//
// Publish never blocks the caller. Each subscription owns a mailbox drained
// by its own goroutine, so events on one topic reach a subscriber in publish
// order. Every topic keeps a short replay ring; a client that reconnects with
// the last sequence number it saw receives what it missed, which gives
// at-least-once delivery across reconnects. A subscriber whose mailbox grows
// past the backlog limit is closed and has to reconnect.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence/internal/clock"
	"presence/internal/metrics"
)

// Event types pushed to observers.
const (
	SessionStarted  = "session:started"
	SessionEnded    = "session:ended"
	WindowOpened    = "window:opened"
	WindowClosed    = "window:closed"
	SubjectVerified = "subject:verified"
	DoorEvent       = "door:event"
)

// ErrSlowConsumer closes a subscription whose backlog overflowed.
var ErrSlowConsumer = errors.New("subscriber backlog overflow")

// SectionTopic is the topic observed by everyone following a section.
func SectionTopic(sectionID string) string { return "section:" + sectionID }

// TeacherTopic is the private topic of a single teacher.
func TeacherTopic(teacherID string) string { return "teacher:" + teacherID }

// Event is one notification. Seq is assigned per topic by the hub that
// delivers it.
type Event struct {
	Seq   uint64          `json:"seq"`
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Options tune a Hub. Zero values fall back to defaults.
type Options struct {
	ReplaySize int
	MaxBacklog int
	Relay      Relay
	// RelayBackoff is the first delay before resubscribing after the relay
	// drops. It doubles up to maxRelayBackoff.
	RelayBackoff time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

const maxRelayBackoff = 30 * time.Second

// Hub is an in-process broadcaster, optionally mirrored across instances
// through a Relay.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topicState

	replaySize int
	maxBacklog int
	origin     string
	relay      Relay
	backoff    time.Duration
	outbound   chan Event

	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

type topicState struct {
	seq  uint64
	ring []Event
	subs map[*Subscription]struct{}
}

// NewHub creates a hub. Call Run when a Relay is configured.
func NewHub(opts Options) *Hub {
	if opts.ReplaySize <= 0 {
		opts.ReplaySize = 256
	}
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = 1024
	}
	if opts.RelayBackoff <= 0 {
		opts.RelayBackoff = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		topics:     make(map[string]*topicState),
		replaySize: opts.ReplaySize,
		maxBacklog: opts.MaxBacklog,
		origin:     uuid.NewString(),
		relay:      opts.Relay,
		backoff:    opts.RelayBackoff,
		clock:      opts.Clock,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}
	if h.relay != nil {
		h.outbound = make(chan Event, opts.MaxBacklog)
	}
	return h
}

// Publish delivers an event to local subscribers and hands it to the relay.
// It never blocks and never fails; a payload that cannot be encoded is
// logged and published without data.
func (h *Hub) Publish(topic, eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			h.log.Warn("broadcast payload not encodable", zap.String("type", eventType), zap.Error(err))
		} else {
			raw = b
		}
	}
	ev := h.deliver(Event{Topic: topic, Type: eventType, At: h.clock.Now(), Data: raw})
	h.metrics.Published(eventType)

	if h.outbound != nil {
		select {
		case h.outbound <- ev:
		default:
			h.log.Warn("relay queue full, event kept local only", zap.String("topic", topic), zap.String("type", eventType))
		}
	}
}

// Run pumps events between the hub and its relay until ctx is done. A relay
// that stops early is resubscribed with exponential backoff.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		<-ctx.Done()
		return nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-h.outbound:
				pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				if err := h.relay.Publish(pubCtx, h.origin, ev); err != nil {
					h.log.Warn("relay publish failed", zap.String("topic", ev.Topic), zap.Error(err))
				}
				cancel()
			}
		}
	}()

	deliver := func(ev Event) { h.deliver(ev) }
	backoff := h.backoff
	for {
		started := time.Now()
		err := h.relay.Run(ctx, h.origin, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > maxRelayBackoff {
			backoff = h.backoff
		}
		h.log.Warn("relay subscription lost, resubscribing", zap.Duration("in", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRelayBackoff)
	}
}

// deliver assigns the topic sequence number, records the event for replay
// and enqueues it on every subscriber.
func (h *Hub) deliver(ev Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(ev.Topic)
	t.seq++
	ev.Seq = t.seq
	t.ring = append(t.ring, ev)
	if len(t.ring) > h.replaySize {
		t.ring = t.ring[len(t.ring)-h.replaySize:]
	}

	for sub := range t.subs {
		if !sub.enqueue(ev, h.maxBacklog) {
			delete(t.subs, sub)
			sub.closeWith(ErrSlowConsumer)
			h.metrics.SubscriberDropped()
			h.log.Warn("closed slow subscriber", zap.String("topic", ev.Topic))
		}
	}
	return ev
}

func (h *Hub) topicLocked(name string) *topicState {
	t, ok := h.topics[name]
	if !ok {
		t = &topicState{subs: make(map[*Subscription]struct{})}
		h.topics[name] = t
	}
	return t
}

// Subscribe registers an observer of topic. When since > 0, retained events
// with a larger sequence number are replayed first. Gap reports whether
// events between since and the oldest retained one were lost.
func (h *Hub) Subscribe(topic string, since uint64) *Subscription {
	out := make(chan Event)
	sub := &Subscription{
		C:      out,
		topic:  topic,
		hub:    h,
		out:    out,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	t := h.topicLocked(topic)
	if since > 0 {
		if len(t.ring) > 0 && t.ring[0].Seq > since+1 {
			sub.Gap = true
		}
		for _, ev := range t.ring {
			if ev.Seq > since {
				sub.pending = append(sub.pending, ev)
			}
		}
		if len(sub.pending) > 0 {
			sub.signal <- struct{}{}
		}
	}
	t.subs[sub] = struct{}{}
	h.mu.Unlock()

	go sub.pump()
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if t, ok := h.topics[sub.topic]; ok {
		delete(t.subs, sub)
	}
	h.mu.Unlock()
	sub.closeWith(nil)
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[topic]; ok {
		return len(t.subs)
	}
	return 0
}

// Subscription is one observer's ordered view of a topic. Read from C until
// it is closed, then consult Err.
type Subscription struct {
	C   <-chan Event
	Gap bool

	topic  string
	hub    *Hub
	out    chan Event
	signal chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pending []Event
	closed  bool
	err     error
}

// Close detaches the subscription from its hub.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

// Err is the reason the subscription ended, nil for a normal Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) enqueue(ev Event, limit int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if len(s.pending) >= limit {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) closeWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
