// Package door logs door camera ENTRY/EXIT events and derives how long each
// subject spent in the room.
//
// The event log is the source of truth. The dwell fields on the attendance
// record are a cache rebuilt by replaying the subject's ordered log after
// every event, so retried or out-of-order deliveries converge on the same
// total.
package door

import (
	"math"
	"sort"
	"time"
)

// Type of door event.
type Type string

const (
	Entry Type = "ENTRY"
	Exit  Type = "EXIT"
)

// Event is one immutable door observation.
type Event struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subject_id"`
	LectureID  string    `json:"lecture_id"`
	Type       Type      `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence,omitempty"`
	RoomNumber string    `json:"room_number,omitempty"`
	// Seq orders events that share a timestamp by arrival.
	Seq int64 `json:"-"`
}

// Sort orders events by timestamp, then arrival.
func Sort(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Seq < events[j].Seq
	})
}

// Dwell replays one subject's events in order. It returns the open entry
// time (nil when the subject is outside) and the time spent inside across
// closed ENTRY→EXIT pairs. An ENTRY while inside restarts the open span; an
// EXIT while outside changes nothing.
func Dwell(events []Event) (*time.Time, time.Duration) {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	Sort(ordered)

	var inside *time.Time
	var total time.Duration
	for _, ev := range ordered {
		switch ev.Type {
		case Entry:
			ts := ev.Timestamp
			inside = &ts
		case Exit:
			if inside != nil {
				total += ev.Timestamp.Sub(*inside)
				inside = nil
			}
		}
	}
	return inside, total
}

// Minutes rounds a duration to whole minutes, halves away from zero.
func Minutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}
