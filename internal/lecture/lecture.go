package lecture

import "time"

// Status is the lifecycle state of a lecture.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusOngoing   Status = "ONGOING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Lecture is one held (or planned) meeting of a section.
type Lecture struct {
	ID             string     `json:"id"`
	SectionID      string     `json:"section_id"`
	TeacherID      string     `json:"teacher_id"`
	Status         Status     `json:"status"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduled_end"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`
	RoomNumber     string     `json:"room_number,omitempty"`
}

var transitions = map[Status][]Status{
	StatusScheduled: {StatusOngoing, StatusCancelled},
	StatusOngoing:   {StatusCompleted},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
