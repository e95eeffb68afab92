package attendance

import (
	"time"

	"presence/internal/verification"
)

// Status of a subject for one lecture.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	StatusAbsent  Status = "ABSENT"
	StatusExcused Status = "EXCUSED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused:
		return true
	}
	return false
}

// Record is the single attendance entry of a subject for a lecture.
// LastEntryTime and CumulativeDurationMinutes are derived from the door log
// and may be recomputed at any time.
type Record struct {
	ID                        string              `json:"id"`
	LectureID                 string              `json:"lecture_id"`
	SubjectID                 string              `json:"subject_id"`
	MarkedAt                  time.Time           `json:"marked_at"`
	Status                    Status              `json:"status"`
	Method                    verification.Method `json:"verification_method"`
	Confidence                *float64            `json:"confidence_score,omitempty"`
	EvidenceURL               string              `json:"evidence_url,omitempty"`
	Latitude                  *float64            `json:"latitude,omitempty"`
	Longitude                 *float64            `json:"longitude,omitempty"`
	LastEntryTime             *time.Time          `json:"last_entry_time,omitempty"`
	CumulativeDurationMinutes int                 `json:"cumulative_duration_minutes"`
	Flagged                   bool                `json:"flagged,omitempty"`
}

// TeacherRecord is a teacher's own attendance for a lecture on a date.
type TeacherRecord struct {
	ID          string              `json:"id"`
	TeacherID   string              `json:"teacher_id"`
	LectureID   string              `json:"lecture_id"`
	Date        time.Time           `json:"attendance_date"`
	MarkedAt    time.Time           `json:"marked_at"`
	Status      Status              `json:"status"`
	Method      verification.Method `json:"verification_method"`
	Confidence  *float64            `json:"confidence_score,omitempty"`
	EvidenceURL string              `json:"evidence_url,omitempty"`
	Latitude    *float64            `json:"latitude,omitempty"`
	Longitude   *float64            `json:"longitude,omitempty"`
	Flagged     bool                `json:"flagged,omitempty"`
}

// Classify returns LATE when now is more than threshold after the scheduled
// start, PRESENT otherwise.
func Classify(scheduledStart, now time.Time, threshold time.Duration) Status {
	if now.Sub(scheduledStart) > threshold {
		return StatusLate
	}
	return StatusPresent
}
