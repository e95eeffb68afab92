// Package verification decides whether a subject's attendance claim is
// genuine.
//
// A Pipeline runs an ordered list of strategies against a Claim and stops at
// the first decisive Outcome. Backend strategies that cannot reach their
// service yield Unavailable and hand over to the next strategy; everything
// else (a verdict, a missing reference, an invalid GPS fix) ends the run.
package verification

import (
	"fmt"
	"time"

	"presence/internal/apperr"
	"presence/internal/roster"
)

// Method records how a subject was verified.
type Method string

const (
	MethodFace      Method = "FACE"
	MethodFaceLocal Method = "FACE_LOCAL"
	MethodVoice     Method = "VOICE"
	MethodGPS       Method = "GPS"
	MethodManual    Method = "MANUAL"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodFace, MethodFaceLocal, MethodVoice, MethodGPS, MethodManual:
		return true
	}
	return false
}

// Kind tags an Outcome.
type Kind int

const (
	Unavailable Kind = iota
	Accepted
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return "unavailable"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Outcome is the result of one strategy or of the whole pipeline.
type Outcome struct {
	Kind        Kind    `json:"outcome"`
	Method      Method  `json:"method,omitempty"`
	Confidence  float64 `json:"confidence"`
	Flagged     bool    `json:"flagged,omitempty"`
	EvidenceURL string  `json:"evidence_url,omitempty"`
	Details     Details `json:"details"`
}

// Verified is true only for an Accepted outcome.
func (o Outcome) Verified() bool { return o.Kind == Accepted }

// Details explains a verdict to the client.
type Details struct {
	Reason         string   `json:"reason,omitempty"`
	Similarity     *float64 `json:"similarity,omitempty"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
	RadiusMeters   *float64 `json:"radius_meters,omitempty"`
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty"`
	// Unavailable lists the backends skipped on the way to this outcome.
	Unavailable []string `json:"unavailable,omitempty"`
}

// GPSFix is a location reported by the subject's device.
type GPSFix struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy"`
	FixTime        time.Time `json:"timestamp"`
	// ClientTime is when the device says it submitted the claim.
	ClientTime time.Time `json:"submitted_at"`
}

// Claim is the evidence a subject submits for one lecture.
type Claim struct {
	SubjectID string
	Face      []byte
	Voice     []byte
	Photo     []byte
	GPS       *GPSFix
	// Classroom is the registered point of the lecture's section, nil when
	// none is registered.
	Classroom *roster.ClassroomLocation
}

// HasEvidence reports whether the claim carries anything a strategy can use.
func (c Claim) HasEvidence() bool {
	return len(c.Face) > 0 || len(c.Voice) > 0 || c.GPS != nil
}

func ptr(v float64) *float64 { return &v }

// RejectedError carries a negative verdict to callers that only see an
// error. It matches apperr.ErrVerificationRejected.
type RejectedError struct {
	Outcome Outcome
}

func (e *RejectedError) Error() string {
	if e.Outcome.Details.Reason != "" {
		return "verification rejected: " + e.Outcome.Details.Reason
	}
	return fmt.Sprintf("verification rejected: %s confidence %.2f", e.Outcome.Method, e.Outcome.Confidence)
}

func (e *RejectedError) Unwrap() error { return apperr.ErrVerificationRejected }
