package verification

import (
	"context"
	"fmt"
	"time"

	"presence/internal/apperr"
	"presence/internal/biometric"
)

// Backend is a remote recognition service.
type Backend interface {
	Name() string
	Verify(ctx context.Context, subjectID string, sample []byte) (biometric.Result, error)
}

// ReferenceStore returns a subject's enrolled raw sample, or an error
// matching apperr.ErrNotRegistered.
type ReferenceStore interface {
	Reference(ctx context.Context, subjectID string, kind biometric.Kind) ([]byte, error)
}

// Strategy is one step of the fallback chain.
type Strategy interface {
	Name() string
	Applies(c Claim) bool
	// Evaluate returns an Unavailable outcome to hand over to the next
	// strategy. A non-nil error is decisive.
	Evaluate(ctx context.Context, c Claim) (Outcome, error)
}

// FaceBackend asks the face service for a verdict.
type FaceBackend struct {
	Backend Backend
	Timeout time.Duration
}

func (s FaceBackend) Name() string { return "face" }

func (s FaceBackend) Applies(c Claim) bool { return len(c.Face) > 0 && s.Backend != nil }

func (s FaceBackend) Evaluate(ctx context.Context, c Claim) (Outcome, error) {
	return remoteVerdict(ctx, s.Backend, s.Timeout, c.SubjectID, c.Face, MethodFace)
}

// LocalFace compares the face sample with the stored reference.
type LocalFace struct {
	References ReferenceStore
	Comparator Comparator
	Threshold  float64
}

func (s LocalFace) Name() string { return "face_local" }

func (s LocalFace) Applies(c Claim) bool { return len(c.Face) > 0 }

func (s LocalFace) Evaluate(ctx context.Context, c Claim) (Outcome, error) {
	ref, err := s.References.Reference(ctx, c.SubjectID, biometric.Face)
	if err != nil {
		return Outcome{}, err
	}
	similarity, err := s.Comparator.Compare(c.Face, ref)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		Kind:       Rejected,
		Method:     MethodFaceLocal,
		Confidence: similarity,
		Details:    Details{Similarity: ptr(similarity)},
	}
	if similarity >= s.Threshold {
		out.Kind = Accepted
	} else {
		out.Details.Reason = fmt.Sprintf("similarity %.2f below threshold %.2f", similarity, s.Threshold)
	}
	return out, nil
}

// GPS accepts a valid fix inside the classroom radius. Without a registered
// classroom a valid fix is accepted at reduced confidence and flagged.
type GPS struct {
	Policy                 GPSPolicy
	UnregisteredConfidence float64
	Now                    func() time.Time
}

func (s GPS) Name() string { return "gps" }

func (s GPS) Applies(c Claim) bool { return c.GPS != nil }

func (s GPS) Evaluate(_ context.Context, c Claim) (Outcome, error) {
	fix := c.GPS
	if err := CheckFix(fix, s.Now(), s.Policy); err != nil {
		return Outcome{}, err
	}

	details := Details{AccuracyMeters: ptr(fix.AccuracyMeters)}
	if c.Classroom == nil {
		details.Reason = "no registered classroom location"
		return Outcome{
			Kind:       Accepted,
			Method:     MethodGPS,
			Confidence: s.UnregisteredConfidence,
			Flagged:    true,
			Details:    details,
		}, nil
	}

	radius := s.Policy.RadiusMeters
	if c.Classroom.RadiusMeters > 0 {
		radius = c.Classroom.RadiusMeters
	}
	distance := Haversine(fix.Latitude, fix.Longitude, c.Classroom.Latitude, c.Classroom.Longitude)
	details.DistanceMeters = ptr(distance)
	details.RadiusMeters = ptr(radius)

	if distance > radius {
		details.Reason = fmt.Sprintf("%.0fm from classroom, limit %.0fm", distance, radius)
		return Outcome{Kind: Rejected, Method: MethodGPS, Details: details}, nil
	}
	return Outcome{Kind: Accepted, Method: MethodGPS, Confidence: 1.0, Details: details}, nil
}

// VoiceBackend asks the voice service for a verdict. Voice has no local
// fallback, so unavailability surfaces as apperr.ErrServiceUnavailable.
type VoiceBackend struct {
	Backend Backend
	Timeout time.Duration
}

func (s VoiceBackend) Name() string { return "voice" }

func (s VoiceBackend) Applies(c Claim) bool { return len(c.Voice) > 0 }

func (s VoiceBackend) Evaluate(ctx context.Context, c Claim) (Outcome, error) {
	if s.Backend == nil {
		return Outcome{}, fmt.Errorf("voice backend not configured: %w", apperr.ErrServiceUnavailable)
	}
	out, err := remoteVerdict(ctx, s.Backend, s.Timeout, c.SubjectID, c.Voice, MethodVoice)
	if err != nil {
		return out, err
	}
	if out.Kind == Unavailable {
		return out, fmt.Errorf("voice backend: %w", apperr.ErrServiceUnavailable)
	}
	return out, nil
}

func remoteVerdict(ctx context.Context, b Backend, timeout time.Duration, subjectID string, sample []byte, method Method) (Outcome, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := b.Verify(ctx, subjectID, sample)
	if err != nil {
		if biometric.IsUnavailable(err) {
			return Outcome{Kind: Unavailable, Method: method, Details: Details{Reason: err.Error()}}, nil
		}
		return Outcome{}, err
	}

	out := Outcome{
		Kind:        Rejected,
		Method:      method,
		Confidence:  res.Confidence,
		EvidenceURL: res.EvidenceURL,
		Details:     Details{Reason: res.Reason},
	}
	if res.Verified {
		out.Kind = Accepted
	}
	return out, nil
}
