package verification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/clock"
	"presence/internal/config"
	"presence/internal/metrics"
)

// Policy configures a Pipeline.
type Policy struct {
	FaceLocalThreshold     float64
	GPS                    GPSPolicy
	UnregisteredConfidence float64
	VoiceRequired          bool
	BackendTimeout         time.Duration
}

// PolicyFrom maps the configured attendance policy.
func PolicyFrom(p config.Policy) Policy {
	return Policy{
		FaceLocalThreshold: p.FaceLocalThreshold,
		GPS: GPSPolicy{
			MaxAccuracyMeters: p.GPSMaxAccuracy,
			FixFreshness:      p.GPSFixFreshness,
			ReplayWindow:      p.GPSReplayWindow,
			RadiusMeters:      config.ClampRadius(p.GPSRadius),
		},
		UnregisteredConfidence: p.UnregisteredConfidence,
		VoiceRequired:          p.VoiceRequired,
		BackendTimeout:         p.BackendTimeout,
	}
}

// Deps are the collaborators of the default strategy chain. Voice may be
// nil when no voice service is deployed.
type Deps struct {
	Face       Backend
	Voice      Backend
	References ReferenceStore
	Comparator Comparator
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Pipeline evaluates claims.
type Pipeline struct {
	strategies []Strategy
	voice      Strategy
	policy     Policy
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// New builds the standard chain: face service, local face comparison, GPS,
// then voice for voice-only claims.
func New(policy Policy, deps Deps) *Pipeline {
	if deps.Comparator == nil {
		deps.Comparator = NewImageComparator()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	voice := VoiceBackend{Backend: deps.Voice, Timeout: policy.BackendTimeout}
	strategies := []Strategy{
		LocalFace{References: deps.References, Comparator: deps.Comparator, Threshold: policy.FaceLocalThreshold},
		GPS{Policy: policy.GPS, UnregisteredConfidence: policy.UnregisteredConfidence, Now: deps.Clock.Now},
		voice,
	}
	if deps.Face != nil {
		strategies = append([]Strategy{FaceBackend{Backend: deps.Face, Timeout: policy.BackendTimeout}}, strategies...)
	}
	p := NewWithStrategies(policy, deps.Logger, deps.Metrics, strategies...)
	p.voice = voice
	return p
}

// NewWithStrategies builds a pipeline over an explicit chain.
func NewWithStrategies(policy Policy, log *zap.Logger, m *metrics.Metrics, strategies ...Strategy) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{strategies: strategies, policy: policy, log: log, metrics: m}
}

// Verify runs the chain over c. A Rejected outcome is returned with a nil
// error; errors are reserved for decisive failures such as
// apperr.ErrNotRegistered, *LocationError or apperr.ErrServiceUnavailable.
func (p *Pipeline) Verify(ctx context.Context, c Claim) (Outcome, error) {
	if !c.HasEvidence() {
		return Outcome{}, fmt.Errorf("no face, voice or gps evidence: %w", apperr.ErrInvalidInput)
	}

	out, err := p.run(ctx, c)
	if err != nil {
		p.metrics.Verification(string(out.Method), resultLabel(err))
		return out, err
	}

	if out.Kind == Accepted && p.policy.VoiceRequired && out.Method != MethodVoice {
		out, err = p.secondFactor(ctx, c, out)
		if err != nil {
			p.metrics.Verification(string(MethodVoice), resultLabel(err))
			return out, err
		}
	}

	p.metrics.Verification(string(out.Method), out.Kind.String())
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, c Claim) (Outcome, error) {
	var skipped []string
	for _, s := range p.strategies {
		if !s.Applies(c) {
			continue
		}
		out, err := s.Evaluate(ctx, c)
		if err != nil {
			p.log.Info("verification stopped",
				zap.String("subject_id", c.SubjectID),
				zap.String("strategy", s.Name()),
				zap.Error(err),
			)
			return Outcome{Kind: Rejected, Method: out.Method, Details: Details{Unavailable: skipped}}, err
		}
		if out.Kind == Unavailable {
			p.metrics.BackendUnavailable(s.Name())
			p.log.Warn("verification backend unavailable, falling back",
				zap.String("subject_id", c.SubjectID),
				zap.String("strategy", s.Name()),
				zap.String("reason", out.Details.Reason),
			)
			skipped = append(skipped, s.Name())
			continue
		}
		out.Details.Unavailable = skipped
		return out, nil
	}
	return Outcome{Details: Details{Unavailable: skipped}}, fmt.Errorf("no verification strategy could decide: %w", apperr.ErrServiceUnavailable)
}

// secondFactor requires the voice backend to agree with an accepted primary
// outcome. The combined confidence is the weaker of the two.
func (p *Pipeline) secondFactor(ctx context.Context, c Claim, primary Outcome) (Outcome, error) {
	if p.voice == nil {
		return primary, fmt.Errorf("voice factor required but not configured: %w", apperr.ErrServiceUnavailable)
	}
	if !p.voice.Applies(c) {
		return Outcome{Kind: Rejected, Method: primary.Method}, fmt.Errorf("voice sample required: %w", apperr.ErrInvalidInput)
	}
	voice, err := p.voice.Evaluate(ctx, c)
	if err != nil {
		return Outcome{Kind: Rejected, Method: primary.Method, Details: primary.Details}, err
	}
	if voice.Kind != Accepted {
		voice.Details.Unavailable = primary.Details.Unavailable
		return voice, nil
	}
	primary.Confidence = math.Min(primary.Confidence, voice.Confidence)
	return primary, nil
}

func resultLabel(err error) string {
	var locErr *LocationError
	switch {
	case errors.As(err, &locErr):
		return "invalid_location"
	case errors.Is(err, apperr.ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, apperr.ErrServiceUnavailable):
		return "service_unavailable"
	}
	return "error"
}
