// Package enrollment registers the biometric references used during
// verification.
package enrollment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/biometric"
	"presence/internal/metrics"
)

// ReferenceStore keeps the raw reference compared by the local fallback.
type ReferenceStore interface {
	SaveReference(ctx context.Context, subjectID string, kind biometric.Kind, sample []byte, url string) error
}

// Registrar is a recognition service that keeps its own copy of the
// reference.
type Registrar interface {
	Register(ctx context.Context, subjectID string, sample []byte) error
}

// MediaStore uploads the reference for auditing.
type MediaStore interface {
	Store(ctx context.Context, data []byte, folder string) (string, error)
}

// Service enrolls references.
type Service struct {
	refs       ReferenceStore
	registrars map[biometric.Kind]Registrar
	media      MediaStore
	timeout    time.Duration
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewService creates the service. registrars maps a kind to its backend;
// a kind without one is stored locally only. media may be nil.
func NewService(refs ReferenceStore, registrars map[biometric.Kind]Registrar, media MediaStore, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{refs: refs, registrars: registrars, media: media, timeout: timeout, log: log, metrics: m}
}

// Enrollment reports what happened to a reference.
type Enrollment struct {
	SubjectID    string         `json:"subject_id"`
	Kind         biometric.Kind `json:"kind"`
	ReferenceURL string         `json:"reference_url,omitempty"`
	// Forwarded is false when the recognition service could not be
	// reached; the local reference is stored regardless.
	Forwarded bool `json:"forwarded"`
}

// Enroll stores sample as subjectID's reference of the given kind.
func (s *Service) Enroll(ctx context.Context, subjectID string, kind biometric.Kind, sample []byte) (Enrollment, error) {
	if subjectID == "" || len(sample) == 0 {
		return Enrollment{}, fmt.Errorf("subject and sample required: %w", apperr.ErrInvalidInput)
	}
	switch kind {
	case biometric.Face:
		if _, err := imaging.Decode(bytes.NewReader(sample)); err != nil {
			return Enrollment{}, fmt.Errorf("face reference is not an image: %w", apperr.ErrInvalidInput)
		}
	case biometric.Voice:
	default:
		return Enrollment{}, fmt.Errorf("reference kind %q: %w", kind, apperr.ErrInvalidInput)
	}

	out := Enrollment{SubjectID: subjectID, Kind: kind}
	out.ReferenceURL = s.upload(ctx, subjectID, kind, sample)

	if err := s.refs.SaveReference(ctx, subjectID, kind, sample, out.ReferenceURL); err != nil {
		return Enrollment{}, err
	}

	if reg, ok := s.registrars[kind]; ok && reg != nil {
		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := reg.Register(rctx, subjectID, sample)
		cancel()
		switch {
		case err == nil:
			out.Forwarded = true
		case errors.Is(err, apperr.ErrBackendUnavailable):
			s.metrics.BackendUnavailable(string(kind))
			s.log.Warn("reference stored locally only", zap.String("subject_id", subjectID), zap.String("kind", string(kind)), zap.Error(err))
		default:
			return out, err
		}
	}

	s.log.Info("reference enrolled", zap.String("subject_id", subjectID), zap.String("kind", string(kind)), zap.Bool("forwarded", out.Forwarded))
	return out, nil
}

func (s *Service) upload(ctx context.Context, subjectID string, kind biometric.Kind, sample []byte) string {
	if s.media == nil {
		return ""
	}
	uctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	url, err := s.media.Store(uctx, sample, "references/"+string(kind)+"/"+subjectID)
	if err != nil {
		s.metrics.MediaFailure()
		s.log.Warn("reference upload failed", zap.String("subject_id", subjectID), zap.Error(err))
		return ""
	}
	return url
}
