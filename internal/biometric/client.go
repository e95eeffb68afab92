// Package biometric talks to the face and voice recognition services.
//
// Both services accept a multipart upload of the raw sample together with
// the subject id and answer with a verdict and a confidence. Transport
// failures, timeouts and 5xx answers are reported as
// apperr.ErrBackendUnavailable so the verification pipeline can fall back.
package biometric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"presence/internal/apperr"
)

// Kind selects which recognition service a Client talks to.
type Kind string

const (
	Face  Kind = "face"
	Voice Kind = "voice"
)

// Result is the backend verdict for one sample.
type Result struct {
	Verified    bool    `json:"verified"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason,omitempty"`
	EvidenceURL string  `json:"-"`
}

// Client calls one recognition microservice.
type Client struct {
	Kind    Kind
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// NewFace creates a face service client. With skip set every call succeeds
// with a fixed verdict, for local development without the Python service.
func NewFace(baseURL string, skip bool) *Client {
	return newClient(Face, baseURL, skip)
}

// NewVoice creates a voice service client.
func NewVoice(baseURL string, skip bool) *Client {
	return newClient(Voice, baseURL, skip)
}

func newClient(kind Kind, baseURL string, skip bool) *Client {
	return &Client{
		Kind:    kind,
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			// Callers bound each request with a context deadline; this is a
			// backstop for callers that do not.
			Timeout: 30 * time.Second,
		},
	}
}

// Name identifies the backend in logs and metrics.
func (c *Client) Name() string { return string(c.Kind) }

func (c *Client) verifyPath() string   { return "/verify-" + string(c.Kind) }
func (c *Client) registerPath() string { return "/register-" + string(c.Kind) }

// Verify performs 1:1 verification of sample against subjectID's enrolled
// profile.
func (c *Client) Verify(ctx context.Context, subjectID string, sample []byte) (Result, error) {
	if c.Skip {
		return Result{Verified: true, Confidence: 0.92, Reason: "mock"}, nil
	}
	if len(sample) == 0 {
		return Result{}, fmt.Errorf("%s sample required: %w", c.Kind, apperr.ErrInvalidInput)
	}

	resp, err := c.postSample(ctx, c.verifyPath(), subjectID, sample)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return Result{}, err
	}

	var out struct {
		Verified             bool    `json:"verified"`
		Confidence           float64 `json:"confidence"`
		Reason               string  `json:"reason"`
		VerificationImageURL string  `json:"verificationImageUrl"`
		VerificationAudioURL string  `json:"verificationAudioUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%s service: decode response: %w: %w", c.Kind, apperr.ErrBackendUnavailable, err)
	}

	res := Result{
		Verified:    out.Verified,
		Confidence:  clamp01(out.Confidence),
		Reason:      out.Reason,
		EvidenceURL: out.VerificationImageURL,
	}
	if res.EvidenceURL == "" {
		res.EvidenceURL = out.VerificationAudioURL
	}
	return res, nil
}

// Register enrolls sample as subjectID's reference on the service.
func (c *Client) Register(ctx context.Context, subjectID string, sample []byte) error {
	if c.Skip {
		return nil
	}
	resp, err := c.postSample(ctx, c.registerPath(), subjectID, sample)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp)
}

// Health checks if the service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s service unreachable: %w: %w", c.Kind, apperr.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s service unhealthy: %s: %w", c.Kind, resp.Status, apperr.ErrBackendUnavailable)
	}
	return nil
}

func (c *Client) postSample(ctx context.Context, path, subjectID string, sample []byte) (*http.Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("user_id", subjectID); err != nil {
		return nil, err
	}
	fw, err := w.CreateFormFile("file", "sample."+sampleExt(c.Kind))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, bytes.NewReader(sample)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s service request failed: %w: %w", c.Kind, apperr.ErrBackendUnavailable, err)
	}
	return resp, nil
}

// checkStatus maps service answers onto the error taxonomy. 404 is the
// service's "not registered" answer; 429 and 5xx are transient.
func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s service: %s: %w", c.Kind, string(body), apperr.ErrNotRegistered)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%s service error %s: %w", c.Kind, resp.Status, apperr.ErrBackendUnavailable)
	default:
		return fmt.Errorf("%s service rejected sample (%s): %s: %w", c.Kind, resp.Status, string(body), apperr.ErrInvalidInput)
	}
}

// IsUnavailable reports whether err should trigger a fallback: either the
// backend said so or the caller's deadline ran out while waiting for it.
func IsUnavailable(err error) bool {
	return errors.Is(err, apperr.ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func sampleExt(k Kind) string {
	if k == Voice {
		return "wav"
	}
	return "jpg"
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
