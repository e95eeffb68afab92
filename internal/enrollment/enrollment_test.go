package enrollment

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"presence/internal/apperr"
	"presence/internal/biometric"
)

type savedRef struct {
	sample []byte
	url    string
}

type memRefs map[string]savedRef

func (m memRefs) SaveReference(_ context.Context, subjectID string, kind biometric.Kind, sample []byte, url string) error {
	m[subjectID+"/"+string(kind)] = savedRef{sample: sample, url: url}
	return nil
}

type stubRegistrar struct {
	err   error
	calls int
}

func (r *stubRegistrar) Register(context.Context, string, []byte) error {
	r.calls++
	return r.err
}

type stubMedia struct {
	url string
	err error
}

func (m stubMedia) Store(context.Context, []byte, string) (string, error) { return m.url, m.err }

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 4)
	}
	img.Set(0, 0, color.Gray{Y: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestEnroll_StoresAndForwards(t *testing.T) {
	refs := memRefs{}
	reg := &stubRegistrar{}
	svc := NewService(refs, map[biometric.Kind]Registrar{biometric.Face: reg}, stubMedia{url: "https://cdn/ref.png"}, 0, nil, nil)

	out, err := svc.Enroll(context.Background(), "s-1", biometric.Face, pngBytes(t))
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if !out.Forwarded || out.ReferenceURL != "https://cdn/ref.png" {
		t.Fatalf("enrollment = %+v", out)
	}
	if got := refs["s-1/face"]; got.url != "https://cdn/ref.png" || len(got.sample) == 0 {
		t.Fatalf("stored = %+v", got)
	}
	if reg.calls != 1 {
		t.Fatalf("register calls = %d", reg.calls)
	}
}

func TestEnroll_BackendDownStillStores(t *testing.T) {
	refs := memRefs{}
	reg := &stubRegistrar{err: apperr.ErrBackendUnavailable}
	svc := NewService(refs, map[biometric.Kind]Registrar{biometric.Face: reg}, stubMedia{err: errors.New("cdn down")}, 0, nil, nil)

	out, err := svc.Enroll(context.Background(), "s-1", biometric.Face, pngBytes(t))
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if out.Forwarded || out.ReferenceURL != "" {
		t.Fatalf("enrollment = %+v", out)
	}
	if _, ok := refs["s-1/face"]; !ok {
		t.Fatalf("reference not stored")
	}
}

func TestEnroll_BackendRejects(t *testing.T) {
	reg := &stubRegistrar{err: errors.New("no face detected")}
	svc := NewService(memRefs{}, map[biometric.Kind]Registrar{biometric.Face: reg}, nil, 0, nil, nil)

	if _, err := svc.Enroll(context.Background(), "s-1", biometric.Face, pngBytes(t)); err == nil {
		t.Fatalf("expected backend error")
	}
}

func TestEnroll_InvalidInput(t *testing.T) {
	svc := NewService(memRefs{}, nil, nil, 0, nil, nil)
	cases := []struct {
		name    string
		subject string
		kind    biometric.Kind
		sample  []byte
	}{
		{"no subject", "", biometric.Face, []byte("x")},
		{"empty sample", "s-1", biometric.Face, nil},
		{"not an image", "s-1", biometric.Face, []byte("not a png")},
		{"unknown kind", "s-1", "iris", []byte("x")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Enroll(context.Background(), tc.subject, tc.kind, tc.sample)
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestEnroll_VoiceWithoutRegistrar(t *testing.T) {
	refs := memRefs{}
	svc := NewService(refs, nil, nil, 0, nil, nil)
	out, err := svc.Enroll(context.Background(), "s-1", biometric.Voice, []byte("RIFF...."))
	if err != nil || out.Forwarded {
		t.Fatalf("out=%+v err=%v", out, err)
	}
	if _, ok := refs["s-1/voice"]; !ok {
		t.Fatalf("voice reference not stored")
	}
}
