package ocr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trackerd/trackerd/internal/models"
)

type stubEngine struct {
	result models.OcrResult
	err    error
	delay  time.Duration
}

func (s *stubEngine) Recognize(png []byte) (models.OcrResult, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.result, s.err
}

func (s *stubEngine) Close() error { return nil }

func testAdapter(opts Options, engine Recognizer, installed bool) *Adapter {
	a := NewAdapter(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.installed = func() bool { return installed }
	a.install = func(*slog.Logger) error { return errors.New("install not expected") }
	a.newEngine = func(string) (Recognizer, error) { return engine, nil }
	return a
}

func sample() models.CaptureSample {
	return models.CaptureSample{PNG: []byte("png"), At: time.Now()}
}

func TestRecognizeSuccess(t *testing.T) {
	engine := &stubEngine{result: models.OcrResult{Text: "  hello world \n", Confidence: 0.9}}
	a := testAdapter(Options{}, engine, true)

	got, err := a.Recognize(context.Background(), sample())
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if got.Text != "hello world" {
		t.Errorf("text %q, want trimmed %q", got.Text, "hello world")
	}
	if got.Confidence != 0.9 {
		t.Errorf("confidence %f, want 0.9", got.Confidence)
	}
}

func TestRecognizeLowConfidenceCarriesResult(t *testing.T) {
	engine := &stubEngine{result: models.OcrResult{Text: "garbled", Confidence: 0.2}}
	a := testAdapter(Options{}, engine, true)

	_, err := a.Recognize(context.Background(), sample())

	var ocrErr *models.OcrFailure
	if !errors.As(err, &ocrErr) {
		t.Fatalf("error %v, want OcrFailure", err)
	}
	if ocrErr.Kind != models.OcrLowConfidence {
		t.Fatalf("kind %s, want low_confidence", ocrErr.Kind)
	}
	if ocrErr.Result.Text != "garbled" {
		t.Errorf("carried text %q, want the noisy result", ocrErr.Result.Text)
	}
	if ocrErr.Fatal() {
		t.Error("low confidence reported fatal, want non-fatal")
	}
}

func TestRecognizeTimeout(t *testing.T) {
	engine := &stubEngine{
		result: models.OcrResult{Text: "too late", Confidence: 0.9},
		delay:  200 * time.Millisecond,
	}
	a := testAdapter(Options{Timeout: 20 * time.Millisecond}, engine, true)

	_, err := a.Recognize(context.Background(), sample())

	var ocrErr *models.OcrFailure
	if !errors.As(err, &ocrErr) || ocrErr.Kind != models.OcrTimeout {
		t.Fatalf("error %v, want timeout failure", err)
	}
	if ocrErr.Fatal() {
		t.Error("timeout reported fatal, want non-fatal")
	}
}

func TestEngineMissingWithoutAutoInstall(t *testing.T) {
	a := testAdapter(Options{AutoInstall: false}, &stubEngine{}, false)

	_, err := a.Recognize(context.Background(), sample())

	var ocrErr *models.OcrFailure
	if !errors.As(err, &ocrErr) || ocrErr.Kind != models.OcrEngineUnavailable {
		t.Fatalf("error %v, want engine_unavailable", err)
	}
	if !ocrErr.Fatal() {
		t.Error("engine_unavailable not fatal, want fatal")
	}
}

func TestAutoInstallRecovers(t *testing.T) {
	engine := &stubEngine{result: models.OcrResult{Text: "ok", Confidence: 0.8}}
	a := testAdapter(Options{AutoInstall: true}, engine, false)

	present := false
	a.installed = func() bool { return present }
	a.install = func(*slog.Logger) error {
		present = true
		return nil
	}

	got, err := a.Recognize(context.Background(), sample())
	if err != nil {
		t.Fatalf("recognize after install: %v", err)
	}
	if got.Text != "ok" {
		t.Errorf("text %q, want ok", got.Text)
	}
}

func TestAutoInstallAttemptedOnce(t *testing.T) {
	a := testAdapter(Options{AutoInstall: true}, &stubEngine{}, false)

	attempts := 0
	a.install = func(*slog.Logger) error {
		attempts++
		return fmt.Errorf("no package manager")
	}

	for i := 0; i < 3; i++ {
		if _, err := a.Recognize(context.Background(), sample()); err == nil {
			t.Fatal("recognize succeeded with no engine")
		}
	}
	if attempts != 1 {
		t.Errorf("install attempted %d times, want exactly 1", attempts)
	}
}
