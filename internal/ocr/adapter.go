// Package ocr isolates the third-party recognition engine behind a narrow
// capability interface: its configuration (page segmentation mode), its cost
// (CPU-bound, runs on its own worker goroutine) and its failure modes
// (engine missing, timeout, low confidence).
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/trackerd/trackerd/internal/models"
)

// ConfidenceFloor is the usability floor for recognition results. Below it
// the text is still forwarded, flagged as uncertain, because partial text
// can carry enough signal for classification.
const ConfidenceFloor = 0.40

// Options tune the adapter.
type Options struct {
	Timeout     time.Duration
	Language    string
	AutoInstall bool
}

// Adapter wraps a Recognizer with the pipeline-facing contract. Recognition
// runs in its own goroutine so a hung engine can never block the caller past
// the configured bound.
type Adapter struct {
	opts      Options
	logger    *slog.Logger
	installed func() bool
	install   func(*slog.Logger) error
	newEngine func(language string) (Recognizer, error)

	engine       Recognizer
	installedTry bool
}

// NewAdapter builds an adapter over the real tesseract engine. The engine
// itself is created lazily on first use so a missing binary surfaces as
// EngineUnavailable instead of a startup crash.
func NewAdapter(opts Options, logger *slog.Logger) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Language == "" {
		opts.Language = "eng"
	}
	return &Adapter{
		opts:      opts,
		logger:    logger,
		installed: EngineInstalled,
		install:   InstallEngine,
		newEngine: func(language string) (Recognizer, error) {
			return NewTesseractEngine(language)
		},
	}
}

// Recognize runs OCR on one sample. Failure modes map onto the pipeline
// taxonomy:
//
//   - engine missing after one auto-install attempt: OcrFailure{EngineUnavailable}
//   - recognition exceeding the bound: OcrFailure{Timeout}, sample dropped
//   - result below the confidence floor: OcrFailure{LowConfidence} carrying
//     the result, for the caller to forward as uncertain input
func (a *Adapter) Recognize(ctx context.Context, sample models.CaptureSample) (models.OcrResult, error) {
	if err := a.ensureEngine(); err != nil {
		return models.OcrResult{}, err
	}

	type outcome struct {
		result models.OcrResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := a.engine.Recognize(sample.PNG)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return models.OcrResult{}, &models.OcrFailure{Kind: models.OcrTimeout, Err: ctx.Err()}
	case <-time.After(a.opts.Timeout):
		a.logger.Warn("ocr recognition timed out", "timeout", a.opts.Timeout)
		return models.OcrResult{}, &models.OcrFailure{
			Kind: models.OcrTimeout,
			Err:  fmt.Errorf("recognition exceeded %s", a.opts.Timeout),
		}
	case out := <-done:
		if out.err != nil {
			return models.OcrResult{}, &models.OcrFailure{Kind: models.OcrEngineUnavailable, Err: out.err}
		}
		result := out.result
		result.Text = strings.TrimSpace(result.Text)
		if result.Confidence < ConfidenceFloor {
			return models.OcrResult{}, &models.OcrFailure{
				Kind:   models.OcrLowConfidence,
				Result: result,
			}
		}
		return result, nil
	}
}

// ensureEngine lazily constructs the engine, attempting one automatic
// install if the binary is missing.
func (a *Adapter) ensureEngine() error {
	if a.engine != nil {
		return nil
	}

	if !a.installed() {
		if !a.opts.AutoInstall || a.installedTry {
			return &models.OcrFailure{
				Kind: models.OcrEngineUnavailable,
				Err:  fmt.Errorf("tesseract not installed"),
			}
		}
		a.installedTry = true
		a.logger.Warn("tesseract not found, attempting automatic install")
		if err := a.install(a.logger); err != nil {
			return &models.OcrFailure{Kind: models.OcrEngineUnavailable, Err: err}
		}
		if !a.installed() {
			return &models.OcrFailure{
				Kind: models.OcrEngineUnavailable,
				Err:  fmt.Errorf("tesseract still missing after install"),
			}
		}
		a.logger.Info("tesseract installed")
	}

	engine, err := a.newEngine(a.opts.Language)
	if err != nil {
		return &models.OcrFailure{Kind: models.OcrEngineUnavailable, Err: err}
	}
	a.engine = engine
	return nil
}

// Close releases the underlying engine if one was created.
func (a *Adapter) Close() error {
	if a.engine == nil {
		return nil
	}
	err := a.engine.Close()
	a.engine = nil
	return err
}
