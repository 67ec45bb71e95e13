package models

import (
	"errors"
	"fmt"
)

// ConfigError blocks session start when required settings are missing.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration incomplete: " + e.Reason
}

// CaptureFailure means the screen capture primitive failed for one sample.
// The sample is dropped and the failure counts toward the error threshold.
type CaptureFailure struct {
	Err error
}

func (e *CaptureFailure) Error() string {
	return fmt.Sprintf("capture failed: %v", e.Err)
}

func (e *CaptureFailure) Unwrap() error { return e.Err }

// OcrFailureKind distinguishes the recognizer's failure modes.
type OcrFailureKind string

const (
	OcrEngineUnavailable OcrFailureKind = "engine_unavailable"
	OcrTimeout           OcrFailureKind = "timeout"
	OcrLowConfidence     OcrFailureKind = "low_confidence"
)

// OcrFailure wraps a recognizer error with its classification. LowConfidence
// failures still carry a usable (if noisy) result.
type OcrFailure struct {
	Kind   OcrFailureKind
	Result OcrResult // populated for LowConfidence
	Err    error
}

func (e *OcrFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ocr %s: %v", e.Kind, e.Err)
	}
	return "ocr " + string(e.Kind)
}

func (e *OcrFailure) Unwrap() error { return e.Err }

// Fatal reports whether this failure should count toward the scheduler's
// consecutive-failure threshold.
func (e *OcrFailure) Fatal() bool {
	return e.Kind == OcrEngineUnavailable
}

// ClassificationFailureKind distinguishes the AI collaborator's failures.
type ClassificationFailureKind string

const (
	ClassifyUnauthorized ClassificationFailureKind = "unauthorized"
	ClassifyRateLimited  ClassificationFailureKind = "rate_limited"
	ClassifyNetworkError ClassificationFailureKind = "network_error"
)

// ClassificationFailure wraps an AI service error with its classification.
// Only Unauthorized is fatal; transient kinds downgrade the event instead.
type ClassificationFailure struct {
	Kind ClassificationFailureKind
	Err  error
}

func (e *ClassificationFailure) Error() string {
	return fmt.Sprintf("classification %s: %v", e.Kind, e.Err)
}

func (e *ClassificationFailure) Unwrap() error { return e.Err }

// Fatal reports whether the failure counts toward the error threshold.
func (e *ClassificationFailure) Fatal() bool {
	return e.Kind == ClassifyUnauthorized
}

// SyncFailure means one delivery attempt to the remote task service failed.
// The queue item stays queued and is retried with backoff.
type SyncFailure struct {
	EventID    string
	StatusCode int // zero when the request never reached the service
	Err        error
}

func (e *SyncFailure) Error() string {
	return fmt.Sprintf("sync of event %s failed: %v", e.EventID, e.Err)
}

func (e *SyncFailure) Unwrap() error { return e.Err }

// FatalFailure reports whether err should count toward the scheduler's
// consecutive-failure threshold. Capture failures always count; OCR and
// classification failures count only for their fatal kinds.
func FatalFailure(err error) bool {
	var capErr *CaptureFailure
	if errors.As(err, &capErr) {
		return true
	}
	var ocrErr *OcrFailure
	if errors.As(err, &ocrErr) {
		return ocrErr.Fatal()
	}
	var clsErr *ClassificationFailure
	if errors.As(err, &clsErr) {
		return clsErr.Fatal()
	}
	return false
}
