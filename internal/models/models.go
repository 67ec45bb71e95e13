package models

import (
	"time"
)

// TrackingState identifies where the capture scheduler is in its lifecycle.
type TrackingState string

const (
	StateIdle     TrackingState = "idle"
	StateTracking TrackingState = "tracking"
	StatePaused   TrackingState = "paused"
	StateStopped  TrackingState = "stopped"
	StateError    TrackingState = "error"
)

// Settings holds the user-provided configuration for a tracking session.
// All four fields are required before a session may start; a running session
// keeps the copy it was started with, so changes only apply on restart.
type Settings struct {
	IntervalSeconds  int    `yaml:"interval" json:"interval"`
	AIAPIKey         string `yaml:"ai_api_key" json:"ai_api_key"`
	TaskServiceEmail string `yaml:"task_service_email" json:"task_service_email"`
	TaskServiceKey   string `yaml:"task_service_key" json:"task_service_key"`
}

// Validate checks that the settings are complete enough to start tracking.
func (s Settings) Validate() error {
	if s.IntervalSeconds < 1 {
		return &ValidationError{Field: "interval", Reason: "must be at least 1 second"}
	}
	if s.AIAPIKey == "" {
		return &ValidationError{Field: "ai_api_key", Reason: "must not be empty"}
	}
	if s.TaskServiceEmail == "" {
		return &ValidationError{Field: "task_service_email", Reason: "must not be empty"}
	}
	if s.TaskServiceKey == "" {
		return &ValidationError{Field: "task_service_key", Reason: "must not be empty"}
	}
	return nil
}

// Interval returns the capture cadence as a duration.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// ValidationError reports a settings field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid setting " + e.Field + ": " + e.Reason
}

// CaptureSample is one preprocessed, OCR-ready frame. It exists only within
// a single pipeline run and is discarded after recognition; it is never
// persisted and never crosses the process boundary toward the network.
type CaptureSample struct {
	PNG []byte
	At  time.Time
}

// OcrResult is the text extracted from one capture sample.
type OcrResult struct {
	Text       string
	Confidence float64 // mean word confidence in [0,1]
}

// TaskRecord is a cached snapshot row from the remote task service.
// Read-only to the pipeline; refreshed periodically by the correlator.
type TaskRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskRef points at the task an activity was correlated with.
type TaskRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// UnknownActivity is the downgraded label used when classification is
// unavailable or the extracted text is unusable.
const UnknownActivity = "Unknown"

// ActivityEvent is the unit of synchronization and of UI display.
// Immutable once created; never carries raw image data.
type ActivityEvent struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	ApplicationHint string    `json:"application_hint"`
	ActivityLabel   string    `json:"activity_label"`
	Confidence      float64   `json:"confidence"`
	MatchedTask     *TaskRef  `json:"matched_task,omitempty"`
}

// Unmatched reports whether the event could not be correlated with a task.
func (e ActivityEvent) Unmatched() bool {
	return e.MatchedTask == nil
}

// SyncQueueItem tracks one pending delivery of an ActivityEvent to the
// remote task service. Removed only on confirmed acknowledgment.
type SyncQueueItem struct {
	EventID      string
	AttemptCount int
	NextRetryAt  time.Time
	EnqueuedAt   time.Time
}
