// Package tracker owns the tracking lifecycle: the state machine, the
// capture timer and the capture-ocr-classify-correlate-store pipeline that
// runs once per tick.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trackerd/trackerd/internal/classify"
	"github.com/trackerd/trackerd/internal/correlate"
	"github.com/trackerd/trackerd/internal/metrics"
	"github.com/trackerd/trackerd/internal/models"
	"github.com/trackerd/trackerd/internal/notify"
)

// Narrow capability interfaces so test doubles substitute cleanly for the
// cgo-backed capture and OCR layers and for the network clients.
type (
	// FrameSource produces one OCR-ready sample per call.
	FrameSource interface {
		Sample(ctx context.Context) (models.CaptureSample, error)
	}

	// TextRecognizer extracts text from a sample.
	TextRecognizer interface {
		Recognize(ctx context.Context, sample models.CaptureSample) (models.OcrResult, error)
	}

	// ActivityClassifier labels extracted text.
	ActivityClassifier interface {
		Classify(ctx context.Context, input classify.Input) (classify.Classification, error)
	}

	// TaskSnapshot serves the cached task list.
	TaskSnapshot interface {
		Tasks(ctx context.Context) []models.TaskRecord
	}

	// EventSink persists a finished event and queues it for delivery.
	EventSink interface {
		AppendEvent(ctx context.Context, event models.ActivityEvent) error
	}

	// TimeTracker controls the remote time tracking timer.
	TimeTracker interface {
		StartTimer(ctx context.Context, taskID, note string) (string, error)
		StopTimer(ctx context.Context, timerID string) error
	}
)

// appStabilityTicks is how many consecutive samples must agree before the
// reported application switches. Filters out one-off misreads from noisy
// screen text.
const appStabilityTicks = 2

// PipelineDeps bundles everything one pipeline needs.
type PipelineDeps struct {
	Source     FrameSource
	Recognizer TextRecognizer
	Classifier ActivityClassifier
	Snapshot   TaskSnapshot
	Events     EventSink
	Timer      TimeTracker
	Emitter    *notify.Emitter
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// Pipeline executes one capture run at a time and carries the small amount
// of cross-run state: the last event timestamp (monotonicity) and the
// application stability filter. Owned by a single session; runs serially.
type Pipeline struct {
	deps PipelineDeps

	lastTimestamp time.Time
	currentApp    string
	candidateApp  string
	unstableCount int
	timerID       string
	timerTaskID   string
}

// NewPipeline builds a pipeline for one tracking session.
func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{deps: deps}
}

// Run executes one full pipeline pass. A nil error with produced=false is a
// documented drop (for example an OCR timeout); an error is a run failure
// whose fatality the scheduler judges via models.FatalFailure.
func (p *Pipeline) Run(ctx context.Context) (produced bool, err error) {
	d := p.deps

	sample, err := d.Source.Sample(ctx)
	if err != nil {
		d.Metrics.StageFailures.WithLabelValues("capture", "failed").Inc()
		return false, err
	}

	text, uncertain, err := p.recognize(ctx, sample)
	if err != nil {
		return false, err
	}
	if text == "" && !uncertain {
		// Timeout drop: the sample yielded no usable outcome.
		return false, nil
	}

	event, err := p.buildEvent(ctx, sample.At, text, uncertain)
	if err != nil {
		return false, err
	}

	if err := d.Events.AppendEvent(ctx, event); err != nil {
		d.Metrics.StageFailures.WithLabelValues("store", "append").Inc()
		return false, fmt.Errorf("persist event: %w", err)
	}

	taskTitle := ""
	if event.MatchedTask != nil {
		taskTitle = event.MatchedTask.Title
	}
	d.Emitter.TrackingUpdate(event.ApplicationHint, event.ActivityLabel, taskTitle)
	p.syncTimer(ctx, event)
	return true, nil
}

// syncTimer mirrors the matched task onto the remote time tracking timer:
// a newly matched task restarts the timer with the activity note, the same
// task keeps it running. Timer trouble never fails the run; the next event
// retries.
func (p *Pipeline) syncTimer(ctx context.Context, event models.ActivityEvent) {
	d := p.deps
	if d.Timer == nil || event.MatchedTask == nil {
		return
	}
	if event.MatchedTask.ID == p.timerTaskID {
		return
	}

	if p.timerID != "" {
		if err := d.Timer.StopTimer(ctx, p.timerID); err != nil {
			d.Logger.Warn("remote timer stop failed", "error", err)
		}
		p.timerID = ""
		p.timerTaskID = ""
	}

	id, err := d.Timer.StartTimer(ctx, event.MatchedTask.ID, "AI: "+event.ActivityLabel)
	if err != nil {
		d.Logger.Warn("remote timer start failed",
			"task", event.MatchedTask.Title, "error", err)
		return
	}
	p.timerID = id
	p.timerTaskID = event.MatchedTask.ID
	d.Logger.Debug("remote timer switched", "task", event.MatchedTask.Title)
}

// recognize runs OCR and applies the failure taxonomy. Returns the text
// plus whether it came from a below-floor recognition.
func (p *Pipeline) recognize(ctx context.Context, sample models.CaptureSample) (string, bool, error) {
	d := p.deps

	start := time.Now()
	result, err := d.Recognizer.Recognize(ctx, sample)
	d.Metrics.OCRDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		return result.Text, false, nil
	}

	var ocrErr *models.OcrFailure
	if !errors.As(err, &ocrErr) {
		return "", false, err
	}

	d.Metrics.StageFailures.WithLabelValues("ocr", string(ocrErr.Kind)).Inc()
	switch ocrErr.Kind {
	case models.OcrLowConfidence:
		d.Logger.Debug("ocr confidence below floor, forwarding as uncertain",
			"confidence", ocrErr.Result.Confidence)
		return ocrErr.Result.Text, true, nil
	case models.OcrTimeout:
		d.Emitter.Log(notify.LevelWarning, "Screen text recognition timed out, sample dropped")
		return "", false, nil
	default:
		return "", false, err
	}
}

// buildEvent classifies the text, correlates it and assembles the event.
// Uncertain input still goes to the classifier for an application hint, but
// the event itself is downgraded: unknown activity, zero confidence, no
// matched task.
func (p *Pipeline) buildEvent(ctx context.Context, capturedAt time.Time, text string, uncertain bool) (models.ActivityEvent, error) {
	d := p.deps

	tasks := d.Snapshot.Tasks(ctx)

	label := models.UnknownActivity
	confidence := 0.0
	detectedApp := ""
	var matched *models.TaskRef

	classification, err := d.Classifier.Classify(ctx, classify.Input{
		Text:                text,
		Tasks:               tasks,
		PreviousApplication: p.currentApp,
		Uncertain:           uncertain,
	})
	switch {
	case err == nil:
		label = classification.ActivityLabel
		confidence = classification.Confidence
		detectedApp = classification.Application
	default:
		var clsErr *models.ClassificationFailure
		if !errors.As(err, &clsErr) {
			return models.ActivityEvent{}, err
		}
		d.Metrics.StageFailures.WithLabelValues("classify", string(clsErr.Kind)).Inc()
		if clsErr.Fatal() {
			return models.ActivityEvent{}, err
		}
		d.Emitter.Log(notify.LevelWarning,
			fmt.Sprintf("Activity classification unavailable (%s), recording as Unknown", clsErr.Kind))
	}

	if detectedApp == "" {
		detectedApp = correlate.DetectApplication(text)
	}

	if uncertain {
		label = models.UnknownActivity
		confidence = 0
	} else if err == nil {
		matched = p.correlate(classification, label, text, tasks)
	}

	return models.ActivityEvent{
		ID:              uuid.NewString(),
		Timestamp:       p.monotonic(capturedAt),
		ApplicationHint: p.stabilizeApp(detectedApp),
		ActivityLabel:   label,
		Confidence:      confidence,
		MatchedTask:     matched,
	}, nil
}

// correlate picks the matched task: the classifier's direct pick when it
// names a task present in the snapshot, otherwise local similarity scoring.
func (p *Pipeline) correlate(classification classify.Classification, label, text string, tasks []models.TaskRecord) *models.TaskRef {
	if classification.TaskID != "" {
		for _, task := range tasks {
			if task.ID == classification.TaskID {
				return &models.TaskRef{ID: task.ID, Title: task.Title}
			}
		}
		p.deps.Logger.Debug("classifier named unknown task id, falling back to scoring",
			"task_id", classification.TaskID)
	}
	ref, score := correlate.BestMatch(label+" "+text, tasks)
	if ref != nil {
		p.deps.Logger.Debug("task correlated", "task", ref.Title, "score", score)
	}
	return ref
}

// monotonic clamps event timestamps so the log never goes backwards even if
// the capture clock does.
func (p *Pipeline) monotonic(capturedAt time.Time) time.Time {
	if capturedAt.Before(p.lastTimestamp) {
		capturedAt = p.lastTimestamp
	}
	p.lastTimestamp = capturedAt
	return capturedAt
}

// Close stops any running remote timer and releases the pipeline's capture
// and recognition resources.
func (p *Pipeline) Close() error {
	if p.timerID != "" && p.deps.Timer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.deps.Timer.StopTimer(ctx, p.timerID); err != nil {
			p.deps.Logger.Warn("remote timer stop failed", "error", err)
		}
		cancel()
		p.timerID = ""
		p.timerTaskID = ""
	}

	var firstErr error
	if closer, ok := p.deps.Source.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			firstErr = err
		}
	}
	if closer, ok := p.deps.Recognizer.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// stabilizeApp applies the stability filter: a new application name must be
// seen appStabilityTicks times in a row before it replaces the current one.
func (p *Pipeline) stabilizeApp(detected string) string {
	if detected == "" || detected == p.currentApp {
		p.candidateApp = ""
		p.unstableCount = 0
		if p.currentApp == "" {
			return detected
		}
		return p.currentApp
	}

	if p.currentApp == "" {
		p.currentApp = detected
		return detected
	}

	if detected == p.candidateApp {
		p.unstableCount++
	} else {
		p.candidateApp = detected
		p.unstableCount = 1
	}

	if p.unstableCount >= appStabilityTicks {
		p.deps.Logger.Debug("application changed",
			"from", p.currentApp, "to", detected)
		p.currentApp = detected
		p.candidateApp = ""
		p.unstableCount = 0
	}
	return p.currentApp
}
