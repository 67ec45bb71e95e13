package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trackerd/trackerd/internal/metrics"
	"github.com/trackerd/trackerd/internal/models"
	"github.com/trackerd/trackerd/internal/notify"
)

// FailureThreshold is how many consecutive fatal pipeline failures move the
// tracker into the Error state.
const FailureThreshold = 3

// PipelineFactory builds a fresh pipeline for one session from the settings
// the session was started with. Classifier and task service credentials
// live in the settings, so every session gets its own clients.
type PipelineFactory func(settings models.Settings) (*Pipeline, error)

// Status is a point-in-time snapshot of the tracker for the control API.
type Status struct {
	State               models.TrackingState `json:"state"`
	StartedAt           time.Time            `json:"started_at,omitzero"`
	LastTickAt          time.Time            `json:"last_tick_at,omitzero"`
	IntervalSeconds     int                  `json:"interval_seconds"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
}

// Tracker is the lifecycle state machine and capture timer. One per
// process. All transitions happen under its lock; pipeline runs execute on
// their own goroutine so the timer and control API never block on OCR.
type Tracker struct {
	factory PipelineFactory
	emitter *notify.Emitter
	metrics *metrics.Collector

	// runCtx outlives individual sessions; stopping a session must not
	// abort its in-flight run.
	runCtx context.Context

	mu         sync.Mutex
	state      models.TrackingState
	settings   models.Settings
	pipeline   *Pipeline
	startedAt  time.Time
	lastTickAt time.Time
	failures   int
	busy       bool
	stopTimer  context.CancelFunc

	runWG sync.WaitGroup
}

// New creates an idle tracker. runCtx should be the process context; it
// bounds in-flight pipeline runs during full teardown.
func New(runCtx context.Context, factory PipelineFactory, emitter *notify.Emitter, m *metrics.Collector) *Tracker {
	return &Tracker{
		factory: factory,
		emitter: emitter,
		metrics: m,
		runCtx:  runCtx,
		state:   models.StateIdle,
	}
}

// Start begins a tracking session with the given settings. Valid from Idle
// and Stopped; the Error state requires Stop first.
func (t *Tracker) Start(settings models.Settings) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case models.StateTracking, models.StatePaused:
		return errors.New("tracking already running")
	case models.StateError:
		return errors.New("tracker is in error state, stop it before restarting")
	}

	if t.busy {
		return errors.New("previous run still finishing, try again shortly")
	}

	if err := settings.Validate(); err != nil {
		return &models.ConfigError{Reason: err.Error()}
	}

	if t.pipeline != nil {
		if err := t.pipeline.Close(); err != nil {
			t.emitter.Log(notify.LevelWarning,
				fmt.Sprintf("Previous session cleanup failed: %v", err))
		}
		t.pipeline = nil
	}

	pipeline, err := t.factory(settings)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	t.state = models.StateTracking
	t.settings = settings
	t.pipeline = pipeline
	t.startedAt = time.Now()
	t.lastTickAt = time.Time{}
	t.failures = 0

	timerCtx, cancel := context.WithCancel(context.Background())
	t.stopTimer = cancel
	go t.timerLoop(timerCtx, settings.Interval())

	t.emitter.Log(notify.LevelSuccess,
		fmt.Sprintf("Tracking started, capturing every %s", settings.Interval()))
	return nil
}

// Stop ends the session. The timer is cancelled immediately; an in-flight
// pipeline run completes and records its outcome. From Error the tracker
// returns to Idle, otherwise to Stopped. Always succeeds.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == models.StateIdle || t.state == models.StateStopped {
		return
	}

	if t.stopTimer != nil {
		t.stopTimer()
		t.stopTimer = nil
	}

	if t.state == models.StateError {
		t.state = models.StateIdle
		t.failures = 0
		t.emitter.Log(notify.LevelInfo, "Tracking reset after error")
		return
	}

	t.state = models.StateStopped
	t.emitter.Log(notify.LevelInfo, "Tracking stopped")
}

// Pause suspends capture without tearing down the session. Ticks still fire
// but start no runs.
func (t *Tracker) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != models.StateTracking {
		return fmt.Errorf("cannot pause from state %s", t.state)
	}
	t.state = models.StatePaused
	t.emitter.Log(notify.LevelInfo, "Tracking paused")
	return nil
}

// Resume continues a paused session on the original cadence.
func (t *Tracker) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != models.StatePaused {
		return fmt.Errorf("cannot resume from state %s", t.state)
	}
	t.state = models.StateTracking
	t.emitter.Log(notify.LevelSuccess, "Tracking resumed")
	return nil
}

// Status reports the current lifecycle snapshot.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Status{
		State:               t.state,
		StartedAt:           t.startedAt,
		LastTickAt:          t.lastTickAt,
		IntervalSeconds:     t.settings.IntervalSeconds,
		ConsecutiveFailures: t.failures,
	}
}

// Shutdown stops the session and waits for any in-flight run, bounded by
// ctx. Used on process teardown.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.Stop()

	done := make(chan struct{})
	go func() {
		t.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pipeline run still in flight: %w", ctx.Err())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pipeline != nil {
		if err := t.pipeline.Close(); err != nil {
			return err
		}
		t.pipeline = nil
	}
	return nil
}

func (t *Tracker) timerLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

// tick starts one pipeline run unless paused or one is already in flight.
// Cadence is best-effort: a busy tick is dropped, never queued.
func (t *Tracker) tick() {
	t.mu.Lock()
	if t.state != models.StateTracking {
		t.mu.Unlock()
		return
	}
	t.lastTickAt = time.Now()

	if t.busy {
		t.mu.Unlock()
		t.metrics.TicksSkipped.Inc()
		t.emitter.Log(notify.LevelWarning,
			"Capture tick skipped, previous run still in flight")
		return
	}

	t.busy = true
	pipeline := t.pipeline
	t.mu.Unlock()

	t.runWG.Add(1)
	go func() {
		defer t.runWG.Done()
		produced, err := pipeline.Run(t.runCtx)
		t.finishRun(produced, err)
	}()
}

// finishRun records the run outcome and applies the error threshold. Fatal
// failures accumulate; a produced event resets the count; documented drops
// and transient failures leave it unchanged.
func (t *Tracker) finishRun(produced bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.busy = false

	switch {
	case err != nil:
		t.metrics.PipelineRuns.WithLabelValues("failure").Inc()
		if models.FatalFailure(err) {
			t.failures++
			t.emitter.Log(notify.LevelError,
				fmt.Sprintf("Capture run failed (%d/%d): %v", t.failures, FailureThreshold, err))
		} else {
			t.emitter.Log(notify.LevelWarning,
				fmt.Sprintf("Capture run failed: %v", err))
		}
	case produced:
		t.metrics.PipelineRuns.WithLabelValues("event").Inc()
		t.failures = 0
	default:
		t.metrics.PipelineRuns.WithLabelValues("dropped").Inc()
	}

	if t.failures >= FailureThreshold && t.state == models.StateTracking {
		t.enterErrorLocked()
	}
}

// enterErrorLocked moves to the absorbing Error state. Only Stop leaves it.
func (t *Tracker) enterErrorLocked() {
	t.state = models.StateError
	if t.stopTimer != nil {
		t.stopTimer()
		t.stopTimer = nil
	}
	t.emitter.Log(notify.LevelError,
		fmt.Sprintf("Tracking halted after %d consecutive failures, stop and reconfigure to continue", FailureThreshold))
}
