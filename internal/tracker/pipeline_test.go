package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trackerd/trackerd/internal/classify"
	"github.com/trackerd/trackerd/internal/metrics"
	"github.com/trackerd/trackerd/internal/models"
	"github.com/trackerd/trackerd/internal/notify"
)

type stubSource struct {
	mu      sync.Mutex
	at      time.Time
	err     error
	block   chan struct{}
	samples int
}

func (s *stubSource) Sample(ctx context.Context) (models.CaptureSample, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples++
	if s.err != nil {
		return models.CaptureSample{}, s.err
	}
	at := s.at
	if at.IsZero() {
		at = time.Now()
	}
	return models.CaptureSample{PNG: []byte("png"), At: at}, nil
}

type stubRecognizer struct {
	result models.OcrResult
	err    error
}

func (s *stubRecognizer) Recognize(ctx context.Context, sample models.CaptureSample) (models.OcrResult, error) {
	return s.result, s.err
}

type stubClassifier struct {
	mu   sync.Mutex
	out  classify.Classification
	err  error
	last classify.Input
}

func (s *stubClassifier) Classify(ctx context.Context, input classify.Input) (classify.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = input
	return s.out, s.err
}

func (s *stubClassifier) lastInput() classify.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type stubSnapshot struct {
	tasks []models.TaskRecord
}

func (s *stubSnapshot) Tasks(ctx context.Context) []models.TaskRecord { return s.tasks }

type stubTimer struct {
	mu       sync.Mutex
	starts   []string
	stops    []string
	notes    []string
	startErr error
	seq      int
}

func (s *stubTimer) StartTimer(ctx context.Context, taskID, note string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	s.seq++
	s.starts = append(s.starts, taskID)
	s.notes = append(s.notes, note)
	return fmt.Sprintf("timer-%d", s.seq), nil
}

func (s *stubTimer) StopTimer(ctx context.Context, timerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, timerID)
	return nil
}

type memSink struct {
	mu     sync.Mutex
	events []models.ActivityEvent
}

func (s *memSink) AppendEvent(ctx context.Context, event models.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memSink) all() []models.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ActivityEvent(nil), s.events...)
}

type pipelineFixture struct {
	source     *stubSource
	recognizer *stubRecognizer
	classifier *stubClassifier
	snapshot   *stubSnapshot
	sink       *memSink
	timer      *stubTimer
	pipeline   *Pipeline
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	m, err := metrics.NewCollector()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &pipelineFixture{
		source:     &stubSource{},
		recognizer: &stubRecognizer{result: models.OcrResult{Text: "editing exporter code", Confidence: 0.9}},
		classifier: &stubClassifier{out: classify.Classification{
			ActivityLabel: "Editing Go code",
			Application:   "VS Code",
			Confidence:    0.85,
		}},
		snapshot: &stubSnapshot{},
		sink:     &memSink{},
		timer:    &stubTimer{},
	}
	f.pipeline = NewPipeline(PipelineDeps{
		Source:     f.source,
		Recognizer: f.recognizer,
		Classifier: f.classifier,
		Snapshot:   f.snapshot,
		Events:     f.sink,
		Timer:      f.timer,
		Emitter:    notify.NewEmitter(logger),
		Metrics:    m,
		Logger:     logger,
	})
	return f
}

func TestRunProducesEvent(t *testing.T) {
	f := newFixture(t)
	f.snapshot.tasks = []models.TaskRecord{{ID: "7", Title: "Build the exporter"}}
	f.classifier.out.TaskID = "7"

	produced, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !produced {
		t.Fatal("run produced no event")
	}

	events := f.sink.all()
	if len(events) != 1 {
		t.Fatalf("appended %d events, want 1", len(events))
	}
	got := events[0]
	if got.ID == "" {
		t.Error("event id is empty")
	}
	if got.ActivityLabel != "Editing Go code" || got.ApplicationHint != "VS Code" {
		t.Errorf("event %+v, want classified label and application", got)
	}
	if got.MatchedTask == nil || got.MatchedTask.ID != "7" {
		t.Errorf("matched task %+v, want the classifier's pick", got.MatchedTask)
	}
	if in := f.classifier.lastInput(); in.Uncertain {
		t.Error("confident OCR marked uncertain")
	}
}

func TestRunDowngradesLowConfidenceOcr(t *testing.T) {
	f := newFixture(t)
	f.snapshot.tasks = []models.TaskRecord{{ID: "7", Title: "Build the exporter"}}
	f.recognizer.err = &models.OcrFailure{
		Kind:   models.OcrLowConfidence,
		Result: models.OcrResult{Text: "blurry exporter text", Confidence: 0.1},
	}

	produced, err := f.pipeline.Run(context.Background())
	if err != nil || !produced {
		t.Fatalf("run = (%v, %v), want produced event", produced, err)
	}

	got := f.sink.all()[0]
	if got.ActivityLabel != models.UnknownActivity {
		t.Errorf("label %q, want Unknown", got.ActivityLabel)
	}
	if got.Confidence != 0 {
		t.Errorf("confidence %f, want 0", got.Confidence)
	}
	if got.MatchedTask != nil {
		t.Errorf("matched task %+v, want unmatched", got.MatchedTask)
	}
	if in := f.classifier.lastInput(); !in.Uncertain {
		t.Error("classifier input not marked uncertain")
	}
}

func TestRunDropsOnOcrTimeout(t *testing.T) {
	f := newFixture(t)
	f.recognizer.err = &models.OcrFailure{Kind: models.OcrTimeout}

	produced, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("timeout surfaced as error %v, want documented drop", err)
	}
	if produced {
		t.Fatal("timeout produced an event, want drop")
	}
	if len(f.sink.all()) != 0 {
		t.Error("event appended on timeout")
	}
}

func TestRunDowngradesTransientClassifyFailure(t *testing.T) {
	f := newFixture(t)
	f.classifier.err = &models.ClassificationFailure{
		Kind: models.ClassifyRateLimited,
		Err:  errors.New("429"),
	}

	produced, err := f.pipeline.Run(context.Background())
	if err != nil || !produced {
		t.Fatalf("run = (%v, %v), want downgraded event", produced, err)
	}

	got := f.sink.all()[0]
	if got.ActivityLabel != models.UnknownActivity || got.Confidence != 0 {
		t.Errorf("event %+v, want Unknown with zero confidence", got)
	}
	if models.FatalFailure(f.classifier.err) {
		t.Error("rate limit counted as fatal")
	}
}

func TestRunSurfacesUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.classifier.err = &models.ClassificationFailure{
		Kind: models.ClassifyUnauthorized,
		Err:  errors.New("401"),
	}

	produced, err := f.pipeline.Run(context.Background())
	if produced || err == nil {
		t.Fatalf("run = (%v, %v), want failure", produced, err)
	}
	if !models.FatalFailure(err) {
		t.Error("unauthorized not fatal")
	}
	if len(f.sink.all()) != 0 {
		t.Error("event appended despite fatal failure")
	}
}

func TestRunSurfacesCaptureFailure(t *testing.T) {
	f := newFixture(t)
	f.source.err = &models.CaptureFailure{Err: errors.New("device gone")}

	produced, err := f.pipeline.Run(context.Background())
	if produced || err == nil {
		t.Fatalf("run = (%v, %v), want failure", produced, err)
	}
	if !models.FatalFailure(err) {
		t.Error("capture failure not fatal")
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	f := newFixture(t)

	f.source.at = time.Date(2026, 8, 28, 10, 0, 5, 0, time.UTC)
	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Clock regression between samples.
	f.source.at = time.Date(2026, 8, 28, 10, 0, 1, 0, time.UTC)
	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	events := f.sink.all()
	if events[1].Timestamp.Before(events[0].Timestamp) {
		t.Errorf("timestamps regressed: %s then %s",
			events[0].Timestamp, events[1].Timestamp)
	}
}

func TestRemoteTimerFollowsMatchedTask(t *testing.T) {
	f := newFixture(t)
	f.snapshot.tasks = []models.TaskRecord{
		{ID: "7", Title: "Build the exporter"},
		{ID: "9", Title: "Write the docs"},
	}
	f.classifier.out.TaskID = "7"

	for i := 0; i < 2; i++ {
		if _, err := f.pipeline.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	f.timer.mu.Lock()
	if len(f.timer.starts) != 1 || f.timer.starts[0] != "7" {
		t.Fatalf("starts %v, want one start for task 7", f.timer.starts)
	}
	if f.timer.notes[0] != "AI: Editing Go code" {
		t.Errorf("note %q, want the activity note", f.timer.notes[0])
	}
	if len(f.timer.stops) != 0 {
		t.Errorf("stops %v, want none while the task is unchanged", f.timer.stops)
	}
	f.timer.mu.Unlock()

	f.classifier.mu.Lock()
	f.classifier.out.TaskID = "9"
	f.classifier.mu.Unlock()
	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatalf("run after task change: %v", err)
	}

	f.timer.mu.Lock()
	if got := f.timer.stops; len(got) != 1 || got[0] != "timer-1" {
		t.Errorf("stops %v, want the first timer stopped on task change", got)
	}
	if got := f.timer.starts; len(got) != 2 || got[1] != "9" {
		t.Errorf("starts %v, want a restart against task 9", got)
	}
	f.timer.mu.Unlock()

	if err := f.pipeline.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.timer.mu.Lock()
	if got := f.timer.stops; len(got) != 2 || got[1] != "timer-2" {
		t.Errorf("stops %v, want the running timer stopped on close", got)
	}
	f.timer.mu.Unlock()
}

func TestRemoteTimerTroubleDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	f.snapshot.tasks = []models.TaskRecord{{ID: "7", Title: "Build the exporter"}}
	f.classifier.out.TaskID = "7"
	f.timer.startErr = errors.New("service down")

	produced, err := f.pipeline.Run(context.Background())
	if err != nil || !produced {
		t.Fatalf("run = (%v, %v), want event despite timer failure", produced, err)
	}
	if len(f.sink.all()) != 1 {
		t.Fatal("event not appended")
	}

	// The next event retries the start.
	f.timer.mu.Lock()
	f.timer.startErr = nil
	f.timer.mu.Unlock()
	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	f.timer.mu.Lock()
	if got := f.timer.starts; len(got) != 1 || got[0] != "7" {
		t.Errorf("starts %v, want one successful retry", got)
	}
	f.timer.mu.Unlock()
}

func TestApplicationChangeNeedsTwoTicks(t *testing.T) {
	f := newFixture(t)

	apps := []string{"VS Code", "Chrome", "VS Code", "Chrome", "Chrome"}
	want := []string{"VS Code", "VS Code", "VS Code", "VS Code", "Chrome"}

	for i, app := range apps {
		f.classifier.mu.Lock()
		f.classifier.out.Application = app
		f.classifier.mu.Unlock()

		if _, err := f.pipeline.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		got := f.sink.all()[i].ApplicationHint
		if got != want[i] {
			t.Errorf("tick %d: application %q, want %q", i, got, want[i])
		}
	}
}
