package correlate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trackerd/trackerd/internal/models"
)

type fakeLister struct {
	tasks []models.TaskRecord
	err   error
	calls int
}

func (f *fakeLister) ListTasks(ctx context.Context) ([]models.TaskRecord, error) {
	f.calls++
	return f.tasks, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSnapshotFetchesOnceWhileFresh(t *testing.T) {
	lister := &fakeLister{tasks: []models.TaskRecord{{ID: "1", Title: "a task"}}}
	snap := NewSnapshot(lister, SnapshotOptions{RefreshAfter: time.Hour, MaxAge: 2 * time.Hour}, discardLogger())

	for i := 0; i < 3; i++ {
		tasks := snap.Tasks(context.Background())
		if len(tasks) != 1 {
			t.Fatalf("Tasks returned %d records, want 1", len(tasks))
		}
	}
	if lister.calls != 1 {
		t.Errorf("lister called %d times, want 1 while fresh", lister.calls)
	}
}

func TestSnapshotServesStaleOnRefreshFailure(t *testing.T) {
	lister := &fakeLister{tasks: []models.TaskRecord{{ID: "1", Title: "a task"}}}
	snap := NewSnapshot(lister, SnapshotOptions{RefreshAfter: time.Hour, MaxAge: 2 * time.Hour}, discardLogger())

	if got := snap.Tasks(context.Background()); len(got) != 1 {
		t.Fatalf("initial fetch returned %d records", len(got))
	}

	// Age the cache past the refresh point and break the lister.
	snap.fetchedAt = time.Now().Add(-90 * time.Minute)
	lister.err = errors.New("service down")

	if got := snap.Tasks(context.Background()); len(got) != 1 {
		t.Errorf("stale-but-usable cache returned %d records, want 1", len(got))
	}
}

func TestSnapshotDropsTooStaleCache(t *testing.T) {
	lister := &fakeLister{tasks: []models.TaskRecord{{ID: "1", Title: "a task"}}}
	snap := NewSnapshot(lister, SnapshotOptions{RefreshAfter: time.Minute, MaxAge: time.Hour}, discardLogger())

	if got := snap.Tasks(context.Background()); len(got) != 1 {
		t.Fatalf("initial fetch returned %d records", len(got))
	}

	snap.fetchedAt = time.Now().Add(-2 * time.Hour)
	lister.err = errors.New("service down")

	if got := snap.Tasks(context.Background()); got != nil {
		t.Errorf("expired cache returned %v, want nil", got)
	}
}
