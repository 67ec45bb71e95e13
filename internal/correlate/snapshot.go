package correlate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trackerd/trackerd/internal/models"
)

// TaskLister fetches the current open tasks from the remote service.
type TaskLister interface {
	ListTasks(ctx context.Context) ([]models.TaskRecord, error)
}

// Snapshot caches the task list so every pipeline run does not hit the
// remote service. A snapshot older than RefreshAfter is refreshed before
// use; if the refresh fails, the stale copy is served until MaxAge, after
// which correlation degrades to no-match rather than matching against a
// task list that may no longer exist.
type Snapshot struct {
	lister TaskLister
	logger *slog.Logger

	refreshAfter time.Duration
	maxAge       time.Duration

	mu        sync.Mutex
	tasks     []models.TaskRecord
	fetchedAt time.Time
}

// SnapshotOptions tune cache behavior. Zero values pick the defaults.
type SnapshotOptions struct {
	RefreshAfter time.Duration
	MaxAge       time.Duration
}

// NewSnapshot creates an empty cache; the first Tasks call populates it.
func NewSnapshot(lister TaskLister, opts SnapshotOptions, logger *slog.Logger) *Snapshot {
	if opts.RefreshAfter <= 0 {
		opts.RefreshAfter = 5 * time.Minute
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 30 * time.Minute
	}
	return &Snapshot{
		lister:       lister,
		logger:       logger,
		refreshAfter: opts.RefreshAfter,
		maxAge:       opts.MaxAge,
	}
}

// Tasks returns the cached task list, refreshing it when due. A failed
// refresh is non-fatal while the cached copy is younger than MaxAge.
func (s *Snapshot) Tasks(ctx context.Context) []models.TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	age := time.Since(s.fetchedAt)
	if s.fetchedAt.IsZero() || age >= s.refreshAfter {
		tasks, err := s.lister.ListTasks(ctx)
		if err == nil {
			s.tasks = tasks
			s.fetchedAt = time.Now()
			s.logger.Debug("task snapshot refreshed", "tasks", len(tasks))
			return s.tasks
		}
		s.logger.Warn("task snapshot refresh failed", "error", err, "age", age)
	}

	if !s.fetchedAt.IsZero() && time.Since(s.fetchedAt) > s.maxAge {
		s.logger.Warn("task snapshot too stale, correlation disabled until refresh succeeds")
		return nil
	}
	return s.tasks
}
