// Package delivery drains the durable sync queue toward the remote task
// service. Strict FIFO, at-least-once: an item leaves the queue only after a
// confirmed acknowledgment, and the head blocks the queue while it retries.
package delivery

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/trackerd/trackerd/internal/metrics"
	"github.com/trackerd/trackerd/internal/models"
)

// pollInterval is how often the worker checks for due items when idle.
const pollInterval = time.Second

// Queue is the durable queue surface the worker drains.
type Queue interface {
	NextDue(ctx context.Context, now time.Time) (models.SyncQueueItem, error)
	EventByID(ctx context.Context, id string) (models.ActivityEvent, error)
	MarkDelivered(ctx context.Context, eventID string) error
	Reschedule(ctx context.Context, eventID string, attemptCount int, nextRetryAt time.Time) error
	QueueDepth(ctx context.Context) (int, error)
}

// Sender delivers one event to the remote service.
type Sender interface {
	RecordActivity(ctx context.Context, event models.ActivityEvent) error
}

// Worker owns the delivery loop. One worker per process; FIFO ordering
// depends on there being a single drainer.
type Worker struct {
	queue   Queue
	sender  Sender
	metrics *metrics.Collector
	logger  *slog.Logger

	done chan struct{}
}

// NewWorker wires a worker; Run starts it.
func NewWorker(queue Queue, sender Sender, m *metrics.Collector, logger *slog.Logger) *Worker {
	return &Worker{
		queue:   queue,
		sender:  sender,
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run drains the queue until ctx is canceled, then performs one final flush
// attempt so a graceful shutdown does not strand deliverable items. Blocks;
// run it on its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case <-ticker.C:
			w.drainDue(ctx)
		}
	}
}

// Wait blocks until the worker has exited, including its final flush.
func (w *Worker) Wait() {
	<-w.done
}

// drainDue delivers every item currently due, stopping at the first failure
// so the head keeps blocking the queue.
func (w *Worker) drainDue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := w.queue.NextDue(ctx, time.Now())
		if errors.Is(err, sql.ErrNoRows) {
			w.observeDepth(ctx)
			return
		}
		if err != nil {
			w.logger.Error("queue read failed", "error", err)
			return
		}
		if !w.deliver(ctx, item) {
			w.observeDepth(ctx)
			return
		}
	}
}

// flush makes one pass over everything still queued, ignoring retry times,
// on a short independent deadline. Best effort; anything undelivered stays
// queued for the next process start.
func (w *Worker) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		// Far-future "now" makes every item due.
		item, err := w.queue.NextDue(ctx, time.Now().Add(BackoffCap))
		if errors.Is(err, sql.ErrNoRows) {
			return
		}
		if err != nil {
			w.logger.Error("flush queue read failed", "error", err)
			return
		}
		if !w.deliver(ctx, item) {
			w.logger.Warn("flush stopped, items remain queued", "head", item.EventID)
			return
		}
	}
}

// deliver attempts one item. True means the item was removed from the queue
// (acknowledged or unrecoverable); false means it stays at the head.
func (w *Worker) deliver(ctx context.Context, item models.SyncQueueItem) bool {
	event, err := w.queue.EventByID(ctx, item.EventID)
	if errors.Is(err, sql.ErrNoRows) {
		// Queue row without its event; drop it rather than wedge the queue.
		w.logger.Error("queued event missing from log", "event_id", item.EventID)
		if err := w.queue.MarkDelivered(ctx, item.EventID); err != nil {
			w.logger.Error("drop of orphaned queue item failed", "error", err)
		}
		return true
	}
	if err != nil {
		w.logger.Error("event load failed", "event_id", item.EventID, "error", err)
		return false
	}

	if err := w.sender.RecordActivity(ctx, event); err != nil {
		attempts := item.AttemptCount + 1
		delay := Backoff(attempts)
		w.metrics.DeliveryTotal.WithLabelValues("failure").Inc()
		w.logger.Warn("delivery attempt failed",
			"event_id", event.ID, "attempt", attempts, "retry_in", delay, "error", err)
		if err := w.queue.Reschedule(ctx, event.ID, attempts, time.Now().Add(delay)); err != nil {
			w.logger.Error("reschedule failed", "event_id", event.ID, "error", err)
		}
		return false
	}

	if err := w.queue.MarkDelivered(ctx, event.ID); err != nil {
		// The send succeeded but the dequeue did not; the event will be
		// retried and deduplicated remotely by its id.
		w.logger.Error("dequeue after delivery failed", "event_id", event.ID, "error", err)
		return false
	}

	w.metrics.DeliveryTotal.WithLabelValues("success").Inc()
	w.logger.Debug("event delivered", "event_id", event.ID, "attempts", item.AttemptCount+1)
	return true
}

func (w *Worker) observeDepth(ctx context.Context) {
	if depth, err := w.queue.QueueDepth(ctx); err == nil {
		w.metrics.QueueDepth.Set(float64(depth))
	}
}
