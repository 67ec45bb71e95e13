// Package notify carries status notifications from the pipeline to the UI
// layer over an explicit ordered queue, so the pipeline never depends on a
// particular UI technology. Delivery is fire-and-forget: a slow or absent
// consumer drops the oldest pending notification rather than blocking the
// capture loop.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Level grades a log notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Kind identifies the notification type. Ordering is guaranteed per kind
// because all kinds flow through one FIFO queue.
type Kind string

const (
	KindLogEvent       Kind = "log-event"
	KindTrackingUpdate Kind = "tracking-update"
)

// LogEvent is a human-readable status line for the UI log panel.
type LogEvent struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// TrackingUpdate describes what the agent currently believes the user is
// doing. Task is "None" when unmatched.
type TrackingUpdate struct {
	Application string `json:"application"`
	Activity    string `json:"activity"`
	Task        string `json:"task"`
	Since       string `json:"since"`
}

// Notification is one queued message.
type Notification struct {
	Kind     Kind           `json:"kind"`
	Log      *LogEvent      `json:"log,omitempty"`
	Tracking *TrackingUpdate `json:"tracking,omitempty"`
	At       time.Time      `json:"at"`
}

// Emitter fans notifications out to subscribers. Every notification is also
// mirrored to the structured log, so nothing is swallowed when no UI is
// attached.
type Emitter struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]chan Notification
	next int
}

const subscriberBuffer = 64

// NewEmitter creates an emitter mirroring into logger.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		logger: logger,
		subs:   make(map[int]chan Notification),
	}
}

// Subscribe registers a consumer. The returned cancel func must be called to
// release the subscription.
func (e *Emitter) Subscribe() (<-chan Notification, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.next
	e.next++
	ch := make(chan Notification, subscriberBuffer)
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Log publishes a log-event notification.
func (e *Emitter) Log(level Level, message string) {
	switch level {
	case LevelError:
		e.logger.Error(message)
	case LevelWarning:
		e.logger.Warn(message)
	default:
		e.logger.Info(message)
	}

	e.publish(Notification{
		Kind: KindLogEvent,
		Log:  &LogEvent{Level: level, Message: message},
		At:   time.Now(),
	})
}

// TrackingUpdate publishes the current activity summary for the UI.
func (e *Emitter) TrackingUpdate(application, activity, task string) {
	if task == "" {
		task = "None"
	}
	e.publish(Notification{
		Kind: KindTrackingUpdate,
		Tracking: &TrackingUpdate{
			Application: application,
			Activity:    activity,
			Task:        task,
			Since:       time.Now().Format("15:04:05"),
		},
		At: time.Now(),
	})
}

func (e *Emitter) publish(n Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ch := range e.subs {
		select {
		case ch <- n:
		default:
			// Slow consumer: drop the oldest so order within the queue is
			// preserved and the pipeline never blocks.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- n:
			default:
			}
		}
	}
}
