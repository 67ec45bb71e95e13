// Package taskservice is the HTTP client for the remote task service. It
// carries two duties: listing open tasks for correlation, and recording
// activity events. Event recording is idempotent on the event id so the
// delivery layer can retry freely.
package taskservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/trackerd/trackerd/internal/models"
)

const (
	defaultBaseURL = "https://api.freelo.io/v1"
	userAgent      = "trackerd/1.0 (tracker@agent.io)"
)

// Config carries credentials and endpoint overrides.
type Config struct {
	BaseURL string // override for tests
	Email   string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the task service over basic-auth HTTP.
type Client struct {
	http    *http.Client
	baseURL string
	email   string
	apiKey  string
	logger  *slog.Logger
}

// New builds a client. Credentials come from session settings, not process
// config, so the client is rebuilt when settings change.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
		email:   cfg.Email,
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// taskListResponse mirrors the service's nested task listing shape.
type taskListResponse struct {
	Data struct {
		Tasks []struct {
			ID      json.Number `json:"id"`
			Name    string      `json:"name"`
			Project struct {
				ID   json.Number `json:"id"`
				Name string      `json:"name"`
			} `json:"project"`
			DateEdited string `json:"date_edited_at"`
		} `json:"tasks"`
	} `json:"data"`
}

// ListTasks fetches open tasks, limited to the first page the service
// returns. The project name lands in Description where the correlator can
// score it.
func (c *Client) ListTasks(ctx context.Context) ([]models.TaskRecord, error) {
	endpoint := c.baseURL + "/all-tasks?" + url.Values{
		"states_ids[]": {"1"},
		"limit":        {"100"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build task list request: %w", err)
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &models.SyncFailure{Err: fmt.Errorf("list tasks: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("list tasks", resp)
	}

	var parsed taskListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}

	tasks := make([]models.TaskRecord, 0, len(parsed.Data.Tasks))
	for _, raw := range parsed.Data.Tasks {
		updated, _ := time.Parse(time.RFC3339, raw.DateEdited)
		tasks = append(tasks, models.TaskRecord{
			ID:          raw.ID.String(),
			Title:       raw.Name,
			Description: raw.Project.Name,
			UpdatedAt:   updated,
		})
	}

	c.logger.Debug("task list fetched", "tasks", len(tasks))
	return tasks, nil
}

// activityPayload is the event record sent to the service. Text and ids
// only; image bytes never reach this layer.
type activityPayload struct {
	EventID     string  `json:"event_id"`
	RecordedAt  string  `json:"recorded_at"`
	Activity    string  `json:"activity"`
	Application string  `json:"application,omitempty"`
	TaskID      string  `json:"task_id,omitempty"`
	Confidence  float64 `json:"confidence"`
	Note        string  `json:"note"`
}

// RecordActivity posts one activity event. The event id doubles as the
// idempotency key; a conflict response means an earlier attempt already
// landed and counts as success.
func (c *Client) RecordActivity(ctx context.Context, event models.ActivityEvent) error {
	payload := activityPayload{
		EventID:     event.ID,
		RecordedAt:  event.Timestamp.UTC().Format(time.RFC3339),
		Activity:    event.ActivityLabel,
		Application: event.ApplicationHint,
		Confidence:  event.Confidence,
		Note:        "AI: " + event.ActivityLabel,
	}
	if event.MatchedTask != nil {
		payload.TaskID = event.MatchedTask.ID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode activity event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/activity-events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build activity request: %w", err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", event.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.SyncFailure{Err: fmt.Errorf("record activity: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Duplicate event id: a previous attempt was received.
		c.logger.Debug("activity event already recorded", "event_id", event.ID)
		return nil
	default:
		return c.statusError("record activity", resp)
	}
}

// StartTimer begins remote time tracking against a task and returns the
// server-side timer id.
func (c *Client) StartTimer(ctx context.Context, taskID, note string) (string, error) {
	body := map[string]string{"note": note}
	if taskID != "" {
		body["task_id"] = taskID
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode timer start: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/timetracking/start", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("build timer start request: %w", err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &models.SyncFailure{Err: fmt.Errorf("start timer: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError("start timer", resp)
	}

	var parsed struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode timer start response: %w", err)
	}
	return parsed.UUID, nil
}

// StopTimer ends the remote timer started by StartTimer.
func (c *Client) StopTimer(ctx context.Context, timerID string) error {
	encoded, err := json.Marshal(map[string]string{"uuid": timerID})
	if err != nil {
		return fmt.Errorf("encode timer stop: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/timetracking/stop", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build timer stop request: %w", err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.SyncFailure{Err: fmt.Errorf("stop timer: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError("stop timer", resp)
	}
	return nil
}

func (c *Client) decorate(req *http.Request) {
	req.SetBasicAuth(c.email, c.apiKey)
	req.Header.Set("User-Agent", userAgent)
}

func (c *Client) statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &models.SyncFailure{
		StatusCode: resp.StatusCode,
		Err: fmt.Errorf("%s: status %s: %s", op,
			strconv.Itoa(resp.StatusCode), string(snippet)),
	}
}
