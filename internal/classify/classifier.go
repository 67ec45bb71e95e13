// Package classify sends extracted screen text to the remote AI collaborator
// and maps its answer onto an activity label plus a confidence score. All
// network and schema concerns live here; the pipeline only sees the result
// or a typed ClassificationFailure.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/trackerd/trackerd/internal/models"
)

// maxInputChars bounds the text sent over the wire; OCR of a dense screen
// can run to tens of thousands of characters the model does not need.
const maxInputChars = 6000

// defaultTimeout bounds the single round-trip. The classifier never retries
// within a pipeline run; retry policy belongs to the sync layer.
const defaultTimeout = 30 * time.Second

// Input is everything the classifier may use for one sample.
type Input struct {
	Text string
	// Tasks is the current cached snapshot, offered to the model as match
	// candidates. Ids, titles and descriptions only, never image data.
	Tasks []models.TaskRecord
	// PreviousApplication stabilizes the detected application name across
	// consecutive samples of the same screen.
	PreviousApplication string
	// Uncertain marks low-confidence OCR input so the model can weigh it.
	Uncertain bool
}

// Classification is the mapped response.
type Classification struct {
	ActivityLabel string  `json:"summary"`
	Application   string  `json:"detected_context"`
	Confidence    float64 `json:"confidence"`
	TaskID        string  `json:"task_id"`
	BestMatch     string  `json:"best_match_task_name"`
}

// Config holds classifier tuning.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string // override for tests
	Timeout time.Duration
}

// Classifier performs one bounded chat completion per call.
type Classifier struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a classifier authorized by the session's AI key.
func New(cfg Config, logger *slog.Logger) *Classifier {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Classifier{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
	}
}

// Classify performs a single network round-trip. Failures are mapped onto
// the pipeline taxonomy; the caller decides whether to downgrade or abort.
func (c *Classifier) Classify(ctx context.Context, input Input) (Classification, error) {
	text := truncate(input.Text, maxInputChars)

	apiCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(apiCtx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(text, input),
			},
		},
	})
	if err != nil {
		return Classification{}, classifyError(err)
	}

	c.logger.Debug("classification round-trip complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"model", c.cfg.Model)

	if len(resp.Choices) == 0 {
		return Classification{}, &models.ClassificationFailure{
			Kind: models.ClassifyNetworkError,
			Err:  fmt.Errorf("no completion choices from model %s", c.cfg.Model),
		}
	}

	result, err := parseResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return Classification{}, &models.ClassificationFailure{
			Kind: models.ClassifyNetworkError,
			Err:  err,
		}
	}
	return result, nil
}

// truncate cuts s to at most n bytes, backing up so a multi-byte rune is
// never split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// classifyError maps transport/API errors onto the failure taxonomy.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &models.ClassificationFailure{Kind: models.ClassifyUnauthorized, Err: err}
		case http.StatusTooManyRequests:
			return &models.ClassificationFailure{Kind: models.ClassifyRateLimited, Err: err}
		}
	}
	return &models.ClassificationFailure{Kind: models.ClassifyNetworkError, Err: err}
}

// parseResponse decodes the model's JSON, tolerating markdown code fences
// some models wrap around json output.
func parseResponse(content string) (Classification, error) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var result Classification
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return Classification{}, fmt.Errorf("parse classification response: %w", err)
	}

	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	if result.ActivityLabel == "" {
		result.ActivityLabel = models.UnknownActivity
	}
	return result, nil
}
