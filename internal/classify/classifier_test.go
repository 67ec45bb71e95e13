package classify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/trackerd/trackerd/internal/models"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantLbl  string
		wantApp  string
		wantConf float64
		wantErr  bool
	}{
		{
			name:     "plain json",
			content:  `{"summary":"Editing Go code","detected_context":"VS Code","confidence":0.9}`,
			wantLbl:  "Editing Go code",
			wantApp:  "VS Code",
			wantConf: 0.9,
		},
		{
			name:     "json fenced",
			content:  "```json\n{\"summary\":\"Reading docs\",\"detected_context\":\"Chrome\",\"confidence\":0.7}\n```",
			wantLbl:  "Reading docs",
			wantApp:  "Chrome",
			wantConf: 0.7,
		},
		{
			name:     "bare fence",
			content:  "```\n{\"summary\":\"Reviewing PR\",\"confidence\":0.6}\n```",
			wantLbl:  "Reviewing PR",
			wantConf: 0.6,
		},
		{
			name:     "confidence clamped high",
			content:  `{"summary":"x","confidence":3.5}`,
			wantLbl:  "x",
			wantConf: 1,
		},
		{
			name:     "confidence clamped low",
			content:  `{"summary":"x","confidence":-1}`,
			wantLbl:  "x",
			wantConf: 0,
		},
		{
			name:    "empty summary falls back to unknown",
			content: `{"confidence":0.5}`,
			wantLbl: models.UnknownActivity, wantConf: 0.5,
		},
		{
			name:    "not json",
			content: "I could not determine the activity.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseResponse(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parse succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.ActivityLabel != tt.wantLbl {
				t.Errorf("label %q, want %q", got.ActivityLabel, tt.wantLbl)
			}
			if got.Application != tt.wantApp {
				t.Errorf("application %q, want %q", got.Application, tt.wantApp)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("confidence %f, want %f", got.Confidence, tt.wantConf)
			}
		})
	}
}

func TestClassifyErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ClassificationFailureKind
	}{
		{name: "bad key", err: &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, want: models.ClassifyUnauthorized},
		{name: "forbidden", err: &openai.APIError{HTTPStatusCode: http.StatusForbidden}, want: models.ClassifyUnauthorized},
		{name: "throttled", err: &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, want: models.ClassifyRateLimited},
		{name: "server error", err: &openai.APIError{HTTPStatusCode: http.StatusInternalServerError}, want: models.ClassifyNetworkError},
		{name: "transport", err: errors.New("connection refused"), want: models.ClassifyNetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := classifyError(tt.err)
			var clsErr *models.ClassificationFailure
			if !errors.As(mapped, &clsErr) {
				t.Fatalf("mapped to %T, want ClassificationFailure", mapped)
			}
			if clsErr.Kind != tt.want {
				t.Errorf("kind %s, want %s", clsErr.Kind, tt.want)
			}
		})
	}
}

func TestClassifyRoundTrip(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotPrompt = string(body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"choices": [{"message": {"role": "assistant",
				"content": "{\"summary\":\"Editing Go code\",\"detected_context\":\"VS Code\",\"confidence\":0.85,\"task_id\":\"7\"}"}}]
		}`)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "test", BaseURL: srv.URL + "/v1"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := c.Classify(context.Background(), Input{
		Text:                "package main func main()",
		Tasks:               []models.TaskRecord{{ID: "7", Title: "Build the exporter"}},
		PreviousApplication: "VS Code",
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.ActivityLabel != "Editing Go code" || got.TaskID != "7" {
		t.Errorf("result %+v, want label and task id from response", got)
	}

	for _, fragment := range []string{"Build the exporter", "package main", "VS Code"} {
		if !strings.Contains(gotPrompt, fragment) {
			t.Errorf("request missing %q", fragment)
		}
	}
}

func TestClassifyMapsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error": {"message": "invalid api key", "type": "invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "bad", BaseURL: srv.URL + "/v1"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := c.Classify(context.Background(), Input{Text: "anything"})

	var clsErr *models.ClassificationFailure
	if !errors.As(err, &clsErr) {
		t.Fatalf("error %v, want ClassificationFailure", err)
	}
	if clsErr.Kind != models.ClassifyUnauthorized {
		t.Errorf("kind %s, want unauthorized", clsErr.Kind)
	}
	if !clsErr.Fatal() {
		t.Error("unauthorized not fatal, want fatal")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		s    string
		n    int
		want string
	}{
		{name: "short string untouched", s: "hello", n: 10, want: "hello"},
		{name: "exact fit", s: "hello", n: 5, want: "hello"},
		{name: "ascii cut", s: "hello", n: 3, want: "hel"},
		{name: "cut inside two-byte rune", s: "héllo", n: 2, want: "h"},
		{name: "cut after two-byte rune", s: "héllo", n: 3, want: "hé"},
		{name: "cut inside four-byte rune", s: "ab\U0001F600cd", n: 4, want: "ab"},
		{name: "multibyte run", s: "příliš žluťoučký", n: 7, want: "příli"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.s, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.s, tt.n)
			}
		})
	}
}

func TestPromptMarksUncertainInput(t *testing.T) {
	prompt := buildPrompt("blurry text", Input{Text: "blurry text", Uncertain: true})
	if !strings.Contains(prompt, "low-confidence") {
		t.Error("prompt does not flag uncertain input")
	}

	prompt = buildPrompt("clear text", Input{Text: "clear text"})
	if strings.Contains(prompt, "low-confidence") {
		t.Error("prompt flags certain input as uncertain")
	}
}
