package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/trackerd/trackerd/internal/auth"
	"github.com/trackerd/trackerd/internal/config"
	"github.com/trackerd/trackerd/internal/metrics"
	"github.com/trackerd/trackerd/internal/models"
	"github.com/trackerd/trackerd/internal/notify"
	"github.com/trackerd/trackerd/internal/tracker"
)

// EventReader is the slice of the store the API exposes.
type EventReader interface {
	RecentEvents(ctx context.Context, limit int) ([]models.ActivityEvent, error)
	QueueDepth(ctx context.Context) (int, error)
}

// Handlers carries the API's dependencies.
type Handlers struct {
	tracker  *tracker.Tracker
	settings *config.SettingsStore
	events   EventReader
	emitter  *notify.Emitter
	authCfg  auth.Config
	// passwordHash is derived once at startup; the plaintext control
	// password is never kept around.
	passwordHash string
	logger       *slog.Logger
}

// NewHandlers wires the API surface.
func NewHandlers(
	t *tracker.Tracker,
	settings *config.SettingsStore,
	events EventReader,
	emitter *notify.Emitter,
	authCfg auth.Config,
	logger *slog.Logger,
) (*Handlers, error) {
	hash, err := auth.HashPassword(authCfg.ControlPassword)
	if err != nil {
		return nil, err
	}
	authCfg.ControlPassword = ""

	return &Handlers{
		tracker:      t,
		settings:     settings,
		events:       events,
		emitter:      emitter,
		authCfg:      authCfg,
		passwordHash: hash,
		logger:       logger,
	}, nil
}

// Routes assembles the full handler tree: public health/metrics/login plus
// the token-guarded control surface.
func (h *Handlers) Routes(m *metrics.Collector) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", http.HandlerFunc(h.handleHealth))
	mux.Handle("GET /metrics", m.Handler())
	mux.Handle("POST /api/login", http.HandlerFunc(h.handleLogin))

	guard := auth.Middleware(h.authCfg)
	mux.Handle("POST /api/tracking/start", guard(http.HandlerFunc(h.handleStart)))
	mux.Handle("POST /api/tracking/stop", guard(http.HandlerFunc(h.handleStop)))
	mux.Handle("POST /api/tracking/pause", guard(http.HandlerFunc(h.handlePause)))
	mux.Handle("POST /api/tracking/resume", guard(http.HandlerFunc(h.handleResume)))
	mux.Handle("GET /api/status", guard(http.HandlerFunc(h.handleStatus)))
	mux.Handle("GET /api/events", guard(http.HandlerFunc(h.handleEvents)))
	mux.Handle("GET /api/settings", guard(http.HandlerFunc(h.handleGetSettings)))
	mux.Handle("PUT /api/settings", guard(http.HandlerFunc(h.handleSaveSettings)))
	mux.Handle("GET /api/notifications", guard(http.HandlerFunc(h.handleNotifications)))

	return m.InstrumentHandler(mux)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !auth.CheckPassword(req.Password, h.passwordHash) {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token, err := auth.GenerateToken("control-ui", h.authCfg.JWTSecret, h.authCfg.TokenDuration)
	if err != nil {
		h.logger.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Load()
	if err != nil {
		h.logger.Error("settings load failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load settings")
		return
	}

	if err := h.tracker.Start(settings); err != nil {
		var cfgErr *models.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, cfgErr.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.Status())
}

func (h *Handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	h.tracker.Stop()
	writeJSON(w, http.StatusOK, h.tracker.Status())
}

func (h *Handlers) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Pause(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.Status())
}

func (h *Handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Resume(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.Status())
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.tracker.Status()

	depth, err := h.events.QueueDepth(r.Context())
	if err != nil {
		h.logger.Error("queue depth read failed", "error", err)
	}

	writeJSON(w, http.StatusOK, struct {
		tracker.Status
		QueueDepth int `json:"queue_depth"`
	}{Status: status, QueueDepth: depth})
}

func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	events, err := h.events.RecentEvents(r.Context(), limit)
	if err != nil {
		h.logger.Error("event query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not read events")
		return
	}
	if events == nil {
		events = []models.ActivityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleGetSettings returns the stored settings with credentials masked.
// The UI only needs to know whether they are set.
func (h *Handlers) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Load()
	if err != nil {
		h.logger.Error("settings load failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load settings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"interval":             settings.IntervalSeconds,
		"ai_api_key_set":       settings.AIAPIKey != "",
		"task_service_email":   settings.TaskServiceEmail,
		"task_service_key_set": settings.TaskServiceKey != "",
	})
}

func (h *Handlers) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.settings.Save(settings); err != nil {
		var valErr *models.ValidationError
		if errors.As(err, &valErr) {
			writeError(w, http.StatusBadRequest, valErr.Error())
			return
		}
		h.logger.Error("settings save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not save settings")
		return
	}

	h.emitter.Log(notify.LevelInfo, "Settings saved, applied on next tracking start")
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// handleNotifications streams the emitter's queue as server-sent events.
// The response controller unwraps the metrics middleware, so flushing works
// through the instrumented writer.
func (h *Handlers) handleNotifications(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	// The stream must outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Warn("could not clear write deadline for stream", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Error("notification stream not flushable", "error", err)
		return
	}

	sub, cancel := h.emitter.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case n, open := <-sub:
			if !open {
				return
			}
			payload, err := json.Marshal(n)
			if err != nil {
				h.logger.Error("notification encode failed", "error", err)
				continue
			}
			if _, err := w.Write([]byte("event: " + string(n.Kind) + "\ndata: " + string(payload) + "\n\n")); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
