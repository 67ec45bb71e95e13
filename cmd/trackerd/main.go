// Command trackerd runs the background activity tracking agent: the capture
// pipeline, the durable sync queue and the local control API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trackerd/trackerd/internal/auth"
	"github.com/trackerd/trackerd/internal/capture"
	"github.com/trackerd/trackerd/internal/classify"
	"github.com/trackerd/trackerd/internal/config"
	"github.com/trackerd/trackerd/internal/correlate"
	"github.com/trackerd/trackerd/internal/delivery"
	"github.com/trackerd/trackerd/internal/logging"
	"github.com/trackerd/trackerd/internal/metrics"
	"github.com/trackerd/trackerd/internal/models"
	"github.com/trackerd/trackerd/internal/notify"
	"github.com/trackerd/trackerd/internal/ocr"
	"github.com/trackerd/trackerd/internal/server"
	"github.com/trackerd/trackerd/internal/store"
	"github.com/trackerd/trackerd/internal/taskservice"
	"github.com/trackerd/trackerd/internal/tracker"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "trackerd",
		Short:        "Background activity tracking agent",
		Long:         "trackerd captures the screen on a fixed cadence, extracts text locally, classifies the activity and syncs structured events to the task service. Raw screen content never leaves the machine.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	return root
}

func run(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger)

	m, err := metrics.NewCollector()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	emitter := notify.NewEmitter(logger)
	settingsStore := config.NewSettingsStore(cfg.Store.SettingsPath)

	// Undelivered events from previous runs resume delivery immediately.
	worker := delivery.NewWorker(st, &settingsSender{settings: settingsStore, logger: logger}, m, logger)
	go worker.Run(ctx)

	trk := tracker.New(ctx, pipelineFactory(cfg, st, emitter, m, logger), emitter, m)

	handlers, err := server.NewHandlers(trk, settingsStore, st, emitter, auth.LoadConfigFromEnv(), logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	srv := server.New(cfg.Server, logger, handlers.Routes(m))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	logger.Info("trackerd started", "version", version, "data_dir", cfg.Store.DatabasePath)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := trk.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracker shutdown incomplete", "error", err)
	}
	worker.Wait()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}

	logger.Info("trackerd stopped")
	return nil
}

// pipelineFactory builds a fresh pipeline per tracking session, so each
// session gets clients authorized by the settings it was started with.
func pipelineFactory(
	cfg config.Config,
	st *store.Store,
	emitter *notify.Emitter,
	m *metrics.Collector,
	logger *slog.Logger,
) tracker.PipelineFactory {
	return func(settings models.Settings) (*tracker.Pipeline, error) {
		source, err := capture.NewScreenSource(cfg.Capture.Device, logger)
		if err != nil {
			return nil, err
		}

		client := taskservice.New(taskservice.Config{
			Email:  settings.TaskServiceEmail,
			APIKey: settings.TaskServiceKey,
		}, logger)

		return tracker.NewPipeline(tracker.PipelineDeps{
			Source: source,
			Recognizer: ocr.NewAdapter(ocr.Options{
				Timeout:     cfg.OCR.Timeout,
				Language:    cfg.OCR.Language,
				AutoInstall: cfg.OCR.AutoInstall,
			}, logger),
			Classifier: classify.New(classify.Config{APIKey: settings.AIAPIKey}, logger),
			Snapshot:   correlate.NewSnapshot(client, correlate.SnapshotOptions{}, logger),
			Events:     st,
			Timer:      client,
			Emitter:    emitter,
			Metrics:    m,
			Logger:     logger,
		}), nil
	}
}

// settingsSender resolves task service credentials at send time, so queued
// events survive credential changes and deliveries always use the current
// settings.
type settingsSender struct {
	settings *config.SettingsStore
	logger   *slog.Logger
}

func (s *settingsSender) RecordActivity(ctx context.Context, event models.ActivityEvent) error {
	settings, err := s.settings.Load()
	if err != nil {
		return fmt.Errorf("load settings for delivery: %w", err)
	}
	if settings.TaskServiceEmail == "" || settings.TaskServiceKey == "" {
		return &models.SyncFailure{
			EventID: event.ID,
			Err:     fmt.Errorf("task service credentials not configured"),
		}
	}

	client := taskservice.New(taskservice.Config{
		Email:  settings.TaskServiceEmail,
		APIKey: settings.TaskServiceKey,
	}, s.logger)
	return client.RecordActivity(ctx, event)
}
