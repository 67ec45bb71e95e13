package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config represents runtime configuration derived from environment variables.
// User-facing tracking settings live separately in the settings store; this
// covers the agent process itself.
type Config struct {
	Server  ServerConfig
	Logging LoggingConfig
	Store   StoreConfig
	Capture CaptureConfig
	OCR     OCRConfig
}

// CaptureConfig selects the frame source.
type CaptureConfig struct {
	Device string
}

// ServerConfig holds the control API's runtime parameters.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// StoreConfig locates the local durable state.
type StoreConfig struct {
	DatabasePath string
	SettingsPath string
}

// OCRConfig bounds the recognizer.
type OCRConfig struct {
	Timeout     time.Duration
	Language    string
	AutoInstall bool
}

const (
	defaultAddr            = "127.0.0.1:7710"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultOCRTimeout  = 20 * time.Second
	defaultOCRLanguage = "eng"
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	dataDir := getEnv("TRACKERD_DATA_DIR", defaultDataDir())

	cfg := Config{
		Server: ServerConfig{
			Addr:            getEnv("TRACKERD_LISTEN_ADDR", defaultAddr),
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(dataDir, "trackerd.db"),
			SettingsPath: filepath.Join(dataDir, "settings.yaml"),
		},
		Capture: CaptureConfig{
			Device: getEnv("TRACKERD_CAPTURE_DEVICE", "0"),
		},
		OCR: OCRConfig{
			Timeout:     defaultOCRTimeout,
			Language:    getEnv("TRACKERD_OCR_LANGUAGE", defaultOCRLanguage),
			AutoInstall: getEnv("TRACKERD_OCR_AUTO_INSTALL", "true") == "true",
		},
	}

	if v := os.Getenv("TRACKERD_OCR_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TRACKERD_OCR_TIMEOUT_SECONDS: %w", err)
		}
		cfg.OCR.Timeout = d
	}

	if v := os.Getenv("TRACKERD_SHUTDOWN_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TRACKERD_SHUTDOWN_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ShutdownTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trackerd"
	}
	return filepath.Join(home, ".trackerd")
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
