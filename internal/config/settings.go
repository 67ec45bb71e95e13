package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/trackerd/trackerd/internal/models"
)

// SettingsStore persists the user's tracking settings as a YAML file.
// Writes go through a temp file rename so a crash mid-save never leaves a
// truncated settings file behind.
type SettingsStore struct {
	path string
	mu   sync.Mutex
}

// NewSettingsStore creates a store rooted at path. The parent directory is
// created on first save.
func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{path: path}
}

// Load reads the persisted settings. A missing file is not an error; it
// returns zero settings so the caller can prompt for configuration.
func (s *SettingsStore) Load() (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.Settings{}, nil
		}
		return models.Settings{}, fmt.Errorf("read settings: %w", err)
	}

	var settings models.Settings
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return models.Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return settings, nil
}

// Save validates and persists settings atomically.
func (s *SettingsStore) Save(settings models.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	raw, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
