package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const schemaVersion = 1

const (
	defaultEndpoint          = "http://localhost:1234"
	defaultAPITimeoutSeconds = 120
)

type Settings struct {
	SchemaVersion        int    `json:"schema_version"`
	AutoToolApproval     bool   `json:"auto_tool_approval"`
	CritiquePhaseEnabled bool   `json:"critique_phase_enabled"`
	APITimeoutSeconds    int    `json:"api_timeout_seconds"`
	Endpoint             string `json:"endpoint,omitempty"`
	DefaultModelID       string `json:"default_model_id,omitempty"`
}

type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultSettings(), nil
		}
		return nil, err
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	backfillSettings(&settings)
	return &settings, nil
}

func (s *Store) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backfillSettings(settings)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *Store) Update(fn func(*Settings)) (*Settings, error) {
	settings, err := s.Load()
	if err != nil {
		return nil, err
	}
	fn(settings)
	return settings, s.Save(settings)
}

func defaultSettings() *Settings {
	return &Settings{
		SchemaVersion:        schemaVersion,
		AutoToolApproval:     false,
		CritiquePhaseEnabled: true,
		APITimeoutSeconds:    defaultAPITimeoutSeconds,
		Endpoint:             defaultEndpoint,
	}
}

func backfillSettings(settings *Settings) {
	if settings.SchemaVersion == 0 {
		settings.SchemaVersion = schemaVersion
		settings.CritiquePhaseEnabled = true
	}
	if settings.APITimeoutSeconds <= 0 {
		settings.APITimeoutSeconds = defaultAPITimeoutSeconds
	}
	if strings.TrimSpace(settings.Endpoint) == "" {
		settings.Endpoint = defaultEndpoint
	}
}
