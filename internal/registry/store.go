// Package registry persists per-scoreboard configuration keyed by a
// durable client key, with remote-IP fallback, and pushes merged configs
// to connected sessions.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

// Layout types a scoreboard can be pinned to.
const (
	LayoutVertical = "vertical"
	LayoutLedwall  = "ledwall"
)

// DisplayRows bounds accepted on upsert.
const (
	MinDisplayRows = 3
	MaxDisplayRows = 20
)

// ClientConfig is the persisted configuration for one scoreboard. Nil
// pointer fields are "unset"; only set fields are pushed to subscribers.
type ClientConfig struct {
	LayoutType      *string                `json:"layoutType,omitempty"`
	DisplayRows     *int                   `json:"displayRows,omitempty"`
	CustomTitle     *string                `json:"customTitle,omitempty"`
	RaceFilter      []string               `json:"raceFilter,omitempty"`
	ShowOnCourse    *bool                  `json:"showOnCourse,omitempty"`
	ShowResults     *bool                  `json:"showResults,omitempty"`
	Label           *string                `json:"label,omitempty"`
	LastSeen        *time.Time             `json:"lastSeen,omitempty"`
	DurableClientID *string                `json:"durableClientId,omitempty"`
	CustomParams    map[string]interface{} `json:"customParams,omitempty"`
	Assets          map[string]string      `json:"assets,omitempty"`
}

func (c *ClientConfig) clone() *ClientConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.RaceFilter != nil {
		out.RaceFilter = append([]string(nil), c.RaceFilter...)
	}
	if c.CustomParams != nil {
		out.CustomParams = make(map[string]interface{}, len(c.CustomParams))
		for k, v := range c.CustomParams {
			out.CustomParams[k] = v
		}
	}
	if c.Assets != nil {
		out.Assets = make(map[string]string, len(c.Assets))
		for k, v := range c.Assets {
			out.Assets[k] = v
		}
	}
	return &out
}

// CustomParamDefinition declares a custom parameter scoreboards understand,
// so the admin UI can offer it by name.
type CustomParamDefinition struct {
	Key     string      `json:"key"`
	Label   string      `json:"label,omitempty"`
	Type    string      `json:"type,omitempty"`
	Default interface{} `json:"default,omitempty"`
}

// settingsDocument is the on-disk shape. Unknown fields in an existing
// file are ignored on read.
type settingsDocument struct {
	XMLSourceMode          string                   `json:"xmlSourceMode,omitempty"`
	XMLPath                string                   `json:"xmlPath,omitempty"`
	EventNameOverride      string                   `json:"eventNameOverride,omitempty"`
	ClientConfigs          map[string]*ClientConfig `json:"clientConfigs"`
	CustomParamDefinitions []CustomParamDefinition  `json:"customParamDefinitions,omitempty"`
	DefaultAssets          map[string]string        `json:"defaultAssets,omitempty"`
}

// Store owns the settings document and its file. All mutation goes through
// the store's lock; every change is flushed with a write-and-rename.
type Store struct {
	logger logging.Logger
	path   string

	mu  sync.Mutex
	doc settingsDocument
}

// NewStore loads the settings file at path, tolerating a missing file.
func NewStore(path string, logger logging.Logger) (*Store, error) {
	s := &Store{logger: logger, path: path}
	s.doc.ClientConfigs = make(map[string]*ClientConfig)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		// A corrupt settings file should not keep the gateway down.
		logger.WithError(err).WithField("path", path).Warn("Settings file unreadable, starting fresh")
		s.doc = settingsDocument{ClientConfigs: make(map[string]*ClientConfig)}
		return s, nil
	}
	if s.doc.ClientConfigs == nil {
		s.doc.ClientConfigs = make(map[string]*ClientConfig)
	}
	return s, nil
}

// saveLocked writes the document to a temp file and renames it into place.
// Caller holds s.mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

// XMLSource returns the persisted XML source mode and manual path.
func (s *Store) XMLSource() (mode, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.XMLSourceMode, s.doc.XMLPath
}

// SetXMLSource persists the XML source mode and manual path.
func (s *Store) SetXMLSource(mode, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.XMLSourceMode = mode
	s.doc.XMLPath = path
	return s.saveLocked()
}

// EventNameOverride returns the persisted event name override, empty when
// the XML-supplied name should be used.
func (s *Store) EventNameOverride() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.EventNameOverride
}

// SetEventNameOverride persists the override; empty clears it.
func (s *Store) SetEventNameOverride(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.EventNameOverride = name
	return s.saveLocked()
}

// DefaultAssets returns a copy of the event-wide asset defaults.
func (s *Store) DefaultAssets() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.doc.DefaultAssets))
	for k, v := range s.doc.DefaultAssets {
		out[k] = v
	}
	return out
}

// SetDefaultAssets replaces the event-wide asset defaults.
func (s *Store) SetDefaultAssets(assets map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.DefaultAssets = assets
	return s.saveLocked()
}

// CustomParamDefinitions returns the declared custom parameters.
func (s *Store) CustomParamDefinitions() []CustomParamDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CustomParamDefinition(nil), s.doc.CustomParamDefinitions...)
}

// SetCustomParamDefinitions replaces the declared custom parameters.
func (s *Store) SetCustomParamDefinitions(defs []CustomParamDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.CustomParamDefinitions = defs
	return s.saveLocked()
}
