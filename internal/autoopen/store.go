package autoopen

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Store holds the auto-open document, optionally persisted as YAML.
type Store struct {
	mu       sync.RWMutex
	path     string
	doc      Document
	compiled map[string]Config
	fallback Config
	loc      *time.Location
	logger   *slog.Logger
}

// NewStore loads path when it exists, falling back to initial. An empty path
// keeps the document in memory only.
func NewStore(path string, initial Document, loc *time.Location) (*Store, error) {
	if loc == nil {
		loc = time.Local
	}
	s := &Store{
		path:   path,
		loc:    loc,
		logger: slog.With("component", "autoopen"),
	}

	doc := initial
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			doc = Document{}
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			s.logger.Debug("Loaded auto-open schedule", "file", path)
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	if err := s.set(doc); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) set(doc Document) error {
	fallback, err := doc.Setting.Compile()
	if err != nil {
		return err
	}
	compiled := make(map[string]Config, len(doc.Devices))
	for id, setting := range doc.Devices {
		cfg, err := setting.Compile()
		if err != nil {
			return fmt.Errorf("device %s: %w", id, err)
		}
		compiled[id] = cfg
	}

	s.mu.Lock()
	s.doc = doc
	s.fallback = fallback
	s.compiled = compiled
	s.mu.Unlock()
	return nil
}

func (s *Store) Document() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// For returns the configuration for a device, or the default one.
func (s *Store) For(deviceID string) Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg, ok := s.compiled[deviceID]; ok {
		return cfg
	}
	return s.fallback
}

func (s *Store) Location() *time.Location {
	return s.loc
}

// Update validates and stores doc, writing it to disk when the store has a path.
func (s *Store) Update(doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if s.path != "" {
		if err := writeFileAtomic(s.path, doc); err != nil {
			return err
		}
	}
	if err := s.set(doc); err != nil {
		return err
	}
	s.logger.Info("Auto-open schedule updated", "enabled", doc.Enabled, "schedules", len(doc.Schedules), "devices", len(doc.Devices))
	return nil
}

func writeFileAtomic(path string, doc Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
