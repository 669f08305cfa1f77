// SPDX-License-Identifier: MIT
/*
Package settings persists the user's routing intent between runs.

The file is a small YAML document:

	aggregate_uid: aggregate:Router
	output_uid: alsa:Headphones
	autostart: true

Saves go through a temporary file and a rename so a crash never leaves a
truncated document behind.
*/
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"audiorouter/internal/controller"
	applog "audiorouter/internal/log"
)

// Store reads and writes a RoutingIntent at a fixed path.
type Store struct {
	path string
	mu   sync.Mutex
	last controller.RoutingIntent
}

// NewStore returns a store for path. Nothing is read until Load.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted intent. A missing file yields the zero intent.
func (s *Store) Load() (controller.RoutingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var intent controller.RoutingIntent
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return intent, nil
	}
	if err != nil {
		return intent, fmt.Errorf("failed to read routing settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &intent); err != nil {
		return intent, fmt.Errorf("failed to parse routing settings %s: %w", s.path, err)
	}
	s.last = intent
	return intent, nil
}

// Save writes intent unless it equals what was last loaded or saved.
func (s *Store) Save(intent controller.RoutingIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if intent == s.last {
		if _, err := os.Stat(s.path); err == nil {
			return nil
		}
	}

	data, err := yaml.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to encode routing settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".routing-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write routing settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write routing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write routing settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write routing settings: %w", err)
	}

	s.last = intent
	return nil
}

// Sink returns a callback suitable for service.WithIntentSink. Failures are
// logged; routing continues with the in-memory intent.
func (s *Store) Sink() func(controller.RoutingIntent) {
	log := applog.With("component", "settings")
	return func(intent controller.RoutingIntent) {
		if err := s.Save(intent); err != nil {
			log.Error("could not persist routing intent", "file", s.path, "err", err)
			return
		}
		log.Debug("routing intent saved", "aggregate", intent.AggregateUID,
			"output", intent.OutputUID, "autostart", intent.AutoStart)
	}
}
