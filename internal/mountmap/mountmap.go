// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package mountmap implements the persisted collaborator holding
// per-device-UUID or per-device-predicate mount overrides (glossary: "Mount
// map"). It is consulted by the Stage Engine's mount stage (design §4.5)
// and otherwise has no bearing on the core state machine.
package mountmap

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stratastor/logger"
	"gopkg.in/yaml.v3"

	"github.com/diskarbd/diskarbd/pkg/errors"
)

// Override is a per-device or per-volume-UUID mount preference.
type Override struct {
	// MatchUUID is the volume or media UUID this override applies to.
	MatchUUID string `yaml:"matchUUID"`
	// MountPoint pins a specific mount point instead of a synthesized one.
	MountPoint string `yaml:"mountPoint,omitempty"`
	// Options is an extra comma-separated options string merged into the
	// stage engine's composed mount options.
	Options string `yaml:"options,omitempty"`
	// Automatic overrides the deferral-policy decision for this device when
	// non-nil: true forces automatic mount, false forces deferral.
	Automatic *bool `yaml:"automatic,omitempty"`
}

type document struct {
	Overrides map[string]*Override `yaml:"overrides"`
	UpdatedAt time.Time            `yaml:"updatedAt"`
}

// Store is the in-memory, disk-backed table of mount overrides. Saves are
// atomic (write-temp, rename) and debounced, mirroring the daemon's general
// state-persistence pattern.
type Store struct {
	log  logger.Logger
	path string

	mu        sync.RWMutex
	doc       *document
	saveTimer *time.Timer
	saveDelay time.Duration
	pending   bool
}

// New returns a Store backed by path. Call Load to populate it from disk.
func New(log logger.Logger, path string) *Store {
	return &Store{
		log:       log,
		path:      path,
		doc:       &document{Overrides: make(map[string]*Override)},
		saveDelay: 2 * time.Second,
	}
}

// Load reads the mount-map file from disk, if present. A missing file is not
// an error: the store simply starts empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info("mount-map file not found, starting empty", "path", s.path)
			return nil
		}
		return errors.Wrap(err, errors.MountMapLoadFailed).WithMetadata("path", s.path)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, errors.MountMapCorrupted).WithMetadata("path", s.path)
	}
	if doc.Overrides == nil {
		doc.Overrides = make(map[string]*Override)
	}
	s.doc = &doc
	s.log.Info("mount-map loaded", "path", s.path, "overrides", len(doc.Overrides))
	return nil
}

// Lookup returns the override registered for matchUUID, if any.
func (s *Store) Lookup(matchUUID string) (*Override, bool) {
	if matchUUID == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.doc.Overrides[matchUUID]
	return o, ok
}

// Set records or replaces an override and schedules a debounced save.
func (s *Store) Set(o *Override) {
	s.mu.Lock()
	s.doc.Overrides[o.MatchUUID] = o
	s.scheduleSaveLocked()
	s.mu.Unlock()
}

// Remove deletes the override for matchUUID, if present.
func (s *Store) Remove(matchUUID string) {
	s.mu.Lock()
	if _, ok := s.doc.Overrides[matchUUID]; ok {
		delete(s.doc.Overrides, matchUUID)
		s.scheduleSaveLocked()
	}
	s.mu.Unlock()
}

func (s *Store) scheduleSaveLocked() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.pending = true
	s.saveTimer = time.AfterFunc(s.saveDelay, func() {
		if err := s.Save(); err != nil {
			s.log.Error("failed to save mount-map", "error", err)
		}
	})
}

// Save persists the store to disk immediately via a temp-file-then-rename
// atomic write.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.doc.UpdatedAt = time.Now()

	data, err := yaml.Marshal(s.doc)
	if err != nil {
		return errors.Wrap(err, errors.MountMapSaveFailed).WithMetadata("path", s.path)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.Wrap(err, errors.MountMapSaveFailed).WithMetadata("path", s.path)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, errors.MountMapSaveFailed).WithMetadata("path", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.MountMapSaveFailed).WithMetadata("path", s.path)
	}

	s.pending = false
	s.log.Debug("mount-map saved", "path", s.path)
	return nil
}

// Flush forces an immediate save if one is pending, cancelling the debounce
// timer. Call this during shutdown so a recent override is not lost.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	if s.pending {
		return s.saveLocked()
	}
	return nil
}
