// Package config loads and persists the YAML configuration document
// under a mutex (a plain sync.Mutex, not re-entrant), writing via a temp-file then rename for
// atomicity, falling back to an in-place rewrite when rename is
// refused (EBUSY).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jony/caldav-reconciler/internal/models"
)

// EnvVar is the environment variable naming an explicit config path.
const EnvVar = "RECONCILER_CONFIG"

// DefaultPath returns $RECONCILER_CONFIG, or
// ~/.caldav-reconciler/config.yaml if unset.
func DefaultPath() string {
	if p := os.Getenv(EnvVar); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".caldav-reconciler", "config.yaml")
}

// Store is a mutex-guarded, file-backed config document. The mutex is
// not re-entrant: a Store method must not call another while holding it.
type Store struct {
	path string
	mu   sync.Mutex
	cfg  models.Config
}

// Load reads path (or DefaultPath()) into a new Store. A missing file
// yields a Store holding the zero-value Config, not an error, so first
// run can proceed straight to the setup wizard.
func Load(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return s, nil
}

// Get returns a copy of the current configuration.
func (s *Store) Get() models.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Merge deep-merges patch into the live config under the store's mutex,
// persisting the result, then returns the merged config.
func (s *Store) Merge(patch models.Config) (models.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := deepMerge(s.cfg, patch)
	if err := s.writeLocked(merged); err != nil {
		return models.Config{}, err
	}
	s.cfg = merged
	return merged, nil
}

// Set persists a full replacement config.
func (s *Store) Set(cfg models.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(cfg); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func (s *Store) writeLocked(cfg models.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		// Rename refused (e.g. EBUSY on some mounted/locked filesystems):
		// fall back to an in-place rewrite rather than losing the write.
		if werr := os.WriteFile(s.path, data, 0o600); werr != nil {
			return fmt.Errorf("fallback in-place config write after rename error (%v): %w", err, werr)
		}
		os.Remove(tmp)
	}
	return nil
}

// deepMerge overlays patch on top of base: non-zero scalar fields and
// non-empty slices/maps in patch win.
func deepMerge(base, patch models.Config) models.Config {
	if patch.CalDAV.BaseURL != "" {
		base.CalDAV.BaseURL = patch.CalDAV.BaseURL
	}
	if patch.CalDAV.Username != "" {
		base.CalDAV.Username = patch.CalDAV.Username
	}
	if patch.CalDAV.Password != "" {
		base.CalDAV.Password = patch.CalDAV.Password
	}
	if patch.AI.BaseURL != "" {
		base.AI.BaseURL = patch.AI.BaseURL
	}
	if patch.AI.APIKey != "" {
		base.AI.APIKey = patch.AI.APIKey
	}
	if patch.AI.Model != "" {
		base.AI.Model = patch.AI.Model
	}
	if patch.AI.TimeoutSecond != 0 {
		base.AI.TimeoutSecond = patch.AI.TimeoutSecond
	}
	if patch.AI.SystemPrompt != "" {
		base.AI.SystemPrompt = patch.AI.SystemPrompt
	}
	if patch.Sync.WindowDays != 0 {
		base.Sync.WindowDays = patch.Sync.WindowDays
	}
	if patch.Sync.IntervalSecond != 0 {
		base.Sync.IntervalSecond = patch.Sync.IntervalSecond
	}
	if patch.Sync.Timezone != "" {
		base.Sync.Timezone = patch.Sync.Timezone
	}
	if len(patch.CalendarRules.ImmutableKeywords) > 0 {
		base.CalendarRules.ImmutableKeywords = patch.CalendarRules.ImmutableKeywords
	}
	if len(patch.CalendarRules.ImmutableCalendarIDs) > 0 {
		base.CalendarRules.ImmutableCalendarIDs = patch.CalendarRules.ImmutableCalendarIDs
	}
	if patch.CalendarRules.Staging.ID != "" || patch.CalendarRules.Staging.Name != "" {
		base.CalendarRules.Staging = patch.CalendarRules.Staging
	}
	if patch.CalendarRules.User.ID != "" || patch.CalendarRules.User.Name != "" {
		base.CalendarRules.User = patch.CalendarRules.User
	}
	if patch.CalendarRules.Intake.ID != "" || patch.CalendarRules.Intake.Name != "" {
		base.CalendarRules.Intake = patch.CalendarRules.Intake
	}
	if len(patch.CalendarRules.PerCalendarDefaults) > 0 {
		if base.CalendarRules.PerCalendarDefaults == nil {
			base.CalendarRules.PerCalendarDefaults = map[string]models.PerCalendarDefault{}
		}
		for k, v := range patch.CalendarRules.PerCalendarDefaults {
			base.CalendarRules.PerCalendarDefaults[k] = v
		}
	}
	if len(patch.TaskDefaults.EditableFields) > 0 {
		base.TaskDefaults = patch.TaskDefaults
	}
	return base
}
