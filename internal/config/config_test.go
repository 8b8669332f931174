package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jony/caldav-reconciler/internal/models"
)

func TestLoadMissingFileYieldsZeroValue(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Get().Sync.WindowDays != 0 {
		t.Error("expected zero-value config for a missing file")
	}
}

func TestSetThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := models.Config{
		CalDAV: models.CalDAVConfig{BaseURL: "https://nextcloud.example", Username: "jony"},
		Sync:   models.SyncConfig{WindowDays: 14, IntervalSecond: 300, Timezone: "Asia/Dhaka"},
	}
	if err := s.Set(cfg); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Get().CalDAV.BaseURL != "https://nextcloud.example" {
		t.Errorf("CalDAV.BaseURL = %q", reloaded.Get().CalDAV.BaseURL)
	}
	if reloaded.Get().Sync.WindowDays != 14 {
		t.Errorf("Sync.WindowDays = %d", reloaded.Get().Sync.WindowDays)
	}
}

func TestSetWritesAtomicallyNoStaleTmpFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, _ := Load(path)
	if err := s.Set(models.Config{Sync: models.SyncConfig{WindowDays: 7}}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after a successful atomic rename")
	}
}

func TestMergeNewWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, _ := Load(path)
	s.Set(models.Config{Sync: models.SyncConfig{WindowDays: 7, Timezone: "UTC"}})

	merged, err := s.Merge(models.Config{Sync: models.SyncConfig{WindowDays: 14}})
	if err != nil {
		t.Fatal(err)
	}
	if merged.Sync.WindowDays != 14 {
		t.Errorf("expected patch to win on WindowDays, got %d", merged.Sync.WindowDays)
	}
	if merged.Sync.Timezone != "UTC" {
		t.Errorf("expected untouched field to survive merge, got %q", merged.Sync.Timezone)
	}
}

func TestMergePerCalendarDefaultsAccumulate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, _ := Load(path)
	s.Set(models.Config{CalendarRules: models.CalendarRulesConfig{
		PerCalendarDefaults: map[string]models.PerCalendarDefault{"cal-a": {Mode: "immutable"}},
	}})
	merged, err := s.Merge(models.Config{CalendarRules: models.CalendarRulesConfig{
		PerCalendarDefaults: map[string]models.PerCalendarDefault{"cal-b": {Mode: "editable"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.CalendarRules.PerCalendarDefaults) != 2 {
		t.Errorf("expected per-calendar overrides to accumulate, got %v", merged.CalendarRules.PerCalendarDefaults)
	}
}
