package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"envsync/internal/config"
)

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		history config.HistoryConfig
		enabled bool
		driver  string
		busy    time.Duration
		wantErr bool
	}{
		{name: "none", history: config.HistoryConfig{Driver: "none"}},
		{name: "empty", history: config.HistoryConfig{}},
		{name: "file", history: config.HistoryConfig{Driver: "file", Path: "/tmp/h.jsonl", Keep: 10}, enabled: true, driver: "file"},
		{name: "sqlite default busy", history: config.HistoryConfig{Driver: "SQLite3", Path: "/tmp/h.db"}, enabled: true, driver: "sqlite", busy: time.Second},
		{name: "sqlite busy", history: config.HistoryConfig{Driver: "sqlite", Path: "/tmp/h.db", BusyTimeout: "250ms"}, enabled: true, driver: "sqlite", busy: 250 * time.Millisecond},
		{name: "sqlite no path", history: config.HistoryConfig{Driver: "sqlite"}, wantErr: true},
		{name: "sqlite bad busy", history: config.HistoryConfig{Driver: "sqlite", Path: "/tmp/h.db", BusyTimeout: "soon"}, wantErr: true},
		{name: "unknown", history: config.HistoryConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{History: tc.history})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("mapStorageConfig: %v", err)
			}
			if enabled != tc.enabled || sc.Driver != tc.driver || sc.BusyTimeout != tc.busy {
				t.Fatalf("got %+v enabled=%v", sc, enabled)
			}
		})
	}
}

func TestNewLoadsConfigAndStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	histPath := filepath.Join(dir, "runs.jsonl")
	body := "history:\n  driver: file\n  path: " + histPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	a, err := New(Options{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Store() == nil {
		t.Fatalf("expected a history store")
	}
	if got := a.Config().History.Path; got != histPath {
		t.Fatalf("history path = %q", got)
	}
	if a.conn != nil || a.svc != nil {
		t.Fatalf("New must not touch the session bus")
	}
}

func TestNewRejectsMissingExplicitConfig(t *testing.T) {
	if _, err := New(Options{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")}); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}
