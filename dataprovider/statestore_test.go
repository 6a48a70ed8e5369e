package dataprovider

import (
	"os"
	"path/filepath"
	"testing"

	"riptide/utilities"
)

func newTestStore(t *testing.T) *StateStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStateStore(utilities.StateConfig{
		Dir:       filepath.Join(dir, "state"),
		BackupDir: filepath.Join(dir, "state", "backups"),
	}, utilities.NewLogger(utilities.Error))
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	return store
}

func TestStateStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)

	saved := map[string]float64{"XRP/USDT": 42.5}
	if err := store.Save("cooldowns", saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := map[string]float64{}
	found, err := store.Load("cooldowns", &loaded)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("expected snapshot to exist")
	}
	if loaded["XRP/USDT"] != 42.5 {
		t.Errorf("loaded = %v", loaded)
	}
}

func TestStateStoreMissingKeyIsColdStart(t *testing.T) {
	store := newTestStore(t)
	out := map[string]int{"seed": 1}
	found, err := store.Load("never_saved", &out)
	if err != nil {
		t.Fatalf("missing key should not error: %v", err)
	}
	if found {
		t.Fatal("missing key reported as found")
	}
	if out["seed"] != 1 {
		t.Error("output must be untouched on a cold start")
	}
}

func TestStateStoreBacksUpPreviousSnapshot(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save("positions", map[string]int{"v": 1}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := store.Save("positions", map[string]int{"v": 2}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	entries, err := os.ReadDir(store.backupDir)
	if err != nil {
		t.Fatalf("read backup dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected a backup of the overwritten snapshot")
	}

	loaded := map[string]int{}
	if _, err := store.Load("positions", &loaded); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded["v"] != 2 {
		t.Errorf("live snapshot = %v, want v=2", loaded)
	}
}

func TestStateStorePruneBackups(t *testing.T) {
	store := newTestStore(t)
	stale := filepath.Join(store.backupDir, "old.json_1.bak")
	if err := os.WriteFile(stale, []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed backup: %v", err)
	}
	if err := store.PruneBackups(0); err != nil {
		t.Fatalf("PruneBackups: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale backup should have been removed")
	}
}
