// File: dataprovider/statestore.go
package dataprovider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"riptide/utilities"
)

// StateStore persists engine state as JSON snapshots, one file per key.
// Every save first copies the previous snapshot into the backup directory,
// then writes to a temp file and renames it over the live one, so a crash
// mid-write never leaves a torn file behind.
type StateStore struct {
	dir       string
	backupDir string
	logger    *utilities.Logger
}

func NewStateStore(cfg utilities.StateConfig, logger *utilities.Logger) (*StateStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create dir: %w", err)
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create backup dir: %w", err)
	}
	return &StateStore{dir: cfg.Dir, backupDir: cfg.BackupDir, logger: logger}, nil
}

func (s *StateStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Load reads the snapshot for key into out. A missing file is a cold start,
// not an error: it returns (false, nil) and leaves out untouched.
func (s *StateStore) Load(key string, out interface{}) (bool, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("statestore: read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("statestore: decode %s: %w", key, err)
	}
	return true, nil
}

// Save snapshots v under key, backing up the previous snapshot first.
func (s *StateStore) Save(key string, v interface{}) error {
	live := s.path(key)

	if prev, err := os.ReadFile(live); err == nil {
		backup := filepath.Join(s.backupDir, fmt.Sprintf("%s.json_%d.bak", key, time.Now().Unix()))
		if err := os.WriteFile(backup, prev, 0o644); err != nil {
			s.logger.LogWarn("statestore: backup of %s failed: %v", key, err)
		}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: encode %s: %w", key, err)
	}
	tmp := live + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statestore: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, live); err != nil {
		return fmt.Errorf("statestore: rename %s: %w", key, err)
	}
	return nil
}

// PruneBackups removes backup snapshots older than maxAge.
func (s *StateStore) PruneBackups(maxAge time.Duration) error {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return fmt.Errorf("statestore: read backup dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.backupDir, entry.Name())); err != nil {
				s.logger.LogWarn("statestore: prune %s failed: %v", entry.Name(), err)
			}
		}
	}
	return nil
}
