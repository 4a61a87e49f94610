package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// snapshotVersion is the on-disk schema version. Loading a file with a
// different version yields an empty store, never an error: a downgrade must
// not brick startup over a cache file.
const snapshotVersion = 1

type snapshot struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"savedAt"`
	Sessions []Record  `json:"sessions"`
}

// PersistToFile serializes every live record to path. The snapshot is
// written to a temp file in the target's directory and atomically renamed
// over the target, so a reader never observes a partially written file. On
// write failure the temp file is removed and the target is left untouched.
func (s *Store) PersistToFile(path string) error {
	snap := snapshot{
		Version:  snapshotVersion,
		SavedAt:  s.now().UTC(),
		Sessions: s.List(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session: write snapshot tmp: %w", err)
	}

	// Sync the temp file before rename for crash safety.
	f, err := os.Open(tmp) //nolint:gosec // path comes from configuration
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session: open snapshot tmp for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("session: sync snapshot tmp: %w", err)
	}
	_ = f.Close()

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session: rename snapshot: %w", err)
	}
	return nil
}

// LoadFromFile creates a store and restores any snapshot found at path.
// A missing file or a version mismatch yields an empty store. Records whose
// last activity already exceeds ttl at load time are skipped.
func LoadFromFile(path string, maxSize int, ttl time.Duration, logger *slog.Logger) (*Store, error) {
	s := NewStore(maxSize, ttl)

	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("session: parse snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		logger.Warn("session snapshot version mismatch, starting empty",
			"path", filepath.Base(path),
			"got", snap.Version,
			"want", snapshotVersion,
		)
		return s, nil
	}

	now := s.now()
	skipped := 0
	// Oldest first so LRU order matches activity order after restore.
	for i := len(snap.Sessions) - 1; i >= 0; i-- {
		rec := snap.Sessions[i]
		if now.Sub(rec.LastActivity) > ttl {
			skipped++
			continue
		}
		s.Save(rec)
	}

	logger.Info("session snapshot restored",
		"sessions", s.Len(),
		"skipped_expired", skipped,
		"saved_at", snap.SavedAt,
	)
	return s, nil
}
