package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/testutil"
)

func TestPersistLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	s := NewStore(10, time.Hour)
	a := testRecord("sess-a")
	b := testRecord("sess-b")
	b.PromptCount = 7
	b.TotalCostUSD = 1.25
	s.Save(a)
	s.Save(b)

	require.NoError(t, s.PersistToFile(path))

	loaded, err := LoadFromFile(path, 10, time.Hour, testutil.TestLogger())
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Len())

	got, ok := loaded.Get("sess-b")
	require.True(t, ok)
	assert.Equal(t, b, got)
	got, ok = loaded.Get("sess-a")
	require.True(t, ok)
	assert.Equal(t, a, got)
}

func TestLoadSkipsExpiredRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	s := NewStore(10, 24*time.Hour)
	fresh := testRecord("fresh")
	stale := testRecord("stale")
	stale.CreatedAt = time.Now().Add(-3 * time.Hour)
	stale.LastActivity = time.Now().Add(-2 * time.Hour)
	s.Save(fresh)
	s.Save(stale)
	require.NoError(t, s.PersistToFile(path))

	// Load with a 1h TTL: the stale record's last activity is 2h old.
	loaded, err := LoadFromFile(path, 10, time.Hour, testutil.TestLogger())
	require.NoError(t, err)

	assert.Equal(t, 1, loaded.Len())
	_, ok := loaded.Get("stale")
	assert.False(t, ok)
	_, ok = loaded.Get("fresh")
	assert.True(t, ok)
}

func TestLoadMissingFileYieldsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	s, err := LoadFromFile(path, 10, time.Hour, testutil.TestLogger())
	require.NoError(t, err)
	assert.Zero(t, s.Len())
}

func TestLoadVersionMismatchYieldsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	data, err := json.Marshal(map[string]any{
		"version": 99,
		"savedAt": time.Now().UTC(),
		"sessions": []Record{
			testRecord("sess-1"),
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := LoadFromFile(path, 10, time.Hour, testutil.TestLogger())
	require.NoError(t, err)
	assert.Zero(t, s.Len(), "version mismatch is treated as empty, not fatal")
}

func TestPersistedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	s := NewStore(10, time.Hour)
	s.Save(testRecord("sess-1"))
	require.NoError(t, s.PersistToFile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "version")
	assert.Contains(t, doc, "savedAt")
	assert.Contains(t, doc, "sessions")

	var version int
	require.NoError(t, json.Unmarshal(doc["version"], &version))
	assert.Equal(t, 1, version)

	var sessions []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["sessions"], &sessions))
	require.Len(t, sessions, 1)
	for _, field := range []string{"sessionId", "createdAt", "lastActivity", "workingDirectory", "model", "promptCount", "totalCostUsd"} {
		assert.Contains(t, sessions[0], field)
	}
}

func TestPersistFailureLeavesTargetIntactAndNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	s := NewStore(10, time.Hour)
	s.Save(testRecord("sess-1"))
	require.NoError(t, s.PersistToFile(path))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// Plant a directory where the temp file would be written so the write
	// phase fails mid-flight.
	tmp := path + ".tmp"
	require.NoError(t, os.Mkdir(tmp, 0o755))

	s.Save(testRecord("sess-2"))
	err = s.PersistToFile(path)
	require.Error(t, err)

	// The previous snapshot is still intact and readable.
	after, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, before, after, "failed write must not corrupt the target")

	// No stray temp files remain.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "stray temp file left behind: %s", e.Name())
	}
}

func TestPersistToMissingDirectoryFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "sessions.json")
	s := NewStore(10, time.Hour)
	s.Save(testRecord("sess-1"))
	assert.Error(t, s.PersistToFile(path))
}

func TestLoadPreservesLRUOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	s := NewStore(10, time.Hour)
	for _, id := range []string{"oldest", "middle", "newest"} {
		s.Save(testRecord(id))
	}
	require.NoError(t, s.PersistToFile(path))

	// Restore into a store only big enough for two entries: the oldest by
	// activity order must be the one that falls off.
	loaded, err := LoadFromFile(path, 2, time.Hour, testutil.TestLogger())
	require.NoError(t, err)

	assert.Equal(t, 2, loaded.Len())
	_, ok := loaded.Get("oldest")
	assert.False(t, ok)
	_, ok = loaded.Get("newest")
	assert.True(t, ok)
}
