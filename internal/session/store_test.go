package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id string) Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return Record{
		SessionID:        id,
		CreatedAt:        now,
		LastActivity:     now,
		WorkingDirectory: "/workspace/demo",
		Model:            "claude-sonnet-4-20250514",
		PromptCount:      1,
		TotalCostUSD:     0.0125,
	}
}

func TestStoreSaveGetRoundTrip(t *testing.T) {
	s := NewStore(10, time.Hour)
	rec := testRecord("sess-1")

	s.Save(rec)
	got, ok := s.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestStoreGetAbsent(t *testing.T) {
	s := NewStore(10, time.Hour)
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestStoreDelete(t *testing.T) {
	s := NewStore(10, time.Hour)
	s.Save(testRecord("sess-1"))

	assert.True(t, s.Delete("sess-1"))
	_, ok := s.Get("sess-1")
	assert.False(t, ok)
	assert.False(t, s.Delete("sess-1"), "delete of an absent id reports false")
}

func TestStoreUpdateActivity(t *testing.T) {
	s := NewStore(10, time.Hour)
	rec := testRecord("sess-1")
	s.Save(rec)

	require.True(t, s.UpdateActivity("sess-1", 0.05))

	got, ok := s.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, 2, got.PromptCount)
	assert.InDelta(t, 0.0625, got.TotalCostUSD, 1e-9)
	assert.False(t, got.LastActivity.Before(rec.LastActivity))
	assert.False(t, got.LastActivity.Before(got.CreatedAt), "lastActivity >= createdAt invariant")
}

func TestStoreUpdateActivityAbsentDoesNotCreate(t *testing.T) {
	s := NewStore(10, time.Hour)
	assert.False(t, s.UpdateActivity("ghost", 1.0))
	assert.Zero(t, s.Len())
}

func TestStoreMaxSizeEvictsLRU(t *testing.T) {
	s := NewStore(3, time.Hour)
	for i := 0; i < 3; i++ {
		s.Save(testRecord(fmt.Sprintf("sess-%d", i)))
	}
	// Touch sess-0 so sess-1 becomes least recently used.
	_, ok := s.Get("sess-0")
	require.True(t, ok)

	s.Save(testRecord("sess-3"))

	assert.LessOrEqual(t, s.Len(), 3)
	_, ok = s.Get("sess-1")
	assert.False(t, ok, "least-recently-used entry is evicted")
	_, ok = s.Get("sess-0")
	assert.True(t, ok)
	_, ok = s.Get("sess-3")
	assert.True(t, ok)
}

func TestStoreLenBoundedUnderChurn(t *testing.T) {
	s := NewStore(5, time.Hour)
	for i := 0; i < 50; i++ {
		s.Save(testRecord(fmt.Sprintf("sess-%d", i)))
		require.LessOrEqual(t, s.Len(), 5)
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	s := NewStore(10, time.Hour)
	s.Save(testRecord("sess-1"))

	base := time.Now()
	s.now = func() time.Time { return base.Add(2 * time.Hour) }

	_, ok := s.Get("sess-1")
	assert.False(t, ok, "expired entry reads as absent")
	assert.Zero(t, s.Len(), "expired entry is removed on access")
}

func TestStoreTTLMeasuredFromLastTouch(t *testing.T) {
	s := NewStore(10, 10*time.Minute)
	s.Save(testRecord("sess-1"))

	base := time.Now()
	s.now = func() time.Time { return base.Add(8 * time.Minute) }
	require.True(t, s.UpdateActivity("sess-1", 0))

	// 8m after the touch, 16m after creation: still alive.
	s.now = func() time.Time { return base.Add(16 * time.Minute) }
	_, ok := s.Get("sess-1")
	assert.True(t, ok)
}

func TestStoreListDropsExpired(t *testing.T) {
	s := NewStore(10, 10*time.Minute)
	s.Save(testRecord("old"))

	base := time.Now()
	s.now = func() time.Time { return base.Add(20 * time.Minute) }
	fresh := testRecord("fresh")
	fresh.LastActivity = base.Add(20 * time.Minute)
	s.Save(fresh)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].SessionID)
}

func TestStoreClear(t *testing.T) {
	s := NewStore(10, time.Hour)
	s.Save(testRecord("a"))
	s.Save(testRecord("b"))

	assert.Equal(t, 2, s.Clear())
	assert.Zero(t, s.Len())
	assert.Zero(t, s.Clear())
}

func TestStoreConcurrentUpdateActivityNoLostIncrements(t *testing.T) {
	s := NewStore(10, time.Hour)
	rec := testRecord("sess-1")
	rec.PromptCount = 0
	rec.TotalCostUSD = 0
	s.Save(rec)

	const goroutines = 8
	const perGoroutine = 100
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				s.UpdateActivity("sess-1", 0.01)
			}
		}()
	}
	wg.Wait()

	got, ok := s.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, goroutines*perGoroutine, got.PromptCount)
	assert.InDelta(t, float64(goroutines*perGoroutine)*0.01, got.TotalCostUSD, 1e-6)
}
