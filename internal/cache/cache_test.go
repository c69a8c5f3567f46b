package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func age(t *testing.T, path string, by time.Duration) {
	t.Helper()
	old := time.Now().Add(-by)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestPathIsDeterministicAndContained(t *testing.T) {
	s := NewStore("/data", 24*time.Hour)
	assert.Equal(t, filepath.Join("/data", "conebeam", "abc123.zip"), s.Path("abc123"))
	assert.Equal(t, s.Path("abc123"), s.Path("abc123"))
	assert.Equal(t, filepath.Join("/data", "conebeam", "_2E_2E_2Fetc_2Fpasswd.zip"), s.Path("../etc/passwd"))
}

func TestPathDistinctForDistinctOrders(t *testing.T) {
	s := NewStore("/data", 24*time.Hour)
	ids := []string{"abc_123", "abc.123", "abc 123", "abc_2E123", "abc/123", "abc-123", "abc123"}
	seen := make(map[string]string, len(ids))
	for _, id := range ids {
		p := s.Path(id)
		if prev, dup := seen[p]; dup {
			t.Fatalf("orders %q and %q share %s", prev, id, p)
		}
		seen[p] = id
		assert.Equal(t, filepath.Join("/data", "conebeam"), filepath.Dir(p))
	}
	assert.NotEqual(t, s.Path("a.b"), s.Path("a_b"))
}

func TestLookupDoesNotServeLookalikeOrder(t *testing.T) {
	s := NewStore(t.TempDir(), 24*time.Hour)
	require.NoError(t, s.Persist("abc_123", []byte("archive of abc_123")))

	data, ok, err := s.Lookup("abc.123")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)

	data, ok, err = s.Lookup("abc_123")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("archive of abc_123"), data)
}

func TestLookupMissing(t *testing.T) {
	s := NewStore(t.TempDir(), 24*time.Hour)
	data, ok, err := s.Lookup("abc123")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestPersistThenLookupFresh(t *testing.T) {
	s := NewStore(t.TempDir(), 24*time.Hour)
	require.NoError(t, s.Persist("abc123", []byte("zip-bytes")))
	require.NoError(t, s.Persist("abc123", []byte("zip-bytes-2")))

	data, ok, err := s.Lookup("abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "zip-bytes-2", string(data))

	entry, ok, err := s.Open("abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(len("zip-bytes-2")), entry.Size)
}

func TestLookupStaleEvicts(t *testing.T) {
	s := NewStore(t.TempDir(), 24*time.Hour)
	require.NoError(t, s.Persist("abc123", []byte("old")))
	age(t, s.Path("abc123"), 25*time.Hour)

	_, ok, err := s.Lookup("abc123")
	require.NoError(t, err)
	assert.False(t, ok)

	_, statErr := os.Stat(s.Path("abc123"))
	assert.True(t, os.IsNotExist(statErr), "stale archive should be deleted")
}

func TestLookupUsesInjectedClock(t *testing.T) {
	s := NewStore(t.TempDir(), 24*time.Hour)
	require.NoError(t, s.Persist("abc123", []byte("x")))

	s.SetClock(func() time.Time { return time.Now().Add(23 * time.Hour) })
	_, ok, err := s.Lookup("abc123")
	require.NoError(t, err)
	assert.True(t, ok)

	s.SetClock(func() time.Time { return time.Now().Add(24 * time.Hour) })
	_, ok, err = s.Lookup("abc123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyOrderID(t *testing.T) {
	s := NewStore(t.TempDir(), time.Hour)
	_, _, err := s.Lookup("")
	assert.Error(t, err)
	assert.Error(t, s.Persist("", []byte("x")))
}

func TestScheduleEvictionDeletesStaleArchive(t *testing.T) {
	s := NewStore(t.TempDir(), 20*time.Millisecond)
	defer s.Stop()
	require.NoError(t, s.Persist("abc123", []byte("x")))

	s.ScheduleEviction("abc123", 30*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(s.Path("abc123"))
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduleEvictionKeepsRebuiltArchive(t *testing.T) {
	s := NewStore(t.TempDir(), time.Hour)
	defer s.Stop()
	require.NoError(t, s.Persist("abc123", []byte("fresh")))

	s.ScheduleEviction("abc123", 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	data, ok, err := s.Lookup("abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", string(data))
}

func TestScheduleEvictionMissingFileIsSilent(t *testing.T) {
	s := NewStore(t.TempDir(), time.Millisecond)
	defer s.Stop()
	s.ScheduleEviction("ghost", time.Millisecond)
	time.Sleep(20 * time.Millisecond)
}

func TestSweepRemovesOnlyStale(t *testing.T) {
	s := NewStore(t.TempDir(), 24*time.Hour)
	require.NoError(t, s.Persist("old", []byte("o")))
	require.NoError(t, s.Persist("new", []byte("n")))
	age(t, s.Path("old"), 48*time.Hour)

	leftover := filepath.Join(s.Dir(), ".tmp-123")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0o600))
	age(t, leftover, 48*time.Hour)

	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, err := s.Lookup("new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepMissingDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "none"), time.Hour)
	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
}
