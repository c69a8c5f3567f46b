package job

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleToCompleted(t *testing.T) {
	tr := NewTracker(10, time.Hour)
	created := tr.Create("abc-1", "abc")
	assert.Equal(t, StatusPending, created.Status)
	assert.Zero(t, created.Progress)

	require.True(t, tr.SetProcessing("abc-1"))
	require.True(t, tr.UpdateProgress("abc-1", 33))
	require.True(t, tr.UpdateProgress("abc-1", 67))

	got, ok := tr.Get("abc-1")
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, 67, got.Progress)

	require.True(t, tr.SetCompleted("abc-1"))
	got, _ = tr.Get("abc-1")
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, got.Error)
}

func TestProgressNeverDecreasesNorReaches100WhileProcessing(t *testing.T) {
	tr := NewTracker(10, time.Hour)
	tr.Create("j", "o")
	tr.SetProcessing("j")

	tr.UpdateProgress("j", 50)
	assert.False(t, tr.UpdateProgress("j", 40))
	tr.UpdateProgress("j", 100)

	got, _ := tr.Get("j")
	assert.Equal(t, 99, got.Progress)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestProgressIgnoredOutsideProcessing(t *testing.T) {
	tr := NewTracker(10, time.Hour)
	tr.Create("j", "o")
	assert.False(t, tr.UpdateProgress("j", 10), "pending job")

	tr.SetProcessing("j")
	tr.SetError("j", "fetch a.dcm: http 500")
	assert.False(t, tr.UpdateProgress("j", 10), "failed job")

	got, _ := tr.Get("j")
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "fetch a.dcm: http 500", got.Error)
	assert.Zero(t, got.Progress)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	tr := NewTracker(10, time.Hour)
	tr.Create("j", "o")
	tr.SetProcessing("j")
	tr.SetCompleted("j")

	assert.False(t, tr.SetError("j", "late"))
	assert.False(t, tr.SetProcessing("j"))
	got, _ := tr.Get("j")
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestUnknownJobIsNoop(t *testing.T) {
	tr := NewTracker(10, time.Hour)
	assert.False(t, tr.SetProcessing("missing"))
	assert.False(t, tr.UpdateProgress("missing", 10))
	assert.False(t, tr.SetCompleted("missing"))
	assert.False(t, tr.SetError("missing", "x"))
	_, ok := tr.Get("missing")
	assert.False(t, ok)
}

func TestCreateOverwrites(t *testing.T) {
	tr := NewTracker(10, time.Hour)
	tr.Create("j", "o")
	tr.SetProcessing("j")
	tr.UpdateProgress("j", 40)

	tr.Create("j", "o")
	got, _ := tr.Get("j")
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Progress)
}

func TestGetReturnsSnapshot(t *testing.T) {
	tr := NewTracker(10, time.Hour)
	tr.Create("j", "o")
	snapshot, _ := tr.Get("j")
	tr.SetProcessing("j")
	assert.Equal(t, StatusPending, snapshot.Status)
}

func TestCapacityBound(t *testing.T) {
	tr := NewTracker(3, time.Hour)
	for i := 0; i < 10; i++ {
		tr.Create(fmt.Sprintf("j%d", i), "o")
	}
	assert.Equal(t, 3, tr.Len())
	_, ok := tr.Get("j0")
	assert.False(t, ok)
	_, ok = tr.Get("j9")
	assert.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	tr := NewTracker(10, 30*time.Millisecond)
	tr.Create("j", "o")
	assert.Eventually(t, func() bool {
		_, ok := tr.Get("j")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentProgressUpdates(t *testing.T) {
	tr := NewTracker(10, time.Hour)
	tr.Create("j", "o")
	tr.SetProcessing("j")

	var wg sync.WaitGroup
	for i := 1; i <= 99; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			tr.UpdateProgress("j", p)
		}(i)
	}
	wg.Wait()
	got, _ := tr.Get("j")
	assert.Equal(t, 99, got.Progress)
}
