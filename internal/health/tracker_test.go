package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerConverges(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 30; i++ {
		tr.Observe("fast", 100*time.Millisecond, false)
		tr.Observe("down", 2*time.Second, true)
	}

	r := tr.Report()
	require.Contains(t, r, "fast")
	require.Contains(t, r, "down")

	assert.InDelta(t, 0.1, r["fast"].Latency, 0.01)
	assert.InDelta(t, 0, r["fast"].ErrorRate, 0.01)
	assert.Greater(t, r["down"].ErrorRate, 0.9)
	assert.Equal(t, int64(30), r["down"].Attempts)
	assert.Equal(t, int64(30), r["down"].Failures)
	assert.Zero(t, r["fast"].Failures)
}

func TestTrackerConcurrentObserve(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Observe("psp", time.Millisecond, i%2 == 0)
		}(i)
	}
	wg.Wait()

	r := tr.Report()["psp"]
	assert.Equal(t, int64(20), r.Attempts)
	assert.Equal(t, int64(10), r.Failures)
}
