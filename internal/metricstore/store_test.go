package metricstore

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(horizon time.Duration, maxPoints int) *Store {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, horizon, maxPoints)
}

func TestAppendWindow_ArrivalOrder(t *testing.T) {
	store := newTestStore(time.Hour, 0)

	values := []float64{0.3, 0.9, 0.1, 0.7, 0.5}
	for _, v := range values {
		store.Append("user-1", "session-1", MetricEngagement, v, nil)
	}

	window := store.Window("user-1", MetricEngagement, time.Time{})
	require.Len(t, window, len(values))
	for i, p := range window {
		assert.Equal(t, values[i], p.Value, "window must preserve arrival order")
	}
}

func TestWindow_SnapshotIsolation(t *testing.T) {
	store := newTestStore(time.Hour, 0)

	store.Append("user-1", "session-1", MetricSafety, 0.8, nil)
	window := store.Window("user-1", MetricSafety, time.Time{})
	require.Len(t, window, 1)

	store.Append("user-1", "session-1", MetricSafety, 0.2, nil)
	assert.Len(t, window, 1, "earlier window must not see later appends")
}

func TestWindow_Since(t *testing.T) {
	store := newTestStore(time.Hour, 0)
	base := time.Now()
	store.now = func() time.Time { return base }
	store.Append("user-1", "s", MetricProgress, 0.1, nil)

	store.now = func() time.Time { return base.Add(10 * time.Minute) }
	store.Append("user-1", "s", MetricProgress, 0.2, nil)

	window := store.Window("user-1", MetricProgress, base.Add(5*time.Minute))
	require.Len(t, window, 1)
	assert.Equal(t, 0.2, window[0].Value)
}

func TestRetention_LazyEvictionOnAppend(t *testing.T) {
	store := newTestStore(time.Hour, 0)
	base := time.Now()

	store.now = func() time.Time { return base }
	store.Append("user-1", "s", MetricEngagement, 0.5, nil)

	store.now = func() time.Time { return base.Add(2 * time.Hour) }
	store.Append("user-1", "s", MetricEngagement, 0.6, nil)

	window := store.Window("user-1", MetricEngagement, time.Time{})
	require.Len(t, window, 1)
	assert.Equal(t, 0.6, window[0].Value)
}

func TestRetention_Sweep(t *testing.T) {
	store := newTestStore(time.Hour, 0)
	base := time.Now()

	store.now = func() time.Time { return base }
	store.Append("user-1", "s1", MetricEngagement, 0.5, nil)
	store.Append("user-2", "s2", MetricSafety, 0.7, nil)

	store.now = func() time.Time { return base.Add(2 * time.Hour) }
	evicted := store.Sweep()
	assert.Equal(t, 2, evicted)
	assert.Empty(t, store.Window("user-1", MetricEngagement, time.Time{}))
	assert.Empty(t, store.Sessions(), "stale sessions are dropped by the sweep")
}

func TestRetention_MaxPointsBound(t *testing.T) {
	store := newTestStore(time.Hour, 3)

	for i := 0; i < 10; i++ {
		store.Append("user-1", "s", MetricCrisisRisk, float64(i)/10, nil)
	}

	window := store.Window("user-1", MetricCrisisRisk, time.Time{})
	require.Len(t, window, 3)
	assert.Equal(t, 0.7, window[0].Value, "oldest surplus points are dropped")
	assert.Equal(t, 0.9, window[2].Value)
}

func TestLatest(t *testing.T) {
	store := newTestStore(time.Hour, 0)

	store.Append("user-1", "s", MetricEngagement, 0.4, nil)
	store.Append("user-1", "s", MetricEngagement, 0.6, nil)
	store.Append("user-1", "s", MetricSafety, 0.9, map[string]interface{}{"scene": "forest"})

	latest := store.Latest("user-1")
	require.Len(t, latest, 2)
	assert.Equal(t, 0.6, latest[MetricEngagement].Value)
	assert.Equal(t, 0.9, latest[MetricSafety].Value)
	assert.Equal(t, "forest", latest[MetricSafety].Context["scene"])
}

func TestSessions_TracksRecentProducers(t *testing.T) {
	store := newTestStore(time.Hour, 0)

	store.Append("user-1", "session-a", MetricEngagement, 0.5, nil)
	store.Append("user-2", "session-b", MetricSafety, 0.8, nil)

	sessions := store.Sessions()
	assert.Equal(t, map[string]string{
		"session-a": "user-1",
		"session-b": "user-2",
	}, sessions)
}

func TestAppend_OutOfRangeAcceptedNotRejected(t *testing.T) {
	store := newTestStore(time.Hour, 0)

	store.Append("user-1", "s", MetricEngagement, 1.7, nil)
	window := store.Window("user-1", MetricEngagement, time.Time{})
	require.Len(t, window, 1, "out-of-range values are accepted on append")
	assert.Equal(t, 1.7, window[0].Value)
}
