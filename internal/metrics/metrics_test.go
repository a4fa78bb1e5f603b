package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountersAndTimers(t *testing.T) {
	m := NewMetrics()

	m.IncrementCounter("dispatch.created")
	m.IncrementCounter("dispatch.created")
	m.RecordTimer("dispatch.ensure", 20*time.Millisecond)
	m.RecordTimer("dispatch.ensure", 40*time.Millisecond)
	m.SetHealth("database", true)

	require.Equal(t, int64(2), m.GetCounters()["dispatch.created"])

	timer := m.GetTimers()["dispatch.ensure"]
	require.Equal(t, int64(2), timer.Count)
	require.Equal(t, int64(60), timer.TotalTimeMs)
	require.Equal(t, 30.0, timer.AverageTimeMs)

	require.True(t, m.GetHealthChecks()["database"])

	all := m.GetAllMetrics()
	require.Contains(t, all, "uptime_seconds")
	require.Contains(t, all, "counters")
}

func TestConcurrentIncrements(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementCounter("requests")
		}()
	}
	wg.Wait()

	require.Equal(t, int64(50), m.GetCounters()["requests"])
}
