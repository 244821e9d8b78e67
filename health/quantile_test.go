package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuantileTracker(t *testing.T) {
	q := NewQuantileTracker()
	assert.Equal(t, time.Duration(0), q.Quantile(0.9))

	for i := 1; i <= 100; i++ {
		q.Add(time.Duration(i) * time.Millisecond)
	}
	q.Add(-time.Second)

	assert.Equal(t, 100, q.Count())
	assert.InDelta(t, float64(90*time.Millisecond), float64(q.Quantile(0.9)), float64(2*time.Millisecond))
	assert.InDelta(t, float64(50*time.Millisecond), float64(q.Quantile(0.5)), float64(2*time.Millisecond))
}

func TestLatencyTracker(t *testing.T) {
	l := NewLatencyTracker()
	_, ok := l.P90("A")
	assert.False(t, ok)

	l.Observe("A", 200*time.Millisecond)
	l.Observe("B", time.Second)

	p90, ok := l.P90("A")
	assert.True(t, ok)
	assert.InDelta(t, float64(200*time.Millisecond), float64(p90), float64(5*time.Millisecond))

	l.Reset()
	_, ok = l.P90("B")
	assert.False(t, ok)
}
