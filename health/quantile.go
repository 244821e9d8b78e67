package health

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/puzpuzpuz/xsync/v4"
)

const sketchAccuracy = 0.01

// QuantileTracker keeps an approximate distribution of response times.
type QuantileTracker struct {
	mu     sync.Mutex
	sketch *ddsketch.DDSketch
}

func NewQuantileTracker() *QuantileTracker {
	sketch, _ := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	return &QuantileTracker{sketch: sketch}
}

func (q *QuantileTracker) Add(d time.Duration) {
	if d < 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_ = q.sketch.Add(d.Seconds())
}

// Quantile returns zero while nothing was recorded.
func (q *QuantileTracker) Quantile(qtile float64) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, err := q.sketch.GetValueAtQuantile(qtile)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func (q *QuantileTracker) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.sketch.GetCount())
}

// LatencyTracker holds one distribution per indexer.
type LatencyTracker struct {
	trackers *xsync.Map[string, *QuantileTracker]
}

func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{trackers: xsync.NewMap[string, *QuantileTracker]()}
}

func (l *LatencyTracker) Observe(indexer string, d time.Duration) {
	t, _ := l.trackers.LoadOrCompute(indexer, func() (*QuantileTracker, bool) {
		return NewQuantileTracker(), false
	})
	t.Add(d)
}

// P90 reports the 90th percentile response time of indexer, false when it never answered.
func (l *LatencyTracker) P90(indexer string) (time.Duration, bool) {
	t, ok := l.trackers.Load(indexer)
	if !ok || t.Count() == 0 {
		return 0, false
	}
	return t.Quantile(0.90), true
}

func (l *LatencyTracker) Reset() {
	l.trackers.Clear()
}
