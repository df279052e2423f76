package monitoring

import (
	"math"
	"sort"
	"sync"
	"time"
)

// MetricType describes how a sample should be read
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
	MetricTypeTimer     MetricType = "timer"
)

// Sample is one recorded value
type Sample struct {
	Name          string            `json:"name"`
	Value         float64           `json:"value"`
	Type          MetricType        `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	Tags          map[string]string `json:"tags,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ExecutionID   string            `json:"execution_id,omitempty"`
}

// Stats summarizes the samples currently in a window
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
}

// Window is a sliding window of samples for one metric. Samples older
// than the retention are dropped lazily on every add and read; the oldest
// samples are dropped first once maxSize is reached.
type Window struct {
	name      string
	retention time.Duration
	maxSize   int

	mu      sync.Mutex
	samples []Sample
}

func newWindow(name string, retention time.Duration, maxSize int) *Window {
	return &Window{
		name:      name,
		retention: retention,
		maxSize:   maxSize,
	}
}

func (w *Window) add(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(s.Timestamp)
	w.samples = append(w.samples, s)
	if over := len(w.samples) - w.maxSize; over > 0 {
		w.samples = append(w.samples[:0:0], w.samples[over:]...)
	}
}

// evict must be called with the mutex held
func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.retention)
	i := 0
	for i < len(w.samples) && !w.samples[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0:0], w.samples[i:]...)
	}
}

func (w *Window) stats(now time.Time) Stats {
	w.mu.Lock()
	w.evict(now)
	values := make([]float64, len(w.samples))
	for i, s := range w.samples {
		values[i] = s.Value
	}
	w.mu.Unlock()

	return computeStats(values)
}

func (w *Window) latest() (Sample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

func computeStats(values []float64) Stats {
	n := len(values)
	if n == 0 {
		return Stats{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	// sample standard deviation; a single sample has none
	stdDev := 0.0
	if n > 1 {
		sq := 0.0
		for _, v := range sorted {
			sq += (v - mean) * (v - mean)
		}
		stdDev = math.Sqrt(sq / float64(n-1))
	}

	return Stats{
		Count:  n,
		Mean:   mean,
		Median: median,
		Min:    sorted[0],
		Max:    sorted[n-1],
		StdDev: stdDev,
	}
}
