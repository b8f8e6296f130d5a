package metrics

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// MetricsManager is the global metrics manager
type MetricsManager struct {
	mu          sync.RWMutex
	timings     map[string]*TimingMetric
	counters    map[string]*CounterMetric
	gauges      map[string]*GaugeMetric
	successFail map[string]*SuccessFailMetric
	outcomes    map[string]*OutcomeMetric

	// persistence (optional, see persist.go)
	db       *sql.DB
	stopSave chan struct{}
}

var (
	instance *MetricsManager
	once     sync.Once
)

// NewManager creates an empty, unpersisted metrics manager.
func NewManager() *MetricsManager {
	return &MetricsManager{
		timings:     make(map[string]*TimingMetric),
		counters:    make(map[string]*CounterMetric),
		gauges:      make(map[string]*GaugeMetric),
		successFail: make(map[string]*SuccessFailMetric),
		outcomes:    make(map[string]*OutcomeMetric),
	}
}

// GetInstance returns the singleton metrics manager
func GetInstance() *MetricsManager {
	once.Do(func() {
		instance = NewManager()
	})
	return instance
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// RecordDuration records a duration directly
func (m *MetricsManager) RecordDuration(topic, function string, duration time.Duration) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.timings[path]
	if !exists {
		metric = &TimingMetric{Min: duration, Max: duration}
		m.timings[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Count++
	metric.Total += duration
	metric.Last = duration
	if duration < metric.Min {
		metric.Min = duration
	}
	if duration > metric.Max {
		metric.Max = duration
	}
}

// IncrementCounter increments a counter
func (m *MetricsManager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

// AddCounter adds to a counter
func (m *MetricsManager) AddCounter(topic, function string, delta int64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.counters[path]
	if !exists {
		metric = &CounterMetric{}
		m.counters[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Value += delta
	metric.Last = time.Now()
}

// SetGauge sets a gauge value
func (m *MetricsManager) SetGauge(topic, function string, value int64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.gauges[path]
	if !exists {
		metric = &GaugeMetric{Min: value, Max: value}
		m.gauges[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Value = value
	metric.Last = time.Now()
	if value < metric.Min {
		metric.Min = value
	}
	if value > metric.Max {
		metric.Max = value
	}
}

func (m *MetricsManager) successFailFor(path string) *SuccessFailMetric {
	m.mu.Lock()
	defer m.mu.Unlock()

	metric, exists := m.successFail[path]
	if !exists {
		metric = &SuccessFailMetric{FailureReasons: make(map[string]int64)}
		m.successFail[path] = metric
	}
	return metric
}

// RecordSuccess records a successful operation
func (m *MetricsManager) RecordSuccess(topic, function string) {
	metric := m.successFailFor(buildPath(topic, function))

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Success++
	metric.LastSuccess = time.Now()
	metric.push(true)
}

// RecordFailure records a failed operation
func (m *MetricsManager) RecordFailure(topic, function, reason string) {
	metric := m.successFailFor(buildPath(topic, function))

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Failures++
	metric.LastFailure = time.Now()
	if reason != "" {
		metric.FailureReasons[reason]++
	}
	metric.push(false)
}

// push updates the sliding window. Caller holds metric.mu.
func (s *SuccessFailMetric) push(ok bool) {
	s.recentWindow[s.windowIndex] = ok
	s.windowIndex = (s.windowIndex + 1) % len(s.recentWindow)
	if s.windowSize < len(s.recentWindow) {
		s.windowSize++
	}
}

// RecordOutcome records a specific outcome
func (m *MetricsManager) RecordOutcome(topic, function, outcome string) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.outcomes[path]
	if !exists {
		metric = &OutcomeMetric{Outcomes: make(map[string]int64)}
		m.outcomes[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Outcomes[outcome]++
	metric.Total++
	metric.LastOutcome = outcome
	metric.LastTime = time.Now()
}

// GetSnapshot returns a point-in-time copy of every metric, keyed by path.
func (m *MetricsManager) GetSnapshot() map[string]*MetricSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*MetricSnapshot)

	for path, t := range m.timings {
		t.mu.RLock()
		snap := TimingSnapshot{
			Count:  t.Count,
			MinMs:  ms(t.Min),
			MaxMs:  ms(t.Max),
			LastMs: ms(t.Last),
		}
		if t.Count > 0 {
			snap.AvgMs = ms(t.Total) / float64(t.Count)
		}
		t.mu.RUnlock()
		out[path] = &MetricSnapshot{Path: path, Type: TypeTiming, Data: snap}
	}

	for path, c := range m.counters {
		c.mu.RLock()
		out[path] = &MetricSnapshot{Path: path, Type: TypeCounter, Data: CounterSnapshot{Value: c.Value}}
		c.mu.RUnlock()
	}

	for path, g := range m.gauges {
		g.mu.RLock()
		out[path] = &MetricSnapshot{Path: path, Type: TypeGauge, Data: GaugeSnapshot{Value: g.Value, Min: g.Min, Max: g.Max}}
		g.mu.RUnlock()
	}

	for path, s := range m.successFail {
		s.mu.RLock()
		snap := SuccessFailSnapshot{
			Success:        s.Success,
			Failures:       s.Failures,
			FailureReasons: make(map[string]int64, len(s.FailureReasons)),
		}
		if total := s.Success + s.Failures; total > 0 {
			snap.SuccessRate = float64(s.Success) / float64(total)
		}
		if s.windowSize > 0 {
			ok := 0
			for i := 0; i < s.windowSize; i++ {
				if s.recentWindow[i] {
					ok++
				}
			}
			snap.RecentRate = float64(ok) / float64(s.windowSize)
		}
		for k, v := range s.FailureReasons {
			snap.FailureReasons[k] = v
		}
		s.mu.RUnlock()
		out[path] = &MetricSnapshot{Path: path, Type: TypeSuccessFail, Data: snap}
	}

	for path, o := range m.outcomes {
		o.mu.RLock()
		snap := OutcomeSnapshot{Outcomes: make(map[string]int64, len(o.Outcomes)), Total: o.Total}
		for k, v := range o.Outcomes {
			snap.Outcomes[k] = v
		}
		o.mu.RUnlock()
		out[path] = &MetricSnapshot{Path: path, Type: TypeOutcome, Data: snap}
	}

	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
