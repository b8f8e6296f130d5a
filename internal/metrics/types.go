package metrics

import (
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	TypeTiming      MetricType = "timing"
	TypeCounter     MetricType = "counter"
	TypeGauge       MetricType = "gauge"
	TypeSuccessFail MetricType = "success_fail"
	TypeOutcome     MetricType = "outcome"
)

// TimingMetric tracks timing statistics
type TimingMetric struct {
	mu    sync.RWMutex
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	Last  time.Duration
}

// CounterMetric tracks incrementing values
type CounterMetric struct {
	mu    sync.RWMutex
	Value int64
	Last  time.Time
}

// GaugeMetric tracks values that can go up or down
type GaugeMetric struct {
	mu    sync.RWMutex
	Value int64
	Min   int64
	Max   int64
	Last  time.Time
}

// SuccessFailMetric tracks success and failure counts
type SuccessFailMetric struct {
	mu             sync.RWMutex
	Success        int64
	Failures       int64
	LastSuccess    time.Time
	LastFailure    time.Time
	FailureReasons map[string]int64 // reason -> count
	// Sliding window for recent rate calculation (last 100 operations)
	recentWindow [100]bool
	windowIndex  int
	windowSize   int
}

// OutcomeMetric tracks multiple possible outcomes
type OutcomeMetric struct {
	mu          sync.RWMutex
	Outcomes    map[string]int64 // outcome -> count
	LastOutcome string
	LastTime    time.Time
	Total       int64
}

// MetricSnapshot represents a point-in-time view of a metric
type MetricSnapshot struct {
	Path string      `json:"path"`
	Type MetricType  `json:"type"`
	Data interface{} `json:"data"`
}

// TimingSnapshot for JSON serialization
type TimingSnapshot struct {
	Count  int64   `json:"count"`
	AvgMs  float64 `json:"avg_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	LastMs float64 `json:"last_ms"`
}

// CounterSnapshot for JSON serialization
type CounterSnapshot struct {
	Value int64 `json:"value"`
}

// GaugeSnapshot for JSON serialization
type GaugeSnapshot struct {
	Value int64 `json:"value"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

// SuccessFailSnapshot for JSON serialization
type SuccessFailSnapshot struct {
	Success        int64            `json:"success"`
	Failures       int64            `json:"failures"`
	SuccessRate    float64          `json:"success_rate"`
	RecentRate     float64          `json:"recent_rate"` // Rate from sliding window
	FailureReasons map[string]int64 `json:"failure_reasons,omitempty"`
}

// OutcomeSnapshot for JSON serialization
type OutcomeSnapshot struct {
	Outcomes map[string]int64 `json:"outcomes"`
	Total    int64            `json:"total"`
}
