package metrics

import (
	"time"
)

// Global functions for dot-import usage

// MetricDuration records a duration directly
func MetricDuration(topic, function string, duration time.Duration) {
	GetInstance().RecordDuration(topic, function, duration)
}

// MetricInc increments a counter by 1
func MetricInc(topic, function string) {
	GetInstance().IncrementCounter(topic, function)
}

// MetricAdd adds a value to a counter
func MetricAdd(topic, function string, delta int64) {
	GetInstance().AddCounter(topic, function, delta)
}

// MetricSet sets a gauge value
func MetricSet(topic, function string, value int64) {
	GetInstance().SetGauge(topic, function, value)
}

// MetricSuccess records a successful operation
func MetricSuccess(topic, operation string) {
	GetInstance().RecordSuccess(topic, operation)
}

// MetricFailWithReason records a failed operation with a specific reason
func MetricFailWithReason(topic, operation, reason string) {
	GetInstance().RecordFailure(topic, operation, reason)
}

// MetricOutcome records a specific outcome
func MetricOutcome(topic, operation, outcome string) {
	GetInstance().RecordOutcome(topic, operation, outcome)
}
