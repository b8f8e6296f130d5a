package queue

import (
	"time"

	"github.com/samber/lo"
)

// EstimateWait is a best-effort guess at how long a task at position with
// the given priority will wait. It is a heuristic, not a guarantee.
func (q *Queue) EstimateWait(contentType string, position, priority int) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.estimateLocked(contentType, position, priority)
}

func (q *Queue) estimateLocked(contentType string, position, priority int) time.Duration {
	if position <= 0 {
		return 0
	}
	avg := float64(q.avgFor(contentType))
	priorityFactor := lo.Clamp(float64(priority)/50.0, 0.5, 2.0)
	concurrencyFactor := max(1.0, float64(q.maxConcurrent)/float64(q.active+1))
	return time.Duration(avg * float64(position) * priorityFactor * concurrencyFactor)
}

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Queued        int                      `json:"queued"`
	Active        int                      `json:"active"`
	MaxConcurrent int                      `json:"maxConcurrent"`
	Tracked       int                      `json:"tracked"`
	Completed     int64                    `json:"completed"`
	Failed        int64                    `json:"failed"`
	Cancelled     int64                    `json:"cancelled"`
	AvgByType     map[string]time.Duration `json:"avgByType"`
	AvgByProvider map[string]time.Duration `json:"avgByProvider"`
}

// Stats returns counters and running averages.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Queued:        q.heap.Len(),
		Active:        q.active,
		MaxConcurrent: q.maxConcurrent,
		Tracked:       len(q.tasks),
		Completed:     q.outcomes[StatusCompleted],
		Failed:        q.outcomes[StatusError],
		Cancelled:     q.outcomes[StatusCancelled],
		AvgByType:     lo.Assign(q.avgByType),
		AvgByProvider: lo.Assign(q.avgByProvider),
	}
}
