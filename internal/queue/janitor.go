package queue

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	. "github.com/roelfdiedericks/lessongen/internal/logging"
)

// DefaultCleanupSchedule runs Cleanup every ten minutes.
const DefaultCleanupSchedule = "@every 10m"

// Janitor periodically evicts old terminal tasks from a Queue.
type Janitor struct {
	q         *Queue
	retention time.Duration
	cron      *cronlib.Cron
}

// NewJanitor schedules q.Cleanup(retention) on a standard 5-field cron
// expression or a descriptor such as "@every 10m".
func NewJanitor(q *Queue, schedule string, retention time.Duration) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	j := &Janitor{
		q:         q,
		retention: retention,
		cron:      cronlib.New(cronlib.WithParser(cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor))),
	}
	if _, err := j.cron.AddFunc(schedule, j.Sweep); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep() {
	removed := j.q.Cleanup(j.retention)
	L_trace("janitor: sweep", "removed", removed, "retention", j.retention)
}

func (j *Janitor) Start() {
	j.cron.Start()
	L_debug("janitor: started", "retention", j.retention)
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
