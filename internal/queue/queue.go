package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/roelfdiedericks/lessongen/internal/bus"
	"github.com/roelfdiedericks/lessongen/internal/config"
	"github.com/roelfdiedericks/lessongen/internal/llm"
	. "github.com/roelfdiedericks/lessongen/internal/logging"
	. "github.com/roelfdiedericks/lessongen/internal/metrics"
)

// Generator is the downstream the queue feeds; *llm.Chain implements it.
type Generator interface {
	Generate(ctx context.Context, prompt string, params llm.Params) (*llm.Result, error)
}

// ContentParams are generation parameters and the initial ETA seed for a content type.
type ContentParams struct {
	MaxTokens   int
	Temperature float64
	AvgTime     time.Duration
}

// Options configures a Queue. Zero values take defaults.
type Options struct {
	MaxConcurrent int           // default 3
	TaskTimeout   time.Duration // default 280s
	ContentTypes  map[string]ContentParams
	Now           func() time.Time
}

const (
	defaultMaxConcurrent = 3
	defaultTaskTimeout   = 280 * time.Second
	defaultAvgTime       = 60 * time.Second
)

// OptionsFromConfig maps the queue config section onto Options.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	opts := Options{
		MaxConcurrent: cfg.MaxConcurrent,
		TaskTimeout:   cfg.TaskTimeout(),
		ContentTypes:  make(map[string]ContentParams, len(cfg.ContentTypes)),
	}
	for name, ct := range cfg.ContentTypes {
		opts.ContentTypes[name] = ContentParams{
			MaxTokens:   ct.MaxTokens,
			Temperature: ct.Temperature,
			AvgTime:     time.Duration(ct.AvgSeconds) * time.Second,
		}
	}
	return opts
}

// Queue is the admission queue: a priority heap drained by one dispatch
// goroutine into at most MaxConcurrent workers.
type Queue struct {
	gen Generator

	mu            sync.Mutex
	heap          taskHeap
	tasks         map[int64]*Task
	nextID        int64
	active        int
	maxConcurrent int
	taskTimeout   time.Duration
	content       map[string]ContentParams
	avgByType     map[string]time.Duration
	avgByProvider map[string]time.Duration
	outcomes      map[Status]int64

	started  bool
	stopped  bool
	wake     chan struct{}
	baseCtx  context.Context
	stopAll  context.CancelFunc
	loopDone chan struct{}
	workers  sync.WaitGroup

	now func() time.Time
}

// New creates a queue feeding gen. The dispatch loop starts on the first Enqueue.
func New(gen Generator, opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		gen:           gen,
		tasks:         make(map[int64]*Task),
		maxConcurrent: opts.MaxConcurrent,
		taskTimeout:   opts.TaskTimeout,
		content:       make(map[string]ContentParams),
		avgByType:     make(map[string]time.Duration),
		avgByProvider: make(map[string]time.Duration),
		outcomes:      make(map[Status]int64),
		wake:          make(chan struct{}, 1),
		baseCtx:       ctx,
		stopAll:       cancel,
		loopDone:      make(chan struct{}),
		now:           opts.Now,
	}
	for name, p := range opts.ContentTypes {
		q.content[name] = p
		if p.AvgTime > 0 {
			q.avgByType[name] = p.AvgTime
		}
	}
	return q
}

// Enqueue adds a task and returns its id. Priority must be within
// [MinPriority, MaxPriority].
func (q *Queue) Enqueue(userID, contentType, prompt string, priority int) (int64, error) {
	if priority < MinPriority || priority > MaxPriority {
		return 0, llm.Errorf(llm.KindInvalidPriority, "priority %d outside %d..%d", priority, MinPriority, MaxPriority)
	}
	if strings.TrimSpace(prompt) == "" {
		return 0, llm.Errorf(llm.KindFatal, "empty prompt")
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return 0, llm.Errorf(llm.KindFatal, "queue stopped")
	}

	q.nextID++
	t := &Task{
		ID:          q.nextID,
		TraceID:     uuid.NewString(),
		UserID:      userID,
		ContentType: contentType,
		Prompt:      prompt,
		Priority:    priority,
		Status:      StatusQueued,
		CreatedAt:   q.now(),
	}
	q.tasks[t.ID] = t
	heap.Push(&q.heap, t)
	queued := q.heap.Len()

	if !q.started {
		q.started = true
		go q.loop()
	}
	q.mu.Unlock()

	L_debug("queue: task enqueued", "task", t.ID, "trace", t.TraceID, "user", userID, "type", contentType, "priority", priority, "queued", queued)
	MetricInc("queue", "enqueued")
	MetricSet("queue", "queued", int64(queued))

	q.notify()
	return t.ID, nil
}

// notify wakes the dispatch loop without blocking.
func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer close(q.loopDone)
	L_debug("queue: dispatch loop started", "maxConcurrent", q.maxConcurrent)

	for {
		select {
		case <-q.baseCtx.Done():
			return
		case <-q.wake:
		}
		q.dispatch()
	}
}

// dispatch admits tasks while slots are free.
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.active < q.maxConcurrent && q.heap.Len() > 0 && !q.stopped {
		t := heap.Pop(&q.heap).(*Task)
		t.Status = StatusGenerating
		t.StartedAt = q.now()

		ctx, cancel := context.WithTimeout(q.baseCtx, q.taskTimeout)
		t.cancel = cancel
		q.active++

		params := q.paramsFor(t.ContentType)
		L_info("queue: task started", "task", t.ID, "trace", t.TraceID, "type", t.ContentType, "priority", t.Priority, "active", q.active)
		MetricSet("queue", "active_workers", int64(q.active))
		MetricDuration("queue", "wait", t.StartedAt.Sub(t.CreatedAt))

		q.workers.Add(1)
		go q.work(ctx, t, t.Prompt, params)
	}
	MetricSet("queue", "queued", int64(q.heap.Len()))
}

func (q *Queue) paramsFor(contentType string) llm.Params {
	p := q.content[contentType]
	return llm.Params{MaxTokens: p.MaxTokens, Temperature: p.Temperature}
}

type outcome struct {
	res *llm.Result
	err error
}

// work runs one task. The slot is released on every exit path, including
// a panic in the generator or a generator that ignores its context.
func (q *Queue) work(ctx context.Context, t *Task, prompt string, params llm.Params) {
	start := time.Now()
	var out outcome

	defer func() {
		if r := recover(); r != nil {
			L_error("queue: worker panic", "task", t.ID, "panic", r)
			out = outcome{err: llm.Errorf(llm.KindFatal, "worker panic: %v", r)}
		}
		q.finish(t, out, time.Since(start))
		q.workers.Done()
		q.notify()
	}()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				L_error("queue: generator panic", "task", t.ID, "panic", r)
				done <- outcome{err: llm.Errorf(llm.KindFatal, "generator panic: %v", r)}
			}
		}()
		res, err := q.gen.Generate(ctx, prompt, params)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}
}

// finish records the terminal state and releases the slot.
func (q *Queue) finish(t *Task, out outcome, elapsed time.Duration) {
	q.mu.Lock()
	q.active--
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}

	t.CompletedAt = q.now()
	if out.res != nil {
		t.Attempts = len(out.res.Attempts)
	}

	switch err := out.err; {
	case err == nil && out.res != nil:
		t.Status = StatusCompleted
		t.Result = out.res.Text
		t.Provider = out.res.Provider
		q.avgByType[t.ContentType] = ema(q.avgFor(t.ContentType), elapsed)
		if prev, ok := q.avgByProvider[t.Provider]; ok {
			q.avgByProvider[t.Provider] = ema(prev, elapsed)
		} else {
			q.avgByProvider[t.Provider] = elapsed
		}
	case err == nil:
		t.Status = StatusError
		t.ErrKind = llm.KindMalformed
		t.Err = "generator returned no result"
	case q.stopped && errors.Is(err, context.Canceled):
		t.Status = StatusCancelled
		t.ErrKind = llm.KindCancelled
		t.Err = "queue stopped"
	case errors.Is(err, context.DeadlineExceeded):
		t.Status = StatusError
		t.ErrKind = llm.KindTimeout
		t.Err = fmt.Sprintf("generation timed out after %s", q.taskTimeout)
	default:
		t.Status = StatusError
		t.ErrKind = llm.KindOf(err)
		t.Err = err.Error()
	}

	q.outcomes[t.Status]++
	view := t.view()
	active := q.active
	q.mu.Unlock()

	MetricSet("queue", "active_workers", int64(active))
	MetricOutcome("queue", "task_status", string(view.Status))
	MetricDuration("queue", "generation", elapsed)
	switch {
	case view.Status == StatusCompleted:
		L_info("queue: task completed", "task", t.ID, "provider", view.Provider, "duration", elapsed.Round(time.Millisecond))
	case view.Status == StatusCancelled && IsShuttingDown():
		L_debug("queue: task cancelled by shutdown", "task", t.ID)
	default:
		L_warn("queue: task failed", "task", t.ID, "status", view.Status, "kind", view.ErrorKind, "error", view.Error)
	}
	bus.PublishEventWithSource(bus.TopicTaskFinished, view, "queue")
}

// ema folds a new sample into a running average: avg*0.9 + sample*0.1.
func ema(avg, sample time.Duration) time.Duration {
	return time.Duration(float64(avg)*0.9 + float64(sample)*0.1)
}

// avgFor must be called with q.mu held.
func (q *Queue) avgFor(contentType string) time.Duration {
	if avg, ok := q.avgByType[contentType]; ok {
		return avg
	}
	return defaultAvgTime
}

// Cancel cancels a queued task. Returns false if the task is unknown or
// has already left the queue.
func (q *Queue) Cancel(id int64) bool {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok || t.Status != StatusQueued {
		q.mu.Unlock()
		return false
	}
	heap.Remove(&q.heap, t.index)
	t.Status = StatusCancelled
	t.ErrKind = llm.KindCancelled
	t.Err = "cancelled"
	t.CompletedAt = q.now()
	q.outcomes[StatusCancelled]++
	view := t.view()
	q.mu.Unlock()

	L_info("queue: task cancelled", "task", id)
	MetricOutcome("queue", "task_status", string(StatusCancelled))
	bus.PublishEventWithSource(bus.TopicTaskFinished, view, "queue")
	return true
}

// Status returns a snapshot of the task, with position and ETA while queued.
func (q *Queue) Status(id int64) (TaskView, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return TaskView{}, notFound(id)
	}
	return q.viewLocked(t), nil
}

// StatusFor is Status with an ownership check.
func (q *Queue) StatusFor(id int64, userID string) (TaskView, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return TaskView{}, notFound(id)
	}
	if t.UserID != userID {
		return TaskView{}, llm.Errorf(llm.KindForbidden, "task %d belongs to another user", id)
	}
	return q.viewLocked(t), nil
}

// OwnedBy reports whether task id exists and belongs to userID.
func (q *Queue) OwnedBy(id int64, userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	return ok && t.UserID == userID
}

// ListUserTasks returns a user's tasks ordered by id.
func (q *Queue) ListUserTasks(userID string) []TaskView {
	q.mu.Lock()
	defer q.mu.Unlock()

	owned := lo.Filter(lo.Values(q.tasks), func(t *Task, _ int) bool {
		return t.UserID == userID
	})
	sort.Slice(owned, func(i, j int) bool { return owned[i].ID < owned[j].ID })

	return lo.Map(owned, func(t *Task, _ int) TaskView {
		return q.viewLocked(t)
	})
}

// Position returns the 1-based dispatch position of a queued task, or 0 if
// it is not queued. The next task to be admitted is at position 1. Tasks
// ahead of it are those with a higher priority plus those with the same
// priority that were enqueued earlier.
func (q *Queue) Position(id int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.Status != StatusQueued {
		return 0
	}
	return q.positionLocked(t)
}

func (q *Queue) positionLocked(t *Task) int {
	ahead := lo.CountBy(q.heap, func(o *Task) bool {
		return before(o, t)
	})
	return ahead + 1
}

func (q *Queue) viewLocked(t *Task) TaskView {
	v := t.view()
	if t.Status == StatusQueued {
		v.Position = q.positionLocked(t)
		v.EstimatedWait = q.estimateLocked(t.ContentType, v.Position, t.Priority)
	}
	return v
}

// Cleanup evicts terminal tasks that completed more than maxAge ago.
// Queued and generating tasks are never evicted.
func (q *Queue) Cleanup(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	removed := 0
	for id, t := range q.tasks {
		if t.Status.Terminal() && t.CompletedAt.Before(cutoff) {
			delete(q.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		L_debug("queue: cleanup", "removed", removed, "remaining", len(q.tasks))
		MetricAdd("queue", "evicted", int64(removed))
	}
	return removed
}

// Stop cancels running and queued tasks, then waits for workers until ctx is done.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true

	now := q.now()
	for q.heap.Len() > 0 {
		t := heap.Pop(&q.heap).(*Task)
		t.Status = StatusCancelled
		t.ErrKind = llm.KindCancelled
		t.Err = "queue stopped"
		t.CompletedAt = now
		q.outcomes[StatusCancelled]++
	}
	started := q.started
	q.mu.Unlock()

	q.stopAll()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		if started {
			<-q.loopDone
		}
		close(done)
	}()

	select {
	case <-done:
		L_debug("queue: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue stop: %w", ctx.Err())
	}
}

func notFound(id int64) error {
	return llm.Errorf(llm.KindNotFound, "task %d not found", id)
}
