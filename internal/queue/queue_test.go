package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/lessongen/internal/bus"
	"github.com/roelfdiedericks/lessongen/internal/config"
	"github.com/roelfdiedericks/lessongen/internal/llm"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// gatedGen blocks every call until release receives (or is closed).
type gatedGen struct {
	started   chan string
	release   chan struct{}
	ignoreCtx bool
	panicOn   string

	active atomic.Int32
	peak   atomic.Int32
}

func newGatedGen() *gatedGen {
	return &gatedGen{started: make(chan string, 64), release: make(chan struct{})}
}

func (g *gatedGen) Generate(ctx context.Context, prompt string, _ llm.Params) (*llm.Result, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}

	g.started <- prompt
	if prompt == g.panicOn {
		panic("generator exploded")
	}

	if g.ignoreCtx {
		<-g.release
	} else {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.Result{Text: "done: " + prompt, Provider: "stub", Attempts: []llm.Attempt{{Provider: "stub"}}}, nil
}

func (g *gatedGen) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case p := <-g.started:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no task started")
		return ""
	}
}

type funcGen func(ctx context.Context, prompt string, params llm.Params) (*llm.Result, error)

func (f funcGen) Generate(ctx context.Context, prompt string, params llm.Params) (*llm.Result, error) {
	return f(ctx, prompt, params)
}

func waitTerminal(t *testing.T, q *Queue, id int64) TaskView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		v, err := q.Status(id)
		if err != nil {
			t.Fatalf("status %d: %v", id, err)
		}
		if v.Status.Terminal() {
			return v
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %d never reached a terminal state", id)
	return TaskView{}
}

func stopQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Errorf("stop: %v", err)
	}
}

func mustEnqueue(t *testing.T, q *Queue, user, prompt string, priority int) int64 {
	t.Helper()
	id, err := q.Enqueue(user, ContentLessonPlan, prompt, priority)
	if err != nil {
		t.Fatalf("enqueue %q: %v", prompt, err)
	}
	return id
}

func TestPriorityOrdering(t *testing.T) {
	gen := newGatedGen()
	q := New(gen, Options{MaxConcurrent: 1})
	defer stopQueue(t, q)

	mustEnqueue(t, q, "u", "first", 10)
	if got := gen.waitStarted(t); got != "first" {
		t.Fatalf("got %q, want first", got)
	}

	mustEnqueue(t, q, "u", "p5", 5)
	mustEnqueue(t, q, "u", "p10", 10)
	mustEnqueue(t, q, "u", "p1", 1)

	var order []string
	for range 3 {
		gen.release <- struct{}{}
		order = append(order, gen.waitStarted(t))
	}
	gen.release <- struct{}{}

	want := []string{"p10", "p5", "p1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	gen := newGatedGen()
	q := New(gen, Options{MaxConcurrent: 1})
	defer stopQueue(t, q)

	mustEnqueue(t, q, "u", "blocker", 50)
	gen.waitStarted(t)

	for _, p := range []string{"a", "b", "c", "d"} {
		mustEnqueue(t, q, "u", p, 50)
	}

	for _, want := range []string{"a", "b", "c", "d"} {
		gen.release <- struct{}{}
		if got := gen.waitStarted(t); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
	gen.release <- struct{}{}
}

func TestMaxConcurrentIsNeverExceeded(t *testing.T) {
	gen := newGatedGen()
	close(gen.release)
	slow := funcGen(func(ctx context.Context, prompt string, p llm.Params) (*llm.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return gen.Generate(ctx, prompt, p)
	})
	q := New(slow, Options{MaxConcurrent: 3})
	defer stopQueue(t, q)

	var ids []int64
	for i := range 12 {
		ids = append(ids, mustEnqueue(t, q, "u", "p", 1+i*5))
	}
	for _, id := range ids {
		if v := waitTerminal(t, q, id); v.Status != StatusCompleted {
			t.Errorf("task %d: %s %s", id, v.Status, v.Error)
		}
	}
	if peak := gen.peak.Load(); peak > 3 {
		t.Errorf("peak concurrency %d exceeds 3", peak)
	}
	if s := q.Stats(); s.Active != 0 || s.Completed != 12 {
		t.Errorf("stats after drain: %+v", s)
	}
}

func TestCompletedTaskView(t *testing.T) {
	gen := newGatedGen()
	close(gen.release)
	q := New(gen, Options{})
	defer stopQueue(t, q)

	id := mustEnqueue(t, q, "alice", "fractions", 50)
	v := waitTerminal(t, q, id)

	if v.Status != StatusCompleted || v.Result != "done: fractions" || v.Provider != "stub" {
		t.Fatalf("unexpected view: %+v", v)
	}
	if v.StartedAt == nil || v.CompletedAt == nil || v.CompletedAt.Before(*v.StartedAt) {
		t.Errorf("timestamps not set in order: %+v", v)
	}
	if v.TraceID == "" || v.Attempts != 1 {
		t.Errorf("trace/attempts: %+v", v)
	}
	if v.Position != 0 || v.EstimatedWait != 0 {
		t.Errorf("position/eta should be empty once terminal: %+v", v)
	}

	again, _ := q.Status(id)
	if again.Status != v.Status || again.Result != v.Result {
		t.Errorf("repeated status differs: %+v vs %+v", again, v)
	}
}

func TestExhaustedSurfacesAsError(t *testing.T) {
	gen := funcGen(func(context.Context, string, llm.Params) (*llm.Result, error) {
		return &llm.Result{Attempts: []llm.Attempt{{Provider: "a"}, {Provider: "b"}}}, &llm.ExhaustedError{Failures: []llm.ProviderFailure{
			{Provider: "a", Kind: llm.KindRateLimited, Err: errors.New("429")},
			{Provider: "b", Kind: llm.KindTransient, Err: errors.New("connection refused")},
		}}
	})
	q := New(gen, Options{})
	defer stopQueue(t, q)

	v := waitTerminal(t, q, mustEnqueue(t, q, "u", "p", 50))
	if v.Status != StatusError || v.ErrorKind != llm.KindAllProvidersExhausted {
		t.Fatalf("got %s/%s", v.Status, v.ErrorKind)
	}
	if v.Attempts != 2 || v.Error == "" {
		t.Errorf("attempts/error not recorded: %+v", v)
	}
}

func TestCancel(t *testing.T) {
	gen := newGatedGen()
	q := New(gen, Options{MaxConcurrent: 1})
	defer stopQueue(t, q)

	running := mustEnqueue(t, q, "u", "running", 50)
	gen.waitStarted(t)
	queued := mustEnqueue(t, q, "u", "queued", 50)

	if q.Cancel(running) {
		t.Error("cancel of a generating task should fail")
	}
	if !q.Cancel(queued) {
		t.Fatal("cancel of a queued task should succeed")
	}
	if q.Cancel(queued) {
		t.Error("second cancel should fail")
	}
	if q.Cancel(999) {
		t.Error("cancel of unknown task should fail")
	}

	gen.release <- struct{}{}
	waitTerminal(t, q, running)

	v, _ := q.Status(queued)
	if v.Status != StatusCancelled || v.ErrorKind != llm.KindCancelled {
		t.Errorf("got %+v", v)
	}
	select {
	case p := <-gen.started:
		t.Errorf("cancelled task started: %q", p)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPositionAndEstimate(t *testing.T) {
	gen := newGatedGen()
	q := New(gen, Options{
		MaxConcurrent: 1,
		ContentTypes:  map[string]ContentParams{ContentLessonPlan: {AvgTime: 90 * time.Second}},
	})
	defer func() {
		close(gen.release)
		stopQueue(t, q)
	}()

	mustEnqueue(t, q, "u", "blocker", 50)
	gen.waitStarted(t)

	low := mustEnqueue(t, q, "u", "low", 10)
	high := mustEnqueue(t, q, "u", "high", 90)
	low2 := mustEnqueue(t, q, "u", "low2", 10)

	for id, want := range map[int64]int{high: 1, low: 2, low2: 3} {
		if got := q.Position(id); got != want {
			t.Errorf("position(%d) = %d, want %d", id, got, want)
		}
		v, _ := q.Status(id)
		if v.Position != want || v.EstimatedWait <= 0 {
			t.Errorf("view for %d: position %d eta %s", id, v.Position, v.EstimatedWait)
		}
	}
	if q.Position(1) != 0 {
		t.Error("generating task should have no position")
	}

	tests := []struct {
		position, priority int
		want               time.Duration
	}{
		{1, 50, 90 * time.Second},
		{2, 50, 180 * time.Second},
		{2, 10, 90 * time.Second},   // priority factor clamps to 0.5
		{1, 100, 180 * time.Second}, // priority factor 2.0
		{0, 50, 0},
	}
	for _, tt := range tests {
		if got := q.EstimateWait(ContentLessonPlan, tt.position, tt.priority); got != tt.want {
			t.Errorf("EstimateWait(%d, %d) = %s, want %s", tt.position, tt.priority, got, tt.want)
		}
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := New(newGatedGen(), Options{})
	defer stopQueue(t, q)

	tests := []struct {
		name     string
		prompt   string
		priority int
		want     llm.ErrorKind
	}{
		{"priority too low", "p", 0, llm.KindInvalidPriority},
		{"priority too high", "p", 101, llm.KindInvalidPriority},
		{"empty prompt", "  ", 50, llm.KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue("u", ContentGame, tt.prompt, tt.priority)
			if llm.KindOf(err) != tt.want {
				t.Errorf("got %v, want %s", err, tt.want)
			}
		})
	}
}

func TestOwnership(t *testing.T) {
	gen := newGatedGen()
	close(gen.release)
	q := New(gen, Options{})
	defer stopQueue(t, q)

	a1 := mustEnqueue(t, q, "alice", "one", 50)
	b1 := mustEnqueue(t, q, "bob", "two", 50)
	a2 := mustEnqueue(t, q, "alice", "three", 50)

	if !q.OwnedBy(a1, "alice") || q.OwnedBy(a1, "bob") || q.OwnedBy(404, "alice") {
		t.Error("OwnedBy mismatch")
	}
	if _, err := q.StatusFor(b1, "alice"); llm.KindOf(err) != llm.KindForbidden {
		t.Errorf("got %v, want forbidden", err)
	}
	if _, err := q.StatusFor(404, "alice"); llm.KindOf(err) != llm.KindNotFound {
		t.Errorf("got %v, want not_found", err)
	}
	if _, err := q.Status(404); llm.KindOf(err) != llm.KindNotFound {
		t.Errorf("got %v, want not_found", err)
	}

	list := q.ListUserTasks("alice")
	if len(list) != 2 || list[0].ID != a1 || list[1].ID != a2 {
		t.Errorf("alice's tasks: %+v", list)
	}
	if len(q.ListUserTasks("carol")) != 0 {
		t.Error("carol has no tasks")
	}
}

func TestCleanup(t *testing.T) {
	clock := newFakeClock()
	gen := newGatedGen()
	q := New(gen, Options{MaxConcurrent: 1, Now: clock.Now})
	defer func() {
		close(gen.release)
		stopQueue(t, q)
	}()

	done := mustEnqueue(t, q, "u", "done", 50)
	gen.waitStarted(t)
	gen.release <- struct{}{}
	waitTerminal(t, q, done)

	running := mustEnqueue(t, q, "u", "running", 50)
	gen.waitStarted(t)
	queued := mustEnqueue(t, q, "u", "queued", 50)

	clock.Advance(25 * time.Hour)

	if n := q.Cleanup(24 * time.Hour); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := q.Status(done); llm.KindOf(err) != llm.KindNotFound {
		t.Errorf("old completed task should be gone: %v", err)
	}
	for _, id := range []int64{running, queued} {
		if _, err := q.Status(id); err != nil {
			t.Errorf("task %d should survive cleanup: %v", id, err)
		}
	}
	if n := q.Cleanup(24 * time.Hour); n != 0 {
		t.Errorf("second cleanup removed %d", n)
	}
}

func TestTimeoutReleasesSlot(t *testing.T) {
	gen := newGatedGen()
	gen.ignoreCtx = true
	q := New(gen, Options{MaxConcurrent: 1, TaskTimeout: 30 * time.Millisecond})
	defer func() {
		close(gen.release)
		stopQueue(t, q)
	}()

	stuck := mustEnqueue(t, q, "u", "stuck", 50)
	next := mustEnqueue(t, q, "u", "next", 50)

	v := waitTerminal(t, q, stuck)
	if v.Status != StatusError || v.ErrorKind != llm.KindTimeout {
		t.Fatalf("got %s/%s", v.Status, v.ErrorKind)
	}

	gen.waitStarted(t)
	if got := gen.waitStarted(t); got != "next" {
		t.Fatalf("got %q, want next to start after the timeout", got)
	}
	if v := waitTerminal(t, q, next); v.ErrorKind != llm.KindTimeout {
		t.Errorf("second task: %s/%s", v.Status, v.ErrorKind)
	}
}

func TestPanicReleasesSlot(t *testing.T) {
	gen := newGatedGen()
	gen.panicOn = "bad"
	close(gen.release)
	q := New(gen, Options{MaxConcurrent: 1})
	defer stopQueue(t, q)

	bad := mustEnqueue(t, q, "u", "bad", 50)
	good := mustEnqueue(t, q, "u", "good", 50)

	if v := waitTerminal(t, q, bad); v.Status != StatusError || v.ErrorKind != llm.KindFatal {
		t.Errorf("panicking task: %s/%s", v.Status, v.ErrorKind)
	}
	if v := waitTerminal(t, q, good); v.Status != StatusCompleted {
		t.Errorf("next task: %s %s", v.Status, v.Error)
	}
}

func TestStop(t *testing.T) {
	gen := newGatedGen()
	q := New(gen, Options{MaxConcurrent: 1})

	running := mustEnqueue(t, q, "u", "running", 50)
	gen.waitStarted(t)
	queued := mustEnqueue(t, q, "u", "queued", 50)

	stopQueue(t, q)

	for _, id := range []int64{running, queued} {
		v, err := q.Status(id)
		if err != nil || v.Status != StatusCancelled {
			t.Errorf("task %d after stop: %+v %v", id, v, err)
		}
	}
	if _, err := q.Enqueue("u", ContentExercise, "late", 50); err == nil {
		t.Error("enqueue after stop should fail")
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestFinishPublishesEvent(t *testing.T) {
	got := make(chan TaskView, 4)
	sub := bus.SubscribeEvent(bus.TopicTaskFinished, func(e bus.Event) {
		if v, ok := e.Data.(TaskView); ok && v.UserID == "evt-user" {
			got <- v
		}
	})
	defer bus.UnsubscribeEvent(sub)

	gen := newGatedGen()
	close(gen.release)
	q := New(gen, Options{})
	defer stopQueue(t, q)

	id := mustEnqueue(t, q, "evt-user", "p", 50)
	select {
	case v := <-got:
		if v.ID != id || v.Status != StatusCompleted {
			t.Errorf("event view: %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no task finished event")
	}
}

func TestJanitor(t *testing.T) {
	clock := newFakeClock()
	gen := newGatedGen()
	close(gen.release)
	q := New(gen, Options{Now: clock.Now})
	defer stopQueue(t, q)

	id := mustEnqueue(t, q, "u", "p", 50)
	waitTerminal(t, q, id)
	clock.Advance(2 * time.Hour)

	j, err := NewJanitor(q, "@every 1h", time.Hour)
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	j.Sweep()
	if _, err := q.Status(id); llm.KindOf(err) != llm.KindNotFound {
		t.Errorf("sweep should evict: %v", err)
	}
	j.Start()
	j.Stop()

	if _, err := NewJanitor(q, "not a schedule", time.Hour); err == nil {
		t.Error("expected schedule parse error")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.Defaults().Queue)
	if opts.MaxConcurrent != 3 || opts.TaskTimeout != 280*time.Second {
		t.Errorf("got %+v", opts)
	}
	game := opts.ContentTypes[ContentGame]
	if game.AvgTime != time.Minute || game.MaxTokens != 4096 || game.Temperature != 0.8 {
		t.Errorf("game params: %+v", game)
	}

	var got llm.Params
	gen := funcGen(func(_ context.Context, _ string, p llm.Params) (*llm.Result, error) {
		got = p
		return &llm.Result{Text: "ok", Provider: "stub"}, nil
	})
	q := New(gen, opts)
	defer stopQueue(t, q)

	id, err := q.Enqueue("u", ContentGame, "a quiz", 50)
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, q, id)
	if got.MaxTokens != 4096 || got.Temperature != 0.8 {
		t.Errorf("generator params: %+v", got)
	}
}
