package llm

import (
	"context"
	"sync"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
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

type recordingObserver struct {
	mu        sync.Mutex
	keys      []KeyEvent
	fallbacks []FallbackEvent
}

func (o *recordingObserver) KeyEvent(ev KeyEvent) {
	o.mu.Lock()
	o.keys = append(o.keys, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) Fallback(ev FallbackEvent) {
	o.mu.Lock()
	o.fallbacks = append(o.fallbacks, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) reasons() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.keys))
	for i, ev := range o.keys {
		out[i] = ev.Reason
	}
	return out
}

func (o *recordingObserver) fallbackEvents() []FallbackEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]FallbackEvent(nil), o.fallbacks...)
}

// charCounter counts one token per byte.
type charCounter struct{}

func (charCounter) Count(text string) int { return len(text) }

// scriptedAdapter answers by key secret; missing secrets succeed with "ok".
type scriptedAdapter struct {
	mu    sync.Mutex
	byKey map[string]error
	text  string
	calls []Call
}

func (a *scriptedAdapter) Complete(ctx context.Context, call Call) (string, error) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	err := a.byKey[call.Key.Secret]
	a.mu.Unlock()
	if err != nil {
		return "", err
	}
	if a.text == "" {
		return "ok", nil
	}
	return a.text, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *scriptedAdapter) secrets() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	for i, c := range a.calls {
		out[i] = c.Key.Secret
	}
	return out
}

// stubProvider is a ProviderClient with a fixed answer.
type stubProvider struct {
	name  string
	text  string
	err   error
	calls int
	fn    func(ctx context.Context) (string, error)
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	p.calls++
	if p.fn != nil {
		return p.fn(ctx)
	}
	return p.text, p.err
}

func testClient(secrets []string, adapter Adapter, models []ModelSpec, clock *fakeClock, obs Observer) *Client {
	if obs == nil {
		obs = nopObserver{}
	}
	if models == nil {
		models = []ModelSpec{{ID: "m1", Priority: 1}}
	}
	return NewClient(ClientConfig{
		Name:    "test",
		Adapter: adapter,
		Keys:    NewKeyRing("test", secrets, KeyRingOptions{Observer: obs, Now: clock.Now}),
		Ledger:  NewModelLedger("test", LedgerOptions{Observer: obs, Now: clock.Now}),
		Models:  models,
		Tokens:  charCounter{},
	})
}
