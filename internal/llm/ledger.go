package llm

import (
	"sync"
	"time"
)

type slotKey struct {
	key   int
	model string
}

type modelSlot struct {
	cooldownUntil time.Time
	usage         usageWindow
}

// LedgerOptions tunes a ModelLedger. Zero values take defaults.
type LedgerOptions struct {
	RateLimitCooldown time.Duration // default 60s
	TransientCooldown time.Duration // default 15s
	Observer          Observer
	Now               Clock
}

// ModelLedger enforces per-(key, model) RPM/RPD limits and cooldowns for one provider.
type ModelLedger struct {
	provider string

	mu    sync.Mutex
	slots map[slotKey]*modelSlot

	rateLimitCooldown time.Duration
	transientCooldown time.Duration
	observer          Observer
	now               Clock
}

// NewModelLedger creates an empty ledger for provider.
func NewModelLedger(provider string, opts LedgerOptions) *ModelLedger {
	if opts.RateLimitCooldown <= 0 {
		opts.RateLimitCooldown = 60 * time.Second
	}
	if opts.TransientCooldown <= 0 {
		opts.TransientCooldown = 15 * time.Second
	}
	if opts.Observer == nil {
		opts.Observer = DefaultObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ModelLedger{
		provider:          provider,
		slots:             make(map[slotKey]*modelSlot),
		rateLimitCooldown: opts.RateLimitCooldown,
		transientCooldown: opts.TransientCooldown,
		observer:          opts.Observer,
		now:               opts.Now,
	}
}

// slot must be called with l.mu held.
func (l *ModelLedger) slot(key Key, model string) *modelSlot {
	k := slotKey{key: key.Index, model: model}
	s, ok := l.slots[k]
	if !ok {
		s = &modelSlot{}
		l.slots[k] = s
	}
	return s
}

// Available reports whether model can take another request on key.
func (l *ModelLedger) Available(key Key, model ModelSpec) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availableLocked(key, model, l.now())
}

func (l *ModelLedger) availableLocked(key Key, model ModelSpec, now time.Time) bool {
	s := l.slot(key, model.ID)
	if now.Before(s.cooldownUntil) {
		return false
	}
	return s.usage.allows(now, model.RPM, model.RPD)
}

// PickModel returns the first available model of models, which must be in
// priority order. ok is false when every model is exhausted for key.
func (l *ModelLedger) PickModel(key Key, models []ModelSpec) (ModelSpec, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, m := range models {
		if l.availableLocked(key, m, now) {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// RecordUsage counts one successful request.
func (l *ModelLedger) RecordUsage(key Key, model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slot(key, model).usage.add(l.now())
}

// RecordError applies the pair cooldown for kind. Auth failures are handled
// by the KeyRing; other kinds leave the ledger untouched.
func (l *ModelLedger) RecordError(key Key, model string, kind ErrorKind) {
	var d time.Duration
	switch kind {
	case KindRateLimited:
		d = l.rateLimitCooldown
	case KindTransient, KindTimeout:
		d = l.transientCooldown
	default:
		return
	}

	l.mu.Lock()
	s := l.slot(key, model)
	until := l.now().Add(d)
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
	}
	until = s.cooldownUntil
	l.mu.Unlock()

	l.observer.KeyEvent(KeyEvent{Provider: l.provider, Key: key.ID + "/" + model, Reason: KeyModelCooling, Until: until})
}

// ModelStatus is a diagnostic snapshot of one (key, model) pair.
type ModelStatus struct {
	Key           int
	Model         string
	CooldownUntil time.Time
	MinuteCount   int
	DayCount      int
}

// Snapshot returns every pair the ledger has seen.
func (l *ModelLedger) Snapshot() []ModelStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make([]ModelStatus, 0, len(l.slots))
	for k, s := range l.slots {
		s.usage.roll(now)
		out = append(out, ModelStatus{
			Key:           k.key,
			Model:         k.model,
			CooldownUntil: s.cooldownUntil,
			MinuteCount:   s.usage.minute,
			DayCount:      s.usage.day,
		})
	}
	return out
}
