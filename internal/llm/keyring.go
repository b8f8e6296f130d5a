package llm

import (
	"fmt"
	"sync"
	"time"
)

// Key is one credential handed out by a KeyRing.
type Key struct {
	Index  int    // position in the ring
	ID     string // masked, safe to log
	Secret string
}

// usageWindow counts requests in a rolling minute and day, rolled lazily.
type usageWindow struct {
	minuteStart time.Time
	dayStart    time.Time
	minute      int
	day         int
}

func (w *usageWindow) roll(now time.Time) {
	if now.Sub(w.minuteStart) >= time.Minute {
		w.minute = 0
		w.minuteStart = now
	}
	if now.Sub(w.dayStart) >= 24*time.Hour {
		w.day = 0
		w.dayStart = now
	}
}

// allows reports whether another request fits; non-positive limits are unlimited.
func (w *usageWindow) allows(now time.Time, rpm, rpd int) bool {
	w.roll(now)
	return (rpm <= 0 || w.minute < rpm) && (rpd <= 0 || w.day < rpd)
}

func (w *usageWindow) add(now time.Time) {
	w.roll(now)
	w.minute++
	w.day++
}

type keyState struct {
	key                 Key
	cooldownUntil       time.Time
	disabled            bool
	disabledReason      string
	consecutiveFailures int
	usage               usageWindow
	total               int64
	lastUsed            time.Time
}

func (k *keyState) available(now time.Time, rpm, rpd int) bool {
	if k.disabled || now.Before(k.cooldownUntil) {
		return false
	}
	return k.usage.allows(now, rpm, rpd)
}

// KeyRingOptions tunes a KeyRing. Zero values take defaults.
type KeyRingOptions struct {
	RPM              int           // per-key requests per minute, 0 = unlimited
	RPD              int           // per-key requests per day, 0 = unlimited
	FailureThreshold int           // consecutive failures before cooldowns double (default 3)
	MaxCooldown      time.Duration // cap for doubled cooldowns (default 10m)
	Observer         Observer
	Now              Clock
}

// KeyRing holds the credentials of one provider and hands them out
// round-robin, skipping keys that are cooling down or disabled.
type KeyRing struct {
	provider string

	mu     sync.Mutex
	keys   []*keyState
	cursor int

	rpm, rpd    int
	threshold   int
	maxCooldown time.Duration
	observer    Observer
	now         Clock
}

// NewKeyRing builds a ring over secrets. A provider without keys (local
// servers) gets a single empty credential.
func NewKeyRing(provider string, secrets []string, opts KeyRingOptions) *KeyRing {
	if len(secrets) == 0 {
		secrets = []string{""}
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.MaxCooldown <= 0 {
		opts.MaxCooldown = 10 * time.Minute
	}
	if opts.Observer == nil {
		opts.Observer = DefaultObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &KeyRing{
		provider:    provider,
		rpm:         opts.RPM,
		rpd:         opts.RPD,
		threshold:   opts.FailureThreshold,
		maxCooldown: opts.MaxCooldown,
		observer:    opts.Observer,
		now:         opts.Now,
	}
	for i, s := range secrets {
		r.keys = append(r.keys, &keyState{key: Key{Index: i, ID: MaskKey(s), Secret: s}})
	}
	return r
}

// Len returns the number of keys in the ring.
func (r *KeyRing) Len() int {
	return len(r.keys)
}

// Next returns the next usable key. When every key is cooling down or at its
// window limit, the key at the cursor is returned anyway (disabled keys are
// still skipped). Only when every key is disabled does Next fail.
func (r *KeyRing) Next() (Key, error) {
	r.mu.Lock()
	now := r.now()
	n := len(r.keys)

	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		ks := r.keys[idx]
		if ks.available(now, r.rpm, r.rpd) {
			r.cursor = (idx + 1) % n
			ks.lastUsed = now
			key := ks.key
			r.mu.Unlock()
			r.emit(key, KeySelected, time.Time{})
			return key, nil
		}
	}

	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		ks := r.keys[idx]
		if !ks.disabled {
			r.cursor = (idx + 1) % n
			ks.lastUsed = now
			key := ks.key
			r.mu.Unlock()
			r.emit(key, KeyAllCooling, time.Time{})
			return key, nil
		}
	}
	r.mu.Unlock()

	r.emit(Key{ID: "*"}, KeyAllDisabled, time.Time{})
	return Key{}, &Error{
		Kind:     KindAuth,
		Provider: r.provider,
		Err:      fmt.Errorf("all %d keys disabled", n),
	}
}

// Cooldown parks key for d. Once the key has failed FailureThreshold times
// in a row, d doubles for every further failure, capped at MaxCooldown.
// An existing longer cooldown is kept.
func (r *KeyRing) Cooldown(key Key, d time.Duration) time.Duration {
	r.mu.Lock()
	ks := r.state(key)
	if ks == nil {
		r.mu.Unlock()
		return 0
	}

	if ks.consecutiveFailures >= r.threshold {
		for i := 0; i <= ks.consecutiveFailures-r.threshold && d < r.maxCooldown; i++ {
			d *= 2
		}
	}
	if d > r.maxCooldown {
		d = r.maxCooldown
	}

	until := r.now().Add(d)
	if until.After(ks.cooldownUntil) {
		ks.cooldownUntil = until
	}
	until = ks.cooldownUntil
	r.mu.Unlock()

	r.emit(key, KeyCooldown, until)
	return d
}

// Disable removes key from rotation after an auth failure.
func (r *KeyRing) Disable(key Key, reason string) {
	r.mu.Lock()
	ks := r.state(key)
	if ks == nil || ks.disabled {
		r.mu.Unlock()
		return
	}
	ks.disabled = true
	ks.disabledReason = reason
	r.mu.Unlock()

	r.emit(key, KeyDisabled, time.Time{})
}

// RecordSuccess resets the failure streak and counts the request.
func (r *KeyRing) RecordSuccess(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ks := r.state(key); ks != nil {
		ks.consecutiveFailures = 0
		ks.usage.add(r.now())
		ks.total++
	}
}

// RecordFailure extends the failure streak.
func (r *KeyRing) RecordFailure(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ks := r.state(key); ks != nil {
		ks.consecutiveFailures++
	}
}

// state must be called with r.mu held.
func (r *KeyRing) state(key Key) *keyState {
	if key.Index < 0 || key.Index >= len(r.keys) {
		return nil
	}
	return r.keys[key.Index]
}

func (r *KeyRing) emit(key Key, reason string, until time.Time) {
	r.observer.KeyEvent(KeyEvent{Provider: r.provider, Key: key.ID, Reason: reason, Until: until})
}

// KeyStatus is a diagnostic snapshot of one key.
type KeyStatus struct {
	ID                  string
	Available           bool
	Disabled            bool
	DisabledReason      string
	CooldownUntil       time.Time
	ConsecutiveFailures int
	MinuteCount         int
	DayCount            int
	Total               int64
	LastUsed            time.Time
}

// Snapshot returns the state of every key in ring order.
func (r *KeyRing) Snapshot() []KeyStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]KeyStatus, 0, len(r.keys))
	for _, ks := range r.keys {
		ks.usage.roll(now)
		available := ks.available(now, r.rpm, r.rpd)
		out = append(out, KeyStatus{
			ID:                  ks.key.ID,
			Available:           available,
			Disabled:            ks.disabled,
			DisabledReason:      ks.disabledReason,
			CooldownUntil:       ks.cooldownUntil,
			ConsecutiveFailures: ks.consecutiveFailures,
			MinuteCount:         ks.usage.minute,
			DayCount:            ks.usage.day,
			Total:               ks.total,
			LastUsed:            ks.lastUsed,
		})
	}
	return out
}
