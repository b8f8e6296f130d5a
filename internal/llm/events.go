package llm

import (
	"time"

	"github.com/roelfdiedericks/lessongen/internal/bus"
	. "github.com/roelfdiedericks/lessongen/internal/logging"
	. "github.com/roelfdiedericks/lessongen/internal/metrics"
)

// Key event reasons
const (
	KeySelected     = "selected"
	KeyCooldown     = "cooldown"
	KeyDisabled     = "disabled"
	KeyAllCooling   = "all keys cooling down"
	KeyRotated      = "rotated"
	KeyWindowFull   = "window full"
	KeyAllDisabled  = "all keys disabled"
	KeyModelsFull   = "models exhausted"
	KeyModelCooling = "model cooldown"
)

// KeyEvent describes a key selection, cooldown or rotation.
type KeyEvent struct {
	Provider string
	Key      string // masked
	Reason   string
	Until    time.Time // set for cooldowns
}

// FallbackEvent records the chain moving from one provider to the next.
type FallbackEvent struct {
	From   string
	To     string
	Reason ErrorKind
	Err    error
}

// Observer receives dispatch diagnostics. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	KeyEvent(KeyEvent)
	Fallback(FallbackEvent)
}

// DefaultObserver logs, counts and publishes events on the bus.
type DefaultObserver struct{}

func (DefaultObserver) KeyEvent(ev KeyEvent) {
	switch ev.Reason {
	case KeySelected:
		L_trace("keyring: key selected", "provider", ev.Provider, "key", ev.Key)
	case KeyCooldown, KeyModelCooling:
		L_info("keyring: cooldown", "provider", ev.Provider, "key", ev.Key, "reason", ev.Reason, "until", ev.Until.Format(time.TimeOnly))
	case KeyDisabled, KeyAllDisabled:
		L_warn("keyring: key disabled", "provider", ev.Provider, "key", ev.Key, "reason", ev.Reason)
	case KeyAllCooling:
		L_warn("keyring: all keys cooling down, degrading to cursor key", "provider", ev.Provider, "key", ev.Key)
	default:
		L_debug("keyring: event", "provider", ev.Provider, "key", ev.Key, "reason", ev.Reason)
	}

	MetricOutcome("dispatch/"+ev.Provider, "keys", ev.Reason)
	bus.PublishEventWithSource(bus.TopicKey, ev, "keyring")
}

func (DefaultObserver) Fallback(ev FallbackEvent) {
	L_warn("chain: falling back", "from", ev.From, "to", ev.To, "reason", ev.Reason, "error", ev.Err)
	MetricInc("dispatch", "fallbacks")
	MetricOutcome("dispatch/"+ev.From, "fallback_reason", string(ev.Reason))
	bus.PublishEventWithSource(bus.TopicFallback, ev, "chain")
}

// nopObserver drops everything.
type nopObserver struct{}

func (nopObserver) KeyEvent(KeyEvent)      {}
func (nopObserver) Fallback(FallbackEvent) {}
