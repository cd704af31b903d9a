package orchestrator

import (
	"time"

	"github.com/kcaldas/tokenopt/pkg/provider"
)

// State is the provider role a session is currently served by.
type State int

const (
	Primary State = iota
	Fallback
	LocalOnly
	Unavailable
)

func (s State) String() string {
	switch s {
	case Primary:
		return "primary"
	case Fallback:
		return "fallback"
	case LocalOnly:
		return "local"
	default:
		return "unavailable"
	}
}

// Role maps a state onto the provider chain. Unavailable has no role.
func (s State) Role() (provider.Role, bool) {
	switch s {
	case Primary:
		return provider.RolePrimary, true
	case Fallback:
		return provider.RoleFallback, true
	case LocalOnly:
		return provider.RoleLocal, true
	}
	return "", false
}

// Transition reasons.
const (
	ReasonQuotaExhausted   = "quota_exhausted"
	ReasonLowBalance       = "low_balance"
	ReasonNotConfigured    = "not_configured"
	ReasonAgentUnavailable = "agent_unavailable"
	ReasonForced           = "forced"
	ReasonReset            = "reset"
)

// Transition is one step of a session's path through the provider chain.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// next is the state that follows s when its provider can no longer serve.
// paid reports whether s is served by a remote provider with a balance.
func paid(s State) bool { return s == Primary || s == Fallback }

func next(s State, localEnabled bool) State {
	switch s {
	case Primary:
		return Fallback
	case Fallback:
		if localEnabled {
			return LocalOnly
		}
		return Unavailable
	default:
		return Unavailable
	}
}
