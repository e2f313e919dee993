// Package backpressure decides how many deliveries one processing pass may
// touch, from current queue pressure and a layered configuration lookup.
package backpressure

import "github.com/relaygate/relaygate/internal/store"

// Throttle reasons.
const (
	ReasonRetryingLimit = "retrying_limit"
	ReasonDueNowLimit   = "due_now_limit"
)

const (
	MinProcessLimit     = 1
	MaxProcessLimit     = 100
	DefaultProcessLimit = 10

	minThreshold = 1
	maxThreshold = 10000
)

// Decision is the resolver's output for one processing pass.
type Decision struct {
	EffectiveLimit int    `json:"effective_limit"`
	Throttled      bool   `json:"throttled"`
	Reason         string `json:"reason,omitempty"`
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampLimit normalizes a requested processing limit into [1,100], defaulting
// to 10 when unset.
func ClampLimit(requested int) int {
	if requested == 0 {
		return DefaultProcessLimit
	}
	return clampInt(requested, MinProcessLimit, MaxProcessLimit)
}

// Resolve computes the effective processing limit. Retrying pressure is
// checked before due-now pressure: a connector accumulating unresolved
// retries is higher risk than one merely facing a backlog of due work.
func Resolve(requestedLimit int, summary *store.QueueSummary, limits *store.BackpressureLimits) Decision {
	requested := ClampLimit(requestedLimit)
	if limits == nil || !limits.IsEnabled {
		return Decision{EffectiveLimit: requested}
	}

	maxRetrying := clampInt(limits.MaxRetrying, minThreshold, maxThreshold)
	maxDueNow := clampInt(limits.MaxDueNow, minThreshold, maxThreshold)
	minLimit := clampInt(limits.MinLimit, MinProcessLimit, MaxProcessLimit)
	if minLimit > requested {
		minLimit = requested
	}

	if summary != nil && summary.Retrying >= maxRetrying {
		return Decision{EffectiveLimit: minLimit, Throttled: true, Reason: ReasonRetryingLimit}
	}
	if summary != nil && summary.DueNow >= maxDueNow {
		return Decision{EffectiveLimit: minLimit, Throttled: true, Reason: ReasonDueNowLimit}
	}
	return Decision{EffectiveLimit: requested}
}
