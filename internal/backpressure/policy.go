package backpressure

import "github.com/relaygate/relaygate/internal/store"

// Resolution tiers, in strict precedence order.
const (
	SourceRequestConnectorOverride = "request_connector_override"
	SourceRequestDefault           = "request_default"
	SourcePolicyConnectorOverride  = "policy_connector_override"
	SourcePolicyDefault            = "policy_default"
	SourceNone                     = "none"
)

// RequestOverride carries backpressure tuning supplied inline on a
// processQueue request, overriding any persisted policy.
type RequestOverride struct {
	// Default applies to every connector type without a specific entry.
	Default *store.BackpressureLimits `json:"default,omitempty"`
	// Connectors maps connector type to limits for that type only.
	Connectors map[string]store.BackpressureLimits `json:"connectors,omitempty"`
}

// Resolution reports which configuration tier fired. Source and
// PolicyApplied exist for audit and debuggability.
type Resolution struct {
	Limits        *store.BackpressureLimits `json:"limits,omitempty"`
	Source        string                    `json:"source"`
	PolicyApplied bool                      `json:"policy_applied"`
}

// ResolveLimits picks the configuration the Resolver should consume for one
// connector type: request connector override, request default, policy
// connector override, policy default, then none.
func ResolveLimits(connectorType string, req *RequestOverride, policy *store.BackpressurePolicy) Resolution {
	if req != nil {
		if limits, ok := req.Connectors[connectorType]; ok {
			l := limits
			return Resolution{Limits: &l, Source: SourceRequestConnectorOverride}
		}
		if req.Default != nil {
			l := *req.Default
			return Resolution{Limits: &l, Source: SourceRequestDefault}
		}
	}
	if policy != nil {
		if limits, ok := policy.ConnectorOverrides[connectorType]; ok {
			l := limits
			return Resolution{Limits: &l, Source: SourcePolicyConnectorOverride, PolicyApplied: true}
		}
		l := store.BackpressureLimits{
			IsEnabled:   policy.IsEnabled,
			MaxRetrying: policy.MaxRetrying,
			MaxDueNow:   policy.MaxDueNow,
			MinLimit:    policy.MinLimit,
		}
		return Resolution{Limits: &l, Source: SourcePolicyDefault, PolicyApplied: true}
	}
	return Resolution{Source: SourceNone}
}
