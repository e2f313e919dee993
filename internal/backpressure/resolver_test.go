package backpressure

import (
	"testing"

	"github.com/relaygate/relaygate/internal/store"
)

func TestClampLimit(t *testing.T) {
	tests := []struct {
		requested int
		want      int
	}{
		{requested: 0, want: DefaultProcessLimit},
		{requested: -3, want: MinProcessLimit},
		{requested: 1, want: 1},
		{requested: 42, want: 42},
		{requested: 500, want: MaxProcessLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.requested); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.requested, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		summary   *store.QueueSummary
		limits    *store.BackpressureLimits
		want      Decision
	}{
		{
			name:      "no limits passes requested through",
			requested: 20,
			summary:   &store.QueueSummary{Retrying: 100, DueNow: 100},
			limits:    nil,
			want:      Decision{EffectiveLimit: 20},
		},
		{
			name:      "disabled limits pass requested through",
			requested: 20,
			summary:   &store.QueueSummary{Retrying: 100, DueNow: 100},
			limits:    &store.BackpressureLimits{IsEnabled: false, MaxRetrying: 1, MaxDueNow: 1, MinLimit: 1},
			want:      Decision{EffectiveLimit: 20},
		},
		{
			name:      "retrying pressure throttles",
			requested: 20,
			summary:   &store.QueueSummary{Queued: 2, Retrying: 9, DueNow: 3},
			limits:    &store.BackpressureLimits{IsEnabled: true, MaxRetrying: 8, MaxDueNow: 100, MinLimit: 4},
			want:      Decision{EffectiveLimit: 4, Throttled: true, Reason: ReasonRetryingLimit},
		},
		{
			name:      "retrying checked before due now",
			requested: 20,
			summary:   &store.QueueSummary{Retrying: 50, DueNow: 50},
			limits:    &store.BackpressureLimits{IsEnabled: true, MaxRetrying: 10, MaxDueNow: 10, MinLimit: 2},
			want:      Decision{EffectiveLimit: 2, Throttled: true, Reason: ReasonRetryingLimit},
		},
		{
			name:      "due now pressure throttles",
			requested: 20,
			summary:   &store.QueueSummary{Retrying: 1, DueNow: 30},
			limits:    &store.BackpressureLimits{IsEnabled: true, MaxRetrying: 50, MaxDueNow: 25, MinLimit: 5},
			want:      Decision{EffectiveLimit: 5, Throttled: true, Reason: ReasonDueNowLimit},
		},
		{
			name:      "below both thresholds",
			requested: 20,
			summary:   &store.QueueSummary{Retrying: 1, DueNow: 1},
			limits:    &store.BackpressureLimits{IsEnabled: true, MaxRetrying: 50, MaxDueNow: 25, MinLimit: 5},
			want:      Decision{EffectiveLimit: 20},
		},
		{
			name:      "min limit never exceeds requested",
			requested: 3,
			summary:   &store.QueueSummary{Retrying: 100},
			limits:    &store.BackpressureLimits{IsEnabled: true, MaxRetrying: 8, MaxDueNow: 100, MinLimit: 10},
			want:      Decision{EffectiveLimit: 3, Throttled: true, Reason: ReasonRetryingLimit},
		},
		{
			name:      "nil summary never throttles",
			requested: 7,
			summary:   nil,
			limits:    &store.BackpressureLimits{IsEnabled: true, MaxRetrying: 1, MaxDueNow: 1, MinLimit: 1},
			want:      Decision{EffectiveLimit: 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.requested, tt.summary, tt.limits)
			if got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveLimitsPrecedence(t *testing.T) {
	reqConnector := store.BackpressureLimits{IsEnabled: true, MaxRetrying: 1, MinLimit: 1}
	reqDefault := store.BackpressureLimits{IsEnabled: true, MaxRetrying: 2, MinLimit: 2}
	polConnector := store.BackpressureLimits{IsEnabled: true, MaxRetrying: 3, MinLimit: 3}

	fullReq := &RequestOverride{
		Default:    &reqDefault,
		Connectors: map[string]store.BackpressureLimits{"webhook": reqConnector},
	}
	fullPolicy := &store.BackpressurePolicy{
		ProjectID:          "p1",
		IsEnabled:          true,
		MaxRetrying:        4,
		MaxDueNow:          40,
		MinLimit:           4,
		ConnectorOverrides: map[string]store.BackpressureLimits{"webhook": polConnector},
	}

	tests := []struct {
		name          string
		connectorType string
		req           *RequestOverride
		policy        *store.BackpressurePolicy
		wantSource    string
		wantRetrying  int
		wantApplied   bool
	}{
		{
			name:          "request connector override wins over everything",
			connectorType: "webhook",
			req:           fullReq,
			policy:        fullPolicy,
			wantSource:    SourceRequestConnectorOverride,
			wantRetrying:  1,
		},
		{
			name:          "request default beats policy tiers",
			connectorType: "chat",
			req:           fullReq,
			policy:        fullPolicy,
			wantSource:    SourceRequestDefault,
			wantRetrying:  2,
		},
		{
			name:          "policy connector override beats policy default",
			connectorType: "webhook",
			req:           nil,
			policy:        fullPolicy,
			wantSource:    SourcePolicyConnectorOverride,
			wantRetrying:  3,
			wantApplied:   true,
		},
		{
			name:          "policy default is the last configured tier",
			connectorType: "chat",
			req:           nil,
			policy:        fullPolicy,
			wantSource:    SourcePolicyDefault,
			wantRetrying:  4,
			wantApplied:   true,
		},
		{
			name:          "nothing configured",
			connectorType: "chat",
			req:           nil,
			policy:        nil,
			wantSource:    SourceNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveLimits(tt.connectorType, tt.req, tt.policy)
			if got.Source != tt.wantSource {
				t.Errorf("ResolveLimits() Source = %q, want %q", got.Source, tt.wantSource)
			}
			if got.PolicyApplied != tt.wantApplied {
				t.Errorf("ResolveLimits() PolicyApplied = %v, want %v", got.PolicyApplied, tt.wantApplied)
			}
			if tt.wantSource == SourceNone {
				if got.Limits != nil {
					t.Errorf("ResolveLimits() Limits = %+v, want nil", got.Limits)
				}
				return
			}
			if got.Limits == nil || got.Limits.MaxRetrying != tt.wantRetrying {
				t.Errorf("ResolveLimits() Limits = %+v, want MaxRetrying %d", got.Limits, tt.wantRetrying)
			}
		})
	}
}

func TestResolveLimitsCopiesOverride(t *testing.T) {
	policy := &store.BackpressurePolicy{
		ProjectID:          "p1",
		ConnectorOverrides: map[string]store.BackpressureLimits{"webhook": {MaxRetrying: 3}},
	}
	got := ResolveLimits("webhook", nil, policy)
	got.Limits.MaxRetrying = 99
	if policy.ConnectorOverrides["webhook"].MaxRetrying != 3 {
		t.Error("ResolveLimits() returned a reference into the policy map")
	}
}
