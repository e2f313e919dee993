// Package reliability computes per-connector risk snapshots from recent
// delivery and attempt history. Snapshots are derived views, recomputed per
// guardian tick or operator request, never persisted.
package reliability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/store"
)

// Recommendations, coarsest first.
const (
	RecommendationHealthy            = "healthy"
	RecommendationProcessQueue       = "process_queue"
	RecommendationRedriveDeadLetters = "redrive_dead_letters"
)

// Risk component names.
const (
	ComponentDeadLetter          = "dead_letter_pressure"
	ComponentDueNow              = "due_now_pressure"
	ComponentRetry               = "retry_pressure"
	ComponentQueued              = "queued_pressure"
	ComponentAttemptExhaustion   = "max_attempt_exhaustion_pressure"
	ComponentDeliveryFailureRate = "delivery_failure_rate_pressure"
	ComponentAttemptFailureRate  = "attempt_failure_rate_pressure"
	ComponentRecentErrors        = "recent_error_pressure"
)

// Component is one named contribution to the risk score.
type Component struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Insights summarizes recent attempt history.
type Insights struct {
	AttemptTotal        int          `json:"attempt_total"`
	AttemptSuccesses    int          `json:"attempt_successes"`
	AttemptSuccessRate  float64      `json:"attempt_success_rate"`
	DeliverySuccessRate float64      `json:"delivery_success_rate"`
	TopErrors           []ErrorCount `json:"top_errors,omitempty"`
}

// ErrorCount is one error message and how often it occurred in the window.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// Snapshot is the derived reliability view for one connector type.
type Snapshot struct {
	ConnectorType  string              `json:"connector_type"`
	Summary        *store.QueueSummary `json:"summary"`
	Insights       Insights            `json:"insights"`
	Breakdown      []Component         `json:"breakdown"`
	RiskScore      float64             `json:"risk_score"`
	Recommendation string              `json:"recommendation"`
}

// Scorer computes reliability snapshots from the store.
type Scorer struct {
	store store.Store
	now   func() time.Time
}

func NewScorer(s store.Store, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{store: s, now: now}
}

// Score computes the snapshot for one connector type over the lookback
// window.
func (s *Scorer) Score(ctx context.Context, projectID, connectorType string, lookback time.Duration) (*Snapshot, error) {
	now := s.now().UTC()
	summary, err := s.store.Summarize(ctx, projectID, connectorType, now)
	if err != nil {
		return nil, fmt.Errorf("reliability: summarize: %w", err)
	}
	attempts, err := s.store.ListAttempts(ctx, projectID, connectorType, now.Add(-lookback))
	if err != nil {
		return nil, fmt.Errorf("reliability: list attempts: %w", err)
	}

	snap := build(connectorType, summary, attempts)
	metrics.SetRiskScore(projectID, connectorType, snap.RiskScore)
	return snap, nil
}

// ScoreAll computes snapshots for every connector type seen in the project,
// ordered by connector type name.
func (s *Scorer) ScoreAll(ctx context.Context, projectID string, lookback time.Duration) ([]*Snapshot, error) {
	types, err := s.store.ListConnectorTypes(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("reliability: list connector types: %w", err)
	}
	snaps := make([]*Snapshot, 0, len(types))
	for _, t := range types {
		snap, err := s.Score(ctx, projectID, t, lookback)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Weights. Each component is clamped so no single signal can dominate the
// score unboundedly; constants documented in DESIGN.md.
const (
	weightDeadLetter  = 6.0
	capDeadLetter     = 30.0
	weightDueNow      = 2.0
	capDueNow         = 20.0
	weightRetry       = 3.0
	capRetry          = 15.0
	weightQueued      = 1.0
	capQueued         = 10.0
	weightExhaustion  = 5.0
	capExhaustion     = 10.0
	weightFailureRate = 10.0
	weightRecentError = 1.0
	capRecentError    = 5.0
	maxTopErrors      = 3
)

func capped(count int, weight, ceiling float64) float64 {
	v := float64(count) * weight
	if v > ceiling {
		return ceiling
	}
	return v
}

func build(connectorType string, summary *store.QueueSummary, attempts []*store.Attempt) *Snapshot {
	insights := buildInsights(summary, attempts)

	seen := make(map[string]bool)
	for _, a := range attempts {
		if !a.Success && a.ErrorMessage != "" {
			seen[a.ErrorMessage] = true
		}
	}
	// Deliveries that burned all attempts are already dead-lettered; count
	// them again here as the exhaustion component so repeated terminal
	// failures raise risk faster than a single stuck retry.
	exhausted := summary.DeadLettered

	breakdown := []Component{
		{Name: ComponentDeadLetter, Score: capped(summary.DeadLettered, weightDeadLetter, capDeadLetter)},
		{Name: ComponentDueNow, Score: capped(summary.DueNow, weightDueNow, capDueNow)},
		{Name: ComponentRetry, Score: capped(summary.Retrying, weightRetry, capRetry)},
		{Name: ComponentQueued, Score: capped(summary.Queued, weightQueued, capQueued)},
		{Name: ComponentAttemptExhaustion, Score: capped(exhausted, weightExhaustion, capExhaustion)},
		{Name: ComponentDeliveryFailureRate, Score: (1 - insights.DeliverySuccessRate) * weightFailureRate},
		{Name: ComponentAttemptFailureRate, Score: (1 - insights.AttemptSuccessRate) * weightFailureRate},
		{Name: ComponentRecentErrors, Score: capped(len(seen), weightRecentError, capRecentError)},
	}

	var score float64
	for _, c := range breakdown {
		score += c.Score
	}

	return &Snapshot{
		ConnectorType:  connectorType,
		Summary:        summary,
		Insights:       insights,
		Breakdown:      breakdown,
		RiskScore:      score,
		Recommendation: recommend(summary),
	}
}

func buildInsights(summary *store.QueueSummary, attempts []*store.Attempt) Insights {
	ins := Insights{AttemptTotal: len(attempts)}
	errCounts := make(map[string]int)
	for _, a := range attempts {
		if a.Success {
			ins.AttemptSuccesses++
		} else if a.ErrorMessage != "" {
			errCounts[a.ErrorMessage]++
		}
	}
	if ins.AttemptTotal > 0 {
		ins.AttemptSuccessRate = float64(ins.AttemptSuccesses) / float64(ins.AttemptTotal)
	} else {
		ins.AttemptSuccessRate = 1
	}
	terminal := summary.Delivered + summary.DeadLettered
	if terminal > 0 {
		ins.DeliverySuccessRate = float64(summary.Delivered) / float64(terminal)
	} else {
		ins.DeliverySuccessRate = 1
	}

	for msg, count := range errCounts {
		ins.TopErrors = append(ins.TopErrors, ErrorCount{Message: msg, Count: count})
	}
	sort.Slice(ins.TopErrors, func(i, j int) bool {
		if ins.TopErrors[i].Count == ins.TopErrors[j].Count {
			return ins.TopErrors[i].Message < ins.TopErrors[j].Message
		}
		return ins.TopErrors[i].Count > ins.TopErrors[j].Count
	})
	if len(ins.TopErrors) > maxTopErrors {
		ins.TopErrors = ins.TopErrors[:maxTopErrors]
	}
	return ins
}

// recommend classifies the queue state. Dead letters always win: they need
// an explicit redrive to ever move again.
func recommend(summary *store.QueueSummary) string {
	if summary.DeadLettered > 0 {
		return RecommendationRedriveDeadLetters
	}
	if summary.DueNow > 0 || summary.Queued > 0 || summary.Retrying > 0 {
		return RecommendationProcessQueue
	}
	return RecommendationHealthy
}
