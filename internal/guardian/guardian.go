// Package guardian is the automated remediation loop: it observes
// per-connector risk, selects actions above the project's threshold, and
// applies them through the delivery engine subject to cooldowns and dry-run.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/relaygate/relaygate/internal/audit"
	"github.com/relaygate/relaygate/internal/engine"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/reliability"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/tracing"
)

// Action types mirror scorer recommendations.
const (
	ActionProcessQueue       = "process_queue"
	ActionRedriveDeadLetters = "redrive_dead_letters"
)

// Skip reasons.
const (
	SkipCooldownActive   = "cooldown_active"
	SkipActionDisallowed = "action_disallowed"
)

// Action is one remediation the loop selected for execution.
type Action struct {
	ConnectorType string  `json:"connector_type"`
	Type          string  `json:"type"`
	RiskScore     float64 `json:"risk_score"`
	DryRun        bool    `json:"dry_run"`
	Processed     int     `json:"processed,omitempty"`
	Redriven      int     `json:"redriven,omitempty"`
}

// Skip records why a candidate action was not executed.
type Skip struct {
	ConnectorType     string `json:"connector_type"`
	Action            string `json:"action"`
	Reason            string `json:"reason"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// TickResult is the outcome of evaluating one project.
type TickResult struct {
	ProjectID string   `json:"project_id"`
	Actioned  int      `json:"actioned"`
	Actions   []Action `json:"actions,omitempty"`
	Skips     []Skip   `json:"skips,omitempty"`
	Failures  []string `json:"failures,omitempty"`
}

// Loop evaluates all guardian-enabled projects on a fixed interval. Ticks
// are non-reentrant: a timer firing while the previous tick still runs is
// skipped, bounding concurrent external dispatches.
type Loop struct {
	store    store.Store
	engine   *engine.Engine
	scorer   *reliability.Scorer
	audit    audit.Emitter
	logger   *logging.Logger
	interval time.Duration
	now      func() time.Time

	ticking atomic.Bool

	mu sync.Mutex
	// lastAction tracks the most recent action execution per
	// project/connector for cooldown filtering. Any executed action
	// cools the connector down, whatever the next recommendation is.
	lastAction map[string]time.Time
}

// Options configures a Loop.
type Options struct {
	Store    store.Store
	Engine   *engine.Engine
	Scorer   *reliability.Scorer
	Audit    audit.Emitter
	Logger   *logging.Logger
	Interval time.Duration
	Now      func() time.Time
}

func NewLoop(opts Options) *Loop {
	l := &Loop{
		store:      opts.Store,
		engine:     opts.Engine,
		scorer:     opts.Scorer,
		audit:      opts.Audit,
		logger:     opts.Logger,
		interval:   opts.Interval,
		now:        opts.Now,
		lastAction: make(map[string]time.Time),
	}
	if l.audit == nil {
		l.audit = audit.NopEmitter{}
	}
	if l.logger == nil {
		l.logger = logging.New("relaygate-guardian")
	}
	if l.interval <= 0 {
		l.interval = time.Minute
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Plain().WithField("interval", l.interval.String()).Info("guardian loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Plain().Info("guardian loop stopped")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick evaluates every guardian-enabled project once. One project's failure
// never aborts the loop for other projects. Returns false when a previous
// tick was still running and this one was skipped.
func (l *Loop) Tick(ctx context.Context) bool {
	if !l.ticking.CompareAndSwap(false, true) {
		l.logger.Plain().Warn("previous guardian tick still running, skipping")
		return false
	}
	defer l.ticking.Store(false)

	projects, err := l.store.ListGuardianProjects(ctx)
	if err != nil {
		l.logger.WithContext(ctx).WithError(err).Error("list guardian projects failed")
		return true
	}
	for _, projectID := range projects {
		result, err := l.TickProject(ctx, projectID)
		if err != nil {
			l.logger.WithContext(ctx).WithProject(projectID).WithError(err).
				Error("guardian evaluation failed for project")
			continue
		}
		if result != nil && (result.Actioned > 0 || len(result.Failures) > 0) {
			l.logger.WithContext(ctx).WithProject(projectID).WithFields(map[string]any{
				"actioned": result.Actioned,
				"failures": len(result.Failures),
			}).Info("guardian tick complete")
		}
	}
	return true
}

// TickProject evaluates one project and executes (or dry-runs) the selected
// remediation actions.
func (l *Loop) TickProject(ctx context.Context, projectID string) (*TickResult, error) {
	ctx, span := tracing.StartSpan(ctx, "guardian.TickProject",
		attribute.String("project_id", projectID),
	)
	defer span.End()

	policy, err := l.store.GetGuardianPolicy(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return &TickResult{ProjectID: projectID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("guardian: load policy: %w", err)
	}
	if !policy.IsEnabled {
		return &TickResult{ProjectID: projectID}, nil
	}

	lookback := time.Duration(policy.LookbackHours) * time.Hour
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	snapshots, err := l.scorer.ScoreAll(ctx, projectID, lookback)
	if err != nil {
		return nil, fmt.Errorf("guardian: score: %w", err)
	}

	result := &TickResult{ProjectID: projectID}
	candidates := selectCandidates(snapshots, policy, result)

	for _, c := range candidates {
		if skip, ok := l.cooldownSkip(projectID, c.ConnectorType, c.Type, policy); ok {
			result.Skips = append(result.Skips, skip)
			metrics.RecordGuardianAction(c.Type, "skipped")
			continue
		}
		action := c
		action.DryRun = policy.DryRun
		if policy.DryRun {
			metrics.RecordGuardianAction(c.Type, "dry_run")
			result.Actions = append(result.Actions, action)
			result.Actioned++
			continue
		}
		if err := l.execute(ctx, projectID, &action, policy); err != nil {
			result.Failures = append(result.Failures,
				fmt.Sprintf("%s/%s: %v", c.ConnectorType, c.Type, err))
			continue
		}
		l.markExecuted(projectID, c.ConnectorType)
		metrics.RecordGuardianAction(c.Type, "applied")
		result.Actions = append(result.Actions, action)
		result.Actioned++

		ev := audit.NewEvent(audit.EventGuardianAction, projectID)
		ev.ConnectorType = c.ConnectorType
		ev.Detail = c.Type
		l.audit.Emit(ctx, ev)
	}

	span.SetAttributes(attribute.Int("actioned", result.Actioned))
	return result, nil
}

// selectCandidates applies the threshold, the policy's action allow flags,
// descending risk-score ordering (ties broken by connector type for
// determinism), and the per-project action cap.
func selectCandidates(snapshots []*reliability.Snapshot, policy *store.GuardianPolicy, result *TickResult) []Action {
	var candidates []Action
	for _, snap := range snapshots {
		if snap.Recommendation == reliability.RecommendationHealthy {
			continue
		}
		if snap.RiskScore < policy.RiskThreshold {
			continue
		}
		actionType := snap.Recommendation
		allowed := (actionType == ActionProcessQueue && policy.AllowProcessQueue) ||
			(actionType == ActionRedriveDeadLetters && policy.AllowRedriveDeadLetters)
		if !allowed {
			result.Skips = append(result.Skips, Skip{
				ConnectorType: snap.ConnectorType,
				Action:        actionType,
				Reason:        SkipActionDisallowed,
			})
			continue
		}
		candidates = append(candidates, Action{
			ConnectorType: snap.ConnectorType,
			Type:          actionType,
			RiskScore:     snap.RiskScore,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].RiskScore == candidates[j].RiskScore {
			return candidates[i].ConnectorType < candidates[j].ConnectorType
		}
		return candidates[i].RiskScore > candidates[j].RiskScore
	})

	maxActions := policy.MaxActionsPerProject
	if maxActions <= 0 {
		maxActions = 1
	}
	if len(candidates) > maxActions {
		candidates = candidates[:maxActions]
	}
	return candidates
}

func cooldownKey(projectID, connectorType string) string {
	return projectID + "|" + connectorType
}

func (l *Loop) cooldownSkip(projectID, connectorType, action string, policy *store.GuardianPolicy) (Skip, bool) {
	cooldown := time.Duration(policy.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		return Skip{}, false
	}
	l.mu.Lock()
	last, ok := l.lastAction[cooldownKey(projectID, connectorType)]
	l.mu.Unlock()
	if !ok {
		return Skip{}, false
	}
	elapsed := l.now().Sub(last)
	if elapsed >= cooldown {
		return Skip{}, false
	}
	return Skip{
		ConnectorType:     connectorType,
		Action:            action,
		Reason:            SkipCooldownActive,
		RetryAfterSeconds: int((cooldown - elapsed).Seconds()) + 1,
	}, true
}

func (l *Loop) markExecuted(projectID, connectorType string) {
	l.mu.Lock()
	l.lastAction[cooldownKey(projectID, connectorType)] = l.now()
	l.mu.Unlock()
}

func (l *Loop) execute(ctx context.Context, projectID string, action *Action, policy *store.GuardianPolicy) error {
	limit := policy.ActionLimit
	if limit <= 0 {
		limit = 10
	}
	switch action.Type {
	case ActionProcessQueue:
		res, err := l.engine.ProcessQueue(ctx, engine.ProcessInput{
			ProjectID:     projectID,
			ConnectorType: action.ConnectorType,
			Limit:         limit,
		})
		if err != nil {
			return err
		}
		action.Processed = res.Processed
		return nil
	case ActionRedriveDeadLetters:
		redriven, err := l.engine.RedriveBatch(ctx, engine.RedriveBatchInput{
			ProjectID:            projectID,
			ConnectorType:        action.ConnectorType,
			Limit:                limit,
			MinDeadLetterMinutes: policy.MinDeadLetterMinutes,
		})
		if err != nil {
			return err
		}
		action.Redriven = len(redriven)
		return nil
	default:
		return fmt.Errorf("guardian: unknown action %q", action.Type)
	}
}
