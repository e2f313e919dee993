// Package governance implements the backpressure policy change workflow:
// a draft is proposed, collects approvals, optionally waits for a scheduled
// activation time, and on apply supersedes the project's live policy.
//
// Readiness previews are pure and never persist anything; committing an
// approval is a separate mutating path.
package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/audit"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/store"
)

// Blocking reasons for an unready draft.
const (
	ReasonApprovalsPending      = "approvals_pending"
	ReasonActivationTimePending = "activation_time_pending"
)

const (
	MinRequiredApprovals     = 1
	MaxRequiredApprovals     = 10
	DefaultRequiredApprovals = 1
)

var (
	// ErrApprovalsPending is returned by Apply while the draft still needs
	// approvals.
	ErrApprovalsPending = errors.New("governance: " + ReasonApprovalsPending)

	// ErrActivationTimePending is returned by Apply before the draft's
	// scheduled activation time.
	ErrActivationTimePending = errors.New("governance: " + ReasonActivationTimePending)

	// ErrActorRequired is returned by Approve when no actor was supplied.
	ErrActorRequired = errors.New("governance: actor is required")
)

// BlockingReason maps an Apply error back to its wire-level reason string,
// or "" for errors that are not readiness failures.
func BlockingReason(err error) string {
	switch {
	case errors.Is(err, ErrApprovalsPending):
		return ReasonApprovalsPending
	case errors.Is(err, ErrActivationTimePending):
		return ReasonActivationTimePending
	default:
		return ""
	}
}

// Readiness is the derived approval/activation state of a draft.
type Readiness struct {
	ApprovalCount      int    `json:"approval_count"`
	RequiredApprovals  int    `json:"required_approvals"`
	ApprovalsRemaining int    `json:"approvals_remaining"`
	ActivationReady    bool   `json:"activation_ready"`
	Ready              bool   `json:"ready"`
	Reason             string `json:"reason,omitempty"`
}

// Preview computes readiness without mutating anything. Actors are counted
// distinctly and case-insensitively. A non-empty actor who has not yet
// approved counts as one more approval, answering "would my approval make
// this ready" for operator UIs. Pass actor="" for the committed view.
func Preview(draft *store.BackpressurePolicyDraft, actor string, now time.Time) Readiness {
	seen := make(map[string]bool, len(draft.Approvals))
	for _, a := range draft.Approvals {
		seen[strings.ToLower(a.Actor)] = true
	}
	count := len(seen)
	if actor != "" && !seen[strings.ToLower(actor)] {
		count++
	}

	r := Readiness{
		ApprovalCount:     count,
		RequiredApprovals: draft.RequiredApprovals,
		ActivationReady:   draft.ActivateAt == nil || !draft.ActivateAt.After(now),
	}
	if remaining := draft.RequiredApprovals - count; remaining > 0 {
		r.ApprovalsRemaining = remaining
	}
	switch {
	case r.ApprovalsRemaining > 0:
		r.Reason = ReasonApprovalsPending
	case !r.ActivationReady:
		r.Reason = ReasonActivationTimePending
	default:
		r.Ready = true
	}
	return r
}

// Workflow binds the draft lifecycle to the store and the audit stream.
type Workflow struct {
	store  store.Store
	audit  audit.Emitter
	logger *logging.Logger
	now    func() time.Time
}

func NewWorkflow(s store.Store, emitter audit.Emitter, logger *logging.Logger, now func() time.Time) *Workflow {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	if logger == nil {
		logger = logging.New("relaygate-governance")
	}
	if now == nil {
		now = time.Now
	}
	return &Workflow{store: s, audit: emitter, logger: logger, now: now}
}

// ProposeInput carries the proposed policy values. ConnectorOverrides is a
// patch: connectors it names replace the active policy's override, connectors
// it omits keep theirs.
type ProposeInput struct {
	ProjectID          string
	IsEnabled          bool
	MaxRetrying        int
	MaxDueNow          int
	MinLimit           int
	ConnectorOverrides map[string]store.BackpressureLimits
	RequiredApprovals  int
	ActivateAt         *time.Time
}

// Propose creates or replaces the project's draft. A new proposal resets any
// approvals collected by a previous one.
func (w *Workflow) Propose(ctx context.Context, in ProposeInput) (*store.BackpressurePolicyDraft, error) {
	required := in.RequiredApprovals
	if required == 0 {
		required = DefaultRequiredApprovals
	}
	if required < MinRequiredApprovals || required > MaxRequiredApprovals {
		return nil, fmt.Errorf("governance: required_approvals %d out of range [%d,%d]",
			in.RequiredApprovals, MinRequiredApprovals, MaxRequiredApprovals)
	}

	overrides, err := w.mergedOverrides(ctx, in.ProjectID, in.ConnectorOverrides)
	if err != nil {
		return nil, err
	}

	draft, err := w.store.UpsertDraft(ctx, &store.BackpressurePolicyDraft{
		ProjectID:          in.ProjectID,
		IsEnabled:          in.IsEnabled,
		MaxRetrying:        in.MaxRetrying,
		MaxDueNow:          in.MaxDueNow,
		MinLimit:           in.MinLimit,
		ConnectorOverrides: overrides,
		RequiredApprovals:  required,
		ActivateAt:         in.ActivateAt,
	})
	if err != nil {
		return nil, fmt.Errorf("governance: propose: %w", err)
	}

	ev := audit.NewEvent(audit.EventDraftChanged, in.ProjectID)
	ev.Detail = "proposed"
	w.audit.Emit(ctx, ev)
	w.logger.WithContext(ctx).WithProject(in.ProjectID).
		WithField("required_approvals", required).Info("policy draft proposed")
	return draft, nil
}

// mergedOverrides layers the proposal's override patch on top of the active
// policy's overrides. Without an active policy the patch stands alone.
func (w *Workflow) mergedOverrides(ctx context.Context, projectID string, patch map[string]store.BackpressureLimits) (map[string]store.BackpressureLimits, error) {
	policy, err := w.store.GetBackpressurePolicy(ctx, projectID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("governance: load active policy: %w", err)
	}

	merged := make(map[string]store.BackpressureLimits)
	if policy != nil {
		for k, v := range policy.ConnectorOverrides {
			merged[k] = v
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return merged, nil
}

// Approve records actor's sign-off on the project's draft. Re-approving is a
// no-op for the approval list but still returns the current readiness.
func (w *Workflow) Approve(ctx context.Context, projectID, actor string) (*store.BackpressurePolicyDraft, Readiness, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, Readiness{}, ErrActorRequired
	}

	draft, err := w.store.GetDraft(ctx, projectID)
	if err != nil {
		return nil, Readiness{}, err
	}

	already := false
	for _, a := range draft.Approvals {
		if strings.EqualFold(a.Actor, actor) {
			already = true
			break
		}
	}
	if !already {
		draft.Approvals = append(draft.Approvals, store.Approval{
			Actor:      actor,
			ApprovedAt: w.now().UTC(),
		})
		draft, err = w.store.UpsertDraft(ctx, draft)
		if err != nil {
			return nil, Readiness{}, fmt.Errorf("governance: record approval: %w", err)
		}

		ev := audit.NewEvent(audit.EventDraftChanged, projectID)
		ev.Detail = "approved by " + actor
		w.audit.Emit(ctx, ev)
	}

	return draft, Preview(draft, "", w.now()), nil
}

// Apply activates the draft: the draft's fields become the project's live
// policy and the draft is deleted. Unready drafts fail with the specific
// blocking reason. Only committed approvals count here, never the preview
// increment.
func (w *Workflow) Apply(ctx context.Context, projectID string) (*store.BackpressurePolicy, error) {
	draft, err := w.store.GetDraft(ctx, projectID)
	if err != nil {
		return nil, err
	}

	readiness := Preview(draft, "", w.now())
	if readiness.ApprovalsRemaining > 0 {
		return nil, ErrApprovalsPending
	}
	if !readiness.ActivationReady {
		return nil, ErrActivationTimePending
	}

	policy, err := w.store.UpsertBackpressurePolicy(ctx, &store.BackpressurePolicy{
		ProjectID:          projectID,
		IsEnabled:          draft.IsEnabled,
		MaxRetrying:        draft.MaxRetrying,
		MaxDueNow:          draft.MaxDueNow,
		MinLimit:           draft.MinLimit,
		ConnectorOverrides: draft.ConnectorOverrides,
	})
	if err != nil {
		return nil, fmt.Errorf("governance: apply: %w", err)
	}
	if err := w.store.DeleteDraft(ctx, projectID); err != nil {
		return nil, fmt.Errorf("governance: delete applied draft: %w", err)
	}

	w.audit.Emit(ctx, audit.NewEvent(audit.EventDraftApplied, projectID))
	w.audit.Emit(ctx, audit.NewEvent(audit.EventPolicyChanged, projectID))
	w.logger.WithContext(ctx).WithProject(projectID).Info("policy draft applied")
	return policy, nil
}

// Discard deletes the draft without touching the live policy.
func (w *Workflow) Discard(ctx context.Context, projectID string) error {
	if err := w.store.DeleteDraft(ctx, projectID); err != nil {
		return err
	}
	ev := audit.NewEvent(audit.EventDraftChanged, projectID)
	ev.Detail = "discarded"
	w.audit.Emit(ctx, ev)
	return nil
}

// SetPolicy upserts the live policy directly, bypassing the draft workflow.
// Operator convenience for projects that do not require approvals.
func (w *Workflow) SetPolicy(ctx context.Context, p *store.BackpressurePolicy) (*store.BackpressurePolicy, error) {
	policy, err := w.store.UpsertBackpressurePolicy(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("governance: set policy: %w", err)
	}
	w.audit.Emit(ctx, audit.NewEvent(audit.EventPolicyChanged, p.ProjectID))
	return policy, nil
}

// SetGuardianPolicy upserts the guardian policy through the same audited
// path as backpressure policy changes.
func (w *Workflow) SetGuardianPolicy(ctx context.Context, p *store.GuardianPolicy) (*store.GuardianPolicy, error) {
	policy, err := w.store.UpsertGuardianPolicy(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("governance: set guardian policy: %w", err)
	}
	w.audit.Emit(ctx, audit.NewEvent(audit.EventGuardianPolicyChanged, p.ProjectID))
	return policy, nil
}
