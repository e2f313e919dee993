package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/audit"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/store/memstore"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func draftWith(approvals []string, required int, activateAt *time.Time) *store.BackpressurePolicyDraft {
	d := &store.BackpressurePolicyDraft{
		ProjectID:         "p1",
		RequiredApprovals: required,
		ActivateAt:        activateAt,
	}
	for _, actor := range approvals {
		d.Approvals = append(d.Approvals, store.Approval{Actor: actor, ApprovedAt: fixedNow})
	}
	return d
}

func TestPreview(t *testing.T) {
	future := fixedNow.Add(time.Hour)
	past := fixedNow.Add(-time.Hour)

	tests := []struct {
		name  string
		draft *store.BackpressurePolicyDraft
		actor string
		want  Readiness
	}{
		{
			name:  "no approvals yet",
			draft: draftWith(nil, 2, nil),
			want: Readiness{
				ApprovalCount: 0, RequiredApprovals: 2, ApprovalsRemaining: 2,
				ActivationReady: true, Reason: ReasonApprovalsPending,
			},
		},
		{
			name:  "one committed plus evaluating actor makes it ready",
			draft: draftWith([]string{"alice@example.com"}, 2, nil),
			actor: "bob@example.com",
			want: Readiness{
				ApprovalCount: 2, RequiredApprovals: 2,
				ActivationReady: true, Ready: true,
			},
		},
		{
			name:  "evaluating actor who already approved adds nothing",
			draft: draftWith([]string{"alice@example.com"}, 2, nil),
			actor: "Alice@Example.COM",
			want: Readiness{
				ApprovalCount: 1, RequiredApprovals: 2, ApprovalsRemaining: 1,
				ActivationReady: true, Reason: ReasonApprovalsPending,
			},
		},
		{
			name:  "duplicate actors counted once",
			draft: draftWith([]string{"alice", "ALICE", "Alice"}, 2, nil),
			want: Readiness{
				ApprovalCount: 1, RequiredApprovals: 2, ApprovalsRemaining: 1,
				ActivationReady: true, Reason: ReasonApprovalsPending,
			},
		},
		{
			name:  "approved but activation time pending",
			draft: draftWith([]string{"alice", "bob"}, 2, &future),
			want: Readiness{
				ApprovalCount: 2, RequiredApprovals: 2,
				Reason: ReasonActivationTimePending,
			},
		},
		{
			name:  "approvals pending reported before activation pending",
			draft: draftWith(nil, 1, &future),
			want: Readiness{
				RequiredApprovals: 1, ApprovalsRemaining: 1,
				Reason: ReasonApprovalsPending,
			},
		},
		{
			name:  "past activation time is ready",
			draft: draftWith([]string{"alice"}, 1, &past),
			want: Readiness{
				ApprovalCount: 1, RequiredApprovals: 1,
				ActivationReady: true, Ready: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Preview(tt.draft, tt.actor, fixedNow)
			if got != tt.want {
				t.Errorf("Preview() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPreviewIsPure(t *testing.T) {
	d := draftWith([]string{"alice"}, 2, nil)
	Preview(d, "bob", fixedNow)
	if len(d.Approvals) != 1 {
		t.Errorf("Preview() mutated approvals: %d entries, want 1", len(d.Approvals))
	}
}

func newWorkflow(t *testing.T) (*Workflow, *memstore.Store) {
	t.Helper()
	ms := memstore.New()
	return NewWorkflow(ms, nil, nil, func() time.Time { return fixedNow }), ms
}

func TestProposeValidatesRequiredApprovals(t *testing.T) {
	w, _ := newWorkflow(t)

	tests := []struct {
		required int
		wantErr  bool
	}{
		{required: 0, wantErr: false}, // defaults to 1
		{required: 1, wantErr: false},
		{required: 10, wantErr: false},
		{required: -1, wantErr: true},
		{required: 11, wantErr: true},
	}
	for _, tt := range tests {
		_, err := w.Propose(context.Background(), ProposeInput{ProjectID: "p1", RequiredApprovals: tt.required})
		if (err != nil) != tt.wantErr {
			t.Errorf("Propose(required=%d) error = %v, wantErr %v", tt.required, err, tt.wantErr)
		}
	}
}

func TestProposeMergesConnectorOverrides(t *testing.T) {
	w, ms := newWorkflow(t)

	_, err := ms.UpsertBackpressurePolicy(context.Background(), &store.BackpressurePolicy{
		ProjectID: "p1",
		ConnectorOverrides: map[string]store.BackpressureLimits{
			"webhook": {MaxRetrying: 5},
			"chat":    {MaxRetrying: 7},
		},
	})
	if err != nil {
		t.Fatalf("UpsertBackpressurePolicy() error = %v", err)
	}

	draft, err := w.Propose(context.Background(), ProposeInput{
		ProjectID: "p1",
		ConnectorOverrides: map[string]store.BackpressureLimits{
			"webhook": {MaxRetrying: 50},
		},
	})
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	if got := draft.ConnectorOverrides["webhook"].MaxRetrying; got != 50 {
		t.Errorf("patched override MaxRetrying = %d, want 50", got)
	}
	if got := draft.ConnectorOverrides["chat"].MaxRetrying; got != 7 {
		t.Errorf("untouched override MaxRetrying = %d, want 7 (kept from active policy)", got)
	}
}

func TestProposeResetsApprovals(t *testing.T) {
	w, _ := newWorkflow(t)

	if _, err := w.Propose(context.Background(), ProposeInput{ProjectID: "p1", RequiredApprovals: 2}); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if _, _, err := w.Approve(context.Background(), "p1", "alice"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	draft, err := w.Propose(context.Background(), ProposeInput{ProjectID: "p1", RequiredApprovals: 2})
	if err != nil {
		t.Fatalf("Propose() replacement error = %v", err)
	}
	if len(draft.Approvals) != 0 {
		t.Errorf("replacement draft kept %d approvals, want 0", len(draft.Approvals))
	}
}

func TestApproveDeduplicatesActors(t *testing.T) {
	w, _ := newWorkflow(t)
	if _, err := w.Propose(context.Background(), ProposeInput{ProjectID: "p1", RequiredApprovals: 2}); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	if _, _, err := w.Approve(context.Background(), "p1", "alice@example.com"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	draft, readiness, err := w.Approve(context.Background(), "p1", "ALICE@example.com")
	if err != nil {
		t.Fatalf("Approve() repeat error = %v", err)
	}
	if len(draft.Approvals) != 1 {
		t.Errorf("approvals = %d, want 1 after case-insensitive repeat", len(draft.Approvals))
	}
	if readiness.ApprovalCount != 1 || readiness.ApprovalsRemaining != 1 {
		t.Errorf("readiness = %+v, want count 1 remaining 1", readiness)
	}

	if _, _, err := w.Approve(context.Background(), "p1", "  "); err == nil {
		t.Error("Approve() with blank actor succeeded, want error")
	}
}

func TestApplyBlocksUntilReady(t *testing.T) {
	w, ms := newWorkflow(t)
	future := fixedNow.Add(time.Hour)

	if _, err := w.Propose(context.Background(), ProposeInput{
		ProjectID:         "p1",
		IsEnabled:         true,
		MaxRetrying:       50,
		MinLimit:          5,
		RequiredApprovals: 2,
		ActivateAt:        &future,
	}); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	// No approvals committed: approvals gate fires first.
	if _, err := w.Apply(context.Background(), "p1"); !errors.Is(err, ErrApprovalsPending) {
		t.Fatalf("Apply() error = %v, want ErrApprovalsPending", err)
	}

	if _, _, err := w.Approve(context.Background(), "p1", "alice"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if _, err := w.Apply(context.Background(), "p1"); !errors.Is(err, ErrApprovalsPending) {
		t.Fatalf("Apply() with 1 of 2 approvals error = %v, want ErrApprovalsPending", err)
	}

	// Fully approved but activation time is still in the future.
	if _, _, err := w.Approve(context.Background(), "p1", "bob"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	_, err := w.Apply(context.Background(), "p1")
	if !errors.Is(err, ErrActivationTimePending) {
		t.Fatalf("Apply() error = %v, want ErrActivationTimePending", err)
	}
	if got := BlockingReason(err); got != ReasonActivationTimePending {
		t.Errorf("BlockingReason() = %q, want %q", got, ReasonActivationTimePending)
	}

	// The live policy and the draft are untouched by failed applies.
	if _, err := ms.GetBackpressurePolicy(context.Background(), "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetBackpressurePolicy() error = %v, want ErrNotFound before apply", err)
	}
	if _, err := ms.GetDraft(context.Background(), "p1"); err != nil {
		t.Errorf("GetDraft() error = %v, draft must survive failed apply", err)
	}
}

func TestApplyActivatesPolicyAndDeletesDraft(t *testing.T) {
	w, ms := newWorkflow(t)

	if _, err := w.Propose(context.Background(), ProposeInput{
		ProjectID:   "p1",
		IsEnabled:   true,
		MaxRetrying: 50,
		MaxDueNow:   100,
		MinLimit:    5,
	}); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if _, _, err := w.Approve(context.Background(), "p1", "alice"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	policy, err := w.Apply(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !policy.IsEnabled || policy.MaxRetrying != 50 || policy.MinLimit != 5 {
		t.Errorf("applied policy = %+v, want draft values", policy)
	}
	if _, err := ms.GetDraft(context.Background(), "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetDraft() after apply error = %v, want ErrNotFound", err)
	}
}

func TestApplyIgnoresPreviewIncrement(t *testing.T) {
	w, _ := newWorkflow(t)

	if _, err := w.Propose(context.Background(), ProposeInput{ProjectID: "p1", RequiredApprovals: 1}); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	// A preview as some actor would show ready, but nothing was committed.
	if _, err := w.Apply(context.Background(), "p1"); !errors.Is(err, ErrApprovalsPending) {
		t.Errorf("Apply() error = %v, want ErrApprovalsPending (previews never count)", err)
	}
}

func TestDiscard(t *testing.T) {
	w, ms := newWorkflow(t)

	if err := w.Discard(context.Background(), "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Discard() without draft error = %v, want ErrNotFound", err)
	}

	if _, err := w.Propose(context.Background(), ProposeInput{ProjectID: "p1"}); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if err := w.Discard(context.Background(), "p1"); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := ms.GetDraft(context.Background(), "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetDraft() after discard error = %v, want ErrNotFound", err)
	}
}

func TestBlockingReason(t *testing.T) {
	if got := BlockingReason(ErrApprovalsPending); got != ReasonApprovalsPending {
		t.Errorf("BlockingReason(ErrApprovalsPending) = %q", got)
	}
	if got := BlockingReason(ErrActivationTimePending); got != ReasonActivationTimePending {
		t.Errorf("BlockingReason(ErrActivationTimePending) = %q", got)
	}
	if got := BlockingReason(errors.New("other")); got != "" {
		t.Errorf("BlockingReason(other) = %q, want empty", got)
	}
}

func TestSetGuardianPolicyEmitsAudit(t *testing.T) {
	ms := memstore.New()
	rec := audit.NewRecorder()
	w := NewWorkflow(ms, rec, nil, func() time.Time { return fixedNow })

	p, err := w.SetGuardianPolicy(context.Background(), &store.GuardianPolicy{
		ProjectID: "p1", IsEnabled: true, RiskThreshold: 10,
	})
	if err != nil {
		t.Fatalf("SetGuardianPolicy() error = %v", err)
	}
	if !p.IsEnabled {
		t.Error("SetGuardianPolicy() IsEnabled = false, want true")
	}

	events := rec.OfType(audit.EventGuardianPolicyChanged)
	if len(events) != 1 {
		t.Fatalf("recorded %d guardian.policy_changed events, want 1", len(events))
	}
	if events[0].ProjectID != "p1" {
		t.Errorf("event ProjectID = %q, want p1", events[0].ProjectID)
	}
}
