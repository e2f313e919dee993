package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/store"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func delivery(id string, status store.DeliveryStatus, updatedAt time.Time) *store.Delivery {
	return &store.Delivery{
		ID:            id,
		ProjectID:     "p1",
		ConnectorType: "webhook",
		Status:        status,
		MaxAttempts:   3,
		CreatedAt:     updatedAt,
		UpdatedAt:     updatedAt,
	}
}

func TestCreateDeliveryIdempotencyKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := delivery("d1", store.StatusQueued, baseTime)
	first.IdempotencyKey = "order-42"
	if _, err := s.CreateDelivery(ctx, first); err != nil {
		t.Fatalf("CreateDelivery() error = %v", err)
	}

	dup := delivery("d2", store.StatusQueued, baseTime)
	dup.IdempotencyKey = "order-42"
	got, err := s.CreateDelivery(ctx, dup)
	if !errors.Is(err, store.ErrDuplicateDelivery) {
		t.Fatalf("CreateDelivery() duplicate error = %v, want ErrDuplicateDelivery", err)
	}
	if got.ID != "d1" {
		t.Errorf("duplicate returned id %s, want the existing d1", got.ID)
	}

	// Same key on a different connector type is a separate delivery.
	other := delivery("d3", store.StatusQueued, baseTime)
	other.ConnectorType = "chat"
	other.IdempotencyKey = "order-42"
	if _, err := s.CreateDelivery(ctx, other); err != nil {
		t.Errorf("CreateDelivery() different connector error = %v", err)
	}

	// Empty keys never deduplicate.
	for _, id := range []string{"d4", "d5"} {
		if _, err := s.CreateDelivery(ctx, delivery(id, store.StatusQueued, baseTime)); err != nil {
			t.Errorf("CreateDelivery(%s) error = %v", id, err)
		}
	}
}

func TestMutateDelivery(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.CreateDelivery(ctx, delivery("d1", store.StatusQueued, baseTime)); err != nil {
		t.Fatalf("CreateDelivery() error = %v", err)
	}

	updated, err := s.MutateDelivery(ctx, "p1", "d1", func(d *store.Delivery) error {
		d.Status = store.StatusDelivered
		return nil
	})
	if err != nil {
		t.Fatalf("MutateDelivery() error = %v", err)
	}
	if updated.Status != store.StatusDelivered {
		t.Errorf("status = %s, want delivered", updated.Status)
	}

	// An aborting fn leaves the record untouched.
	boom := errors.New("boom")
	if _, err := s.MutateDelivery(ctx, "p1", "d1", func(d *store.Delivery) error {
		d.Status = store.StatusQueued
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("MutateDelivery() error = %v, want boom", err)
	}
	got, _ := s.GetDelivery(ctx, "p1", "d1")
	if got.Status != store.StatusDelivered {
		t.Errorf("status after aborted mutation = %s, want delivered", got.Status)
	}

	if _, err := s.MutateDelivery(ctx, "p1", "missing", func(*store.Delivery) error { return nil }); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("MutateDelivery(missing) error = %v, want ErrNotFound", err)
	}
}

func TestGetDeliveryScopedByProject(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.CreateDelivery(ctx, delivery("d1", store.StatusQueued, baseTime)); err != nil {
		t.Fatalf("CreateDelivery() error = %v", err)
	}
	if _, err := s.GetDelivery(ctx, "other-project", "d1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetDelivery() across projects error = %v, want ErrNotFound", err)
	}
}

func TestListDue(t *testing.T) {
	s := New()
	ctx := context.Background()
	later := baseTime.Add(time.Hour)

	// Queued is always due; retrying only once scheduled.
	queued := delivery("queued", store.StatusQueued, baseTime.Add(2*time.Minute))
	dueRetry := delivery("due-retry", store.StatusRetrying, baseTime)
	past := baseTime.Add(-time.Minute)
	dueRetry.NextAttemptAt = &past
	futureRetry := delivery("future-retry", store.StatusRetrying, baseTime.Add(time.Minute))
	future := baseTime.Add(2 * time.Hour)
	futureRetry.NextAttemptAt = &future
	done := delivery("done", store.StatusDelivered, baseTime)
	dead := delivery("dead", store.StatusDeadLettered, baseTime)

	for _, d := range []*store.Delivery{queued, dueRetry, futureRetry, done, dead} {
		if _, err := s.CreateDelivery(ctx, d); err != nil {
			t.Fatalf("CreateDelivery(%s) error = %v", d.ID, err)
		}
	}

	due, err := s.ListDue(ctx, store.DueFilter{ProjectID: "p1", Now: later})
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("ListDue() returned %d, want 2", len(due))
	}
	// Oldest updated first.
	if due[0].ID != "due-retry" || due[1].ID != "queued" {
		t.Errorf("ListDue() order = [%s %s], want [due-retry queued]", due[0].ID, due[1].ID)
	}

	// IgnoreSchedule also picks up the future retry.
	all, err := s.ListDue(ctx, store.DueFilter{ProjectID: "p1", IgnoreSchedule: true, Now: later})
	if err != nil {
		t.Fatalf("ListDue(ignore) error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListDue(ignore) returned %d, want 3", len(all))
	}

	// Limit truncates after ordering.
	one, err := s.ListDue(ctx, store.DueFilter{ProjectID: "p1", Limit: 1, Now: later})
	if err != nil {
		t.Fatalf("ListDue(limit) error = %v", err)
	}
	if len(one) != 1 || one[0].ID != "due-retry" {
		t.Errorf("ListDue(limit=1) = %v, want just due-retry", one)
	}
}

func TestListDeadLettered(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := delivery("old", store.StatusDeadLettered, baseTime)
	recent := delivery("recent", store.StatusDeadLettered, baseTime.Add(50*time.Minute))
	alive := delivery("alive", store.StatusQueued, baseTime)
	for _, d := range []*store.Delivery{old, recent, alive} {
		if _, err := s.CreateDelivery(ctx, d); err != nil {
			t.Fatalf("CreateDelivery(%s) error = %v", d.ID, err)
		}
	}

	dead, err := s.ListDeadLettered(ctx, store.DeadLetterFilter{
		ProjectID:     "p1",
		UpdatedBefore: baseTime.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("ListDeadLettered() error = %v", err)
	}
	if len(dead) != 1 || dead[0].ID != "old" {
		t.Errorf("ListDeadLettered() = %v, want just old", dead)
	}
}

func TestSummarize(t *testing.T) {
	s := New()
	ctx := context.Background()

	next1 := baseTime.Add(10 * time.Minute)
	next2 := baseTime.Add(5 * time.Minute)

	q1 := delivery("q1", store.StatusQueued, baseTime)
	q2 := delivery("q2", store.StatusQueued, baseTime)
	r1 := delivery("r1", store.StatusRetrying, baseTime)
	r1.NextAttemptAt = &next1
	r2 := delivery("r2", store.StatusRetrying, baseTime)
	r2.NextAttemptAt = &next2
	del := delivery("del", store.StatusDelivered, baseTime)
	dead := delivery("dead", store.StatusDeadLettered, baseTime)
	chat := delivery("chat1", store.StatusQueued, baseTime)
	chat.ConnectorType = "chat"

	for _, d := range []*store.Delivery{q1, q2, r1, r2, del, dead, chat} {
		if _, err := s.CreateDelivery(ctx, d); err != nil {
			t.Fatalf("CreateDelivery(%s) error = %v", d.ID, err)
		}
	}

	sum, err := s.Summarize(ctx, "p1", "webhook", baseTime.Add(7*time.Minute))
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if sum.Total != 6 || sum.Queued != 2 || sum.Retrying != 2 || sum.Delivered != 1 || sum.DeadLettered != 1 {
		t.Errorf("Summarize() = %+v, want total 6 queued 2 retrying 2 delivered 1 dead 1", sum)
	}
	// Due now: both queued plus r2 (scheduled 5m, now is 7m).
	if sum.DueNow != 3 {
		t.Errorf("Summarize() due_now = %d, want 3", sum.DueNow)
	}
	if sum.EarliestNextAttemptAt == nil || !sum.EarliestNextAttemptAt.Equal(next2) {
		t.Errorf("Summarize() earliest_next_attempt_at = %v, want %v", sum.EarliestNextAttemptAt, next2)
	}

	// Unfiltered summary includes the chat delivery.
	sum, err = s.Summarize(ctx, "p1", "", baseTime)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if sum.Total != 7 {
		t.Errorf("Summarize(all) total = %d, want 7", sum.Total)
	}
}

func TestAttempts(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, at := range []time.Time{baseTime, baseTime.Add(time.Hour), baseTime.Add(2 * time.Hour)} {
		if err := s.AppendAttempt(ctx, &store.Attempt{
			ID:            string(rune('a' + i)),
			DeliveryID:    "d1",
			ProjectID:     "p1",
			ConnectorType: "webhook",
			AttemptNumber: i + 1,
			CreatedAt:     at,
		}); err != nil {
			t.Fatalf("AppendAttempt() error = %v", err)
		}
	}

	got, err := s.ListAttempts(ctx, "p1", "webhook", baseTime.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListAttempts(since) returned %d, want 2", len(got))
	}
}

func TestListConnectorTypes(t *testing.T) {
	s := New()
	ctx := context.Background()

	web := delivery("d1", store.StatusQueued, baseTime)
	chat := delivery("d2", store.StatusQueued, baseTime)
	chat.ConnectorType = "chat"
	for _, d := range []*store.Delivery{web, chat} {
		if _, err := s.CreateDelivery(ctx, d); err != nil {
			t.Fatalf("CreateDelivery() error = %v", err)
		}
	}

	types, err := s.ListConnectorTypes(ctx, "p1")
	if err != nil {
		t.Fatalf("ListConnectorTypes() error = %v", err)
	}
	if len(types) != 2 || types[0] != "chat" || types[1] != "webhook" {
		t.Errorf("ListConnectorTypes() = %v, want [chat webhook]", types)
	}
}

func TestDraftLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetDraft(ctx, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetDraft() empty error = %v, want ErrNotFound", err)
	}

	saved, err := s.UpsertDraft(ctx, &store.BackpressurePolicyDraft{
		ProjectID:         "p1",
		RequiredApprovals: 2,
	})
	if err != nil {
		t.Fatalf("UpsertDraft() error = %v", err)
	}
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Error("UpsertDraft() did not stamp timestamps")
	}

	// Upsert replaces while keeping created_at.
	replaced, err := s.UpsertDraft(ctx, &store.BackpressurePolicyDraft{
		ProjectID:         "p1",
		RequiredApprovals: 3,
	})
	if err != nil {
		t.Fatalf("UpsertDraft() replace error = %v", err)
	}
	if !replaced.CreatedAt.Equal(saved.CreatedAt) {
		t.Errorf("replace changed created_at: %v -> %v", saved.CreatedAt, replaced.CreatedAt)
	}
	if replaced.RequiredApprovals != 3 {
		t.Errorf("replace required_approvals = %d, want 3", replaced.RequiredApprovals)
	}

	if err := s.DeleteDraft(ctx, "p1"); err != nil {
		t.Fatalf("DeleteDraft() error = %v", err)
	}
	if err := s.DeleteDraft(ctx, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeleteDraft() repeat error = %v, want ErrNotFound", err)
	}
}

func TestGuardianPolicyAndProjects(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetGuardianPolicy(ctx, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetGuardianPolicy() empty error = %v, want ErrNotFound", err)
	}

	for _, id := range []string{"p2", "p1"} {
		if _, err := s.UpsertGuardianPolicy(ctx, &store.GuardianPolicy{ProjectID: id, IsEnabled: true}); err != nil {
			t.Fatalf("UpsertGuardianPolicy(%s) error = %v", id, err)
		}
	}

	ids, err := s.ListGuardianProjects(ctx)
	if err != nil {
		t.Fatalf("ListGuardianProjects() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "p1" || ids[1] != "p2" {
		t.Errorf("ListGuardianProjects() = %v, want [p1 p2]", ids)
	}
}

func TestCopiesAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	d := delivery("d1", store.StatusQueued, baseTime)
	created, err := s.CreateDelivery(ctx, d)
	if err != nil {
		t.Fatalf("CreateDelivery() error = %v", err)
	}
	created.Status = store.StatusDeadLettered

	got, _ := s.GetDelivery(ctx, "p1", "d1")
	if got.Status != store.StatusQueued {
		t.Error("mutating a returned delivery leaked into the store")
	}
}
