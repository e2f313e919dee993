package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/connector"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/store/blob"
	"github.com/relaygate/relaygate/internal/store/memstore"
)

// testClock is a settable clock shared between the engine and assertions.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine *Engine
	store  *memstore.Store
	blobs  *blob.Store
	clock  *testClock
}

// dispatchResults feeds scripted transport outcomes; once exhausted, the
// transport succeeds.
func newFixture(t *testing.T, results *[]connector.Result) *fixture {
	t.Helper()

	registry, err := connector.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	var mu sync.Mutex
	registry.Register(connector.TypeWebhook, connector.TransportFunc(
		func(_ context.Context, _ map[string]any, _ map[string]any) connector.Result {
			mu.Lock()
			defer mu.Unlock()
			if results != nil && len(*results) > 0 {
				r := (*results)[0]
				*results = (*results)[1:]
				return r
			}
			return connector.Result{Success: true, StatusCode: 200}
		}))

	blobs, err := blob.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	clock := newTestClock()
	ms := memstore.New()
	return &fixture{
		engine: New(Options{
			Store:    ms,
			Blobs:    blobs,
			Registry: registry,
			Now:      clock.Now,
		}),
		store: ms,
		blobs: blobs,
		clock: clock,
	}
}

func enqueueOne(t *testing.T, f *fixture, idemKey string, maxAttempts int) *store.Delivery {
	t.Helper()
	res, err := f.engine.Enqueue(context.Background(), EnqueueInput{
		ProjectID:      "p1",
		ConnectorType:  "webhook",
		Payload:        map[string]any{"event": "order.created", "id": 42},
		IdempotencyKey: idemKey,
		MaxAttempts:    maxAttempts,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return res.Delivery
}

func TestEnqueueIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	first := enqueueOne(t, f, "order-42", 0)
	if first.Status != store.StatusQueued {
		t.Fatalf("Enqueue() status = %s, want queued", first.Status)
	}
	if first.MaxAttempts != store.DefaultAttempts {
		t.Errorf("Enqueue() max_attempts = %d, want %d", first.MaxAttempts, store.DefaultAttempts)
	}

	res, err := f.engine.Enqueue(context.Background(), EnqueueInput{
		ProjectID:      "p1",
		ConnectorType:  "webhook",
		Payload:        map[string]any{"event": "order.created", "id": 42},
		IdempotencyKey: "order-42",
	})
	if err != nil {
		t.Fatalf("Enqueue() duplicate error = %v", err)
	}
	if !res.Duplicate {
		t.Error("Enqueue() Duplicate = false, want true")
	}
	if res.Delivery.ID != first.ID {
		t.Errorf("Enqueue() duplicate returned id %s, want %s", res.Delivery.ID, first.ID)
	}

	// Different key is a distinct delivery.
	other := enqueueOne(t, f, "order-43", 0)
	if other.ID == first.ID {
		t.Error("Enqueue() with different key reused the same delivery")
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name    string
		in      EnqueueInput
		wantErr error
	}{
		{
			name:    "unknown connector type",
			in:      EnqueueInput{ProjectID: "p1", ConnectorType: "telegraph", Payload: map[string]any{"a": 1}},
			wantErr: ErrUnknownConnectorType,
		},
		{
			name:    "missing payload",
			in:      EnqueueInput{ProjectID: "p1", ConnectorType: "webhook"},
			wantErr: ErrPayloadRequired,
		},
		{
			name: "invalid config",
			in: EnqueueInput{
				ProjectID:     "p1",
				ConnectorType: "webhook",
				Payload:       map[string]any{"a": 1},
				Config:        map[string]any{"secret": "s"},
			},
			wantErr: ErrInvalidConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Enqueue(context.Background(), tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Enqueue() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnqueueClampsMaxAttempts(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		requested int
		want      int
	}{
		{requested: 0, want: store.DefaultAttempts},
		{requested: -1, want: store.MinAttempts},
		{requested: 5, want: 5},
		{requested: 99, want: store.MaxAttempts},
	}
	for _, tt := range tests {
		d := enqueueOne(t, f, "", tt.requested)
		if d.MaxAttempts != tt.want {
			t.Errorf("Enqueue(max_attempts=%d) = %d, want %d", tt.requested, d.MaxAttempts, tt.want)
		}
	}
}

func TestProcessQueueDeliversOnSuccess(t *testing.T) {
	f := newFixture(t, nil)
	d := enqueueOne(t, f, "", 0)

	res, err := f.engine.ProcessQueue(context.Background(), ProcessInput{ProjectID: "p1", ConnectorType: "webhook"})
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("ProcessQueue() processed = %d, want 1", res.Processed)
	}

	got, err := f.store.GetDelivery(context.Background(), "p1", d.ID)
	if err != nil {
		t.Fatalf("GetDelivery() error = %v", err)
	}
	if got.Status != store.StatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if got.DeliveredAt == nil {
		t.Error("delivered_at not set")
	}
}

func TestProcessQueueRetriesThenDeadLetters(t *testing.T) {
	results := []connector.Result{
		{Success: false, StatusCode: 500, ErrorMessage: "upstream 500"},
		{Success: false, StatusCode: 500, ErrorMessage: "upstream 500"},
	}
	f := newFixture(t, &results)
	d := enqueueOne(t, f, "", 2)

	// First attempt fails: retrying with a scheduled next attempt.
	if _, err := f.engine.ProcessQueue(context.Background(), ProcessInput{ProjectID: "p1", ConnectorType: "webhook"}); err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	got, _ := f.store.GetDelivery(context.Background(), "p1", d.ID)
	if got.Status != store.StatusRetrying {
		t.Fatalf("status after first failure = %s, want retrying", got.Status)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.After(f.clock.Now()) {
		t.Fatalf("next_attempt_at = %v, want in the future", got.NextAttemptAt)
	}
	if got.LastError != "upstream 500" {
		t.Errorf("last_error = %q, want %q", got.LastError, "upstream 500")
	}

	// Not yet due: a pass now touches nothing.
	res, err := f.engine.ProcessQueue(context.Background(), ProcessInput{ProjectID: "p1", ConnectorType: "webhook"})
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("ProcessQueue() before schedule processed = %d, want 0", res.Processed)
	}

	// Past the schedule, the second failure exhausts max_attempts.
	f.clock.Advance(time.Hour)
	if _, err := f.engine.ProcessQueue(context.Background(), ProcessInput{ProjectID: "p1", ConnectorType: "webhook"}); err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	got, _ = f.store.GetDelivery(context.Background(), "p1", d.ID)
	if got.Status != store.StatusDeadLettered {
		t.Fatalf("status after exhaustion = %s, want dead_lettered", got.Status)
	}
	if got.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2 (never exceeds max_attempts)", got.AttemptCount)
	}
	if got.DeadLetterReason != "upstream 500" {
		t.Errorf("dead_letter_reason = %q, want %q", got.DeadLetterReason, "upstream 500")
	}
	if got.NextAttemptAt != nil {
		t.Errorf("next_attempt_at = %v, want nil on dead letter", got.NextAttemptAt)
	}

	attempts, err := f.store.ListAttempts(context.Background(), "p1", "webhook", time.Time{})
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(attempts) != 2 {
		t.Errorf("attempt history length = %d, want 2", len(attempts))
	}
}

func TestProcessQueueIgnoreSchedule(t *testing.T) {
	results := []connector.Result{
		{Success: false, StatusCode: 503, ErrorMessage: "unavailable"},
	}
	f := newFixture(t, &results)
	d := enqueueOne(t, f, "", 3)

	if _, err := f.engine.ProcessQueue(context.Background(), ProcessInput{ProjectID: "p1", ConnectorType: "webhook"}); err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}

	// Retry is scheduled in the future, but ignore_schedule bypasses it.
	res, err := f.engine.ProcessQueue(context.Background(), ProcessInput{
		ProjectID:      "p1",
		ConnectorType:  "webhook",
		IgnoreSchedule: true,
	})
	if err != nil {
		t.Fatalf("ProcessQueue(ignore_schedule) error = %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("ProcessQueue(ignore_schedule) processed = %d, want 1", res.Processed)
	}
	got, _ := f.store.GetDelivery(context.Background(), "p1", d.ID)
	if got.Status != store.StatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
}

func TestProcessQueueDeadLettersMissingPayload(t *testing.T) {
	f := newFixture(t, nil)
	d := enqueueOne(t, f, "", 0)

	if err := f.blobs.DeleteBlob(context.Background(), d.ID); err != nil {
		t.Fatalf("DeleteBlob() error = %v", err)
	}

	if _, err := f.engine.ProcessQueue(context.Background(), ProcessInput{ProjectID: "p1", ConnectorType: "webhook"}); err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	got, _ := f.store.GetDelivery(context.Background(), "p1", d.ID)
	if got.Status != store.StatusDeadLettered {
		t.Fatalf("status = %s, want dead_lettered", got.Status)
	}
	if got.DeadLetterReason != "input missing" {
		t.Errorf("dead_letter_reason = %q, want %q", got.DeadLetterReason, "input missing")
	}
	if got.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0 (no transport attempt was made)", got.AttemptCount)
	}
}

func deadLetterOne(t *testing.T, f *fixture) *store.Delivery {
	t.Helper()
	results := connector.Result{Success: false, StatusCode: 500, ErrorMessage: "boom"}
	d := enqueueOne(t, f, "", 1)
	_, err := f.store.MutateDelivery(context.Background(), "p1", d.ID, func(m *store.Delivery) error {
		m.Status = store.StatusDeadLettered
		m.AttemptCount = 1
		m.LastError = results.ErrorMessage
		m.DeadLetterReason = results.ErrorMessage
		m.UpdatedAt = f.clock.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("MutateDelivery() error = %v", err)
	}
	got, _ := f.store.GetDelivery(context.Background(), "p1", d.ID)
	return got
}

func TestRedriveEligibility(t *testing.T) {
	f := newFixture(t, nil)
	d := deadLetterOne(t, f)

	// Dead-lettered 5 minutes ago with a 15 minute minimum: not eligible.
	f.clock.Advance(5 * time.Minute)
	if _, err := f.engine.Redrive(context.Background(), "p1", d.ID, 15); !errors.Is(err, ErrNotRedrivable) {
		t.Fatalf("Redrive() at 5m error = %v, want ErrNotRedrivable", err)
	}

	// At 20 minutes it is eligible and resets the retry budget.
	f.clock.Advance(15 * time.Minute)
	got, err := f.engine.Redrive(context.Background(), "p1", d.ID, 15)
	if err != nil {
		t.Fatalf("Redrive() at 20m error = %v", err)
	}
	if got.Status != store.StatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0", got.AttemptCount)
	}
	if got.DeadLetterReason != "" || got.LastError != "" {
		t.Errorf("error fields not cleared: last_error=%q dead_letter_reason=%q", got.LastError, got.DeadLetterReason)
	}
	if got.ID != d.ID {
		t.Errorf("redrive changed delivery id: %s -> %s", d.ID, got.ID)
	}
}

func TestRedriveRejectsNonDeadLettered(t *testing.T) {
	f := newFixture(t, nil)
	d := enqueueOne(t, f, "", 0)

	if _, err := f.engine.Redrive(context.Background(), "p1", d.ID, 0); !errors.Is(err, ErrNotRedrivable) {
		t.Errorf("Redrive() on queued delivery error = %v, want ErrNotRedrivable", err)
	}
}

func TestRedriveBatch(t *testing.T) {
	f := newFixture(t, nil)
	old := deadLetterOne(t, f)
	f.clock.Advance(30 * time.Minute)
	recent := deadLetterOne(t, f)

	redriven, err := f.engine.RedriveBatch(context.Background(), RedriveBatchInput{
		ProjectID:            "p1",
		MinDeadLetterMinutes: 15,
	})
	if err != nil {
		t.Fatalf("RedriveBatch() error = %v", err)
	}
	if len(redriven) != 1 {
		t.Fatalf("RedriveBatch() redrove %d, want 1 (recent one excluded)", len(redriven))
	}
	if redriven[0].ID != old.ID {
		t.Errorf("RedriveBatch() redrove %s, want the older %s", redriven[0].ID, old.ID)
	}

	got, _ := f.store.GetDelivery(context.Background(), "p1", recent.ID)
	if got.Status != store.StatusDeadLettered {
		t.Errorf("recent delivery status = %s, want still dead_lettered", got.Status)
	}
}
