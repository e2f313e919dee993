// Package engine is the delivery state machine: idempotent enqueue, bounded
// attempt execution with exponential backoff, dead-lettering, and eligible
// redrive.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaygate/relaygate/internal/audit"
	"github.com/relaygate/relaygate/internal/backpressure"
	"github.com/relaygate/relaygate/internal/connector"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/tracing"
)

const (
	maxPayloadBytes = 256 << 10

	deadLetterReasonInputMissing = "input missing"
)

var (
	// ErrUnknownConnectorType rejects enqueue/process calls whose connector
	// type cannot be canonicalized.
	ErrUnknownConnectorType = errors.New("engine: unknown connector type")

	// ErrInvalidConfig rejects enqueue calls whose transport config fails
	// schema validation.
	ErrInvalidConfig = errors.New("engine: invalid connector config")

	// ErrPayloadTooLarge rejects oversized payloads before any state mutation.
	ErrPayloadTooLarge = errors.New("engine: payload too large")

	// ErrPayloadRequired rejects enqueue calls without a payload.
	ErrPayloadRequired = errors.New("engine: payload required")

	// ErrNotRedrivable is returned when a delivery is not dead-lettered or
	// was dead-lettered too recently.
	ErrNotRedrivable = errors.New("engine: delivery not eligible for redrive")
)

// Options configures an Engine.
type Options struct {
	Store            store.Store
	Blobs            store.BlobStore
	Registry         *connector.Registry
	Audit            audit.Emitter
	Logger           *logging.Logger
	InitialBackoffMS int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine executes the delivery lifecycle against the store and registry.
type Engine struct {
	store            store.Store
	blobs            store.BlobStore
	registry         *connector.Registry
	audit            audit.Emitter
	logger           *logging.Logger
	initialBackoffMS int
	now              func() time.Time

	// projectLocks serializes attempt execution per project. Combined with
	// the due re-check inside executeAttempt, this prevents duplicate
	// attempts when concurrent callers race for the same due delivery.
	projectLocks sync.Map
}

func New(opts Options) *Engine {
	e := &Engine{
		store:            opts.Store,
		blobs:            opts.Blobs,
		registry:         opts.Registry,
		audit:            opts.Audit,
		logger:           opts.Logger,
		initialBackoffMS: opts.InitialBackoffMS,
		now:              opts.Now,
	}
	if e.audit == nil {
		e.audit = audit.NopEmitter{}
	}
	if e.logger == nil {
		e.logger = logging.New("relaygate-engine")
	}
	if e.initialBackoffMS <= 0 {
		e.initialBackoffMS = DefaultInitialBackoffMS
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) projectLock(projectID string) *sync.Mutex {
	v, _ := e.projectLocks.LoadOrStore(projectID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// EnqueueInput describes one delivery to enqueue.
type EnqueueInput struct {
	ProjectID      string
	ConnectorType  string
	Payload        map[string]any
	Config         map[string]any
	IdempotencyKey string
	MaxAttempts    int
}

// EnqueueResult is the created (or deduplicated) delivery.
type EnqueueResult struct {
	Delivery  *store.Delivery `json:"delivery"`
	Duplicate bool            `json:"duplicate"`
}

// Enqueue creates a new queued delivery, or returns the existing one
// unchanged when the idempotency key matches a prior enqueue for the same
// project and connector type. This is the system's only exactly-once
// guarantee, scoped to enqueue, not to transport.
func (e *Engine) Enqueue(ctx context.Context, in EnqueueInput) (*EnqueueResult, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.Enqueue",
		attribute.String("project_id", in.ProjectID),
		attribute.String("connector_type", in.ConnectorType),
	)
	defer span.End()

	canonical, ok := e.registry.Canonicalize(in.ConnectorType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnectorType, in.ConnectorType)
	}
	if len(in.Payload) == 0 {
		return nil, ErrPayloadRequired
	}
	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("engine: invalid payload: %w", err)
	}
	if len(payloadJSON) > maxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payloadJSON))
	}
	if in.Config != nil {
		if res := e.registry.ValidateConfig(canonical, in.Config); !res.OK {
			return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(res.Errors, "; "))
		}
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = store.DefaultAttempts
	}
	if maxAttempts < store.MinAttempts {
		maxAttempts = store.MinAttempts
	}
	if maxAttempts > store.MaxAttempts {
		maxAttempts = store.MaxAttempts
	}

	now := e.now().UTC()
	sum := sha256.Sum256(payloadJSON)
	d := &store.Delivery{
		ID:             uuid.NewString(),
		ProjectID:      in.ProjectID,
		ConnectorType:  canonical,
		IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
		PayloadHash:    hex.EncodeToString(sum[:]),
		Status:         store.StatusQueued,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Blob goes in first so attempt execution never observes a record
	// without its payload; the orphan is removed on the duplicate path.
	if err := e.blobs.PutBlob(ctx, d.ID, &store.Blob{Payload: in.Payload, Config: in.Config}); err != nil {
		return nil, fmt.Errorf("engine: store payload: %w", err)
	}

	created, err := e.store.CreateDelivery(ctx, d)
	if errors.Is(err, store.ErrDuplicateDelivery) {
		_ = e.blobs.DeleteBlob(ctx, d.ID)
		metrics.RecordEnqueue(in.ProjectID, canonical, true)
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &EnqueueResult{Delivery: created, Duplicate: true}, nil
	}
	if err != nil {
		_ = e.blobs.DeleteBlob(ctx, d.ID)
		return nil, fmt.Errorf("engine: create delivery: %w", err)
	}

	metrics.RecordEnqueue(in.ProjectID, canonical, false)
	ev := audit.NewEvent(audit.EventDeliveryQueued, in.ProjectID)
	ev.ConnectorType = canonical
	ev.DeliveryID = created.ID
	e.audit.Emit(ctx, ev)

	e.logger.WithContext(ctx).WithProject(in.ProjectID).WithConnector(canonical).
		WithDelivery(created.ID).Info("delivery enqueued")
	return &EnqueueResult{Delivery: created, Duplicate: false}, nil
}

// ProcessInput bounds one processing pass.
type ProcessInput struct {
	ProjectID      string
	ConnectorType  string
	Limit          int
	IgnoreSchedule bool
	// Override supplies request-level backpressure tuning that takes
	// precedence over the project's persisted policy.
	Override *backpressure.RequestOverride
}

// ProcessResult reports what one pass touched and why it was bounded.
type ProcessResult struct {
	Processed  int                     `json:"processed"`
	Deliveries []*store.Delivery       `json:"deliveries,omitempty"`
	Decision   backpressure.Decision   `json:"decision"`
	Resolution backpressure.Resolution `json:"resolution"`
}

// ProcessQueue executes one attempt for up to the resolved limit of due
// deliveries, oldest-updated first. Individual delivery failures never abort
// the batch.
func (e *Engine) ProcessQueue(ctx context.Context, in ProcessInput) (*ProcessResult, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.ProcessQueue",
		attribute.String("project_id", in.ProjectID),
		attribute.String("connector_type", in.ConnectorType),
		attribute.Int("requested_limit", in.Limit),
	)
	defer span.End()

	canonical := ""
	if in.ConnectorType != "" {
		var ok bool
		canonical, ok = e.registry.Canonicalize(in.ConnectorType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownConnectorType, in.ConnectorType)
		}
	}

	now := e.now().UTC()
	summary, err := e.store.Summarize(ctx, in.ProjectID, canonical, now)
	if err != nil {
		return nil, fmt.Errorf("engine: summarize: %w", err)
	}

	policy, err := e.store.GetBackpressurePolicy(ctx, in.ProjectID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("engine: load backpressure policy: %w", err)
	}
	resolution := backpressure.ResolveLimits(canonical, in.Override, policy)
	decision := backpressure.Resolve(in.Limit, summary, resolution.Limits)
	if decision.Throttled {
		metrics.RecordThrottle(in.ProjectID, decision.Reason)
		tracing.AddSpanEvent(ctx, "backpressure.throttled",
			attribute.String("reason", decision.Reason),
			attribute.Int("effective_limit", decision.EffectiveLimit),
		)
	}

	due, err := e.store.ListDue(ctx, store.DueFilter{
		ProjectID:      in.ProjectID,
		ConnectorType:  canonical,
		Limit:          decision.EffectiveLimit,
		IgnoreSchedule: in.IgnoreSchedule,
		Now:            now,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: list due: %w", err)
	}

	result := &ProcessResult{Decision: decision, Resolution: resolution}
	for _, d := range due {
		updated, err := e.executeAttempt(ctx, d.ProjectID, d.ID, in.IgnoreSchedule)
		if err != nil {
			e.logger.WithContext(ctx).WithProject(d.ProjectID).WithDelivery(d.ID).
				WithError(err).Error("attempt execution failed")
			continue
		}
		if updated == nil {
			// Lost the race to a concurrent caller; nothing to report.
			continue
		}
		result.Processed++
		result.Deliveries = append(result.Deliveries, updated)
	}
	span.SetAttributes(attribute.Int("processed", result.Processed))
	return result, nil
}

// executeAttempt runs one attempt for one delivery. Returns (nil, nil) when
// the delivery was no longer due, which happens when a concurrent caller got
// to it first.
func (e *Engine) executeAttempt(ctx context.Context, projectID, id string, ignoreSchedule bool) (*store.Delivery, error) {
	lock := e.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	now := e.now().UTC()
	d, err := e.store.GetDelivery(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	// Due re-check under the project lock: the selection above may be stale.
	if ignoreSchedule {
		if !d.Processable() {
			return nil, nil
		}
	} else if !d.Due(now) {
		return nil, nil
	}

	blob, err := e.blobs.GetBlob(ctx, d.ID)
	if errors.Is(err, store.ErrPayloadMissing) {
		// Fatal and non-retryable: without the payload this delivery can
		// never succeed.
		updated, derr := e.store.MutateDelivery(ctx, projectID, id, func(m *store.Delivery) error {
			m.Status = store.StatusDeadLettered
			m.LastError = deadLetterReasonInputMissing
			m.DeadLetterReason = deadLetterReasonInputMissing
			m.NextAttemptAt = nil
			m.UpdatedAt = now
			return nil
		})
		if derr != nil {
			return nil, derr
		}
		e.emitDeadLettered(ctx, updated, 0)
		return updated, nil
	}
	if err != nil {
		return nil, err
	}

	attemptNumber := d.AttemptCount + 1
	res := e.dispatch(ctx, d.ConnectorType, blob)

	attempt := &store.Attempt{
		ID:            uuid.NewString(),
		DeliveryID:    d.ID,
		ProjectID:     d.ProjectID,
		ConnectorType: d.ConnectorType,
		AttemptNumber: attemptNumber,
		Success:       res.Success,
		StatusCode:    res.StatusCode,
		ErrorMessage:  res.ErrorMessage,
		ResponseBody:  res.ResponseBody,
		CreatedAt:     e.now().UTC(),
	}
	if err := e.store.AppendAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("append attempt: %w", err)
	}
	metrics.RecordAttempt(d.ConnectorType, res.Success)

	ev := audit.NewEvent(audit.EventDeliveryAttempted, d.ProjectID)
	ev.ConnectorType = d.ConnectorType
	ev.DeliveryID = d.ID
	ev.AttemptNumber = attemptNumber
	ev.Success = res.Success
	ev.StatusCode = res.StatusCode
	e.audit.Emit(ctx, ev)

	updated, err := e.store.MutateDelivery(ctx, projectID, id, func(m *store.Delivery) error {
		m.AttemptCount = attemptNumber
		m.LastStatusCode = res.StatusCode
		m.UpdatedAt = e.now().UTC()
		if res.Success {
			t := e.now().UTC()
			m.Status = store.StatusDelivered
			m.DeliveredAt = &t
			m.NextAttemptAt = nil
			m.LastError = ""
			m.DeadLetterReason = ""
			return nil
		}
		m.LastError = res.ErrorMessage
		if attemptNumber >= m.MaxAttempts {
			m.Status = store.StatusDeadLettered
			m.DeadLetterReason = res.ErrorMessage
			m.NextAttemptAt = nil
			return nil
		}
		next := now.Add(Backoff(e.initialBackoffMS, attemptNumber))
		m.Status = store.StatusRetrying
		m.NextAttemptAt = &next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update delivery: %w", err)
	}

	switch updated.Status {
	case store.StatusDelivered:
		metrics.RecordDeliveryStatus(d.ProjectID, d.ConnectorType, string(store.StatusDelivered))
		ev := audit.NewEvent(audit.EventDeliveryDelivered, d.ProjectID)
		ev.ConnectorType = d.ConnectorType
		ev.DeliveryID = d.ID
		ev.AttemptNumber = attemptNumber
		ev.Success = true
		ev.StatusCode = res.StatusCode
		e.audit.Emit(ctx, ev)
		e.logger.WithContext(ctx).WithProject(d.ProjectID).WithConnector(d.ConnectorType).
			WithDelivery(d.ID).WithField("attempt", attemptNumber).Info("delivered")
	case store.StatusDeadLettered:
		e.emitDeadLettered(ctx, updated, attemptNumber)
	case store.StatusRetrying:
		metrics.RecordDeliveryStatus(d.ProjectID, d.ConnectorType, string(store.StatusRetrying))
		e.logger.WithContext(ctx).WithProject(d.ProjectID).WithConnector(d.ConnectorType).
			WithDelivery(d.ID).WithFields(map[string]any{
			"attempt":         attemptNumber,
			"next_attempt_at": updated.NextAttemptAt,
		}).Info("attempt failed, retry scheduled")
	}
	return updated, nil
}

func (e *Engine) dispatch(ctx context.Context, connectorType string, blob *store.Blob) connector.Result {
	transport, ok := e.registry.Transport(connectorType)
	if !ok {
		return connector.Result{ErrorMessage: fmt.Sprintf("no transport registered for %q", connectorType)}
	}
	tracing.AddSpanEvent(ctx, "transport.dispatch", attribute.String("connector_type", connectorType))
	return transport.Dispatch(ctx, blob.Payload, blob.Config)
}

func (e *Engine) emitDeadLettered(ctx context.Context, d *store.Delivery, attemptNumber int) {
	metrics.RecordDeliveryStatus(d.ProjectID, d.ConnectorType, string(store.StatusDeadLettered))
	ev := audit.NewEvent(audit.EventDeliveryDeadLettered, d.ProjectID)
	ev.ConnectorType = d.ConnectorType
	ev.DeliveryID = d.ID
	ev.AttemptNumber = attemptNumber
	ev.StatusCode = d.LastStatusCode
	ev.Detail = d.DeadLetterReason
	e.audit.Emit(ctx, ev)
	e.logger.WithContext(ctx).WithProject(d.ProjectID).WithConnector(d.ConnectorType).
		WithDelivery(d.ID).WithField("reason", d.DeadLetterReason).Warn("dead-lettered")
}

// Redrive returns one dead-lettered delivery to the queue. The same delivery
// id is reused so downstream audit trails stay linked; no new idempotency
// key is fabricated.
func (e *Engine) Redrive(ctx context.Context, projectID, deliveryID string, minDeadLetterMinutes int) (*store.Delivery, error) {
	now := e.now().UTC()
	cutoff := now.Add(-time.Duration(minDeadLetterMinutes) * time.Minute)

	updated, err := e.store.MutateDelivery(ctx, projectID, deliveryID, func(m *store.Delivery) error {
		if m.Status != store.StatusDeadLettered {
			return fmt.Errorf("%w: status is %s", ErrNotRedrivable, m.Status)
		}
		if m.UpdatedAt.After(cutoff) {
			return fmt.Errorf("%w: dead-lettered %s ago, minimum is %dm",
				ErrNotRedrivable, now.Sub(m.UpdatedAt).Round(time.Second), minDeadLetterMinutes)
		}
		m.Status = store.StatusQueued
		m.AttemptCount = 0
		m.LastError = ""
		m.DeadLetterReason = ""
		m.NextAttemptAt = nil
		m.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordRedrive(projectID, updated.ConnectorType)
	ev := audit.NewEvent(audit.EventDeliveryRedriven, projectID)
	ev.ConnectorType = updated.ConnectorType
	ev.DeliveryID = updated.ID
	ev.Redrive = true
	e.audit.Emit(ctx, ev)
	e.logger.WithContext(ctx).WithProject(projectID).WithConnector(updated.ConnectorType).
		WithDelivery(updated.ID).Info("redriven")
	return updated, nil
}

// RedriveBatchInput bounds a batch redrive.
type RedriveBatchInput struct {
	ProjectID            string
	ConnectorType        string
	Limit                int
	MinDeadLetterMinutes int
}

// RedriveBatch redrives up to Limit eligible dead-lettered deliveries,
// oldest first.
func (e *Engine) RedriveBatch(ctx context.Context, in RedriveBatchInput) ([]*store.Delivery, error) {
	canonical := ""
	if in.ConnectorType != "" {
		var ok bool
		canonical, ok = e.registry.Canonicalize(in.ConnectorType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownConnectorType, in.ConnectorType)
		}
	}

	limit := in.Limit
	if limit <= 0 {
		limit = backpressure.DefaultProcessLimit
	}
	now := e.now().UTC()
	cutoff := now.Add(-time.Duration(in.MinDeadLetterMinutes) * time.Minute)

	dead, err := e.store.ListDeadLettered(ctx, store.DeadLetterFilter{
		ProjectID:     in.ProjectID,
		ConnectorType: canonical,
		Limit:         limit,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: list dead-lettered: %w", err)
	}

	var redriven []*store.Delivery
	for _, d := range dead {
		updated, err := e.Redrive(ctx, in.ProjectID, d.ID, in.MinDeadLetterMinutes)
		if errors.Is(err, ErrNotRedrivable) {
			continue
		}
		if err != nil {
			e.logger.WithContext(ctx).WithProject(in.ProjectID).WithDelivery(d.ID).
				WithError(err).Error("batch redrive failed for delivery")
			continue
		}
		redriven = append(redriven, updated)
	}

	if len(redriven) > 0 {
		ev := audit.NewEvent(audit.EventDeliveryRedriven, in.ProjectID)
		ev.ConnectorType = canonical
		ev.Redrive = true
		ev.Batch = true
		ev.Detail = fmt.Sprintf("redrove %d deliveries", len(redriven))
		e.audit.Emit(ctx, ev)
	}
	return redriven, nil
}

// Summarize aggregates queue counts for a project, optionally narrowed to
// one connector type.
func (e *Engine) Summarize(ctx context.Context, projectID, connectorType string) (*store.QueueSummary, error) {
	canonical := ""
	if connectorType != "" {
		var ok bool
		canonical, ok = e.registry.Canonicalize(connectorType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownConnectorType, connectorType)
		}
	}
	return e.store.Summarize(ctx, projectID, canonical, e.now().UTC())
}
