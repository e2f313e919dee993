// Package store defines the persistence contract for the delivery control
// plane: delivery records with append-only attempt history, backpressure
// policies and drafts, guardian policies, and out-of-line payload blobs.
//
// Implementations must serialize writes per project so that a
// read-modify-write sequence never interleaves with another writer for the
// same project (memstore uses per-project locks, pgstore row locks).
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested entity does not exist for
	// the given project.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateDelivery is returned by CreateDelivery when a delivery with
	// the same (project, connector_type, idempotency_key) already exists.
	ErrDuplicateDelivery = errors.New("store: duplicate delivery")

	// ErrPayloadMissing is returned by the blob store when a delivery's
	// out-of-line payload is gone. Fatal and non-retryable at execution time.
	ErrPayloadMissing = errors.New("store: payload missing")
)

// DueFilter selects deliveries for a processing pass.
type DueFilter struct {
	ProjectID      string
	ConnectorType  string
	Limit          int
	IgnoreSchedule bool
	Now            time.Time
}

// DeadLetterFilter selects dead-lettered deliveries eligible for redrive.
type DeadLetterFilter struct {
	ProjectID     string
	ConnectorType string
	Limit         int
	// UpdatedBefore excludes deliveries dead-lettered too recently.
	UpdatedBefore time.Time
}

// Store is the durable record store. All entities are scoped by project; no
// method crosses project boundaries.
type Store interface {
	// CreateDelivery persists a new delivery. If the delivery carries an
	// idempotency key that already exists for (project, connector type), it
	// returns the existing record and ErrDuplicateDelivery.
	CreateDelivery(ctx context.Context, d *Delivery) (*Delivery, error)
	GetDelivery(ctx context.Context, projectID, id string) (*Delivery, error)

	// MutateDelivery applies fn to the current record under the project's
	// exclusive-write serialization and persists the result. fn returning an
	// error aborts the write.
	MutateDelivery(ctx context.Context, projectID, id string, fn func(*Delivery) error) (*Delivery, error)

	ListDue(ctx context.Context, f DueFilter) ([]*Delivery, error)
	ListDeadLettered(ctx context.Context, f DeadLetterFilter) ([]*Delivery, error)
	Summarize(ctx context.Context, projectID, connectorType string, now time.Time) (*QueueSummary, error)

	AppendAttempt(ctx context.Context, a *Attempt) error
	ListAttempts(ctx context.Context, projectID, connectorType string, since time.Time) ([]*Attempt, error)
	ListConnectorTypes(ctx context.Context, projectID string) ([]string, error)

	GetBackpressurePolicy(ctx context.Context, projectID string) (*BackpressurePolicy, error)
	UpsertBackpressurePolicy(ctx context.Context, p *BackpressurePolicy) (*BackpressurePolicy, error)

	GetDraft(ctx context.Context, projectID string) (*BackpressurePolicyDraft, error)
	UpsertDraft(ctx context.Context, d *BackpressurePolicyDraft) (*BackpressurePolicyDraft, error)
	DeleteDraft(ctx context.Context, projectID string) error

	GetGuardianPolicy(ctx context.Context, projectID string) (*GuardianPolicy, error)
	UpsertGuardianPolicy(ctx context.Context, p *GuardianPolicy) (*GuardianPolicy, error)
	// ListGuardianProjects returns the ids of all projects that have a
	// guardian policy, enabled or not. The guardian loop iterates these.
	ListGuardianProjects(ctx context.Context) ([]string, error)
}

// Blob is an out-of-line payload plus sanitized transport config for one
// delivery. Read once per attempt, never part of the queryable record.
type Blob struct {
	Payload map[string]any `json:"payload"`
	Config  map[string]any `json:"config,omitempty"`
}

// BlobStore keeps delivery payloads out of the hot index.
type BlobStore interface {
	PutBlob(ctx context.Context, deliveryID string, b *Blob) error
	// GetBlob returns ErrPayloadMissing when no blob exists for the id.
	GetBlob(ctx context.Context, deliveryID string) (*Blob, error)
	DeleteBlob(ctx context.Context, deliveryID string) error
}
