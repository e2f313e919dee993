package store

import "time"

// DeliveryStatus is the lifecycle state of a delivery.
type DeliveryStatus string

const (
	StatusQueued       DeliveryStatus = "queued"
	StatusRetrying     DeliveryStatus = "retrying"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusDeadLettered DeliveryStatus = "dead_lettered"
)

const (
	MinAttempts     = 1
	MaxAttempts     = 10
	DefaultAttempts = 3
)

// Delivery is one logical outbound delivery, tracked across retries until it
// is delivered or dead-lettered. The raw payload and transport config are
// stored out-of-line in the blob store, keyed by delivery id.
type Delivery struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"project_id"`
	ConnectorType    string         `json:"connector_type"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	PayloadHash      string         `json:"payload_hash"`
	Status           DeliveryStatus `json:"status"`
	AttemptCount     int            `json:"attempt_count"`
	MaxAttempts      int            `json:"max_attempts"`
	LastStatusCode   int            `json:"last_status_code,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	NextAttemptAt    *time.Time     `json:"next_attempt_at,omitempty"`
	DeadLetterReason string         `json:"dead_letter_reason,omitempty"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Due reports whether the delivery is eligible for an attempt at now.
// Queued deliveries are always due; retrying deliveries are due once their
// scheduled next attempt time has passed.
func (d *Delivery) Due(now time.Time) bool {
	switch d.Status {
	case StatusQueued:
		return true
	case StatusRetrying:
		return d.NextAttemptAt == nil || !d.NextAttemptAt.After(now)
	default:
		return false
	}
}

// Processable reports whether the delivery may be attempted when schedule
// checks are bypassed (synchronous single-delivery flows).
func (d *Delivery) Processable() bool {
	return d.Status == StatusQueued || d.Status == StatusRetrying
}

// Attempt is one execution of a delivery against a transport. Immutable once
// written; ordered per delivery by AttemptNumber.
type Attempt struct {
	ID            string    `json:"id"`
	DeliveryID    string    `json:"delivery_id"`
	ProjectID     string    `json:"project_id"`
	ConnectorType string    `json:"connector_type"`
	AttemptNumber int       `json:"attempt_number"`
	Success       bool      `json:"success"`
	StatusCode    int       `json:"status_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ResponseBody  string    `json:"response_body,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// BackpressureLimits is one tier of backpressure tuning, either the
// project-level default or a per-connector override.
type BackpressureLimits struct {
	IsEnabled   bool `json:"is_enabled"`
	MaxRetrying int  `json:"max_retrying"`
	MaxDueNow   int  `json:"max_due_now"`
	MinLimit    int  `json:"min_limit"`
}

// BackpressurePolicy is the one active backpressure policy for a project.
type BackpressurePolicy struct {
	ProjectID          string                        `json:"project_id"`
	IsEnabled          bool                          `json:"is_enabled"`
	MaxRetrying        int                           `json:"max_retrying"`
	MaxDueNow          int                           `json:"max_due_now"`
	MinLimit           int                           `json:"min_limit"`
	ConnectorOverrides map[string]BackpressureLimits `json:"connector_overrides,omitempty"`
	CreatedAt          time.Time                     `json:"created_at"`
	UpdatedAt          time.Time                     `json:"updated_at"`
}

// Approval is one actor's sign-off on a policy draft.
type Approval struct {
	Actor      string    `json:"actor"`
	ApprovedAt time.Time `json:"approved_at"`
}

// BackpressurePolicyDraft is a proposed policy change pending approvals
// and/or scheduled activation. Deleted on apply or discard.
type BackpressurePolicyDraft struct {
	ProjectID          string                        `json:"project_id"`
	IsEnabled          bool                          `json:"is_enabled"`
	MaxRetrying        int                           `json:"max_retrying"`
	MaxDueNow          int                           `json:"max_due_now"`
	MinLimit           int                           `json:"min_limit"`
	ConnectorOverrides map[string]BackpressureLimits `json:"connector_overrides,omitempty"`
	RequiredApprovals  int                           `json:"required_approvals"`
	Approvals          []Approval                    `json:"approvals,omitempty"`
	ActivateAt         *time.Time                    `json:"activate_at,omitempty"`
	CreatedAt          time.Time                     `json:"created_at"`
	UpdatedAt          time.Time                     `json:"updated_at"`
}

// GuardianPolicy is the per-project automation config for the guardian loop.
type GuardianPolicy struct {
	ProjectID               string    `json:"project_id"`
	IsEnabled               bool      `json:"is_enabled"`
	DryRun                  bool      `json:"dry_run"`
	LookbackHours           int       `json:"lookback_hours"`
	RiskThreshold           float64   `json:"risk_threshold"`
	MaxActionsPerProject    int       `json:"max_actions_per_project"`
	ActionLimit             int       `json:"action_limit"`
	CooldownMinutes         int       `json:"cooldown_minutes"`
	MinDeadLetterMinutes    int       `json:"min_dead_letter_minutes"`
	AllowProcessQueue       bool      `json:"allow_process_queue"`
	AllowRedriveDeadLetters bool      `json:"allow_redrive_dead_letters"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// QueueSummary aggregates delivery counts for one project and, optionally,
// one connector type.
type QueueSummary struct {
	Total                 int        `json:"total"`
	Queued                int        `json:"queued"`
	Retrying              int        `json:"retrying"`
	Delivered             int        `json:"delivered"`
	DeadLettered          int        `json:"dead_lettered"`
	DueNow                int        `json:"due_now"`
	EarliestNextAttemptAt *time.Time `json:"earliest_next_attempt_at,omitempty"`
}
