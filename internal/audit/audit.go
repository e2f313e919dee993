// Package audit appends fire-and-forget events on every delivery and policy
// transition, carrying enough structured metadata to reconstruct a
// per-connector timeline without replaying the full store.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/relaygate/relaygate/internal/tracing"
)

// Event types.
const (
	EventDeliveryQueued        = "delivery.queued"
	EventDeliveryAttempted     = "delivery.attempted"
	EventDeliveryDelivered     = "delivery.delivered"
	EventDeliveryDeadLettered  = "delivery.dead_lettered"
	EventDeliveryRedriven      = "delivery.redriven"
	EventPolicyChanged         = "policy.changed"
	EventDraftChanged          = "draft.changed"
	EventDraftApplied          = "draft.applied"
	EventGuardianAction        = "guardian.action"
	EventGuardianPolicyChanged = "guardian.policy_changed"
)

// Event is one audit record.
type Event struct {
	Type          string            `json:"type"`
	Version       string            `json:"version"`
	At            string            `json:"at"` // RFC3339Nano
	ProjectID     string            `json:"project_id"`
	ConnectorType string            `json:"connector_type,omitempty"`
	DeliveryID    string            `json:"delivery_id,omitempty"`
	AttemptNumber int               `json:"attempt_number,omitempty"`
	Success       bool              `json:"success,omitempty"`
	StatusCode    int               `json:"status_code,omitempty"`
	Redrive       bool              `json:"redrive,omitempty"`
	Batch         bool              `json:"batch,omitempty"`
	Detail        string            `json:"detail,omitempty"`
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"`
}

// NewEvent stamps an event with type, version and emission time.
func NewEvent(eventType, projectID string) Event {
	return Event{
		Type:      eventType,
		Version:   "v1",
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		ProjectID: projectID,
	}
}

// Emitter accepts audit events. Emit must never block delivery processing:
// failures are the emitter's problem, not the caller's.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) {}

// NSQEmitter publishes audit events to an NSQ topic, carrying trace
// propagation headers so consumers can join the timeline to spans.
type NSQEmitter struct {
	producer *nsq.Producer
	topic    string
}

func NewNSQEmitter(producer *nsq.Producer, topic string) *NSQEmitter {
	return &NSQEmitter{producer: producer, topic: topic}
}

func (e *NSQEmitter) Emit(ctx context.Context, ev Event) {
	ev.TraceHeaders = tracing.PropagateTraceToNSQ(ctx)
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Fire-and-forget: a failed publish drops the event, never the delivery.
	_ = e.producer.Publish(e.topic, body)
}

// Recorder keeps events in memory. Test double and embedded-mode sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters the recorded events by type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
