// Package memstore is the embedded Store implementation. Every project owns
// an independent state bucket guarded by its own mutex, so read-modify-write
// sequences for one project never interleave while different projects
// proceed in parallel.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/store"
)

type projectState struct {
	mu         sync.Mutex
	deliveries map[string]*store.Delivery
	attempts   []*store.Attempt
	policy     *store.BackpressurePolicy
	draft      *store.BackpressurePolicyDraft
	guardian   *store.GuardianPolicy
}

// Store is an in-memory store.Store. Zero value is not usable; use New.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*projectState
}

func New() *Store {
	return &Store{projects: make(map[string]*projectState)}
}

func (s *Store) project(projectID string) *projectState {
	s.mu.RLock()
	p, ok := s.projects[projectID]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.projects[projectID]; ok {
		return p
	}
	p = &projectState{deliveries: make(map[string]*store.Delivery)}
	s.projects[projectID] = p
	return p
}

func copyDelivery(d *store.Delivery) *store.Delivery {
	cp := *d
	if d.NextAttemptAt != nil {
		t := *d.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	if d.DeliveredAt != nil {
		t := *d.DeliveredAt
		cp.DeliveredAt = &t
	}
	return &cp
}

func (s *Store) CreateDelivery(_ context.Context, d *store.Delivery) (*store.Delivery, error) {
	p := s.project(d.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if d.IdempotencyKey != "" {
		for _, existing := range p.deliveries {
			if existing.ConnectorType == d.ConnectorType && existing.IdempotencyKey == d.IdempotencyKey {
				return copyDelivery(existing), store.ErrDuplicateDelivery
			}
		}
	}
	p.deliveries[d.ID] = copyDelivery(d)
	return copyDelivery(d), nil
}

func (s *Store) GetDelivery(_ context.Context, projectID, id string) (*store.Delivery, error) {
	p := s.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyDelivery(d), nil
}

func (s *Store) MutateDelivery(_ context.Context, projectID, id string, fn func(*store.Delivery) error) (*store.Delivery, error) {
	p := s.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	working := copyDelivery(d)
	if err := fn(working); err != nil {
		return nil, err
	}
	p.deliveries[id] = working
	return copyDelivery(working), nil
}

func (s *Store) ListDue(_ context.Context, f store.DueFilter) ([]*store.Delivery, error) {
	p := s.project(f.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()

	var due []*store.Delivery
	for _, d := range p.deliveries {
		if f.ConnectorType != "" && d.ConnectorType != f.ConnectorType {
			continue
		}
		if f.IgnoreSchedule {
			if !d.Processable() {
				continue
			}
		} else if !d.Due(f.Now) {
			continue
		}
		due = append(due, copyDelivery(d))
	}
	// Oldest-updated first: starvation risk surfaces before fresh work.
	sort.Slice(due, func(i, j int) bool {
		if due[i].UpdatedAt.Equal(due[j].UpdatedAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].UpdatedAt.Before(due[j].UpdatedAt)
	})
	if f.Limit > 0 && len(due) > f.Limit {
		due = due[:f.Limit]
	}
	return due, nil
}

func (s *Store) ListDeadLettered(_ context.Context, f store.DeadLetterFilter) ([]*store.Delivery, error) {
	p := s.project(f.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()

	var dead []*store.Delivery
	for _, d := range p.deliveries {
		if d.Status != store.StatusDeadLettered {
			continue
		}
		if f.ConnectorType != "" && d.ConnectorType != f.ConnectorType {
			continue
		}
		if d.UpdatedAt.After(f.UpdatedBefore) {
			continue
		}
		dead = append(dead, copyDelivery(d))
	}
	sort.Slice(dead, func(i, j int) bool {
		if dead[i].UpdatedAt.Equal(dead[j].UpdatedAt) {
			return dead[i].ID < dead[j].ID
		}
		return dead[i].UpdatedAt.Before(dead[j].UpdatedAt)
	})
	if f.Limit > 0 && len(dead) > f.Limit {
		dead = dead[:f.Limit]
	}
	return dead, nil
}

func (s *Store) Summarize(_ context.Context, projectID, connectorType string, now time.Time) (*store.QueueSummary, error) {
	p := s.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()

	sum := &store.QueueSummary{}
	for _, d := range p.deliveries {
		if connectorType != "" && d.ConnectorType != connectorType {
			continue
		}
		sum.Total++
		switch d.Status {
		case store.StatusQueued:
			sum.Queued++
		case store.StatusRetrying:
			sum.Retrying++
			if d.NextAttemptAt != nil {
				if sum.EarliestNextAttemptAt == nil || d.NextAttemptAt.Before(*sum.EarliestNextAttemptAt) {
					t := *d.NextAttemptAt
					sum.EarliestNextAttemptAt = &t
				}
			}
		case store.StatusDelivered:
			sum.Delivered++
		case store.StatusDeadLettered:
			sum.DeadLettered++
		}
		if d.Due(now) {
			sum.DueNow++
		}
	}
	return sum, nil
}

func (s *Store) AppendAttempt(_ context.Context, a *store.Attempt) error {
	p := s.project(a.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *a
	p.attempts = append(p.attempts, &cp)
	return nil
}

func (s *Store) ListAttempts(_ context.Context, projectID, connectorType string, since time.Time) ([]*store.Attempt, error) {
	p := s.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*store.Attempt
	for _, a := range p.attempts {
		if connectorType != "" && a.ConnectorType != connectorType {
			continue
		}
		if a.CreatedAt.Before(since) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListConnectorTypes(_ context.Context, projectID string) ([]string, error) {
	p := s.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool)
	for _, d := range p.deliveries {
		seen[d.ConnectorType] = true
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

func copyPolicy(p *store.BackpressurePolicy) *store.BackpressurePolicy {
	cp := *p
	if p.ConnectorOverrides != nil {
		cp.ConnectorOverrides = make(map[string]store.BackpressureLimits, len(p.ConnectorOverrides))
		for k, v := range p.ConnectorOverrides {
			cp.ConnectorOverrides[k] = v
		}
	}
	return &cp
}

func (s *Store) GetBackpressurePolicy(_ context.Context, projectID string) (*store.BackpressurePolicy, error) {
	p := s.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.policy == nil {
		return nil, store.ErrNotFound
	}
	return copyPolicy(p.policy), nil
}

func (s *Store) UpsertBackpressurePolicy(_ context.Context, pol *store.BackpressurePolicy) (*store.BackpressurePolicy, error) {
	p := s.project(pol.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	saved := copyPolicy(pol)
	now := time.Now().UTC()
	saved.CreatedAt, saved.UpdatedAt = now, now
	if p.policy != nil {
		saved.CreatedAt = p.policy.CreatedAt
	}
	p.policy = saved
	return copyPolicy(saved), nil
}

func copyDraft(d *store.BackpressurePolicyDraft) *store.BackpressurePolicyDraft {
	cp := *d
	if d.ConnectorOverrides != nil {
		cp.ConnectorOverrides = make(map[string]store.BackpressureLimits, len(d.ConnectorOverrides))
		for k, v := range d.ConnectorOverrides {
			cp.ConnectorOverrides[k] = v
		}
	}
	if d.Approvals != nil {
		cp.Approvals = append([]store.Approval(nil), d.Approvals...)
	}
	if d.ActivateAt != nil {
		t := *d.ActivateAt
		cp.ActivateAt = &t
	}
	return &cp
}

func (s *Store) GetDraft(_ context.Context, projectID string) (*store.BackpressurePolicyDraft, error) {
	p := s.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draft == nil {
		return nil, store.ErrNotFound
	}
	return copyDraft(p.draft), nil
}

func (s *Store) UpsertDraft(_ context.Context, d *store.BackpressurePolicyDraft) (*store.BackpressurePolicyDraft, error) {
	p := s.project(d.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	saved := copyDraft(d)
	now := time.Now().UTC()
	saved.CreatedAt, saved.UpdatedAt = now, now
	if p.draft != nil {
		saved.CreatedAt = p.draft.CreatedAt
	}
	p.draft = saved
	return copyDraft(saved), nil
}

func (s *Store) DeleteDraft(_ context.Context, projectID string) error {
	p := s.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draft == nil {
		return store.ErrNotFound
	}
	p.draft = nil
	return nil
}

func (s *Store) GetGuardianPolicy(_ context.Context, projectID string) (*store.GuardianPolicy, error) {
	p := s.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.guardian == nil {
		return nil, store.ErrNotFound
	}
	cp := *p.guardian
	return &cp, nil
}

func (s *Store) UpsertGuardianPolicy(_ context.Context, pol *store.GuardianPolicy) (*store.GuardianPolicy, error) {
	p := s.project(pol.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *pol
	now := time.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt = now, now
	if p.guardian != nil {
		cp.CreatedAt = p.guardian.CreatedAt
	}
	p.guardian = &cp
	out := cp
	return &out, nil
}

func (s *Store) ListGuardianProjects(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, p := range s.projects {
		p.mu.Lock()
		has := p.guardian != nil
		p.mu.Unlock()
		if has {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var _ store.Store = (*Store)(nil)
