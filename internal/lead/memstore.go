package lead

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// MemoryStore keeps leads in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	leads map[string]model.LeadSnapshot // key: lead ID
}

// NewMemoryStore creates a store holding the given leads.
func NewMemoryStore(seed ...model.LeadSnapshot) *MemoryStore {
	s := &MemoryStore{leads: make(map[string]model.LeadSnapshot, len(seed))}
	for _, l := range seed {
		s.leads[l.ID] = clone(normalize(l))
	}
	return s
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) GetLead(_ context.Context, tenantID, leadID string) (model.LeadSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.leads[leadID]
	if !ok || l.TenantID != tenantID {
		return model.LeadSnapshot{}, model.NewNotFoundError(fmt.Sprintf("lead %q not found", leadID))
	}
	return clone(l), nil
}

func (s *MemoryStore) UpsertLead(_ context.Context, l model.LeadSnapshot) (model.LeadSnapshot, error) {
	if err := Validate(l); err != nil {
		return model.LeadSnapshot{}, err
	}
	l = normalize(l)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.leads[l.ID]; ok && existing.TenantID != l.TenantID {
		return model.LeadSnapshot{}, model.NewConflictError(fmt.Sprintf("lead %q belongs to another tenant", l.ID))
	}
	s.leads[l.ID] = clone(l)
	return clone(l), nil
}

// clone copies the mutable parts so callers never share them with the store.
func clone(l model.LeadSnapshot) model.LeadSnapshot {
	l.Tags = slices.Clone(l.Tags)
	l.Attributes = maps.Clone(l.Attributes)
	return l
}
