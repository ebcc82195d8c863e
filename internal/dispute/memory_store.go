package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/gigvault/escrowd/internal/pagination"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	byEscrow map[string]string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byEscrow: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEscrow[d.EscrowID]; ok {
		return ErrDisputeExists
	}
	m.disputes[d.ID] = clone(d)
	m.byEscrow[d.EscrowID] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.disputes[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEscrow[escrowID]
	if !ok {
		return []*Dispute{}, nil
	}
	return []*Dispute{clone(m.disputes[id])}, nil
}

// ListByStatus returns disputes in status, oldest first.
func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Dispute{}
	for _, d := range m.disputes {
		if d.Status == status && after.After(d.CreatedAt, d.ID) {
			result = append(result, clone(d))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.Less(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) OpenAssignments(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, d := range m.disputes {
		if d.Status == StatusOpen && d.AssignedArbiterID != "" {
			counts[d.AssignedArbiterID]++
		}
	}
	return counts, nil
}

func clone(d *Dispute) *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
