package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; ok {
		return fmt.Errorf("escrow %s already exists: %w", escrow.ID, apperr.ErrConflict)
	}
	cp := *escrow
	m.escrows[escrow.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Callers mutate what they get back.
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.escrows[escrow.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	cp := *escrow
	m.escrows[escrow.ID] = &cp
	return nil
}

// ListByUser returns the user's escrows, newest first.
func (m *MemoryStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.IsParty(userID) && after.Before(e.CreatedAt, e.ID) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.Less(result[j].CreatedAt, result[j].ID, result[i].CreatedAt, result[i].ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListExpired returns LOCKED escrows expiring at or before before, soonest
// first.
func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.State == StateLocked && !e.ExpiresAt.After(before) && after.After(e.ExpiresAt, e.ID) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.Less(result[i].ExpiresAt, result[i].ID, result[j].ExpiresAt, result[j].ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
