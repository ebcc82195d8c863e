package marketplace

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory marketplace store for demo/development mode.
type MemoryStore struct {
	users    map[string]*User
	gigs     map[string]*Gig
	messages []*Message
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory marketplace store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*User),
		gigs:  make(map[string]*Gig),
	}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if strings.EqualFold(existing.WalletAddress, u.WalletAddress) {
			return ErrDuplicateWallet
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) ListUsersByRole(ctx context.Context, role Role) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*User
	for _, u := range m.users {
		if u.Role == role {
			cp := *u
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) CreateGig(ctx context.Context, g *Gig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *g
	m.gigs[g.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGig(ctx context.Context, id string) (*Gig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.gigs[id]
	if !ok {
		return nil, ErrGigNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) ListGigsBySeller(ctx context.Context, sellerID string, limit int) ([]*Gig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Gig
	for _, g := range m.gigs {
		if g.SellerID == sellerID {
			cp := *g
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	cp.Attachments = append([]string(nil), msg.Attachments...)
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *MemoryStore) ListMessagesForUser(ctx context.Context, userID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	// Appended in creation order; walk backwards for newest first.
	for i := len(m.messages) - 1; i >= 0 && len(result) < limit; i-- {
		msg := m.messages[i]
		if msg.SenderID == userID || msg.ReceiverID == userID {
			cp := *msg
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
