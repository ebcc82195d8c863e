package dispute

import (
	"context"
	"slices"

	"github.com/gigvault/escrowd/internal/marketplace"
)

// Users is the slice of the marketplace the directory reads.
type Users interface {
	GetUser(ctx context.Context, id string) (*marketplace.User, error)
	// ListArbiters returns arbiters ordered by id.
	ListArbiters(ctx context.Context) ([]*marketplace.User, error)
}

// Directory is the ArbiterDirectory over marketplace users with the arbiter
// role. New disputes go to the arbiter with the fewest OPEN assignments;
// ties go to the lowest id.
type Directory struct {
	users Users
	store Store
}

// NewDirectory creates a marketplace-backed arbiter directory.
func NewDirectory(users Users, store Store) *Directory {
	return &Directory{users: users, store: store}
}

// ListArbiters returns every registered arbiter.
func (d *Directory) ListArbiters(ctx context.Context) ([]*marketplace.User, error) {
	return d.users.ListArbiters(ctx)
}

func (d *Directory) IsArbiter(ctx context.Context, userID string) (bool, error) {
	u, err := d.users.GetUser(ctx, userID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Role == marketplace.RoleArbiter, nil
}

func (d *Directory) Assign(ctx context.Context, exclude ...string) (string, error) {
	arbiters, err := d.users.ListArbiters(ctx)
	if err != nil {
		return "", err
	}
	load, err := d.store.OpenAssignments(ctx)
	if err != nil {
		return "", err
	}

	best, bestLoad := "", 0
	for _, a := range arbiters {
		if slices.Contains(exclude, a.ID) {
			continue
		}
		n := load[a.ID]
		if best == "" || n < bestLoad || (n == bestLoad && a.ID < best) {
			best, bestLoad = a.ID, n
		}
	}
	if best == "" {
		return "", ErrNoArbiter
	}
	return best, nil
}

var _ ArbiterDirectory = (*Directory)(nil)
