package marketplace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"github.com/gigvault/escrowd/internal/signing"
)

// PostgresStore persists marketplace data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed marketplace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (
			id, name, email, wallet_address, role, key_type, verification_key,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Name, nullString(u.Email), u.WalletAddress, string(u.Role),
		string(u.KeyType), u.VerificationKey, u.CreatedAt, u.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateWallet
	}
	return err
}

const userColumns = `id, name, email, wallet_address, role, key_type, verification_key, created_at, updated_at`

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (p *PostgresStore) ListUsersByRole(ctx context.Context, role Role) ([]*User, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE role = $1
		ORDER BY id`, string(role))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateGig(ctx context.Context, g *Gig) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gigs (id, seller_id, title, description, price, ipfs_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8)`,
		g.ID, g.SellerID, g.Title, g.Description, g.Price.String(),
		nullString(g.IPFSHash), g.CreatedAt, g.UpdatedAt,
	)
	return err
}

const gigColumns = `id, seller_id, title, description, price, ipfs_hash, created_at, updated_at`

func (p *PostgresStore) GetGig(ctx context.Context, id string) (*Gig, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+gigColumns+` FROM gigs WHERE id = $1`, id)
	g, err := scanGig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGigNotFound
	}
	return g, err
}

func (p *PostgresStore) ListGigsBySeller(ctx context.Context, sellerID string, limit int) ([]*Gig, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+gigColumns+`
		FROM gigs
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Gig
	for rows.Next() {
		g, err := scanGig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, content, attachments, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.SenderID, m.ReceiverID, m.Content, pq.Array(m.Attachments),
		m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) ListMessagesForUser(ctx context.Context, userID string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, content, attachments, created_at, updated_at
		FROM messages
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content,
			pq.Array(&m.Attachments), &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(s scanner) (*User, error) {
	u := &User{}
	var email sql.NullString
	var role, keyType string
	if err := s.Scan(&u.ID, &u.Name, &email, &u.WalletAddress, &role, &keyType,
		&u.VerificationKey, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Email = email.String
	u.Role = Role(role)
	u.KeyType = signing.KeyType(keyType)
	return u, nil
}

func scanGig(s scanner) (*Gig, error) {
	g := &Gig{}
	var price string
	var ipfs sql.NullString
	if err := s.Scan(&g.ID, &g.SellerID, &g.Title, &g.Description, &price,
		&ipfs, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Price = json.Number(price)
	g.IPFSHash = ipfs.String
	return g, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
