package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, gig_id, buyer_id, seller_id, state, amount, expires_at,
			on_chain_tx_hash, delivery_hash, delivery_message,
			settlement_tx_hash, refund_reason, settled_by,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16
		)`,
		e.ID, e.GigID, e.BuyerID, e.SellerID, string(e.State), e.Amount.String(), e.ExpiresAt,
		nullString(e.OnChainTxHash), nullString(e.DeliveryHash), nullString(e.DeliveryMessage),
		nullString(e.SettlementTxHash), nullString(e.RefundReason), nullString(e.SettledBy),
		e.Version, e.CreatedAt, e.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("escrow %s already exists: %w", e.ID, apperr.ErrConflict)
	}
	return err
}

const escrowColumns = `id, gig_id, buyer_id, seller_id, state, amount, expires_at,
		       on_chain_tx_hash, delivery_hash, delivery_message,
		       settlement_tx_hash, refund_reason, settled_by,
		       version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update writes e only if the stored version still equals expectedVersion.
// Write-once columns keep their first non-null value.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1,
			on_chain_tx_hash = COALESCE(on_chain_tx_hash, $2),
			delivery_hash = COALESCE(delivery_hash, $3),
			delivery_message = $4,
			settlement_tx_hash = $5, refund_reason = $6, settled_by = $7,
			version = $8, updated_at = $9
		WHERE id = $10 AND version = $11`,
		string(e.State),
		nullString(e.OnChainTxHash), nullString(e.DeliveryHash), nullString(e.DeliveryMessage),
		nullString(e.SettlementTxHash), nullString(e.RefundReason), nullString(e.SettledBy),
		e.Version, e.UpdatedAt,
		e.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrEscrowNotFound
	}
	return ErrVersionConflict
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	at, id := after.Args()
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE (buyer_id = $1 OR seller_id = $1)
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) < ($2::TIMESTAMPTZ, $3::VARCHAR))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, userID, at, id, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	at, id := after.Args()
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state = 'LOCKED'
		  AND expires_at <= $1
		  AND ($2::TIMESTAMPTZ IS NULL OR (expires_at, id) > ($2::TIMESTAMPTZ, $3::VARCHAR))
		ORDER BY expires_at, id
		LIMIT $4`, before, at, id, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		state            string
		amount           string
		onChainTxHash    sql.NullString
		deliveryHash     sql.NullString
		deliveryMessage  sql.NullString
		settlementTxHash sql.NullString
		refundReason     sql.NullString
		settledBy        sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.GigID, &e.BuyerID, &e.SellerID, &state, &amount, &e.ExpiresAt,
		&onChainTxHash, &deliveryHash, &deliveryMessage,
		&settlementTxHash, &refundReason, &settledBy,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.State = State(state)
	e.Amount = json.Number(amount)
	e.ExpiresAt = e.ExpiresAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.OnChainTxHash = onChainTxHash.String
	e.DeliveryHash = deliveryHash.String
	e.DeliveryMessage = deliveryMessage.String
	e.SettlementTxHash = settlementTxHash.String
	e.RefundReason = refundReason.String
	e.SettledBy = settledBy.String
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
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
