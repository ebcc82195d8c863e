package dispute

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/gigvault/escrowd/internal/pagination"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, complainant_id, status, reason,
			assigned_arbiter_id, arbiter_id, resolution,
			version, created_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.EscrowID, d.ComplainantID, string(d.Status), d.Reason,
		nullString(d.AssignedArbiterID), nullString(d.ArbiterID), nullString(string(d.Resolution)),
		d.Version, d.CreatedAt, d.UpdatedAt, d.ResolvedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDisputeExists
	}
	return err
}

const disputeColumns = `id, escrow_id, complainant_id, status, reason,
		       assigned_arbiter_id, arbiter_id, resolution,
		       version, created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, arbiter_id = $2, resolution = $3,
			version = $4, updated_at = $5, resolved_at = $6
		WHERE id = $7 AND version = $8`,
		string(d.Status), nullString(d.ArbiterID), nullString(string(d.Resolution)),
		d.Version, d.UpdatedAt, d.ResolvedAt,
		d.ID, expectedVersion,
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
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrDisputeNotFound
	}
	return ErrVersionConflict
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE escrow_id = $1
		ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Dispute, error) {
	at, id := after.Args()
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) > ($2::TIMESTAMPTZ, $3::VARCHAR))
		ORDER BY created_at, id
		LIMIT $4`, string(status), at, id, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func (p *PostgresStore) OpenAssignments(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT assigned_arbiter_id, COUNT(*)
		FROM disputes
		WHERE status = 'OPEN' AND assigned_arbiter_id IS NOT NULL
		GROUP BY assigned_arbiter_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		assigned   sql.NullString
		arbiter    sql.NullString
		resolution sql.NullString
		resolvedAt sql.NullTime
	)
	if err := s.Scan(
		&d.ID, &d.EscrowID, &d.ComplainantID, &status, &d.Reason,
		&assigned, &arbiter, &resolution,
		&d.Version, &d.CreatedAt, &d.UpdatedAt, &resolvedAt,
	); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.AssignedArbiterID = assigned.String
	d.ArbiterID = arbiter.String
	d.Resolution = Outcome(resolution.String)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	result := []*Dispute{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
