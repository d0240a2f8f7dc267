package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// RiskSnapshotStore implements domain.RiskSnapshotStore. The full snapshot
// is kept as JSONB next to a few columns for dashboards.
type RiskSnapshotStore struct {
	pool *pgxpool.Pool
}

// NewRiskSnapshotStore creates a RiskSnapshotStore backed by pool.
func NewRiskSnapshotStore(pool *pgxpool.Pool) *RiskSnapshotStore {
	return &RiskSnapshotStore{pool: pool}
}

// Append inserts snap, assigning an id if it has none.
func (s *RiskSnapshotStore) Append(ctx context.Context, snap domain.RiskSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot: %w", err)
	}
	const query = `
		INSERT INTO risk_snapshots (id, taken_at, equity, var_amount, drawdown, breaches, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.pool.Exec(ctx, query,
		snap.ID, snap.Timestamp, snap.Equity, snap.VaRAmount, snap.CurrentDrawdown, len(snap.Breaches), body,
	); err != nil {
		return fmt.Errorf("postgres: append snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// Latest returns the most recent snapshot or domain.ErrNotFound.
func (s *RiskSnapshotStore) Latest(ctx context.Context) (domain.RiskSnapshot, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM risk_snapshots ORDER BY taken_at DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RiskSnapshot{}, fmt.Errorf("postgres: latest snapshot: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.RiskSnapshot{}, fmt.Errorf("postgres: latest snapshot: %w", err)
	}
	var snap domain.RiskSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return domain.RiskSnapshot{}, fmt.Errorf("postgres: decode snapshot: %w", err)
	}
	return snap, nil
}

// List returns snapshots oldest first within the optional window.
func (s *RiskSnapshotStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.RiskSnapshot, error) {
	w := &where{}
	if opts.Since != nil {
		w.add("taken_at >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		w.add("taken_at < $%d", *opts.Until)
	}
	query := `SELECT body FROM risk_snapshots` + w.String() + ` ORDER BY taken_at` + w.page(opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.RiskSnapshot
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		var snap domain.RiskSnapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			return nil, fmt.Errorf("postgres: decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list snapshots rows: %w", err)
	}
	return out, nil
}

var _ domain.RiskSnapshotStore = (*RiskSnapshotStore)(nil)
