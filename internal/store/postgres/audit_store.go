package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// AuditStore implements domain.AuditStore on the append-only audit_log
// table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends e. Detail is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, e domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var detail []byte
	if e.Detail != nil {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			return fmt.Errorf("postgres: marshal audit detail: %w", err)
		}
	}
	const query = `INSERT INTO audit_log (id, action, actor, reason, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, query, e.ID, e.Action, e.Actor, e.Reason, detail, e.CreatedAt); err != nil {
		return fmt.Errorf("postgres: log audit %s: %w", e.Action, err)
	}
	return nil
}

// List returns entries oldest first within the optional window.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	w := &where{}
	if opts.Since != nil {
		w.add("created_at >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		w.add("created_at < $%d", *opts.Until)
	}
	query := `SELECT id, action, actor, reason, detail, created_at FROM audit_log` + w.String() +
		` ORDER BY created_at, id` + w.page(opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.Reason, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if detail != nil {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
