package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// CredentialStore implements domain.CredentialStore. Only sealed secrets
// reach the database.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a CredentialStore backed by pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

func (s *CredentialStore) Put(ctx context.Context, c domain.VenueCredential) error {
	const query = `
		INSERT INTO venue_credentials (venue, api_key, sealed, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (venue) DO UPDATE SET
			api_key = EXCLUDED.api_key, sealed = EXCLUDED.sealed, updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, string(c.Venue), c.APIKey, c.Sealed, c.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: put credential %s: %w", c.Venue, err)
	}
	return nil
}

func (s *CredentialStore) Get(ctx context.Context, venue domain.VenueID) (domain.VenueCredential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT venue, api_key, sealed, updated_at FROM venue_credentials WHERE venue = $1`, string(venue))
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.VenueCredential{}, fmt.Errorf("postgres: credential %s: %w", venue, domain.ErrNotFound)
	}
	if err != nil {
		return domain.VenueCredential{}, fmt.Errorf("postgres: get credential %s: %w", venue, err)
	}
	return c, nil
}

func (s *CredentialStore) List(ctx context.Context) ([]domain.VenueCredential, error) {
	rows, err := s.pool.Query(ctx, `SELECT venue, api_key, sealed, updated_at FROM venue_credentials ORDER BY venue`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list credentials: %w", err)
	}
	defer rows.Close()
	var out []domain.VenueCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCredential(row pgx.Row) (domain.VenueCredential, error) {
	var (
		c     domain.VenueCredential
		venue string
	)
	if err := row.Scan(&venue, &c.APIKey, &c.Sealed, &c.UpdatedAt); err != nil {
		return domain.VenueCredential{}, err
	}
	c.Venue = domain.VenueID(venue)
	return c, nil
}

var _ domain.CredentialStore = (*CredentialStore)(nil)
