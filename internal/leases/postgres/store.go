package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/deposit-router/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

// Store keeps leases in the shared database. Expiry is judged against the
// database clock so replicas with skewed clocks still agree.
type Store struct {
	pool *pgxpool.Pool
}

var _ leases.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.checkInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l, err := scanLease(name, s.pool.QueryRow(ctx, `
		INSERT INTO leases (name, owner, expires_at, created_at, updated_at)
		VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond', now(), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE leases.expires_at <= now()
		RETURNING owner, expires_at
	`, name, owner, ttlMillis(ttl)))
	if errors.Is(err, pgx.ErrNoRows) {
		// Held and unexpired.
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire: %w", err)
	}
	return l, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.checkInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l, err := scanLease(name, s.pool.QueryRow(ctx, `
		UPDATE leases
		SET expires_at = now() + $3::bigint * interval '1 millisecond',
			updated_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING owner, expires_at
	`, name, owner, ttlMillis(ttl)))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, name); gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return leases.Lease{}, false, leases.ErrNotOwner
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: %w", err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if err := s.check(); err != nil {
		return err
	}
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, gerr := s.Get(ctx, name)
	switch {
	case errors.Is(gerr, leases.ErrNotFound):
		return nil
	case gerr != nil:
		return gerr
	default:
		return leases.ErrNotOwner
	}
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if err := s.check(); err != nil {
		return leases.Lease{}, err
	}
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	l, err := scanLease(name, s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM leases WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}
	return l, nil
}

func (s *Store) check() error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return nil
}

func (s *Store) checkInput(name, owner string, ttl time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	if name == "" || owner == "" || ttl <= 0 {
		return leases.ErrInvalidInput
	}
	return nil
}

func scanLease(name string, row pgx.Row) (leases.Lease, error) {
	l := leases.Lease{Name: name}
	if err := row.Scan(&l.Owner, &l.ExpiresAt); err != nil {
		return leases.Lease{}, err
	}
	return l, nil
}

// ttlMillis rounds sub-millisecond TTLs up so a lease never expires on insert.
func ttlMillis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
