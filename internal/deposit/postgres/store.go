package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/deposit-router/internal/create2"
	"github.com/juno-intents/deposit-router/internal/deposit"
)

var ErrInvalidConfig = errors.New("deposit/postgres: invalid config")

const pgUniqueViolation = "23505"

const depositColumns = `
	id,
	user_address,
	nonce,
	salt,
	deposit_address,
	status,
	deploy_tx_hash,
	route_tx_hash,
	routed_amount_wei::text,
	created_at,
	updated_at
`

type Store struct {
	pool *pgxpool.Pool
}

var _ deposit.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("deposit/postgres: ensure schema: %w", err)
	}
	return nil
}

// AllocateNonce bumps the per-user counter and returns the pre-increment
// value. The row lock taken by the upsert serializes callers for the same
// user only.
func (s *Store) AllocateNonce(ctx context.Context, user [20]byte) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("deposit/postgres: begin allocate nonce: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var nonce int64
	err = tx.QueryRow(ctx, `
		INSERT INTO deposit_user_nonces (user_address, next_nonce, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (user_address) DO UPDATE
		SET next_nonce = deposit_user_nonces.next_nonce + 1, updated_at = now()
		RETURNING next_nonce - 1
	`, create2.FormatAddress(user)).Scan(&nonce)
	if err != nil {
		return 0, fmt.Errorf("deposit/postgres: allocate nonce: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("deposit/postgres: commit allocate nonce: %w", err)
	}
	if nonce < 0 {
		return 0, fmt.Errorf("deposit/postgres: negative nonce in db")
	}
	return uint64(nonce), nil
}

func (s *Store) Insert(ctx context.Context, d deposit.Deposit) (deposit.Deposit, error) {
	if s == nil || s.pool == nil {
		return deposit.Deposit{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if d.Nonce > math.MaxInt64 {
		return deposit.Deposit{}, fmt.Errorf("deposit/postgres: nonce too large")
	}
	status, err := d.Status.MarshalText()
	if err != nil {
		return deposit.Deposit{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO deposits (
			user_address,
			nonce,
			salt,
			deposit_address,
			status,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,now(),now())
		RETURNING `+depositColumns,
		create2.FormatAddress(d.User),
		int64(d.Nonce),
		d.Salt,
		create2.FormatAddress(d.Address),
		string(status),
	)
	out, err := scanDeposit(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return deposit.Deposit{}, fmt.Errorf("%w: %s", deposit.ErrAlreadyExists, pgErr.ConstraintName)
		}
		return deposit.Deposit{}, fmt.Errorf("deposit/postgres: insert: %w", err)
	}
	return out, nil
}

func (s *Store) GetByAddress(ctx context.Context, address [20]byte) (deposit.Deposit, error) {
	if s == nil || s.pool == nil {
		return deposit.Deposit{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE deposit_address = $1`,
		create2.FormatAddress(address))
	d, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deposit.Deposit{}, deposit.ErrNotFound
		}
		return deposit.Deposit{}, fmt.Errorf("deposit/postgres: get: %w", err)
	}
	return d, nil
}

func (s *Store) ListByUser(ctx context.Context, user [20]byte) ([]deposit.Deposit, error) {
	return s.list(ctx, "list by user", `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE user_address = $1
		ORDER BY nonce ASC
	`, create2.FormatAddress(user))
}

func (s *Store) ListAll(ctx context.Context, limit int) ([]deposit.Deposit, error) {
	if limit <= 0 {
		return s.list(ctx, "list all", `
			SELECT `+depositColumns+`
			FROM deposits
			ORDER BY created_at DESC, id DESC
		`)
	}
	return s.list(ctx, "list all", `
		SELECT `+depositColumns+`
		FROM deposits
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
}

func (s *Store) ListByStatuses(ctx context.Context, statuses ...deposit.Status) ([]deposit.Deposit, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		b, err := st.MarshalText()
		if err != nil {
			return nil, err
		}
		names = append(names, string(b))
	}
	return s.list(ctx, "list by statuses", `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE status = ANY($1)
		ORDER BY created_at ASC, id ASC
	`, names)
}

func (s *Store) UpdateStatus(ctx context.Context, address [20]byte, status deposit.Status) error {
	b, err := status.MarshalText()
	if err != nil {
		return err
	}
	return s.exec(ctx, "update status", `
		UPDATE deposits
		SET status = $2, updated_at = now()
		WHERE deposit_address = $1
	`, create2.FormatAddress(address), string(b))
}

func (s *Store) RecordDeployed(ctx context.Context, address [20]byte, txHash [32]byte) error {
	return s.exec(ctx, "record deployed", `
		UPDATE deposits
		SET status = 'deployed', deploy_tx_hash = $2, updated_at = now()
		WHERE deposit_address = $1
	`, create2.FormatAddress(address), create2.FormatBytes32(txHash))
}

func (s *Store) RecordRouted(ctx context.Context, address [20]byte, amountWei *big.Int, txHash [32]byte) error {
	if amountWei == nil || amountWei.Sign() < 0 {
		return fmt.Errorf("deposit/postgres: invalid routed amount")
	}
	return s.exec(ctx, "record routed", `
		UPDATE deposits
		SET status = 'routed', routed_amount_wei = $2::text::numeric, route_tx_hash = $3, updated_at = now()
		WHERE deposit_address = $1
	`, create2.FormatAddress(address), amountWei.String(), create2.FormatBytes32(txHash))
}

func (s *Store) exec(ctx context.Context, op string, sql string, args ...any) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("deposit/postgres: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return deposit.ErrNotFound
	}
	return nil
}

func (s *Store) list(ctx context.Context, op string, sql string, args ...any) ([]deposit.Deposit, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("deposit/postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []deposit.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("deposit/postgres: %s: %w", op, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deposit/postgres: %s rows: %w", op, err)
	}
	return out, nil
}

func scanDeposit(row pgx.Row) (deposit.Deposit, error) {
	var (
		d          deposit.Deposit
		userRaw    string
		nonce      int64
		addressRaw string
		statusRaw  string
		deployTx   *string
		routeTx    *string
		routedWei  *string
	)
	if err := row.Scan(
		&d.ID,
		&userRaw,
		&nonce,
		&d.Salt,
		&addressRaw,
		&statusRaw,
		&deployTx,
		&routeTx,
		&routedWei,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return deposit.Deposit{}, err
	}

	var err error
	if d.User, err = create2.ParseAddress(userRaw); err != nil {
		return deposit.Deposit{}, fmt.Errorf("user_address: %w", err)
	}
	if d.Address, err = create2.ParseAddress(addressRaw); err != nil {
		return deposit.Deposit{}, fmt.Errorf("deposit_address: %w", err)
	}
	if d.Status, err = deposit.ParseStatus(statusRaw); err != nil {
		return deposit.Deposit{}, err
	}
	if nonce < 0 {
		return deposit.Deposit{}, fmt.Errorf("negative nonce in db")
	}
	d.Nonce = uint64(nonce)

	if deployTx != nil {
		if d.DeployTxHash, err = create2.ParseBytes32(*deployTx); err != nil {
			return deposit.Deposit{}, fmt.Errorf("deploy_tx_hash: %w", err)
		}
	}
	if routeTx != nil {
		if d.RouteTxHash, err = create2.ParseBytes32(*routeTx); err != nil {
			return deposit.Deposit{}, fmt.Errorf("route_tx_hash: %w", err)
		}
	}
	if routedWei != nil {
		v, ok := new(big.Int).SetString(*routedWei, 10)
		if !ok {
			return deposit.Deposit{}, fmt.Errorf("routed_amount_wei: invalid numeric %q", *routedWei)
		}
		d.RoutedAmountWei = v
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}
