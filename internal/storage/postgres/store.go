package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/smartpay/wallet-ledger/internal/interfaces"
	"github.com/smartpay/wallet-ledger/internal/models"
)

const uniqueViolation = "23505"

// Store is the Postgres implementation of AccountStore and LedgerStore.
// Group appends and status transitions run inside one BEGIN/COMMIT so a
// write failure leaves no partial rows; balance updates are a
// compare-and-swap on the account's version column.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects, pings and migrates the database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return NewStore(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateAccount(ctx context.Context, acc models.Account) error {
	if acc.Status == "" {
		acc.Status = models.AccountActive
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO accounts (id, owner_id, balance, reserved, status, version, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query,
		acc.ID, acc.OwnerID, acc.Balance, acc.Reserved, acc.Status, acc.Version, acc.CreatedAt)
	if isUniqueViolation(err) {
		return models.ErrDuplicateKey
	}
	return storageErr(err)
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	const query = `SELECT id, owner_id, balance, reserved, status, version, created_at
	FROM accounts WHERE id = $1`
	var acc models.Account
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&acc.ID, &acc.OwnerID, &acc.Balance, &acc.Reserved, &acc.Status, &acc.Version, &acc.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Account{}, models.ErrNotFound
	}
	if err != nil {
		return models.Account{}, storageErr(err)
	}
	return acc, nil
}

func (s *Store) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, int64, error) {
	const query = `SELECT balance, version FROM accounts WHERE id = $1`
	var balance decimal.Decimal
	var version int64
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(&balance, &version)
	if err == sql.ErrNoRows {
		return decimal.Zero, 0, models.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, 0, storageErr(err)
	}
	return balance, version, nil
}

// Reserve holds funds with a conditional update: the row only changes when
// available balance covers the amount, so racing reservations cannot both
// succeed on the same funds.
func (s *Store) Reserve(ctx context.Context, accountID string, amount decimal.Decimal) (models.ReservationToken, error) {
	token := models.ReservationToken{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const hold = `UPDATE accounts SET reserved = reserved + $1
		WHERE id = $2 AND balance - reserved >= $1`
		res, err := tx.ExecContext(ctx, hold, amount, accountID)
		if err != nil {
			return storageErr(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr(err)
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
				return storageErr(err)
			}
			if !exists {
				return models.ErrNotFound
			}
			return models.ErrInsufficientFunds
		}
		const insert = `INSERT INTO reservations (id, account_id, amount, created_at)
		VALUES ($1, $2, $3, $4)`
		_, err = tx.ExecContext(ctx, insert, token.ID, token.AccountID, token.Amount, token.CreatedAt)
		return storageErr(err)
	})
	if err != nil {
		return models.ReservationToken{}, err
	}
	return token, nil
}

func (s *Store) Release(ctx context.Context, token models.ReservationToken) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return releaseReservation(ctx, tx, token.ID)
	})
}

// releaseReservation removes a hold inside an open transaction. Unknown
// tokens are a no-op.
func releaseReservation(ctx context.Context, tx *sql.Tx, tokenID string) error {
	var accountID string
	var amount decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`DELETE FROM reservations WHERE id = $1 RETURNING account_id, amount`, tokenID).
		Scan(&accountID, &amount)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return storageErr(err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET reserved = reserved - $1 WHERE id = $2`, amount, accountID)
	return storageErr(err)
}

// ApplyDelta compare-and-swaps the balance on the version column and, when
// a consume token is given, drops the reservation in the same transaction.
func (s *Store) ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal, expectedVersion int64, consume *models.ReservationToken) (int64, decimal.Decimal, error) {
	var newVersion int64
	var newBalance decimal.Decimal

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const cas = `UPDATE accounts SET balance = balance + $1, version = version + 1
		WHERE id = $2 AND version = $3
		RETURNING version, balance`
		err := tx.QueryRowContext(ctx, cas, delta, accountID, expectedVersion).
			Scan(&newVersion, &newBalance)
		if err == sql.ErrNoRows {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
				return storageErr(err)
			}
			if !exists {
				return models.ErrNotFound
			}
			return models.ErrVersionConflict
		}
		if err != nil {
			return storageErr(err)
		}
		if consume != nil {
			return releaseReservation(ctx, tx, consume.ID)
		}
		return nil
	})
	if err != nil {
		return 0, decimal.Zero, err
	}
	return newVersion, newBalance, nil
}

func (s *Store) SetStatus(ctx context.Context, accountID string, status models.AccountStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = $1 WHERE id = $2`, status, accountID)
	if err != nil {
		return storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Store) AppendGroup(ctx context.Context, group models.TransferGroup, entries []models.LedgerEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		const insertGroup = `INSERT INTO transfer_groups
		(id, idempotency_key, type, status, from_account, to_account, amount, reverses_group_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`
		_, err := tx.ExecContext(ctx, insertGroup,
			group.ID, group.IdempotencyKey, group.Type, group.Status,
			group.FromAccount, group.ToAccount, group.Amount, group.ReversesGroupID, group.CreatedAt)
		if isUniqueViolation(err) {
			return models.ErrDuplicateKey
		}
		if err != nil {
			return storageErr(err)
		}

		const insertEntry = `INSERT INTO ledger_entries
		(id, account_id, amount, balance_after, group_id, status, type, counterparty_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, insertEntry,
				e.ID, e.AccountID, e.Amount, e.BalanceAfter, e.GroupID,
				e.Status, e.Type, e.CounterpartyID, e.Description, e.CreatedAt); err != nil {
				return storageErr(err)
			}
		}
		return nil
	})
}

// GroupByKey resolves an idempotency key to its live group. Failed groups
// fall out of the key's unique index and out of this lookup, so a retried
// key re-executes.
func (s *Store) GroupByKey(ctx context.Context, idempotencyKey string) (models.TransferGroup, error) {
	return s.groupWhere(ctx, `idempotency_key = $1 AND status <> 'failed'`, idempotencyKey)
}

func (s *Store) GroupByID(ctx context.Context, groupID string) (models.TransferGroup, error) {
	return s.groupWhere(ctx, `id = $1`, groupID)
}

func (s *Store) groupWhere(ctx context.Context, cond string, arg any) (models.TransferGroup, error) {
	query := `SELECT id, idempotency_key, type, status, from_account, to_account, amount,
	COALESCE(reverses_group_id, ''), created_at, completed_at
	FROM transfer_groups WHERE ` + cond
	var g models.TransferGroup
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&g.ID, &g.IdempotencyKey, &g.Type, &g.Status, &g.FromAccount, &g.ToAccount,
		&g.Amount, &g.ReversesGroupID, &g.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return models.TransferGroup{}, models.ErrNotFound
	}
	if err != nil {
		return models.TransferGroup{}, storageErr(err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		g.CompletedAt = &t
	}
	return g, nil
}

func (s *Store) EntriesByGroup(ctx context.Context, groupID string) ([]models.LedgerEntry, error) {
	const query = `SELECT id, account_id, amount, balance_after, group_id, status, type,
	counterparty_id, description, created_at
	FROM ledger_entries WHERE group_id = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) CompleteGroup(ctx context.Context, groupID string, balanceAfter map[string]decimal.Decimal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := transitionGroup(ctx, tx, groupID, models.GroupPending, models.GroupCompleted); err != nil {
			return err
		}
		for accountID, balance := range balanceAfter {
			const stamp = `UPDATE ledger_entries SET status = $1, balance_after = $2
			WHERE group_id = $3 AND account_id = $4`
			if _, err := tx.ExecContext(ctx, stamp,
				models.EntryCompleted, balance, groupID, accountID); err != nil {
				return storageErr(err)
			}
		}
		return nil
	})
}

// FailGroup marks the group and its entries failed. The key index only
// covers non-failed groups, so the transition releases the idempotency key
// in the same write.
func (s *Store) FailGroup(ctx context.Context, groupID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := transitionGroup(ctx, tx, groupID, models.GroupPending, models.GroupFailed); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE ledger_entries SET status = $1 WHERE group_id = $2`,
			models.EntryFailed, groupID)
		return storageErr(err)
	})
}

// ReverseGroup flips only the group record; its entries stay completed and
// keep counting toward balance reconstruction.
func (s *Store) ReverseGroup(ctx context.Context, groupID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return transitionGroup(ctx, tx, groupID, models.GroupCompleted, models.GroupReversed)
	})
}

func transitionGroup(ctx context.Context, tx *sql.Tx, groupID string, from, to models.GroupStatus) error {
	var completedAt any
	if to == models.GroupCompleted {
		completedAt = time.Now().UTC()
	}
	const query = `UPDATE transfer_groups SET status = $1, completed_at = COALESCE($2::timestamptz, completed_at)
	WHERE id = $3 AND status = $4`
	res, err := tx.ExecContext(ctx, query, to, completedAt, groupID, from)
	if err != nil {
		return storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM transfer_groups WHERE id = $1)`, groupID).Scan(&exists); err != nil {
			return storageErr(err)
		}
		if !exists {
			return models.ErrNotFound
		}
		return models.ErrInvalidOperation
	}
	return nil
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID string, filter models.HistoryFilter, limit int, after models.PageCursor) ([]models.LedgerEntry, error) {
	query := `SELECT id, account_id, amount, balance_after, group_id, status, type,
	counterparty_id, description, created_at
	FROM ledger_entries WHERE account_id = $1`
	args := []any{accountID}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	if !after.IsZero() {
		args = append(args, after.CreatedAt, after.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) AllEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	const query = `SELECT id, account_id, amount, balance_after, group_id, status, type,
	counterparty_id, description, created_at
	FROM ledger_entries ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) ReconstructBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
	WHERE account_id = $1 AND status = $2`
	var sum decimal.Decimal
	if err := s.db.QueryRowContext(ctx, query, accountID, models.EntryCompleted).Scan(&sum); err != nil {
		return decimal.Zero, storageErr(err)
	}
	return sum, nil
}

func scanEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.BalanceAfter, &e.GroupID,
			&e.Status, &e.Type, &e.CounterpartyID, &e.Description, &e.CreatedAt); err != nil {
			return nil, storageErr(err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return entries, nil
}

// withTx runs fn inside a transaction, rolling back on any error so no
// partial writes survive.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// storageErr wraps driver failures as ErrStorage while letting context
// errors pass through for timeout mapping.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrStorage, err)
}

var (
	_ interfaces.AccountStore = (*Store)(nil)
	_ interfaces.LedgerStore  = (*Store)(nil)
)
