package interfaces

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/smartpay/wallet-ledger/internal/models"
)

// AccountStore is the durable account-id -> balance mapping. Balances held
// here are a cache of the ledger; all mutation goes through the transfer
// engine.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc models.Account) error
	GetAccount(ctx context.Context, accountID string) (models.Account, error)
	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, int64, error)

	// Reserve atomically checks available funds and places a hold,
	// preventing double-spend from concurrent transfers on the same
	// account. Fails with ErrInsufficientFunds.
	Reserve(ctx context.Context, accountID string, amount decimal.Decimal) (models.ReservationToken, error)

	// Release aborts a reservation, restoring available balance. Releasing
	// an already consumed or unknown token is a no-op.
	Release(ctx context.Context, token models.ReservationToken) error

	// ApplyDelta is the version-checked balance update. A non-nil consume
	// token is consumed in the same atomic step, so a committed debit never
	// leaves its hold behind. Fails with ErrVersionConflict when
	// expectedVersion is stale; the caller re-reads and retries.
	ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal, expectedVersion int64, consume *models.ReservationToken) (newVersion int64, newBalance decimal.Decimal, err error)

	// SetStatus suspends, reactivates or closes an account. Accounts are
	// soft state: closed, never deleted.
	SetStatus(ctx context.Context, accountID string, status models.AccountStatus) error
}
