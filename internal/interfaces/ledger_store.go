package interfaces

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/smartpay/wallet-ledger/internal/models"
)

// LedgerStore is the append-only record of balance-affecting events and the
// source of truth for balance reconstruction and history.
type LedgerStore interface {
	// AppendGroup writes the group and its entries atomically, all or
	// nothing, and registers the group's idempotency key. A storage
	// failure leaves no partial writes.
	AppendGroup(ctx context.Context, group models.TransferGroup, entries []models.LedgerEntry) error

	// GroupByKey returns the group registered under an idempotency key,
	// or ErrNotFound. Failed groups hold no key.
	GroupByKey(ctx context.Context, idempotencyKey string) (models.TransferGroup, error)

	GroupByID(ctx context.Context, groupID string) (models.TransferGroup, error)

	// EntriesByGroup returns the entries of one group in append order.
	EntriesByGroup(ctx context.Context, groupID string) ([]models.LedgerEntry, error)

	// CompleteGroup transitions the group and its entries from pending to
	// completed and stamps each entry's running balance, as one atomic
	// write with no partial state.
	CompleteGroup(ctx context.Context, groupID string, balanceAfter map[string]decimal.Decimal) error

	// FailGroup marks a pending group and its entries failed and releases
	// the group's idempotency key: nothing committed, so a retry with the
	// same key must re-execute rather than replay the failure.
	FailGroup(ctx context.Context, groupID string) error

	// ReverseGroup marks a completed group reversed as the post-hoc record
	// of a compensating movement. The group's entries stay completed; the
	// original movement stood and still counts toward reconstruction.
	ReverseGroup(ctx context.Context, groupID string) error

	// EntriesByAccount returns the account's entries ordered by timestamp
	// descending, filtered, starting strictly after the cursor position.
	// A zero cursor starts at the newest entry.
	EntriesByAccount(ctx context.Context, accountID string, filter models.HistoryFilter, limit int, after models.PageCursor) ([]models.LedgerEntry, error)

	// AllEntries returns every ledger entry, newest first. Admin use only.
	AllEntries(ctx context.Context) ([]models.LedgerEntry, error)

	// ReconstructBalance sums the account's completed entries. Used to
	// audit the account store's cached balance; any divergence is an
	// integrity error.
	ReconstructBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
}
