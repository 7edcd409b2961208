package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of an account. Accounts are never
// deleted, only closed.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

// SystemAccountID is the synthetic counterparty for deposits and
// withdrawals. It carries no balance of its own.
const SystemAccountID = "SYSTEM"

// Account holds the cached balance for one wallet. The balance is a derived
// fact of the ledger: it must always equal the sum of the account's
// completed ledger entries. Version increments on every balance change and
// backs the optimistic concurrency check in ApplyDelta.
type Account struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"` // sum of outstanding reservations
	Status    AccountStatus   `json:"status"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
}

// Available is the balance a new reservation may draw on.
func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Reserved)
}

// ReservationToken marks a provisional hold on an account's funds, handed
// out by Reserve and consumed by the debit ApplyDelta or released on
// failure.
type ReservationToken struct {
	ID        string
	AccountID string
	Amount    decimal.Decimal
	CreatedAt time.Time
}
