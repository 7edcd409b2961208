package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryStatus follows pending -> completed | failed | reversed. Terminal
// states never transition again.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryReversed  EntryStatus = "reversed"
)

// EntryType classifies the movement an entry belongs to.
type EntryType string

const (
	EntryTransfer   EntryType = "transfer"
	EntryDeposit    EntryType = "deposit"
	EntryWithdrawal EntryType = "withdrawal"
)

// LedgerEntry is one immutable ledger record for an account. Amount is
// signed: positive credits, negative debits. After creation only the status
// may change, and BalanceAfter is stamped once on the pending -> completed
// transition together with the balance update it describes.
type LedgerEntry struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	GroupID        string          `json:"group_id"`
	Status         EntryStatus     `json:"status"`
	Type           EntryType       `json:"type"`
	CounterpartyID string          `json:"counterparty_id,omitempty"`
	Description    string          `json:"description,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PageCursor addresses a position in an account's timestamp-descending
// history: the created_at and id of the last entry already served. Entries
// are append-only, so a cursor keeps pointing at the same position even as
// new entries arrive at the head. A zero cursor starts from the newest
// entry.
type PageCursor struct {
	CreatedAt time.Time
	ID        string
}

func (c PageCursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// HistoryFilter narrows a history query. Zero values match everything.
type HistoryFilter struct {
	Type   EntryType
	Status EntryStatus
	From   time.Time
	To     time.Time
}

// Matches reports whether the entry passes the filter.
func (f HistoryFilter) Matches(e LedgerEntry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}
