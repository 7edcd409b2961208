package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// GroupStatus mirrors the transfer state machine's terminal and in-flight
// states as persisted with the group.
type GroupStatus string

const (
	GroupPending   GroupStatus = "pending"
	GroupCompleted GroupStatus = "completed"
	GroupFailed    GroupStatus = "failed"
	GroupReversed  GroupStatus = "reversed"
)

// TransferGroup is one logical fund movement. A transfer carries two linked
// entries whose amounts negate each other; a deposit or withdrawal carries a
// single entry against the SYSTEM account. The idempotency key is unique
// across groups and makes client retries safe.
type TransferGroup struct {
	ID              string          `json:"id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Type            EntryType       `json:"type"`
	Status          GroupStatus     `json:"status"`
	FromAccount     string          `json:"from_account"`
	ToAccount       string          `json:"to_account"`
	Amount          decimal.Decimal `json:"amount"`
	ReversesGroupID string          `json:"reverses_group_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}
