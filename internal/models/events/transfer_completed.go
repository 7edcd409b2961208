package events

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransferCompleted struct {
	GroupID     string          `json:"group_id"`
	Type        string          `json:"type"`
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"`
	OccurredAt  time.Time       `json:"occurred_at"`
}
