package query

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartpay/wallet-ledger/internal/interfaces"
	"github.com/smartpay/wallet-ledger/internal/models"
)

// Service is the read side: per-account history pages and admin-facing
// aggregates derived from the ledger. It never mutates state and never
// blocks a transfer; aggregates may lag, balances never do.
type Service struct {
	ledger   interfaces.LedgerStore
	accounts interfaces.AccountStore
	pageSize int
}

const defaultPageSize = 20

func NewService(ledger interfaces.LedgerStore, accounts interfaces.AccountStore, pageSize int) *Service {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Service{ledger: ledger, accounts: accounts, pageSize: pageSize}
}

// HistoryPage is one window of an account's ledger, newest first.
// NextPageToken is empty on the last page.
type HistoryPage struct {
	Entries       []models.LedgerEntry `json:"entries"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

// History returns a page of the account's entries matching the filter,
// restartable from pageToken.
func (s *Service) History(ctx context.Context, accountID string, filter models.HistoryFilter, pageToken string) (HistoryPage, error) {
	if _, err := s.accounts.GetAccount(ctx, accountID); err != nil {
		return HistoryPage{}, err
	}
	cursor, err := decodePageToken(pageToken)
	if err != nil {
		return HistoryPage{}, err
	}

	// Fetch one extra row to learn whether another page exists.
	entries, err := s.ledger.EntriesByAccount(ctx, accountID, filter, s.pageSize+1, cursor)
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{Entries: entries}
	if len(entries) > s.pageSize {
		page.Entries = entries[:s.pageSize]
		last := page.Entries[len(page.Entries)-1]
		page.NextPageToken = encodePageToken(models.PageCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Entries == nil {
		page.Entries = []models.LedgerEntry{}
	}
	return page, nil
}

// Stats are the admin dashboard aggregates, computed by scanning the
// ledger. Serving slightly stale numbers is acceptable here.
type Stats struct {
	TotalVolume    decimal.Decimal `json:"total_volume"`
	CountsByStatus map[string]int  `json:"counts_by_status"`
	CountsByType   map[string]int  `json:"counts_by_type"`
	EntryCount     int             `json:"entry_count"`
	AccountCount   int             `json:"account_count"`
}

// Stats aggregates the whole ledger. TotalVolume sums completed credits so
// each transfer counts its amount once rather than twice.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.ledger.AllEntries(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		TotalVolume:    decimal.Zero,
		CountsByStatus: make(map[string]int),
		CountsByType:   make(map[string]int),
		EntryCount:     len(entries),
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		stats.CountsByStatus[string(e.Status)]++
		stats.CountsByType[string(e.Type)]++
		if e.Status == models.EntryCompleted && e.Amount.Cmp(decimal.Zero) > 0 {
			stats.TotalVolume = stats.TotalVolume.Add(e.Amount)
		}
		if _, ok := seen[e.AccountID]; !ok {
			seen[e.AccountID] = struct{}{}
			stats.AccountCount++
		}
	}
	return stats, nil
}

// AuditReport compares an account's cached balance against the sum of its
// completed ledger entries. Divergence with no in-flight transfers is an
// integrity error.
type AuditReport struct {
	AccountID     string          `json:"account_id"`
	CachedBalance decimal.Decimal `json:"cached_balance"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Consistent    bool            `json:"consistent"`
}

func (s *Service) Audit(ctx context.Context, accountID string) (AuditReport, error) {
	cached, _, err := s.accounts.GetBalance(ctx, accountID)
	if err != nil {
		return AuditReport{}, err
	}
	reconstructed, err := s.ledger.ReconstructBalance(ctx, accountID)
	if err != nil {
		return AuditReport{}, err
	}
	return AuditReport{
		AccountID:     accountID,
		CachedBalance: cached,
		LedgerBalance: reconstructed,
		Consistent:    cached.Equal(reconstructed),
	}, nil
}

// Page tokens are opaque base64 keyset cursors pinned to the last served
// entry, so a resumed page neither repeats nor skips rows when new entries
// arrive at the head.
func encodePageToken(c models.PageCursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodePageToken(token string) (models.PageCursor, error) {
	if token == "" {
		return models.PageCursor{}, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return models.PageCursor{}, fmt.Errorf("%w: bad page token", models.ErrInvalidOperation)
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return models.PageCursor{}, fmt.Errorf("%w: bad page token", models.ErrInvalidOperation)
	}
	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil || id == "" {
		return models.PageCursor{}, fmt.Errorf("%w: bad page token", models.ErrInvalidOperation)
	}
	return models.PageCursor{CreatedAt: ts, ID: id}, nil
}
