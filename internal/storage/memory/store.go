package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/smartpay/wallet-ledger/internal/interfaces"
	"github.com/smartpay/wallet-ledger/internal/models"
)

// Store is the in-memory implementation of both AccountStore and
// LedgerStore. Accounts are guarded by a per-account mutex map so transfers
// on unrelated accounts never contend; the ledger's entry slice and group
// maps share one store-level mutex. Entries are appended in chronological
// order, which EntriesByAccount and AllEntries rely on for
// timestamp-descending reads.
type Store struct {
	mu           sync.Mutex
	accounts     map[string]*models.Account
	reservations map[string]models.ReservationToken
	entries      []models.LedgerEntry
	groups       map[string]*models.TransferGroup
	keyIndex     map[string]string // idempotency key -> group id

	lockMu   sync.Mutex
	acctLock map[string]*sync.Mutex
}

func NewStore() *Store {
	return &Store{
		accounts:     make(map[string]*models.Account),
		reservations: make(map[string]models.ReservationToken),
		entries:      make([]models.LedgerEntry, 0),
		groups:       make(map[string]*models.TransferGroup),
		keyIndex:     make(map[string]string),
		acctLock:     make(map[string]*sync.Mutex),
	}
}

// accountLock returns the mutex guarding one account, creating it on first
// use.
func (s *Store) accountLock(accountID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if _, ok := s.acctLock[accountID]; !ok {
		s.acctLock[accountID] = &sync.Mutex{}
	}
	return s.acctLock[accountID]
}

func (s *Store) CreateAccount(ctx context.Context, acc models.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.ID]; ok {
		return models.ErrDuplicateKey
	}
	if acc.Status == "" {
		acc.Status = models.AccountActive
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	cp := acc
	s.accounts[acc.ID] = &cp
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	if err := ctx.Err(); err != nil {
		return models.Account{}, err
	}
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	acc, ok := s.accounts[accountID]
	s.mu.Unlock()
	if !ok {
		return models.Account{}, models.ErrNotFound
	}
	return *acc, nil
}

func (s *Store) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, int64, error) {
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return acc.Balance, acc.Version, nil
}

// Reserve places a hold on available funds. The check and the hold happen
// under the account's lock, so two racing reservations cannot both draw on
// the same funds.
func (s *Store) Reserve(ctx context.Context, accountID string, amount decimal.Decimal) (models.ReservationToken, error) {
	if err := ctx.Err(); err != nil {
		return models.ReservationToken{}, err
	}
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return models.ReservationToken{}, models.ErrNotFound
	}
	if acc.Balance.Sub(acc.Reserved).Cmp(amount) < 0 {
		return models.ReservationToken{}, models.ErrInsufficientFunds
	}
	token := models.ReservationToken{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
	acc.Reserved = acc.Reserved.Add(amount)
	s.reservations[token.ID] = token
	return token, nil
}

// Release drops a hold. Unknown or already consumed tokens are a no-op so
// failure paths can release unconditionally.
func (s *Store) Release(ctx context.Context, token models.ReservationToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.accountLock(token.AccountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[token.ID]; !ok {
		return nil
	}
	delete(s.reservations, token.ID)
	if acc, ok := s.accounts[token.AccountID]; ok {
		acc.Reserved = acc.Reserved.Sub(token.Amount)
	}
	return nil
}

// ApplyDelta is the compare-and-swap balance update. The version check,
// the balance change and the optional reservation consumption are one
// atomic step under the account's lock.
func (s *Store) ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal, expectedVersion int64, consume *models.ReservationToken) (int64, decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return 0, decimal.Zero, err
	}
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return 0, decimal.Zero, models.ErrNotFound
	}
	if acc.Version != expectedVersion {
		return 0, decimal.Zero, models.ErrVersionConflict
	}
	acc.Balance = acc.Balance.Add(delta)
	acc.Version++
	if consume != nil {
		if _, held := s.reservations[consume.ID]; held {
			delete(s.reservations, consume.ID)
			acc.Reserved = acc.Reserved.Sub(consume.Amount)
		}
	}
	return acc.Version, acc.Balance, nil
}

func (s *Store) SetStatus(ctx context.Context, accountID string, status models.AccountStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return models.ErrNotFound
	}
	acc.Status = status
	return nil
}

// AppendGroup registers the group under its idempotency key and appends
// its entries, all under one lock so a failure leaves nothing behind.
func (s *Store) AppendGroup(ctx context.Context, group models.TransferGroup, entries []models.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if group.IdempotencyKey != "" {
		if _, taken := s.keyIndex[group.IdempotencyKey]; taken {
			return models.ErrDuplicateKey
		}
	}
	if _, ok := s.groups[group.ID]; ok {
		return models.ErrDuplicateKey
	}
	cp := group
	s.groups[group.ID] = &cp
	if group.IdempotencyKey != "" {
		s.keyIndex[group.IdempotencyKey] = group.ID
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *Store) GroupByKey(ctx context.Context, idempotencyKey string) (models.TransferGroup, error) {
	if err := ctx.Err(); err != nil {
		return models.TransferGroup{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keyIndex[idempotencyKey]
	if !ok {
		return models.TransferGroup{}, models.ErrNotFound
	}
	return *s.groups[id], nil
}

func (s *Store) GroupByID(ctx context.Context, groupID string) (models.TransferGroup, error) {
	if err := ctx.Err(); err != nil {
		return models.TransferGroup{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return models.TransferGroup{}, models.ErrNotFound
	}
	return *g, nil
}

func (s *Store) EntriesByGroup(ctx context.Context, groupID string) ([]models.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.GroupID == groupID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) CompleteGroup(ctx context.Context, groupID string, balanceAfter map[string]decimal.Decimal) error {
	return s.transitionGroup(ctx, groupID, models.GroupPending, models.GroupCompleted, models.EntryCompleted, balanceAfter)
}

func (s *Store) FailGroup(ctx context.Context, groupID string) error {
	return s.transitionGroup(ctx, groupID, models.GroupPending, models.GroupFailed, models.EntryFailed, nil)
}

// ReverseGroup marks the group reversed. Its entries stay completed: the
// original movement stood and still counts toward balance reconstruction;
// the compensating group carries the offsetting entries.
func (s *Store) ReverseGroup(ctx context.Context, groupID string) error {
	return s.transitionGroup(ctx, groupID, models.GroupCompleted, models.GroupReversed, "", nil)
}

// transitionGroup moves a group and its entries from one status to the
// next in a single locked step, stamping running balances when provided.
// An empty entryStatus leaves the entries untouched; they are otherwise
// immutable.
func (s *Store) transitionGroup(ctx context.Context, groupID string, from, to models.GroupStatus, entryStatus models.EntryStatus, balanceAfter map[string]decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return models.ErrNotFound
	}
	if g.Status != from {
		return models.ErrInvalidOperation
	}
	g.Status = to
	if to == models.GroupCompleted {
		now := time.Now().UTC()
		g.CompletedAt = &now
	}
	if to == models.GroupFailed && g.IdempotencyKey != "" {
		// Nothing committed under this key; free it so a retry
		// re-executes instead of replaying the failure.
		delete(s.keyIndex, g.IdempotencyKey)
	}
	if entryStatus == "" {
		return nil
	}
	for i := range s.entries {
		if s.entries[i].GroupID != groupID {
			continue
		}
		s.entries[i].Status = entryStatus
		if balanceAfter != nil {
			if bal, ok := balanceAfter[s.entries[i].AccountID]; ok {
				s.entries[i].BalanceAfter = bal
			}
		}
	}
	return nil
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID string, filter models.HistoryFilter, limit int, after models.PageCursor) ([]models.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Appends are chronological, so walking backwards yields timestamp
	// descending.
	var out []models.LedgerEntry
	past := after.IsZero()
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.AccountID != accountID || !filter.Matches(e) {
			continue
		}
		if !past {
			if e.CreatedAt.Before(after.CreatedAt) ||
				(e.CreatedAt.Equal(after.CreatedAt) && e.ID < after.ID) {
				past = true
			} else {
				continue
			}
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) AllEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.LedgerEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *Store) ReconstructBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, e := range s.entries {
		if e.AccountID == accountID && e.Status == models.EntryCompleted {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

// Compile-time checks: Store implements both storage contracts.
var (
	_ interfaces.AccountStore = (*Store)(nil)
	_ interfaces.LedgerStore  = (*Store)(nil)
)
