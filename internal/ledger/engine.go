package ledger

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/smartpay/wallet-ledger/internal/interfaces"
	"github.com/smartpay/wallet-ledger/internal/models"
	"github.com/smartpay/wallet-ledger/internal/models/events"
)

// TopicTransferCompleted is the event topic published after every
// committed group.
const TopicTransferCompleted = "transfer_completed"

// Result is what every engine operation returns: the group, its terminal
// status and the balances as of the commit. Replayed idempotent calls
// return the balances stamped at the original commit, so retries observe
// identical results.
type Result struct {
	GroupID  string                     `json:"group_id"`
	Status   models.GroupStatus         `json:"status"`
	Balances map[string]decimal.Decimal `json:"balances"`
}

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	// StorageTimeout bounds every operation's storage work. Exceeding it
	// fails the operation with ErrTimeout and releases any reservation.
	StorageTimeout time.Duration

	// MaxRetries bounds version-conflict retries per balance update
	// before ErrConflict surfaces.
	MaxRetries int
}

const (
	defaultStorageTimeout = 5 * time.Second
	defaultMaxRetries     = 3
)

// Engine validates and atomically executes fund movements. It is the only
// writer of account balances and ledger entries; it is safe for concurrent
// use, relying on the account store's reservations and version-checked
// updates rather than global locking.
type Engine struct {
	accounts   interfaces.AccountStore
	ledger     interfaces.LedgerStore
	events     interfaces.EventPublisher
	timeout    time.Duration
	maxRetries int
}

func NewEngine(accounts interfaces.AccountStore, ledger interfaces.LedgerStore, publisher interfaces.EventPublisher, opts Options) *Engine {
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = defaultStorageTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Engine{
		accounts:   accounts,
		ledger:     ledger,
		events:     publisher,
		timeout:    opts.StorageTimeout,
		maxRetries: opts.MaxRetries,
	}
}

// Transfer moves amount from one account to another as a debit/credit pair
// under a single group. Pipeline: validate, idempotency lookup, reserve,
// append pending entries, apply both balance deltas with bounded
// version-conflict retries, complete. Any failure after the reservation
// releases it and marks the group failed; nothing partial survives.
func (e *Engine) Transfer(ctx context.Context, fromAccount, toAccount string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	if amount.Cmp(decimal.Zero) <= 0 {
		return Result{}, models.ErrInvalidAmount
	}
	if fromAccount == toAccount {
		return Result{}, models.ErrInvalidOperation
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if res, ok, err := e.replayByKey(ctx, idempotencyKey); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	if err := e.requireActive(ctx, fromAccount); err != nil {
		return Result{}, err
	}
	if err := e.requireActive(ctx, toAccount); err != nil {
		return Result{}, err
	}

	token, err := e.accounts.Reserve(ctx, fromAccount, amount)
	if err != nil {
		return Result{}, e.mapErr(ctx, err)
	}

	group := models.TransferGroup{
		ID:             uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		Type:           models.EntryTransfer,
		Status:         models.GroupPending,
		FromAccount:    fromAccount,
		ToAccount:      toAccount,
		Amount:         amount,
		CreatedAt:      time.Now().UTC(),
	}
	debit := models.LedgerEntry{
		ID:             group.ID + "-debit",
		AccountID:      fromAccount,
		Amount:         amount.Neg(),
		GroupID:        group.ID,
		Status:         models.EntryPending,
		Type:           models.EntryTransfer,
		CounterpartyID: toAccount,
		CreatedAt:      group.CreatedAt,
	}
	credit := models.LedgerEntry{
		ID:             group.ID + "-credit",
		AccountID:      toAccount,
		Amount:         amount,
		GroupID:        group.ID,
		Status:         models.EntryPending,
		Type:           models.EntryTransfer,
		CounterpartyID: fromAccount,
		CreatedAt:      group.CreatedAt,
	}

	if err := e.ledger.AppendGroup(ctx, group, []models.LedgerEntry{debit, credit}); err != nil {
		_ = e.accounts.Release(context.WithoutCancel(ctx), token)
		if errors.Is(err, models.ErrDuplicateKey) {
			// Lost the race against a concurrent request holding the same
			// key; its group is the result.
			if res, ok, rerr := e.replayByKey(ctx, idempotencyKey); rerr == nil && ok {
				return res, nil
			}
		}
		return Result{}, e.mapErr(ctx, err)
	}

	fromBalance, err := e.applyWithRetry(ctx, fromAccount, amount.Neg(), &token)
	if err != nil {
		e.abort(ctx, group.ID, &token)
		return Result{}, e.mapErr(ctx, err)
	}
	toBalance, err := e.applyWithRetry(ctx, toAccount, amount, nil)
	if err != nil {
		// The debit already committed and consumed the reservation;
		// put the funds back before failing the group.
		e.compensate(ctx, fromAccount, amount)
		e.abort(ctx, group.ID, nil)
		return Result{}, e.mapErr(ctx, err)
	}

	balances := map[string]decimal.Decimal{
		fromAccount: fromBalance,
		toAccount:   toBalance,
	}
	if err := e.ledger.CompleteGroup(ctx, group.ID, balances); err != nil {
		e.compensate(ctx, fromAccount, amount)
		e.compensate(ctx, toAccount, amount.Neg())
		e.abort(ctx, group.ID, nil)
		return Result{}, e.mapErr(ctx, err)
	}

	e.publish(group)
	return Result{GroupID: group.ID, Status: models.GroupCompleted, Balances: balances}, nil
}

// Deposit credits an account from the synthetic SYSTEM counterparty as a
// single-entry group. Deposits skip the reservation and the
// insufficient-funds check.
func (e *Engine) Deposit(ctx context.Context, account string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	return e.systemMovement(ctx, account, amount, idempotencyKey, models.EntryDeposit)
}

// Withdraw debits an account toward the SYSTEM counterparty, holding a
// reservation so concurrent withdrawals cannot overdraw.
func (e *Engine) Withdraw(ctx context.Context, account string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	return e.systemMovement(ctx, account, amount, idempotencyKey, models.EntryWithdrawal)
}

func (e *Engine) systemMovement(ctx context.Context, account string, amount decimal.Decimal, idempotencyKey string, typ models.EntryType) (Result, error) {
	if amount.Cmp(decimal.Zero) <= 0 {
		return Result{}, models.ErrInvalidAmount
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if res, ok, err := e.replayByKey(ctx, idempotencyKey); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	if err := e.requireActive(ctx, account); err != nil {
		return Result{}, err
	}

	var token *models.ReservationToken
	delta := amount
	from, to := models.SystemAccountID, account
	if typ == models.EntryWithdrawal {
		t, err := e.accounts.Reserve(ctx, account, amount)
		if err != nil {
			return Result{}, e.mapErr(ctx, err)
		}
		token = &t
		delta = amount.Neg()
		from, to = account, models.SystemAccountID
	}

	group := models.TransferGroup{
		ID:             uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		Type:           typ,
		Status:         models.GroupPending,
		FromAccount:    from,
		ToAccount:      to,
		Amount:         amount,
		CreatedAt:      time.Now().UTC(),
	}
	entry := models.LedgerEntry{
		ID:             group.ID + "-" + string(typ),
		AccountID:      account,
		Amount:         delta,
		GroupID:        group.ID,
		Status:         models.EntryPending,
		Type:           typ,
		CounterpartyID: models.SystemAccountID,
		CreatedAt:      group.CreatedAt,
	}

	if err := e.ledger.AppendGroup(ctx, group, []models.LedgerEntry{entry}); err != nil {
		if token != nil {
			_ = e.accounts.Release(context.WithoutCancel(ctx), *token)
		}
		if errors.Is(err, models.ErrDuplicateKey) {
			if res, ok, rerr := e.replayByKey(ctx, idempotencyKey); rerr == nil && ok {
				return res, nil
			}
		}
		return Result{}, e.mapErr(ctx, err)
	}

	balance, err := e.applyWithRetry(ctx, account, delta, token)
	if err != nil {
		e.abort(ctx, group.ID, token)
		return Result{}, e.mapErr(ctx, err)
	}

	balances := map[string]decimal.Decimal{account: balance}
	if err := e.ledger.CompleteGroup(ctx, group.ID, balances); err != nil {
		e.compensate(ctx, account, delta.Neg())
		e.abort(ctx, group.ID, nil)
		return Result{}, e.mapErr(ctx, err)
	}

	e.publish(group)
	return Result{GroupID: group.ID, Status: models.GroupCompleted, Balances: balances}, nil
}

// Reverse undoes a committed transfer with an explicit compensating group.
// It is the only way funds move back after a commit; there is no unilateral
// rollback. The original group transitions completed -> reversed.
func (e *Engine) Reverse(ctx context.Context, groupID, idempotencyKey string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if res, ok, err := e.replayByKey(ctx, idempotencyKey); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	orig, err := e.ledger.GroupByID(ctx, groupID)
	if err != nil {
		return Result{}, e.mapErr(ctx, err)
	}
	if orig.Status != models.GroupCompleted || orig.Type != models.EntryTransfer {
		return Result{}, models.ErrInvalidOperation
	}

	// Funds flow back recipient -> sender; the recipient must still have
	// them.
	if err := e.requireActive(ctx, orig.ToAccount); err != nil {
		return Result{}, err
	}
	if err := e.requireActive(ctx, orig.FromAccount); err != nil {
		return Result{}, err
	}

	token, err := e.accounts.Reserve(ctx, orig.ToAccount, orig.Amount)
	if err != nil {
		return Result{}, e.mapErr(ctx, err)
	}

	group := models.TransferGroup{
		ID:              uuid.New().String(),
		IdempotencyKey:  idempotencyKey,
		Type:            models.EntryTransfer,
		Status:          models.GroupPending,
		FromAccount:     orig.ToAccount,
		ToAccount:       orig.FromAccount,
		Amount:          orig.Amount,
		ReversesGroupID: orig.ID,
		CreatedAt:       time.Now().UTC(),
	}
	debit := models.LedgerEntry{
		ID:             group.ID + "-debit",
		AccountID:      orig.ToAccount,
		Amount:         orig.Amount.Neg(),
		GroupID:        group.ID,
		Status:         models.EntryPending,
		Type:           models.EntryTransfer,
		CounterpartyID: orig.FromAccount,
		Description:    "reversal of " + orig.ID,
		CreatedAt:      group.CreatedAt,
	}
	credit := models.LedgerEntry{
		ID:             group.ID + "-credit",
		AccountID:      orig.FromAccount,
		Amount:         orig.Amount,
		GroupID:        group.ID,
		Status:         models.EntryPending,
		Type:           models.EntryTransfer,
		CounterpartyID: orig.ToAccount,
		Description:    "reversal of " + orig.ID,
		CreatedAt:      group.CreatedAt,
	}

	if err := e.ledger.AppendGroup(ctx, group, []models.LedgerEntry{debit, credit}); err != nil {
		_ = e.accounts.Release(context.WithoutCancel(ctx), token)
		if errors.Is(err, models.ErrDuplicateKey) {
			if res, ok, rerr := e.replayByKey(ctx, idempotencyKey); rerr == nil && ok {
				return res, nil
			}
		}
		return Result{}, e.mapErr(ctx, err)
	}

	fromBalance, err := e.applyWithRetry(ctx, orig.ToAccount, orig.Amount.Neg(), &token)
	if err != nil {
		e.abort(ctx, group.ID, &token)
		return Result{}, e.mapErr(ctx, err)
	}
	toBalance, err := e.applyWithRetry(ctx, orig.FromAccount, orig.Amount, nil)
	if err != nil {
		e.compensate(ctx, orig.ToAccount, orig.Amount)
		e.abort(ctx, group.ID, nil)
		return Result{}, e.mapErr(ctx, err)
	}

	balances := map[string]decimal.Decimal{
		orig.ToAccount:   fromBalance,
		orig.FromAccount: toBalance,
	}
	if err := e.ledger.CompleteGroup(ctx, group.ID, balances); err != nil {
		e.compensate(ctx, orig.ToAccount, orig.Amount)
		e.compensate(ctx, orig.FromAccount, orig.Amount.Neg())
		e.abort(ctx, group.ID, nil)
		return Result{}, e.mapErr(ctx, err)
	}
	if err := e.ledger.ReverseGroup(ctx, orig.ID); err != nil {
		log.Printf("reverse: group %s committed but original %s not marked: %v", group.ID, orig.ID, err)
	}

	e.publish(group)
	return Result{GroupID: group.ID, Status: models.GroupCompleted, Balances: balances}, nil
}

// applyWithRetry performs the version-checked balance update, re-reading
// and retrying up to maxRetries times on ErrVersionConflict before giving
// up with ErrConflict.
func (e *Engine) applyWithRetry(ctx context.Context, accountID string, delta decimal.Decimal, consume *models.ReservationToken) (decimal.Decimal, error) {
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		_, version, err := e.accounts.GetBalance(ctx, accountID)
		if err != nil {
			return decimal.Zero, err
		}
		_, newBalance, err := e.accounts.ApplyDelta(ctx, accountID, delta, version, consume)
		if errors.Is(err, models.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return decimal.Zero, err
		}
		return newBalance, nil
	}
	return decimal.Zero, models.ErrConflict
}

// replayByKey resolves an idempotency key to its existing group, if any,
// and rebuilds that group's result from the balances stamped on its
// entries. The second return is false when the key is unused.
func (e *Engine) replayByKey(ctx context.Context, idempotencyKey string) (Result, bool, error) {
	if idempotencyKey == "" {
		return Result{}, false, nil
	}
	group, err := e.ledger.GroupByKey(ctx, idempotencyKey)
	if errors.Is(err, models.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, e.mapErr(ctx, err)
	}

	entries, err := e.ledger.EntriesByGroup(ctx, group.ID)
	if err != nil {
		return Result{}, false, e.mapErr(ctx, err)
	}
	balances := make(map[string]decimal.Decimal)
	for _, entry := range entries {
		if entry.Status == models.EntryCompleted || entry.Status == models.EntryReversed {
			balances[entry.AccountID] = entry.BalanceAfter
		}
	}
	return Result{GroupID: group.ID, Status: group.Status, Balances: balances}, true, nil
}

// abort releases the reservation (when still held) and fails the group.
// It runs on a context detached from the caller's so that a cancelled
// request still leaves the ledger consistent.
func (e *Engine) abort(ctx context.Context, groupID string, token *models.ReservationToken) {
	ctx = context.WithoutCancel(ctx)
	if token != nil {
		if err := e.accounts.Release(ctx, *token); err != nil {
			log.Printf("abort: release reservation for group %s: %v", groupID, err)
		}
	}
	if err := e.ledger.FailGroup(ctx, groupID); err != nil {
		log.Printf("abort: mark group %s failed: %v", groupID, err)
	}
}

// compensate re-applies a delta that must not stand, retrying past
// conflicts. Compensation has no funds check: it restores money that was
// just moved.
func (e *Engine) compensate(ctx context.Context, accountID string, delta decimal.Decimal) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.applyWithRetry(ctx, accountID, delta, nil); err != nil {
		log.Printf("compensate: account %s delta %s: %v", accountID, delta.String(), err)
	}
}

func (e *Engine) requireActive(ctx context.Context, accountID string) error {
	acc, err := e.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return e.mapErr(ctx, err)
	}
	if acc.Status != models.AccountActive {
		return models.ErrInvalidOperation
	}
	return nil
}

// mapErr translates a storage deadline into the Timeout error kind;
// everything else passes through.
func (e *Engine) mapErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.ErrTimeout
	}
	return err
}

// publish emits the completion event best-effort; eventing never fails a
// committed movement.
func (e *Engine) publish(group models.TransferGroup) {
	if e.events == nil {
		return
	}
	event := events.TransferCompleted{
		GroupID:     group.ID,
		Type:        string(group.Type),
		FromAccount: group.FromAccount,
		ToAccount:   group.ToAccount,
		Amount:      group.Amount,
		OccurredAt:  time.Now().UTC(),
	}
	if err := e.events.Publish(TopicTransferCompleted, event); err != nil {
		log.Printf("publish %s for group %s: %v", TopicTransferCompleted, group.ID, err)
	}
}
