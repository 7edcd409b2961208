package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartpay/wallet-ledger/internal/models"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func newAccount(t *testing.T, s *Store, id, balance string) {
	t.Helper()
	err := s.CreateAccount(context.Background(), models.Account{
		ID:      id,
		Balance: dec(t, balance),
		Status:  models.AccountActive,
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestReserveHonorsAvailableBalance(t *testing.T) {
	s := NewStore()
	newAccount(t, s, "A", "100")
	ctx := context.Background()

	token, err := s.Reserve(ctx, "A", dec(t, "60"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// 40 available: a second hold of 60 must fail even though the balance
	// alone would cover it.
	if _, err := s.Reserve(ctx, "A", dec(t, "60")); !errors.Is(err, models.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	if err := s.Release(ctx, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.Reserve(ctx, "A", dec(t, "60")); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}

	if _, err := s.Reserve(ctx, "missing", dec(t, "1")); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestReleaseUnknownTokenIsNoop(t *testing.T) {
	s := NewStore()
	newAccount(t, s, "A", "100")
	err := s.Release(context.Background(), models.ReservationToken{ID: "ghost", AccountID: "A", Amount: dec(t, "10")})
	if err != nil {
		t.Fatalf("release unknown: %v", err)
	}
	acc, err := s.GetAccount(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Reserved.IsZero() {
		t.Fatalf("reserved=%s want 0", acc.Reserved)
	}
}

func TestApplyDeltaVersionCheck(t *testing.T) {
	s := NewStore()
	newAccount(t, s, "A", "100")
	ctx := context.Background()

	newVersion, newBalance, err := s.ApplyDelta(ctx, "A", dec(t, "-30"), 0, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if newVersion != 1 || !newBalance.Equal(dec(t, "70")) {
		t.Fatalf("got version=%d balance=%s want 1/70", newVersion, newBalance)
	}

	// Stale version must conflict without touching the balance.
	if _, _, err := s.ApplyDelta(ctx, "A", dec(t, "-30"), 0, nil); !errors.Is(err, models.ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
	bal, version, err := s.GetBalance(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 || !bal.Equal(dec(t, "70")) {
		t.Fatalf("state moved on conflict: version=%d balance=%s", version, bal)
	}

	if _, _, err := s.ApplyDelta(ctx, "missing", dec(t, "1"), 0, nil); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestApplyDeltaConsumesReservation(t *testing.T) {
	s := NewStore()
	newAccount(t, s, "A", "100")
	ctx := context.Background()

	token, err := s.Reserve(ctx, "A", dec(t, "40"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.ApplyDelta(ctx, "A", dec(t, "-40"), 0, &token); err != nil {
		t.Fatalf("apply with consume: %v", err)
	}
	acc, err := s.GetAccount(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Reserved.IsZero() {
		t.Fatalf("reserved=%s want 0 after consume", acc.Reserved)
	}
	if !acc.Balance.Equal(dec(t, "60")) {
		t.Fatalf("balance=%s want 60", acc.Balance)
	}
	// The consumed token no longer releases anything.
	if err := s.Release(ctx, token); err != nil {
		t.Fatal(err)
	}
	acc, _ = s.GetAccount(ctx, "A")
	if !acc.Reserved.IsZero() {
		t.Fatalf("reserved=%s want 0 after double release", acc.Reserved)
	}
}

func appendGroup(t *testing.T, s *Store, key string, entries ...models.LedgerEntry) models.TransferGroup {
	t.Helper()
	group := models.TransferGroup{
		ID:             "g-" + key,
		IdempotencyKey: key,
		Type:           models.EntryTransfer,
		Status:         models.GroupPending,
		CreatedAt:      time.Now().UTC(),
	}
	for i := range entries {
		entries[i].GroupID = group.ID
		entries[i].Status = models.EntryPending
	}
	if err := s.AppendGroup(context.Background(), group, entries); err != nil {
		t.Fatalf("append %s: %v", key, err)
	}
	return group
}

func TestAppendGroupDuplicateKey(t *testing.T) {
	s := NewStore()
	appendGroup(t, s, "dup", models.LedgerEntry{ID: "e1", AccountID: "A", Amount: dec(t, "1")})

	err := s.AppendGroup(context.Background(), models.TransferGroup{
		ID:             "other",
		IdempotencyKey: "dup",
		Status:         models.GroupPending,
	}, nil)
	if !errors.Is(err, models.ErrDuplicateKey) {
		t.Fatalf("want ErrDuplicateKey, got %v", err)
	}

	got, err := s.GroupByKey(context.Background(), "dup")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "g-dup" {
		t.Fatalf("key resolves to %s want g-dup", got.ID)
	}
}

func TestGroupTransitions(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	group := appendGroup(t, s, "t1",
		models.LedgerEntry{ID: "e1", AccountID: "A", Amount: dec(t, "-10")},
		models.LedgerEntry{ID: "e2", AccountID: "B", Amount: dec(t, "10")},
	)

	balances := map[string]decimal.Decimal{"A": dec(t, "90"), "B": dec(t, "10")}
	if err := s.CompleteGroup(ctx, group.ID, balances); err != nil {
		t.Fatalf("complete: %v", err)
	}
	entries, err := s.EntriesByGroup(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Status != models.EntryCompleted {
			t.Fatalf("entry %s status=%s want completed", e.ID, e.Status)
		}
		if !e.BalanceAfter.Equal(balances[e.AccountID]) {
			t.Fatalf("entry %s balance_after=%s want %s", e.ID, e.BalanceAfter, balances[e.AccountID])
		}
	}

	// Completed is terminal for completion and failure.
	if err := s.CompleteGroup(ctx, group.ID, balances); !errors.Is(err, models.ErrInvalidOperation) {
		t.Fatalf("double complete: want ErrInvalidOperation, got %v", err)
	}
	if err := s.FailGroup(ctx, group.ID); !errors.Is(err, models.ErrInvalidOperation) {
		t.Fatalf("fail completed: want ErrInvalidOperation, got %v", err)
	}

	// Reversal flips the group but leaves entries completed so balance
	// reconstruction still counts them.
	if err := s.ReverseGroup(ctx, group.ID); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	g, err := s.GroupByID(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if g.Status != models.GroupReversed {
		t.Fatalf("status=%s want reversed", g.Status)
	}
	entries, _ = s.EntriesByGroup(ctx, group.ID)
	for _, e := range entries {
		if e.Status != models.EntryCompleted {
			t.Fatalf("entry %s status=%s want completed after reverse", e.ID, e.Status)
		}
	}

	if err := s.FailGroup(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestFailGroupFreesIdempotencyKey(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	group := appendGroup(t, s, "retry", models.LedgerEntry{ID: "e1", AccountID: "A", Amount: dec(t, "5")})

	if err := s.FailGroup(ctx, group.ID); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := s.GroupByKey(ctx, "retry"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("failed group still holds key: %v", err)
	}

	// The key registers a fresh group now.
	err := s.AppendGroup(ctx, models.TransferGroup{
		ID:             "g-retry-2",
		IdempotencyKey: "retry",
		Type:           models.EntryTransfer,
		Status:         models.GroupPending,
		CreatedAt:      time.Now().UTC(),
	}, nil)
	if err != nil {
		t.Fatalf("reuse key after failure: %v", err)
	}
	got, err := s.GroupByKey(ctx, "retry")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "g-retry-2" {
		t.Fatalf("key resolves to %s want g-retry-2", got.ID)
	}
}

func TestEntriesByAccountOrderingAndWindow(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		group := models.TransferGroup{
			ID:        string(rune('a' + i)),
			Status:    models.GroupPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		entry := models.LedgerEntry{
			ID:        group.ID + "-e",
			AccountID: "A",
			Amount:    dec(t, "1"),
			Status:    models.EntryPending,
			Type:      models.EntryDeposit,
			CreatedAt: group.CreatedAt,
		}
		entry.GroupID = group.ID
		if err := s.AppendGroup(ctx, group, []models.LedgerEntry{entry}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.EntriesByAccount(ctx, "A", models.HistoryFilter{}, 2, models.PageCursor{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != "e-e" || entries[1].ID != "d-e" {
		t.Fatalf("first window unexpected: %+v", entries)
	}
	cursor := models.PageCursor{CreatedAt: entries[1].CreatedAt, ID: entries[1].ID}
	entries, err = s.EntriesByAccount(ctx, "A", models.HistoryFilter{}, 2, cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != "c-e" || entries[1].ID != "b-e" {
		t.Fatalf("second window unexpected: %+v", entries)
	}
	// Newest first throughout.
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.After(entries[i-1].CreatedAt) {
			t.Fatalf("entries not descending at %d", i)
		}
	}
}

func TestReconstructBalanceCountsCompletedOnly(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	g1 := appendGroup(t, s, "c1", models.LedgerEntry{ID: "e1", AccountID: "A", Amount: dec(t, "100")})
	appendGroup(t, s, "c2", models.LedgerEntry{ID: "e2", AccountID: "A", Amount: dec(t, "999")})

	if err := s.CompleteGroup(ctx, g1.ID, map[string]decimal.Decimal{"A": dec(t, "100")}); err != nil {
		t.Fatal(err)
	}
	// The second group stays pending and must not count.
	sum, err := s.ReconstructBalance(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Equal(dec(t, "100")) {
		t.Fatalf("sum=%s want 100", sum)
	}
}
