package models

import "errors"

// Domain errors shared by the engine and the stores. HTTP handlers map
// these to status codes; callers test them with errors.Is.
var (
	// ErrInvalidAmount rejects zero or negative amounts before any
	// storage is touched.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidOperation rejects structurally bad requests: same-account
	// transfers, operations on suspended or closed accounts, reversing a
	// group that is not a completed transfer.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrNotFound means the account or group does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds means the available balance cannot cover the
	// requested reservation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrVersionConflict is the optimistic-concurrency failure: the
	// expected account version was stale at write time. Retried
	// internally, never surfaced to callers.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrDuplicateKey means another group already holds the idempotency
	// key. The engine resolves it by replaying the existing group.
	ErrDuplicateKey = errors.New("idempotency key already registered")

	// ErrConflict surfaces when version-conflict retries are exhausted.
	ErrConflict = errors.New("transfer aborted after repeated conflicts")

	// ErrTimeout surfaces when a storage call exceeds its deadline. The
	// caller may retry; the engine does not.
	ErrTimeout = errors.New("storage operation timed out")

	// ErrStorage is a fatal write or read failure. No partial state
	// persists past it.
	ErrStorage = errors.New("storage failure")
)
