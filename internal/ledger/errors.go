package ledger

import "errors"

var (
	// ErrInsufficientCredits rejects a request whose estimated cost exceeds
	// the credits that are still available.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrPersistedStateCorrupt means the ledger record exists but cannot be
	// trusted. Startup must not continue with an unverified budget.
	ErrPersistedStateCorrupt = errors.New("persisted ledger state is corrupt")

	// ErrInvariantViolation signals a debit against an exhausted balance,
	// i.e. a caller skipped the affordability check.
	ErrInvariantViolation = errors.New("ledger invariant violated")
)
