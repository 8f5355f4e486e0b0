// Package ledger tracks the global credit budget for model usage.
//
// The balance is loaded once at startup and persisted after every debit.
// It never goes below zero: affordability is checked against an estimate
// before any remote call is made, and the actual usage reported by the model
// is debited afterwards.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/chatrelay/internal/store"
)

// Ledger is the durable credit counter shared by all chats.
type Ledger struct {
	mu        sync.Mutex
	repo      store.Repository
	remaining int64
	reserved  int64
	logger    *slog.Logger
}

// Load reads the persisted balance from repo. When no record exists yet it is
// created with initialCredits and written immediately.
func Load(ctx context.Context, repo store.Repository, initialCredits uint64, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	credits, found, err := repo.LoadCredits(ctx)
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			return nil, fmt.Errorf("%w: %w", ErrPersistedStateCorrupt, err)
		}
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	if found && credits < 0 {
		return nil, fmt.Errorf("%w: negative balance %d", ErrPersistedStateCorrupt, credits)
	}

	if !found {
		credits = int64(initialCredits)
		if err := repo.SaveCredits(ctx, credits); err != nil {
			return nil, fmt.Errorf("create ledger: %w", err)
		}
		logger.Info("Ledger created", "credits_remaining", credits)
	} else {
		logger.Info("Ledger loaded", "credits_remaining", credits)
	}

	return &Ledger{
		repo:      repo,
		remaining: credits,
		logger:    logger,
	}, nil
}

// Remaining returns the persisted balance.
func (l *Ledger) Remaining() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}

// Available returns the balance minus credits held by open reservations.
func (l *Ledger) Available() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining - l.reserved
}

// IsAffordable reports whether estimate can be spent without driving the
// balance negative. It does not mutate the ledger.
func (l *Ledger) IsAffordable(estimate uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining-l.reserved >= int64(estimate)
}

// Debit subtracts actual from the balance and persists the result before
// returning. Callers must have checked IsAffordable first; debiting an
// exhausted balance returns ErrInvariantViolation.
func (l *Ledger) Debit(ctx context.Context, actual uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debitLocked(ctx, actual)
}

func (l *Ledger) debitLocked(ctx context.Context, actual uint64) error {
	if l.remaining <= 0 {
		return fmt.Errorf("%w: debit of %d with balance %d", ErrInvariantViolation, actual, l.remaining)
	}
	return l.settleLocked(ctx, actual)
}

// settleLocked persists remaining-actual, clamped at zero.
func (l *Ledger) settleLocked(ctx context.Context, actual uint64) error {
	next := l.remaining - int64(actual)
	if next < 0 {
		l.logger.Warn("Actual usage exceeded remaining credits, clamping to zero",
			"credits_remaining", l.remaining,
			"actual_cost", actual)
		next = 0
	}

	if err := l.repo.SaveCredits(ctx, next); err != nil {
		return fmt.Errorf("persist debit: %w", err)
	}
	l.remaining = next
	return nil
}

// Reservation holds an estimated cost against the ledger between the
// affordability check and the debit, so concurrent chats cannot both spend
// the same credits.
type Reservation struct {
	ledger *Ledger
	amount int64
	done   bool
}

// Reserve holds estimate against the available balance. It fails with
// ErrInsufficientCredits when the estimate is not affordable or nothing is
// available.
func (l *Ledger) Reserve(estimate uint64) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	available := l.remaining - l.reserved
	if available <= 0 || available < int64(estimate) {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, estimate, available)
	}
	l.reserved += int64(estimate)
	return &Reservation{ledger: l, amount: int64(estimate)}, nil
}

// Amount returns the reserved estimate.
func (r *Reservation) Amount() int64 {
	return r.amount
}

// Commit releases the hold and debits the actual usage. The debit is
// persisted even if ctx has been cancelled, since the credits were spent.
// The reservation was granted against a positive balance, so a commit that
// lands after another chat's overrun drained it clamps at zero instead of
// failing.
func (r *Reservation) Commit(ctx context.Context, actual uint64) error {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.done {
		return errors.New("reservation already settled")
	}
	r.done = true
	l.reserved -= r.amount
	return l.settleLocked(context.WithoutCancel(ctx), actual)
}

// Release drops the hold without debiting. Releasing a settled reservation
// is a no-op.
func (r *Reservation) Release() {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.done {
		return
	}
	r.done = true
	l.reserved -= r.amount
}
