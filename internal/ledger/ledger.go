// Package ledger manages user credit balances with atomic verify-and-debit
// semantics. Balances are 8-digit fixed-point decimals stored as strings;
// every successful debit appends exactly one transaction record in the same
// atomic unit as the balance write.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cybergolemai/gollem-lob/internal/store"
)

// ErrInsufficientCredits reports a debit that would drive the balance
// negative. The balance and transaction list are untouched.
var ErrInsufficientCredits = errors.New("ledger: insufficient credits")

// scale is the fixed-point precision of every balance and amount.
const scale = 8

// Transaction is one append-only debit record.
type Transaction struct {
	UserID       string `json:"user_id"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	ProviderID   string `json:"provider_id"`
	Timestamp    int64  `json:"timestamp"`
	Kind         string `json:"kind"`
}

// Ledger performs balance reads and atomic debits against the index store.
type Ledger struct {
	store *store.Client
	log   zerolog.Logger
	now   func() time.Time
}

// New creates a Ledger.
func New(st *store.Client, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store: st,
		log:   logger.With().Str("component", "ledger").Logger(),
		now:   time.Now,
	}
}

// Balance returns the user's current balance; absent users read as zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	raw, err := l.store.Get(ctx, store.BalanceKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt balance for %s: %w", userID, err)
	}
	return bal, nil
}

// Verify reports whether the user can afford required. A positive answer is
// advisory only; Debit re-checks under the store transaction.
func (l *Ledger) Verify(ctx context.Context, userID string, required decimal.Decimal) (bool, error) {
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal.Cmp(required) >= 0, nil
}

// Debit atomically subtracts amount from the user's balance and appends the
// transaction record. The new balance is truncated toward zero at 8 decimal
// places; a result below zero aborts with ErrInsufficientCredits and writes
// nothing. Concurrent debits against the same user serialize through the
// store's optimistic transaction.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, providerID string) (Transaction, error) {
	if amount.IsNegative() {
		return Transaction{}, fmt.Errorf("negative debit amount %s", amount)
	}

	balanceKey := store.BalanceKey(userID)
	txKey := store.TransactionsKey(userID)

	var record Transaction
	err := l.store.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, balanceKey).Result()
		if err == redis.Nil {
			raw = "0"
		} else if err != nil {
			return err
		}

		balance, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("corrupt balance for %s: %w", userID, err)
		}

		after := balance.Sub(amount).Truncate(scale)
		if after.IsNegative() {
			return ErrInsufficientCredits
		}

		record = Transaction{
			UserID:       userID,
			Amount:       amount.StringFixed(scale),
			BalanceAfter: after.StringFixed(scale),
			ProviderID:   providerID,
			Timestamp:    l.now().Unix(),
			Kind:         "debit",
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, balanceKey, record.BalanceAfter, 0)
			pipe.RPush(ctx, txKey, string(payload))
			return nil
		})
		return err
	}, balanceKey)

	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) || errors.Is(err, store.ErrUnavailable) {
			return Transaction{}, err
		}
		return Transaction{}, fmt.Errorf("%w: debit: %v", store.ErrUnavailable, err)
	}

	l.log.Debug().Str("user", userID).Str("amount", record.Amount).
		Str("balance_after", record.BalanceAfter).Str("provider", providerID).
		Msg("debit committed")
	return record, nil
}
