// Package ledger keeps native-currency balances for marketplace identities.
//
// Purchases move funds from the shopper's account into the marketplace escrow
// account; withdrawals move them from escrow to the store owner. Balances are
// int64 in the smallest currency unit and never go negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EscrowAccount holds funds credited to store owners but not yet withdrawn.
const EscrowAccount = "marketplace:escrow"

// TxKind classifies a ledger movement.
type TxKind string

const (
	TxGenesis    TxKind = "genesis"
	TxPurchase   TxKind = "purchase"
	TxWithdrawal TxKind = "withdrawal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrOverflow          = errors.New("balance overflow")
)

// Transaction is one side of a ledger movement as seen by a single account.
type Transaction struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Counterparty string    `json:"counterparty,omitempty"`
	Kind         TxKind    `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ledger is an in-memory account book. It is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]int64
	history  map[string][]Transaction
	total    int64
	now      func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[string]int64),
		history:  make(map[string][]Transaction),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Credit mints amount into account. It is used for genesis allocations only;
// the marketplace never creates currency.
func (l *Ledger) Credit(ctx context.Context, account string, amount int64, kind TxKind, ref string) error {
	if account == "" || amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balances[account]
	if bal > math.MaxInt64-amount || l.total > math.MaxInt64-amount {
		return ErrOverflow
	}
	l.balances[account] = bal + amount
	l.total += amount
	l.record(account, "", kind, amount, ref)
	return nil
}

// Transfer moves amount from one account to another atomically.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount int64, kind TxKind, ref string) error {
	if from == "" || to == "" || amount <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	available := l.balances[from]
	if amount > available {
		return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientFunds, available, amount)
	}
	if l.balances[to] > math.MaxInt64-amount {
		return ErrOverflow
	}
	l.balances[from] = available - amount
	l.balances[to] += amount
	l.record(from, to, kind, -amount, ref)
	l.record(to, from, kind, amount, ref)
	return nil
}

// record must be called with mu held.
func (l *Ledger) record(account, counterparty string, kind TxKind, amount int64, ref string) {
	l.history[account] = append(l.history[account], Transaction{
		ID:           uuid.NewString(),
		Account:      account,
		Counterparty: counterparty,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: l.balances[account],
		Reference:    ref,
		CreatedAt:    l.now(),
	})
}

// Balance returns the balance of account (zero if unknown).
func (l *Ledger) Balance(account string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// Total returns the sum of all balances. It only changes through Credit.
func (l *Ledger) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Sum recomputes the total from individual balances.
func (l *Ledger) Sum() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum int64
	for _, b := range l.balances {
		sum += b
	}
	return sum
}

// Accounts returns every known account name, sorted.
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.balances))
	for a := range l.balances {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// History returns up to limit of the most recent transactions for account,
// newest first. A limit <= 0 returns everything.
func (l *Ledger) History(account string, limit int) []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	txs := l.history[account]
	if limit <= 0 || limit > len(txs) {
		limit = len(txs)
	}
	out := make([]Transaction, 0, limit)
	for i := len(txs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, txs[i])
	}
	return out
}
