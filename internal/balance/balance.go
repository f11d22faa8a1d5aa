// Package balance keeps per-owner account balances for stakes and payouts.
package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pricesettle/pkg/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrUnknownMode         = errors.New("unknown balance mode")
)

const keyPrefix = "balance:"

// Service moves money for position opens and settlements.
type Service interface {
	// Debit fails with ErrInsufficientBalance and leaves the account unchanged
	// when available funds do not cover amount.
	Debit(ctx context.Context, owner string, amount decimal.Decimal) error
	Credit(ctx context.Context, owner string, amount decimal.Decimal) error
}

// Settler is implemented by services that hold stakes aside at open. Settle
// releases stake from the locked bucket and credits payout.
type Settler interface {
	Settle(ctx context.Context, owner string, stake, payout decimal.Decimal) error
}

type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeLocked    Mode = "locked"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSimulated, "":
		return ModeSimulated, nil
	case ModeLocked:
		return ModeLocked, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

type Balance struct {
	Owner     string          `json:"owner"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Accounts is the in-process balance service. Every mutation is written
// through to the store under balance:{owner}.
type Accounts struct {
	mode    Mode
	initial decimal.Decimal
	store   storage.Store
	logger  *zap.Logger

	mu       sync.Mutex
	accounts map[string]*Balance
}

var (
	_ Service = (*Accounts)(nil)
	_ Settler = (*Accounts)(nil)
)

// NewAccounts creates the service. Owners seen for the first time start with
// initial available funds. A nil store keeps balances in memory only.
func NewAccounts(mode Mode, initial decimal.Decimal, store storage.Store, logger *zap.Logger) *Accounts {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accounts{
		mode:     mode,
		initial:  initial,
		store:    store,
		logger:   logger,
		accounts: make(map[string]*Balance),
	}
}

func (a *Accounts) Mode() Mode {
	return a.mode
}

// account must be called with a.mu held.
func (a *Accounts) account(owner string) *Balance {
	b, ok := a.accounts[owner]
	if !ok {
		b = &Balance{Owner: owner, Available: a.initial, Locked: decimal.Zero}
		a.accounts[owner] = b
	}
	return b
}

func (a *Accounts) Debit(ctx context.Context, owner string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.account(owner)
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: owner %s has %s, needs %s", ErrInsufficientBalance, owner, b.Available, amount)
	}
	b.Available = b.Available.Sub(amount)
	if a.mode == ModeLocked {
		b.Locked = b.Locked.Add(amount)
	}
	a.persist(ctx, *b)
	return nil
}

// Credit adds amount to available funds. A zero credit is a no-op.
func (a *Accounts) Credit(ctx context.Context, owner string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.account(owner)
	b.Available = b.Available.Add(amount)
	a.persist(ctx, *b)
	return nil
}

func (a *Accounts) Settle(ctx context.Context, owner string, stake, payout decimal.Decimal) error {
	if stake.IsNegative() || payout.IsNegative() {
		return ErrInvalidAmount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.account(owner)
	if a.mode == ModeLocked {
		release := decimal.Min(stake, b.Locked)
		b.Locked = b.Locked.Sub(release)
	}
	b.Available = b.Available.Add(payout)
	a.persist(ctx, *b)
	return nil
}

// Deposit funds an account directly.
func (a *Accounts) Deposit(ctx context.Context, owner string, amount decimal.Decimal) (Balance, error) {
	if !amount.IsPositive() {
		return Balance{}, ErrInvalidAmount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.account(owner)
	b.Available = b.Available.Add(amount)
	a.persist(ctx, *b)
	return *b, nil
}

func (a *Accounts) Balance(owner string) Balance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.account(owner)
}

// persist must be called with a.mu held so writes for one owner land in order.
func (a *Accounts) persist(ctx context.Context, b Balance) {
	if a.store == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		a.logger.Warn("failed to encode balance", zap.String("owner", b.Owner), zap.Error(err))
		return
	}
	if err := a.store.Set(ctx, keyPrefix+b.Owner, data); err != nil {
		a.logger.Warn("failed to persist balance", zap.String("owner", b.Owner), zap.Error(err))
	}
}

// Restore loads persisted balances. Accounts already touched in memory win.
func (a *Accounts) Restore(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, nil
	}
	entries, err := a.store.GetByPrefix(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("restore balances: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	restored := 0
	for _, e := range entries {
		var b Balance
		if err := json.Unmarshal(e.Value, &b); err != nil {
			a.logger.Warn("skipping unreadable balance", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		b.Owner = strings.TrimPrefix(e.Key, keyPrefix)
		if _, ok := a.accounts[b.Owner]; ok {
			continue
		}
		a.accounts[b.Owner] = &b
		restored++
	}
	return restored, nil
}
