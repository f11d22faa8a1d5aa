// Package ledger opens binary positions and settles each one exactly once at
// expiry.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pricesettle/internal/balance"
	"pricesettle/internal/clock"
	"pricesettle/internal/events"
	"pricesettle/internal/metrics"
	"pricesettle/internal/price"
	"pricesettle/pkg/storage"
	"pricesettle/pkg/symbol"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	keyPrefix                = "position:"
	defaultScanInterval      = 500 * time.Millisecond
	defaultSettleConcurrency = 8
)

// PriceSource resolves entry and exit prices.
type PriceSource interface {
	Resolve(ctx context.Context, symbol string) price.Sample
	Latest(symbol string) (price.Sample, bool)
}

// PayoutRates supplies the configured payout for a symbol.
type PayoutRates interface {
	PayoutRate(ctx context.Context, symbol string) decimal.Decimal
}

type Options struct {
	ScanInterval      time.Duration
	SettleConcurrency int
	Clock             clock.Clock
	Store             storage.Store
	Publisher         events.Publisher
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

type Ledger struct {
	prices    PriceSource
	balances  balance.Service
	payouts   PayoutRates
	clock     clock.Clock
	store     storage.Store
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics

	scanInterval      time.Duration
	settleConcurrency int

	mu        sync.RWMutex
	positions map[string]*entry
	byOwner   map[string][]*entry

	scanMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// entry guards one position. Only the settlement transition takes mu for
// longer than a copy.
type entry struct {
	mu  sync.Mutex
	pos Position
}

func (e *entry) snapshot() Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func New(prices PriceSource, balances balance.Service, payouts PayoutRates, opts Options) *Ledger {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = defaultScanInterval
	}
	if opts.SettleConcurrency <= 0 {
		opts.SettleConcurrency = defaultSettleConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Ledger{
		prices:            prices,
		balances:          balances,
		payouts:           payouts,
		clock:             opts.Clock,
		store:             opts.Store,
		publisher:         opts.Publisher,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		scanInterval:      opts.ScanInterval,
		settleConcurrency: opts.SettleConcurrency,
		positions:         make(map[string]*entry),
		byOwner:           make(map[string][]*entry),
	}
}

// Open validates the request, prices it, debits the stake and records the
// position. Nothing is recorded unless the debit succeeded.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (Position, error) {
	dir, err := req.validate()
	if err != nil {
		l.metrics.PositionRejected("invalid")
		return Position{}, err
	}
	sym := symbol.Normalize(req.Symbol)

	payout := req.PayoutRatePercent
	if !payout.IsPositive() {
		payout = l.payouts.PayoutRate(ctx, sym)
	}

	s := l.prices.Resolve(ctx, sym)
	if !s.Valid() {
		l.metrics.PositionRejected("no_price")
		return Position{}, price.ErrNoPriceAvailable
	}

	if err := l.balances.Debit(ctx, req.OwnerID, req.Stake); err != nil {
		reason := "balance"
		if errors.Is(err, balance.ErrInsufficientBalance) {
			reason = "insufficient_balance"
		}
		l.metrics.PositionRejected(reason)
		return Position{}, fmt.Errorf("debit stake: %w", err)
	}

	now := l.clock.Now()
	pos := Position{
		ID:                uuid.NewString(),
		OwnerID:           req.OwnerID,
		Symbol:            sym,
		Direction:         dir,
		Stake:             req.Stake,
		EntryPrice:        s.Price,
		PayoutRatePercent: payout,
		OpenedAt:          now,
		ExpiresAt:         now.Add(time.Duration(req.DurationSeconds) * time.Second),
		Status:            StatusOpen,
		Profit:            decimal.Zero,
		Return:            decimal.Zero,
	}

	e := &entry{pos: pos}
	l.mu.Lock()
	l.positions[pos.ID] = e
	l.byOwner[pos.OwnerID] = append(l.byOwner[pos.OwnerID], e)
	l.mu.Unlock()

	l.persist(ctx, pos)
	l.metrics.PositionOpened()
	l.logger.Info("position opened",
		zap.String("id", pos.ID),
		zap.String("owner", pos.OwnerID),
		zap.String("symbol", pos.Symbol),
		zap.String("direction", string(pos.Direction)),
		zap.String("stake", pos.Stake.String()),
		zap.Float64("entry", pos.EntryPrice),
		zap.String("source", string(s.Source)),
		zap.Time("expires_at", pos.ExpiresAt),
	)
	return pos, nil
}

// Settle closes a due position. Settling a closed position returns it
// unchanged with a nil error.
func (l *Ledger) Settle(ctx context.Context, id string) (Position, error) {
	pos, _, err := l.settle(ctx, id)
	return pos, err
}

func (l *Ledger) settle(ctx context.Context, id string) (Position, bool, error) {
	e, ok := l.entry(id)
	if !ok {
		return Position{}, false, ErrPositionNotFound
	}

	pos := e.snapshot()
	if !pos.IsOpen() {
		l.guardTripped(pos)
		return pos, false, nil
	}
	if !pos.Due(l.clock.Now()) {
		return pos, false, ErrNotExpired
	}

	// price outside the lock; the lock covers only the transition
	exit, err := l.exitPrice(ctx, pos.Symbol)
	if err != nil {
		return pos, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.pos.IsOpen() {
		l.guardTripped(e.pos)
		return e.pos, false, nil
	}

	out := Evaluate(e.pos.Direction, e.pos.EntryPrice, exit, e.pos.Stake, e.pos.PayoutRatePercent)
	if err := l.payOut(ctx, e.pos, out); err != nil {
		l.logger.Error("settlement credit failed, position stays open",
			zap.String("id", e.pos.ID), zap.String("owner", e.pos.OwnerID), zap.Error(err))
		return e.pos, false, fmt.Errorf("credit return: %w", err)
	}

	closedAt := l.clock.Now()
	e.pos.Status = StatusClosed
	e.pos.ExitPrice = exit
	e.pos.Result = out.Result
	e.pos.Profit = out.Profit
	e.pos.Return = out.Return
	e.pos.ClosedAt = &closedAt
	closed := e.pos

	l.persist(ctx, closed)
	l.metrics.PositionSettled(string(out.Result))
	l.publish(ctx, closed)
	l.logger.Info("position settled",
		zap.String("id", closed.ID),
		zap.String("owner", closed.OwnerID),
		zap.String("symbol", closed.Symbol),
		zap.String("result", string(closed.Result)),
		zap.Float64("entry", closed.EntryPrice),
		zap.Float64("exit", closed.ExitPrice),
		zap.String("profit", closed.Profit.String()),
	)
	return closed, true, nil
}

func (l *Ledger) guardTripped(pos Position) {
	l.metrics.SettleGuardTripped()
	l.logger.Debug("settle skipped", zap.String("id", pos.ID), zap.Error(ErrAlreadySettled))
}

// exitPrice prefers a fresh resolve and falls back to the cached sample.
func (l *Ledger) exitPrice(ctx context.Context, sym string) (float64, error) {
	if s := l.prices.Resolve(ctx, sym); s.Valid() {
		return s.Price, nil
	}
	if s, ok := l.prices.Latest(sym); ok && s.Valid() {
		return s.Price, nil
	}
	return 0, price.ErrNoPriceAvailable
}

func (l *Ledger) payOut(ctx context.Context, pos Position, out Outcome) error {
	if s, ok := l.balances.(balance.Settler); ok {
		return s.Settle(ctx, pos.OwnerID, pos.Stake, out.Return)
	}
	return l.balances.Credit(ctx, pos.OwnerID, out.Return)
}

// CheckExpired settles every due position with bounded concurrency and
// returns how many it closed.
func (l *Ledger) CheckExpired(ctx context.Context) int {
	now := l.clock.Now()

	var due []string
	for _, e := range l.entries() {
		if p := e.snapshot(); p.Due(now) {
			due = append(due, p.ID)
		}
	}

	if len(due) == 0 {
		return 0
	}

	var settled atomic.Int64
	p := pool.New().WithMaxGoroutines(l.settleConcurrency)
	for _, id := range due {
		p.Go(func() {
			_, ok, err := l.settle(ctx, id)
			if err != nil {
				l.logger.Warn("failed to settle expired position", zap.String("id", id), zap.Error(err))
				return
			}
			if ok {
				settled.Add(1)
			}
		})
	}
	p.Wait()

	n := int(settled.Load())
	if n > 0 {
		l.logger.Debug("expiry scan settled positions", zap.Int("settled", n), zap.Int("due", len(due)))
	}
	return n
}

func (l *Ledger) entries() []*entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*entry, 0, len(l.positions))
	for _, e := range l.positions {
		out = append(out, e)
	}
	return out
}

func (l *Ledger) entry(id string) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.positions[id]
	return e, ok
}

// Get returns a copy of the position.
func (l *Ledger) Get(id string) (Position, error) {
	e, ok := l.entry(id)
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	return e.snapshot(), nil
}

// ListOpen returns the owner's open positions, oldest first.
func (l *Ledger) ListOpen(owner string) []Position {
	return l.list(owner, StatusOpen)
}

// ListClosed returns the owner's settled positions, oldest first.
func (l *Ledger) ListClosed(owner string) []Position {
	return l.list(owner, StatusClosed)
}

func (l *Ledger) list(owner string, status Status) []Position {
	l.mu.RLock()
	entries := append([]*entry(nil), l.byOwner[owner]...)
	l.mu.RUnlock()

	out := make([]Position, 0, len(entries))
	for _, e := range entries {
		if p := e.snapshot(); p.Status == status {
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Stats folds the owner's closed positions on every call.
func (l *Ledger) Stats(owner string) Stats {
	return Fold(l.ListClosed(owner))
}

func positionKey(owner, id string) string {
	return keyPrefix + owner + ":" + id
}

func (l *Ledger) persist(ctx context.Context, pos Position) {
	if l.store == nil {
		return
	}
	data, err := json.Marshal(pos)
	if err != nil {
		l.logger.Warn("failed to encode position", zap.String("id", pos.ID), zap.Error(err))
		return
	}
	if err := l.store.Set(ctx, positionKey(pos.OwnerID, pos.ID), data); err != nil {
		l.logger.Warn("failed to persist position", zap.String("id", pos.ID), zap.Error(err))
	}
}

func (l *Ledger) publish(ctx context.Context, pos Position) {
	err := l.publisher.Publish(ctx, events.Settlement{
		PositionID:        pos.ID,
		OwnerID:           pos.OwnerID,
		Symbol:            pos.Symbol,
		Direction:         string(pos.Direction),
		Stake:             pos.Stake,
		PayoutRatePercent: pos.PayoutRatePercent,
		EntryPrice:        pos.EntryPrice,
		ExitPrice:         pos.ExitPrice,
		Result:            string(pos.Result),
		Profit:            pos.Profit,
		Return:            pos.Return,
		OpenedAt:          pos.OpenedAt,
		ExpiresAt:         pos.ExpiresAt,
		ClosedAt:          *pos.ClosedAt,
	})
	if err != nil {
		l.logger.Warn("failed to publish settlement", zap.String("id", pos.ID), zap.Error(err))
	}
}

// Restore reloads persisted positions. Open positions past expiry are picked
// up by the next scan.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	entries, err := l.store.GetByPrefix(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("restore positions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	restored := 0
	for _, kv := range entries {
		var pos Position
		if err := json.Unmarshal(kv.Value, &pos); err != nil || pos.ID == "" {
			l.logger.Warn("skipping unreadable position", zap.String("key", kv.Key))
			continue
		}
		if _, ok := l.positions[pos.ID]; ok {
			continue
		}
		e := &entry{pos: pos}
		l.positions[pos.ID] = e
		l.byOwner[pos.OwnerID] = append(l.byOwner[pos.OwnerID], e)
		restored++
	}
	return restored, nil
}
