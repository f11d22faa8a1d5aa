package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pricesettle/internal/balance"
	"pricesettle/internal/clock"
	"pricesettle/internal/events"
	"pricesettle/internal/price"
	"pricesettle/pkg/storage"
	"pricesettle/pkg/symbol"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newStubPrices() *stubPrices {
	return &stubPrices{prices: make(map[string]float64)}
}

func (s *stubPrices) set(sym string, p float64) {
	s.mu.Lock()
	s.prices[symbol.Normalize(sym)] = p
	s.mu.Unlock()
}

func (s *stubPrices) Resolve(_ context.Context, sym string) price.Sample {
	sym = symbol.Normalize(sym)
	s.mu.Lock()
	defer s.mu.Unlock()
	return price.Sample{Symbol: sym, Price: s.prices[sym], Source: price.SourceDirect, ObservedAt: time.Now()}
}

func (s *stubPrices) Latest(sym string) (price.Sample, bool) {
	smp := s.Resolve(context.Background(), sym)
	return smp, smp.Valid()
}

type fixedPayout decimal.Decimal

func (f fixedPayout) PayoutRate(context.Context, string) decimal.Decimal {
	return decimal.Decimal(f)
}

type fixture struct {
	ledger    *Ledger
	prices    *stubPrices
	accounts  *balance.Accounts
	clock     *clock.Manual
	store     *storage.MemoryStore
	published *events.Memory
}

func newFixture(t *testing.T, initial string) *fixture {
	t.Helper()
	f := &fixture{
		prices:    newStubPrices(),
		accounts:  balance.NewAccounts(balance.ModeSimulated, dec(initial), nil, nil),
		clock:     clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		store:     storage.NewMemoryStore(),
		published: &events.Memory{},
	}
	f.ledger = New(f.prices, f.accounts, fixedPayout(dec("85")), Options{
		Clock:             f.clock,
		Store:             f.store,
		Publisher:         f.published,
		ScanInterval:      10 * time.Millisecond,
		SettleConcurrency: 4,
	})
	return f
}

func (f *fixture) open(t *testing.T, dir string, stake string, secs int64) Position {
	t.Helper()
	pos, err := f.ledger.Open(context.Background(), OpenRequest{
		OwnerID:         "alice",
		Symbol:          "BTCUSD",
		Direction:       dir,
		Stake:           dec(stake),
		DurationSeconds: secs,
	})
	require.NoError(t, err)
	return pos
}

func (f *fixture) available(owner string) decimal.Decimal {
	return f.accounts.Balance(owner).Available
}

// go test -v --run TestOpenValidation
func TestOpenValidation(t *testing.T) {
	f := newFixture(t, "100")
	f.prices.set("BTCUSD", 100)

	base := OpenRequest{OwnerID: "alice", Symbol: "BTCUSD", Direction: "up", Stake: dec("10"), DurationSeconds: 60}
	testCases := []struct {
		desc   string
		mutate func(*OpenRequest)
		err    error
	}{
		{"zero stake", func(r *OpenRequest) { r.Stake = decimal.Zero }, ErrInvalidStake},
		{"negative stake", func(r *OpenRequest) { r.Stake = dec("-5") }, ErrInvalidStake},
		{"zero duration", func(r *OpenRequest) { r.DurationSeconds = 0 }, ErrInvalidDuration},
		{"negative duration", func(r *OpenRequest) { r.DurationSeconds = -60 }, ErrInvalidDuration},
		{"duration overflows", func(r *OpenRequest) { r.DurationSeconds = 10_000_000_000 }, ErrInvalidDuration},
		{"duration one past max", func(r *OpenRequest) { r.DurationSeconds = MaxDurationSeconds + 1 }, ErrInvalidDuration},
		{"bad direction", func(r *OpenRequest) { r.Direction = "sideways" }, ErrInvalidDirection},
		{"no owner", func(r *OpenRequest) { r.OwnerID = " " }, ErrInvalidOwner},
		{"no symbol", func(r *OpenRequest) { r.Symbol = "" }, ErrInvalidSymbol},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := f.ledger.Open(context.Background(), req)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	assert.True(t, dec("100").Equal(f.available("alice")))
	assert.Empty(t, f.ledger.ListOpen("alice"))
}

// go test -v --run TestOpenLongDurationExpiresAfterOpen
func TestOpenLongDurationExpiresAfterOpen(t *testing.T) {
	f := newFixture(t, "100")
	f.prices.set("BTCUSD", 100)

	pos := f.open(t, "up", "10", MaxDurationSeconds)
	assert.True(t, pos.ExpiresAt.After(pos.OpenedAt))

	assert.Equal(t, 0, f.ledger.CheckExpired(context.Background()))
	got, err := f.ledger.Get(pos.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
}

// go test -v --run TestOpen
func TestOpen(t *testing.T) {
	f := newFixture(t, "100")
	f.prices.set("BTCUSD", 64000)

	pos, err := f.ledger.Open(context.Background(), OpenRequest{
		OwnerID:         "alice",
		Symbol:          "binance:btcusdt",
		Direction:       "UP",
		Stake:           dec("40"),
		DurationSeconds: 30,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, "BTCUSD", pos.Symbol)
	assert.Equal(t, Up, pos.Direction)
	assert.Equal(t, 64000.0, pos.EntryPrice)
	assert.True(t, dec("85").Equal(pos.PayoutRatePercent))
	assert.Equal(t, StatusOpen, pos.Status)
	assert.Equal(t, 30*time.Second, pos.ExpiresAt.Sub(pos.OpenedAt))
	assert.True(t, dec("60").Equal(f.available("alice")))

	_, err = f.store.Get(context.Background(), "position:alice:"+pos.ID)
	require.NoError(t, err)

	got, err := f.ledger.Get(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.ID, got.ID)
	assert.Len(t, f.ledger.ListOpen("alice"), 1)
}

// go test -v --run TestOpenExplicitPayout
func TestOpenExplicitPayout(t *testing.T) {
	f := newFixture(t, "100")
	f.prices.set("ETHUSD", 3000)

	pos, err := f.ledger.Open(context.Background(), OpenRequest{
		OwnerID: "alice", Symbol: "ETH", Direction: "down", Stake: dec("10"), DurationSeconds: 5,
		PayoutRatePercent: dec("70"),
	})
	require.NoError(t, err)
	assert.True(t, dec("70").Equal(pos.PayoutRatePercent))
}

// go test -v --run TestOpenInsufficientBalance
func TestOpenInsufficientBalance(t *testing.T) {
	f := newFixture(t, "20")
	f.prices.set("BTCUSD", 100)

	_, err := f.ledger.Open(context.Background(), OpenRequest{
		OwnerID: "alice", Symbol: "BTCUSD", Direction: "up", Stake: dec("20.01"), DurationSeconds: 60,
	})
	assert.ErrorIs(t, err, balance.ErrInsufficientBalance)
	assert.Empty(t, f.ledger.ListOpen("alice"))
	assert.True(t, dec("20").Equal(f.available("alice")))
}

// go test -v --run TestOpenNoPrice
func TestOpenNoPrice(t *testing.T) {
	f := newFixture(t, "100")

	_, err := f.ledger.Open(context.Background(), OpenRequest{
		OwnerID: "alice", Symbol: "BTCUSD", Direction: "up", Stake: dec("10"), DurationSeconds: 60,
	})
	assert.ErrorIs(t, err, price.ErrNoPriceAvailable)
	assert.Empty(t, f.ledger.ListOpen("alice"))
	assert.True(t, dec("100").Equal(f.available("alice")))
}

// go test -v --run TestSettleOutcomes
func TestSettleOutcomes(t *testing.T) {
	testCases := []struct {
		desc      string
		dir       string
		exit      float64
		result    Result
		profit    string
		available string
	}{
		{"win", "up", 110, Win, "42.5", "142.5"},
		{"loss", "up", 90, Loss, "-50", "50"},
		{"tie", "down", 100, Tie, "0", "100"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t, "100")
			f.prices.set("BTCUSD", 100)
			pos := f.open(t, tc.dir, "50", 60)

			f.prices.set("BTCUSD", tc.exit)
			f.clock.Advance(60 * time.Second)

			closed, err := f.ledger.Settle(context.Background(), pos.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusClosed, closed.Status)
			assert.Equal(t, tc.result, closed.Result)
			assert.Equal(t, tc.exit, closed.ExitPrice)
			assert.True(t, dec(tc.profit).Equal(closed.Profit), closed.Profit.String())
			require.NotNil(t, closed.ClosedAt)
			assert.True(t, dec(tc.available).Equal(f.available("alice")), f.available("alice").String())

			assert.Empty(t, f.ledger.ListOpen("alice"))
			assert.Len(t, f.ledger.ListClosed("alice"), 1)

			pub := f.published.Published()
			require.Len(t, pub, 1)
			assert.Equal(t, string(tc.result), pub[0].Result)
		})
	}
}

// go test -v --run TestSettleNotExpired
func TestSettleNotExpired(t *testing.T) {
	f := newFixture(t, "100")
	f.prices.set("BTCUSD", 100)
	pos := f.open(t, "up", "10", 60)

	f.clock.Advance(59 * time.Second)
	_, err := f.ledger.Settle(context.Background(), pos.ID)
	assert.ErrorIs(t, err, ErrNotExpired)
	assert.Equal(t, 0, f.ledger.CheckExpired(context.Background()))

	_, err = f.ledger.Settle(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

// go test -v --run TestSettleExactlyOnce
func TestSettleExactlyOnce(t *testing.T) {
	f := newFixture(t, "100")
	f.prices.set("BTCUSD", 100)
	pos := f.open(t, "up", "50", 1)

	f.prices.set("BTCUSD", 110)
	f.clock.Advance(2 * time.Second)

	var (
		wg      sync.WaitGroup
		settled atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, ok, err := f.ledger.settle(context.Background(), pos.ID)
			assert.NoError(t, err)
			if ok {
				settled.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			settled.Add(int32(f.ledger.CheckExpired(context.Background())))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, settled.Load())
	assert.True(t, dec("142.5").Equal(f.available("alice")), f.available("alice").String())
	assert.Len(t, f.published.Published(), 1)

	again, err := f.ledger.Settle(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, again.Status)
	assert.True(t, dec("142.5").Equal(f.available("alice")))
}

type flakyCredit struct {
	balance.Service
	fail atomic.Bool
}

func (f *flakyCredit) Credit(ctx context.Context, owner string, amount decimal.Decimal) error {
	if f.fail.Load() {
		return errors.New("ledger service unavailable")
	}
	return f.Service.Credit(ctx, owner, amount)
}

// go test -v --run TestSettleCreditFailureRetried
func TestSettleCreditFailureRetried(t *testing.T) {
	prices := newStubPrices()
	prices.set("BTCUSD", 100)
	accounts := balance.NewAccounts(balance.ModeSimulated, dec("100"), nil, nil)
	svc := &flakyCredit{Service: accounts}
	clk := clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	l := New(prices, svc, fixedPayout(dec("85")), Options{Clock: clk})

	pos, err := l.Open(context.Background(), OpenRequest{
		OwnerID: "alice", Symbol: "BTCUSD", Direction: "down", Stake: dec("50"), DurationSeconds: 10,
	})
	require.NoError(t, err)

	prices.set("BTCUSD", 95)
	clk.Advance(10 * time.Second)
	svc.fail.Store(true)

	_, err = l.Settle(context.Background(), pos.ID)
	require.Error(t, err)
	got, _ := l.Get(pos.ID)
	assert.Equal(t, StatusOpen, got.Status)
	assert.True(t, dec("50").Equal(accounts.Balance("alice").Available))

	svc.fail.Store(false)
	assert.Equal(t, 1, l.CheckExpired(context.Background()))
	got, _ = l.Get(pos.ID)
	assert.Equal(t, StatusClosed, got.Status)
	assert.True(t, dec("142.5").Equal(accounts.Balance("alice").Available))
}

// go test -v --run TestLockedModeSettlement
func TestLockedModeSettlement(t *testing.T) {
	prices := newStubPrices()
	prices.set("EURUSD", 1.08)
	accounts := balance.NewAccounts(balance.ModeLocked, dec("100"), nil, nil)
	clk := clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	l := New(prices, accounts, fixedPayout(dec("85")), Options{Clock: clk})

	pos, err := l.Open(context.Background(), OpenRequest{
		OwnerID: "bob", Symbol: "EUR/USD", Direction: "up", Stake: dec("40"), DurationSeconds: 5,
	})
	require.NoError(t, err)
	assert.True(t, dec("40").Equal(accounts.Balance("bob").Locked))

	prices.set("EURUSD", 1.07)
	clk.Advance(5 * time.Second)
	_, err = l.Settle(context.Background(), pos.ID)
	require.NoError(t, err)

	b := accounts.Balance("bob")
	assert.True(t, b.Locked.IsZero())
	assert.True(t, dec("60").Equal(b.Available))
}

// go test -v --run TestStatsMatchClosedList
func TestStatsMatchClosedList(t *testing.T) {
	f := newFixture(t, "1000")
	exits := []float64{110, 90, 100, 120, 80}
	for _, exit := range exits {
		f.prices.set("BTCUSD", 100)
		pos := f.open(t, "up", "10", 1)
		f.prices.set("BTCUSD", exit)
		f.clock.Advance(time.Second)
		_, err := f.ledger.Settle(context.Background(), pos.ID)
		require.NoError(t, err)
	}

	s := f.ledger.Stats("alice")
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 2, s.Losses)
	assert.Equal(t, 1, s.Ties)
	assert.InDelta(t, 0.4, s.WinRate, 1e-9)

	sum := decimal.Zero
	for _, p := range f.ledger.ListClosed("alice") {
		sum = sum.Add(p.Profit)
	}
	assert.True(t, sum.Equal(s.TotalProfit))
	// 2 wins * 8.5 - 2 losses * 10
	assert.True(t, dec("-3").Equal(s.TotalProfit), s.TotalProfit.String())
	assert.True(t, dec("997").Equal(f.available("alice")))

	assert.Equal(t, 0, f.ledger.Stats("nobody").Total)
}

// go test -v --run TestRestore
func TestRestore(t *testing.T) {
	f := newFixture(t, "100")
	f.prices.set("BTCUSD", 100)
	open := f.open(t, "up", "10", 60)
	closing := f.open(t, "down", "10", 1)
	f.clock.Advance(time.Second)
	_, err := f.ledger.Settle(context.Background(), closing.ID)
	require.NoError(t, err)

	restored := New(f.prices, f.accounts, fixedPayout(dec("85")), Options{Clock: f.clock, Store: f.store})
	n, err := restored.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	openList := restored.ListOpen("alice")
	require.Len(t, openList, 1)
	assert.Equal(t, open.ID, openList[0].ID)
	assert.True(t, dec("10").Equal(openList[0].Stake))

	closedList := restored.ListClosed("alice")
	require.Len(t, closedList, 1)
	assert.Equal(t, Tie, closedList[0].Result)
}

// go test -v --run TestScanner
func TestScanner(t *testing.T) {
	f := newFixture(t, "100")
	f.prices.set("BTCUSD", 100)
	pos := f.open(t, "up", "10", 1)

	require.NoError(t, f.ledger.Start(context.Background()))
	f.clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		p, _ := f.ledger.Get(pos.ID)
		return !p.IsOpen()
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.ledger.Stop(ctx))
}

// go test -v --run TestScannerStartTwice
func TestScannerStartTwice(t *testing.T) {
	f := newFixture(t, "100")

	require.NoError(t, f.ledger.Start(context.Background()))
	assert.ErrorIs(t, f.ledger.Start(context.Background()), ErrScannerRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.ledger.Stop(ctx))

	// a stopped scanner can be started again and stopped cleanly
	require.NoError(t, f.ledger.Start(context.Background()))
	require.NoError(t, f.ledger.Stop(ctx))
}
