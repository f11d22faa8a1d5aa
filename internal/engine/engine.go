// Package engine wires price resolution, distribution and settlement into one
// service and exposes its operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricesettle/config"
	"pricesettle/internal/assets"
	"pricesettle/internal/balance"
	"pricesettle/internal/clock"
	"pricesettle/internal/events"
	"pricesettle/internal/hub"
	"pricesettle/internal/ledger"
	"pricesettle/internal/metrics"
	"pricesettle/internal/price"
	"pricesettle/internal/stream"
	"pricesettle/logger"
	"pricesettle/pkg/bybit"
	"pricesettle/pkg/storage"
	"pricesettle/pkg/storage/postgres"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const restoreTimeout = 10 * time.Second

type Option func(*options)

type options struct {
	clock     clock.Clock
	publisher events.Publisher
	store     storage.Store
	metrics   *metrics.Metrics
}

// WithClock replaces wall time, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPublisher overrides the configured settlement publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithStore overrides the configured key-value store.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	store storage.Store
	pg    *postgres.PostgresClient

	cache     *price.Cache
	resolver  *price.Resolver
	proxy     *price.ProxyFetcher
	rest      *bybit.RESTClient
	feed      *stream.Feed
	hub       *hub.Hub
	accounts  *balance.Accounts
	assets    *assets.Catalog
	ledger    *ledger.Ledger
	publisher events.Publisher

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	o := options{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	e := &Engine{cfg: cfg, logger: log, metrics: o.metrics, clock: o.clock}

	store, err := e.openStore(o.store)
	if err != nil {
		return nil, err
	}
	e.store = store

	mode, err := balance.ParseMode(cfg.Balance.Mode)
	if err != nil {
		e.closeStore()
		return nil, err
	}

	catalog, err := assets.NewCatalog(cfg.Assets, store, logger.Component(log, "assets"))
	if err != nil {
		e.closeStore()
		return nil, err
	}
	e.assets = catalog

	tiers, err := e.buildTiers()
	if err != nil {
		e.assets.Close()
		e.closeStore()
		return nil, err
	}

	seed := cfg.Price.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	e.cache = price.NewCache(store, logger.Component(log, "price_cache"))
	e.resolver = price.NewResolver(e.cache, tiers, price.NewSynthetic(seed), price.Options{
		Freshness: cfg.Price.Freshness,
		Budget:    cfg.Price.Budget,
		Clock:     o.clock,
		Logger:    logger.Component(log, "resolver"),
		Metrics:   o.metrics,
	})

	e.hub = hub.New(e.resolver, hub.Options{
		Interval: cfg.Hub.Interval,
		Grace:    cfg.Hub.Grace,
		Logger:   logger.Component(log, "hub"),
		Metrics:  o.metrics,
	})

	e.accounts = balance.NewAccounts(mode, decimal.NewFromFloat(cfg.Balance.Initial), store, logger.Component(log, "balance"))

	e.publisher = o.publisher
	if e.publisher == nil {
		e.publisher, err = e.buildPublisher()
		if err != nil {
			e.assets.Close()
			e.closeStore()
			return nil, err
		}
	}

	e.ledger = ledger.New(e.resolver, e.accounts, e.assets, ledger.Options{
		ScanInterval:      cfg.Ledger.ScanInterval,
		SettleConcurrency: cfg.Ledger.SettleConcurrency,
		Clock:             o.clock,
		Store:             store,
		Publisher:         e.publisher,
		Logger:            logger.Component(log, "ledger"),
		Metrics:           o.metrics,
	})

	if cfg.Bybit.WS.Enabled {
		feed, ok := stream.NewFeed(cfg.Bybit.WS.URL, cfg.Bybit.WS.Symbols, cfg.Bybit.WS.Timeout,
			e.cache, o.clock, logger.Component(log, "ticker_stream"))
		if ok {
			e.feed = feed
		}
	}

	return e, nil
}

func (e *Engine) openStore(override storage.Store) (storage.Store, error) {
	if override != nil {
		return override, nil
	}
	switch strings.ToLower(e.cfg.Storage.Driver) {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "postgres":
		pg, err := postgres.InitializeAndMigrate(e.cfg.Postgres, e.cfg.Env, e.cfg.Storage.CreateDB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		e.pg = pg
		return pg, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", e.cfg.Storage.Driver)
}

func (e *Engine) closeStore() {
	if e.pg != nil {
		_ = e.pg.Close()
	}
}

func (e *Engine) buildTiers() ([]price.Tier, error) {
	var tiers []price.Tier
	if p := e.cfg.Price.Proxy; p.Enabled && p.BaseURL != "" {
		e.proxy = price.NewProxyFetcher(p.BaseURL, p.Timeout)
		tiers = append(tiers, price.Tier{Fetcher: e.proxy, Timeout: p.Timeout})
	}
	if d := e.cfg.Price.Direct; d.Enabled {
		category, err := bybit.ParseCategory(e.cfg.Bybit.REST.Category)
		if err != nil {
			return nil, err
		}
		e.rest = bybit.NewRESTClient(e.cfg.Bybit.REST.BaseURL, e.cfg.Bybit.REST.Timeout)
		tiers = append(tiers, price.Tier{Fetcher: price.NewDirectFetcher(e.rest, category), Timeout: d.Timeout})
	}
	return tiers, nil
}

func (e *Engine) buildPublisher() (events.Publisher, error) {
	if !e.cfg.Kafka.Enabled {
		return events.Nop{}, nil
	}
	log := logger.Component(e.logger, "events")
	pub, err := events.NewKafkaPublisher(e.cfg.Kafka.Brokers, e.cfg.Kafka.Topic, log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events.EnsureTopic(ctx, e.cfg.Kafka.Brokers[0], e.cfg.Kafka.Topic, log)
	return pub, nil
}

// Start restores persisted state and launches the background tasks.
func (e *Engine) Start(ctx context.Context) error {
	restoreCtx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()

	prices, err := e.cache.Restore(restoreCtx, e.clock.Now())
	if err != nil {
		return err
	}
	balances, err := e.accounts.Restore(restoreCtx)
	if err != nil {
		return err
	}
	positions, err := e.ledger.Restore(restoreCtx)
	if err != nil {
		return err
	}
	e.logger.Info("state restored",
		zap.Int("prices", prices), zap.Int("balances", balances), zap.Int("positions", positions))

	runCtx, runCancel := context.WithCancel(context.Background())
	e.cancel = runCancel
	e.wg.Go(func() { e.cache.Run(runCtx) })

	if err := e.ledger.Start(runCtx); err != nil {
		runCancel()
		return err
	}
	if e.feed != nil {
		e.feed.Start(runCtx)
	}

	e.logger.Info("engine started")
	return nil
}

// Stop shuts every task down and releases sockets and connections.
func (e *Engine) Stop(ctx context.Context) error {
	var errs []error

	if err := e.hub.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	if err := e.ledger.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}
	if e.feed != nil {
		if err := e.feed.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ticker stream: %w", err))
		}
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if err := e.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	e.assets.Close()
	if e.proxy != nil {
		e.proxy.CloseIdleConnections()
	}
	if e.rest != nil {
		e.rest.CloseIdleConnections()
	}
	if e.pg != nil {
		if err := e.pg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}

	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// SubscribePrice registers cb for every sample of sym.
func (e *Engine) SubscribePrice(sym string, cb hub.Callback) (func(), error) {
	return e.hub.Subscribe(sym, cb)
}

// StreamPrice is SubscribePrice as a channel.
func (e *Engine) StreamPrice(sym string) (<-chan price.Sample, func(), error) {
	return e.hub.Stream(sym, 0)
}

// GetCurrentPrice reads the cache only; 0 means never resolved.
func (e *Engine) GetCurrentPrice(sym string) float64 {
	if s, ok := e.cache.Latest(sym); ok {
		return s.Price
	}
	return 0
}

// LatestSample is GetCurrentPrice with provenance.
func (e *Engine) LatestSample(sym string) (price.Sample, bool) {
	return e.cache.Latest(sym)
}

func (e *Engine) OpenPosition(ctx context.Context, req ledger.OpenRequest) (ledger.Position, error) {
	return e.ledger.Open(ctx, req)
}

func (e *Engine) ListOpenPositions(owner string) []ledger.Position {
	return e.ledger.ListOpen(owner)
}

func (e *Engine) ListClosedPositions(owner string) []ledger.Position {
	return e.ledger.ListClosed(owner)
}

func (e *Engine) GetPosition(id string) (ledger.Position, error) {
	return e.ledger.Get(id)
}

func (e *Engine) Stats(owner string) ledger.Stats {
	return e.ledger.Stats(owner)
}

// SettlePosition settles one position now if it is due.
func (e *Engine) SettlePosition(ctx context.Context, id string) (ledger.Position, error) {
	return e.ledger.Settle(ctx, id)
}

// ForceCheckExpired runs one expiry scan and returns the number settled.
func (e *Engine) ForceCheckExpired(ctx context.Context) int {
	return e.ledger.CheckExpired(ctx)
}

func (e *Engine) Deposit(ctx context.Context, owner string, amount decimal.Decimal) (balance.Balance, error) {
	return e.accounts.Deposit(ctx, owner, amount)
}

func (e *Engine) Balance(owner string) balance.Balance {
	return e.accounts.Balance(owner)
}

func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Healthy reports whether the backing store is reachable.
func (e *Engine) Healthy(ctx context.Context) bool {
	if e.pg != nil {
		return e.pg.IsHealthy(ctx)
	}
	return true
}
