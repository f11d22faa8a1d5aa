// Package hub fans resolved prices out to subscribers, running one poller per
// watched symbol.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pricesettle/internal/metrics"
	"pricesettle/internal/price"
	"pricesettle/pkg/symbol"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

const (
	defaultInterval = time.Second
	defaultGrace    = 5 * time.Second
)

var ErrStopped = errors.New("hub stopped")

// Callback receives every sample resolved for the subscribed symbol.
type Callback func(price.Sample)

// Resolver is the price source the pollers call.
type Resolver interface {
	Resolve(ctx context.Context, symbol string) price.Sample
}

type Options struct {
	Interval time.Duration
	Grace    time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type Hub struct {
	resolver Resolver
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	watches map[string]*watch
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	nextID atomic.Uint64
}

// watch is the poller state of one symbol.
type watch struct {
	symbol string
	cancel context.CancelFunc
	kick   chan struct{}

	inFlight atomic.Bool

	// guarded by Hub.mu
	grace *time.Timer
	gen   uint64

	mu   sync.RWMutex
	subs map[uint64]*subscription
}

// subscription serializes delivery against unsubscribe, so once unsubscribe
// returns the callback is never entered again.
type subscription struct {
	cb Callback

	mu      sync.Mutex
	removed bool
}

// deliver runs the callback unless the subscription is gone, returning a
// recovered panic if it had one.
func (s *subscription) deliver(smp price.Sample) *panics.Recovered {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil
	}
	var pc panics.Catcher
	pc.Try(func() { s.cb(smp) })
	return pc.Recovered()
}

// remove waits for an in-flight delivery to finish.
func (s *subscription) remove() {
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()
}

func New(resolver Resolver, opts Options) *Hub {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		resolver: resolver,
		interval: opts.Interval,
		grace:    opts.Grace,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		watches:  make(map[string]*watch),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers cb for sym and returns an idempotent unsubscribe.
// The first subscriber of a symbol starts its poller; later subscribers get
// an immediate tick unless one is already running.
//
// Once unsubscribe returns, cb is not called again. Unsubscribe waits for a
// running cb, so cb must not call its own unsubscribe synchronously.
func (h *Hub) Subscribe(sym string, cb Callback) (func(), error) {
	if cb == nil {
		return nil, errors.New("hub: nil callback")
	}
	sym = symbol.Normalize(sym)
	id := h.nextID.Add(1)

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil, ErrStopped
	}
	w, ok := h.watches[sym]
	if !ok {
		w = h.startWatch(sym)
	} else if w.grace != nil {
		w.grace.Stop()
		w.grace = nil
		w.gen++
	}
	sub := &subscription{cb: cb}
	w.mu.Lock()
	w.subs[id] = sub
	w.mu.Unlock()
	h.mu.Unlock()

	if ok && !w.inFlight.Load() {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.remove()
			h.unsubscribe(w, id)
		})
	}, nil
}

// startWatch must be called with h.mu held.
func (h *Hub) startWatch(sym string) *watch {
	ctx, cancel := context.WithCancel(h.ctx)
	w := &watch{
		symbol: sym,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		subs:   make(map[uint64]*subscription),
	}
	h.watches[sym] = w
	h.metrics.SetWatchedSymbols(len(h.watches))
	h.wg.Go(func() { h.run(ctx, w) })

	h.logger.Info("watching symbol", zap.String("symbol", sym))
	return w
}

func (h *Hub) unsubscribe(w *watch, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w.mu.Lock()
	delete(w.subs, id)
	remaining := len(w.subs)
	w.mu.Unlock()

	if remaining > 0 || h.stopped || h.watches[w.symbol] != w {
		return
	}
	if w.grace != nil {
		w.grace.Stop()
	}
	w.gen++
	gen := w.gen
	w.grace = time.AfterFunc(h.grace, func() { h.expire(w, gen) })
}

// expire stops a watch whose grace period ran out without a new subscriber.
func (h *Hub) expire(w *watch, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if w.gen != gen || h.watches[w.symbol] != w {
		return
	}
	w.mu.RLock()
	idle := len(w.subs) == 0
	w.mu.RUnlock()
	if !idle {
		return
	}

	delete(h.watches, w.symbol)
	w.grace = nil
	w.cancel()
	h.metrics.SetWatchedSymbols(len(h.watches))
	h.logger.Info("stopped watching symbol", zap.String("symbol", w.symbol))
}

func (h *Hub) run(ctx context.Context, w *watch) {
	h.tick(ctx, w)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx, w)
		case <-w.kick:
			h.tick(ctx, w)
		}
	}
}

// tick resolves once and delivers to a snapshot of the subscribers. Ticks of
// one watch run on its own goroutine, so they never overlap.
func (h *Hub) tick(ctx context.Context, w *watch) {
	w.inFlight.Store(true)
	defer w.inFlight.Store(false)

	s := h.resolver.Resolve(ctx, w.symbol)
	if ctx.Err() != nil {
		return
	}

	w.mu.RLock()
	subs := make([]*subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		subs = append(subs, sub)
	}
	w.mu.RUnlock()

	for _, sub := range subs {
		if r := sub.deliver(s); r != nil {
			h.metrics.CallbackPanicked()
			h.logger.Error("subscriber callback panicked",
				zap.String("symbol", w.symbol), zap.Any("panic", r.Value), zap.ByteString("stack", r.Stack))
		}
	}
}

// Watched returns the symbols that currently have a poller.
func (h *Hub) Watched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.watches))
	for sym := range h.watches {
		out = append(out, sym)
	}
	return out
}

// Subscribers reports how many callbacks are registered for sym.
func (h *Hub) Subscribers(sym string) int {
	h.mu.Lock()
	w, ok := h.watches[symbol.Normalize(sym)]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.subs)
}

// Stop cancels every poller and waits for them, or for ctx.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	for sym, w := range h.watches {
		if w.grace != nil {
			w.grace.Stop()
		}
		w.cancel()
		delete(h.watches, sym)
	}
	h.metrics.SetWatchedSymbols(0)
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
