package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var ErrScannerRunning = errors.New("expiry scanner already running")

// Start runs the expiry scanner until Stop or ctx is cancelled.
func (l *Ledger) Start(ctx context.Context) error {
	l.scanMu.Lock()
	defer l.scanMu.Unlock()
	if l.cancel != nil {
		return ErrScannerRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go l.run(runCtx)

	l.logger.Info("expiry scanner started", zap.Duration("interval", l.scanInterval))
	return nil
}

// Stop halts the scanner and waits for the current scan, or for ctx.
func (l *Ledger) Stop(ctx context.Context) error {
	l.scanMu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.scanMu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("expiry scanner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Ledger) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CheckExpired(ctx)
		}
	}
}
