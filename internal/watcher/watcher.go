// Package watcher sweeps pending crypto escrows for deposits.
//
// Buyers normally poll payment status from the frontend, but a buyer who
// pays and closes the tab would leave the escrow pending forever. The
// watcher periodically asks the escrow service to re-check every pending
// deposit address so funding lands without anyone watching.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Source exposes the escrow operations the watcher drives.
type Source interface {
	// PendingFunding returns ids of escrows awaiting a crypto deposit.
	PendingFunding(ctx context.Context, limit int) ([]string, error)
	// CheckDeposit re-checks one escrow and reports whether it is funded.
	CheckDeposit(ctx context.Context, id string) (bool, error)
}

// Config for the deposit watcher.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		BatchSize:    100,
	}
}

// Watcher drives periodic deposit sweeps.
type Watcher struct {
	src    Source
	config Config
	logger *slog.Logger

	// escrows currently being checked, so an overlapping sweep cannot
	// double-process a slow one
	inFlight map[string]bool
	mu       sync.Mutex

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a deposit watcher.
func New(cfg Config, src Source, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Watcher{
		src:      src,
		config:   cfg,
		logger:   logger,
		inFlight: make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins sweeping in the background.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	w.logger.Info("deposit watcher started",
		"interval", w.config.PollInterval,
		"batch", w.config.BatchSize,
	)
	go w.pollLoop(ctx)
}

// Stop stops the watcher and waits for the current sweep to finish.
// A no-op if the watcher was never started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				w.logger.Error("deposit sweep failed", "error", err)
			}
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) error {
	ids, err := w.src.PendingFunding(ctx, w.config.BatchSize)
	if err != nil {
		return err
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		default:
		}
		w.checkOne(ctx, id)
	}
	return nil
}

func (w *Watcher) checkOne(ctx context.Context, id string) {
	w.mu.Lock()
	if w.inFlight[id] {
		w.mu.Unlock()
		return
	}
	w.inFlight[id] = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.inFlight, id)
		w.mu.Unlock()
	}()

	funded, err := w.src.CheckDeposit(ctx, id)
	if err != nil {
		w.logger.Error("deposit check failed", "escrow_id", id, "error", err)
		return
	}
	if funded {
		w.logger.Info("deposit detected", "escrow_id", id)
	}
}
