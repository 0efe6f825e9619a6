package contract

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// stuckThreshold is how long a contract may sit in WAITING_AST before the
// watchdog flags it. Diagnostic only: the watchdog never forces a transition.
const stuckThreshold = 2 * time.Second

// Watchdog periodically inspects watched contracts and logs those stuck
// waiting for the switch to confirm their snoop channel. A stuck contract
// almost always means the switch reaped the channel before it was pinned.
type Watchdog struct {
	reg      *Registry
	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	watched map[string]struct{}
}

// NewWatchdog creates a watchdog over reg. Run must be called to start it.
func NewWatchdog(reg *Registry, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{
		reg:      reg,
		log:      log.With(slog.String("component", "snoop-watchdog")),
		interval: time.Second,
		watched:  make(map[string]struct{}),
	}
}

// Watch adds a call to the watch set.
func (w *Watchdog) Watch(linkedID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[linkedID] = struct{}{}
}

// Unwatch removes a call from the watch set.
func (w *Watchdog) Unwatch(linkedID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, linkedID)
}

// Run blocks until ctx is cancelled, sweeping the watch set every interval.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watched))
	for id := range w.watched {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, linkedID := range ids {
		sn, err := w.reg.Get(ctx, linkedID)
		if err != nil {
			if errors.Is(err, ErrNoContract) {
				w.Unwatch(linkedID)
			}
			continue
		}
		switch sn.State {
		case StateWaitingAst:
			if stuck := w.reg.clock().Sub(sn.UpdatedAt); stuck > stuckThreshold {
				w.log.Warn("snoop contract stuck in WAITING_AST",
					slog.String("linked_id", linkedID),
					slog.String("snoop_id", sn.SnoopID),
					slog.Duration("stuck_for", stuck))
			}
		case StateDestroyed:
			w.Unwatch(linkedID)
		}
	}
}
