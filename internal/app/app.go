// Package app wires the engine's subsystems into a running call application:
// it consumes the switch's event stream, opens a call session per inbound
// channel, and tears sessions down when their channel leaves.
package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vozlab/arivoz/internal/config"
	"github.com/vozlab/arivoz/internal/contract"
	"github.com/vozlab/arivoz/internal/domain"
	"github.com/vozlab/arivoz/internal/finalize"
	"github.com/vozlab/arivoz/internal/observe"
	"github.com/vozlab/arivoz/internal/recording"
	"github.com/vozlab/arivoz/internal/speech"
	"github.com/vozlab/arivoz/internal/store"
	"github.com/vozlab/arivoz/internal/telephony"
)

// Deps are the application's collaborators, constructed in cmd and injected
// here. Metrics and Log default when nil.
type Deps struct {
	Telephony telephony.Adapter
	Speech    speech.Provider
	Domains   *domain.Registry
	Store     store.KV
	Contracts *contract.Registry
	Webhooks  domain.WebhookGateway
	Finalizer *finalize.Finalizer
	Metrics   *observe.Metrics
	Log       *slog.Logger
}

// App owns the event loop and the live call sessions.
type App struct {
	cfg      *config.Config
	tel      telephony.Adapter
	watchdog *contract.Watchdog
	sessions *Manager
	log      *slog.Logger
}

// New wires an App from cfg and deps.
func New(cfg *config.Config, deps Deps) *App {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	segmenter := recording.NewSegmenter(deps.Telephony, cfg.Audio.SpoolDir, log)
	watchdog := contract.NewWatchdog(deps.Contracts, log)

	sessions := NewManager(cfg, ManagerDeps{
		Telephony: deps.Telephony,
		Speech:    deps.Speech,
		Domains:   deps.Domains,
		Store:     deps.Store,
		Contracts: deps.Contracts,
		Webhooks:  deps.Webhooks,
		Segmenter: segmenter,
		Finalizer: deps.Finalizer,
		Watchdog:  watchdog,
		Metrics:   metrics,
		Log:       log,
	})

	return &App{
		cfg:      cfg,
		tel:      deps.Telephony,
		watchdog: watchdog,
		sessions: sessions,
		log:      log.With(slog.String("component", "app")),
	}
}

// drainTimeout bounds how long shutdown waits for live calls to finalize.
const drainTimeout = 10 * time.Second

// Run consumes the switch's event stream until ctx is cancelled or the
// stream closes. Each inbound caller channel gets its own session goroutine.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, runCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		a.watchdog.Run(runCtx)
		return nil
	})

	g.Go(func() error {
		// A closed stream must stop the watchdog and the live calls too.
		defer cancel()
		defer func() {
			drainCtx, done := context.WithTimeout(context.WithoutCancel(runCtx), drainTimeout)
			defer done()
			a.sessions.DrainAll(drainCtx)
		}()
		for {
			select {
			case <-runCtx.Done():
				return runCtx.Err()
			case ev, ok := <-a.tel.Events():
				if !ok {
					a.log.Info("event stream closed")
					return nil
				}
				a.dispatch(runCtx, g, ev)
			}
		}
	})

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// dispatch routes one switch event. Session-opening events spawn a goroutine
// on g; everything else is delivered to the owning session.
func (a *App) dispatch(ctx context.Context, g *errgroup.Group, ev telephony.Event) {
	switch ev.Type {
	case telephony.EventStasisStart:
		if ev.Channel == nil {
			return
		}
		ch := *ev.Channel
		if a.sessions.IsSnoopChannel(ctx, ch.ID) {
			a.sessions.SnoopConfirmed(ctx, ch.ID)
			return
		}
		g.Go(func() error {
			a.sessions.RunCall(ctx, ch, ev.Args...)
			return nil
		})

	case telephony.EventStasisEnd, telephony.EventChannelDestroyed:
		if ev.Channel == nil {
			return
		}
		a.sessions.ChannelGone(ctx, ev.Channel.ID)

	case telephony.EventChannelTalkingStarted, telephony.EventChannelTalkingFinished:
		if ev.Channel == nil {
			return
		}
		a.sessions.Deliver(ev.Channel.ID, ev)
	}
}

// Live returns the number of live call sessions.
func (a *App) Live() int { return a.sessions.Live() }

// Shutdown terminates live sessions and waits briefly for their artifacts.
func (a *App) Shutdown(ctx context.Context) {
	deadline, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	a.sessions.DrainAll(deadline)
}
