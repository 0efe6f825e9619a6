package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vozlab/arivoz/internal/config"
	"github.com/vozlab/arivoz/internal/contract"
	"github.com/vozlab/arivoz/internal/domain"
	"github.com/vozlab/arivoz/internal/engine"
	"github.com/vozlab/arivoz/internal/finalize"
	"github.com/vozlab/arivoz/internal/observe"
	"github.com/vozlab/arivoz/internal/phase"
	"github.com/vozlab/arivoz/internal/policy"
	"github.com/vozlab/arivoz/internal/recording"
	"github.com/vozlab/arivoz/internal/session"
	"github.com/vozlab/arivoz/internal/speech"
	"github.com/vozlab/arivoz/internal/store"
	"github.com/vozlab/arivoz/internal/telephony"
)

// audioPlaneTimeout bounds the wait for the snoop channel's audio plane after
// signalling reports it created.
const audioPlaneTimeout = 5 * time.Second

// snoopPinRetries is how many times the pin protocol retries adding the snoop
// channel to the capture bridge.
const snoopPinRetries = 20

// snoopPrefix namespaces the snoop channel ids this process requests, so the
// event demultiplexer can tell snoop StasisStarts from caller ones without a
// store lookup.
const snoopPrefix = "snoop-"

// errAudioPlane means the snoop channel never came up.
var errAudioPlane = errors.New("app: snoop audio plane not ready")

// ManagerDeps are the Manager's collaborators.
type ManagerDeps struct {
	Telephony telephony.Adapter
	Speech    speech.Provider
	Domains   *domain.Registry
	Store     store.KV
	Contracts *contract.Registry
	Webhooks  domain.WebhookGateway
	Segmenter *recording.Segmenter
	Finalizer *finalize.Finalizer
	Watchdog  *contract.Watchdog
	Metrics   *observe.Metrics
	Log       *slog.Logger
}

// callSession is one live call: its state, its orchestrator, and the
// resources that must be released when it ends.
//
// The session struct itself is owned by the RunCall goroutine. The event
// goroutine never touches it; it records an end reason and cancels, and the
// owner applies the reason when the turn loop unwinds.
type callSession struct {
	linkedID  string
	channelID string

	sess    *session.Session
	speech  speech.Session
	capture *recording.Capture
	marks   *session.MarkLog

	cancel  context.CancelFunc
	cleanup sync.Once

	mu        sync.Mutex
	orch      *engine.Orchestrator
	endReason string
}

// noteEnd records why the call is being torn down externally. First reason
// wins.
func (cs *callSession) noteEnd(reason string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.endReason == "" {
		cs.endReason = reason
	}
}

func (cs *callSession) externalEndReason() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.endReason
}

func (cs *callSession) setOrchestrator(o *engine.Orchestrator) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.orch = o
}

func (cs *callSession) orchestrator() *engine.Orchestrator {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.orch
}

// Manager owns the live call sessions. It is driven entirely by the switch's
// event stream: StasisStart on a caller channel opens a session, StasisEnd or
// ChannelDestroyed closes it, and talk events are forwarded to the owning
// orchestrator. All exported methods are safe for concurrent use.
type Manager struct {
	cfg  *config.Config
	deps ManagerDeps
	log  *slog.Logger

	mu        sync.Mutex
	calls     map[string]*callSession // linkedID -> session
	byChannel map[string]string       // caller channelID -> linkedID

	wg sync.WaitGroup
}

// NewManager creates an empty Manager.
func NewManager(cfg *config.Config, deps ManagerDeps) *Manager {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		deps:      deps,
		log:       log.With(slog.String("component", "sessions")),
		calls:     make(map[string]*callSession),
		byChannel: make(map[string]string),
	}
}

// IsSnoopChannel reports whether channelID is one of our snoop taps entering
// the application.
func (m *Manager) IsSnoopChannel(_ context.Context, channelID string) bool {
	return strings.HasPrefix(channelID, snoopPrefix)
}

// SnoopConfirmed handles the snoop channel's own StasisStart. The setup
// sequence polls channel state directly, so this is informational only.
func (m *Manager) SnoopConfirmed(ctx context.Context, channelID string) {
	linkedID, err := m.deps.Contracts.ResolveSnoopID(ctx, channelID)
	if err != nil {
		m.log.Debug("snoop confirmation for unknown contract",
			slog.String("snoop_channel", channelID))
		return
	}
	m.log.Debug("snoop channel materialized",
		slog.String("linked_id", linkedID),
		slog.String("snoop_channel", channelID))
}

// RunCall owns one call from StasisStart to finalization. It blocks until the
// call ends; the caller runs it on its own goroutine. args are the application
// arguments carried on StasisStart.
func (m *Manager) RunCall(ctx context.Context, ch telephony.Channel, args ...string) {
	m.wg.Add(1)
	defer m.wg.Done()

	linkedID := ch.ID
	caller := ch.Caller.Number
	callee := ch.Dialplan.Exten
	if m.cfg.Mode == config.ModeOutbound {
		// Originated leg: the dialer names the bot in the first application
		// argument, and the dialed party is the connected endpoint.
		if len(args) > 0 && args[0] != "" {
			callee = args[0]
		}
		caller = ch.Connected.Number
	}
	log := m.log.With(slog.String("linked_id", linkedID), slog.String("callee", callee))

	bot, ok := m.botFor(callee)
	if !ok {
		log.Warn("no bot configured for callee, rejecting call")
		if err := m.deps.Telephony.Hangup(ctx, ch.ID); err != nil {
			log.Debug("reject hangup failed", slog.String("error", err.Error()))
		}
		return
	}
	log = log.With(slog.String("bot", bot.Name))

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cs := &callSession{
		linkedID:  linkedID,
		channelID: ch.ID,
		cancel:    cancel,
	}
	m.register(cs)
	defer m.unregister(cs)
	defer m.teardown(context.WithoutCancel(ctx), cs)

	if err := m.setup(callCtx, cs, ch, bot, caller, callee); err != nil {
		log.Error("call setup failed", slog.String("error", err.Error()))
		if herr := m.deps.Telephony.Hangup(ctx, ch.ID); herr != nil {
			log.Debug("setup-failure hangup failed", slog.String("error", herr.Error()))
		}
		return
	}

	m.deps.Metrics.ActiveSessions.Add(callCtx, 1)
	defer m.deps.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	log.Info("call session started",
		slog.String("caller", caller),
		slog.String("variant", string(bot.Engine)))

	if err := cs.orchestrator().Run(callCtx, cs.sess); err != nil {
		log.Error("turn loop error", slog.String("error", err.Error()))
	}
	if reason := cs.externalEndReason(); reason != "" {
		cs.sess.Terminate(reason)
	}
}

// setup runs the call's init sequence. Ordering matters:
//
//   - the capture bridge exists before the snoop is created;
//   - continuous capture starts before the snoop is pinned, because the
//     switch refuses to record an already-bridged channel;
//   - the contract reaches READY only after the pin, gating STT until the
//     tap is live.
func (m *Manager) setup(ctx context.Context, cs *callSession, ch telephony.Channel, bot config.BotConfig, caller, callee string) error {
	tel := m.deps.Telephony
	reg := m.deps.Contracts
	linkedID := cs.linkedID
	snoopID := snoopPrefix + linkedID

	// An originated leg only enters the application once the dialed party
	// answered; answering applies to inbound callers.
	if m.cfg.Mode != config.ModeOutbound {
		if err := tel.Answer(ctx, ch.ID); err != nil {
			return err
		}
	}

	if _, err := reg.Create(ctx, linkedID, snoopID, ch.ID); err != nil {
		return err
	}

	bridgeID, err := tel.CreateBridge(ctx, "mixing")
	if err != nil {
		return err
	}
	if err := tel.AddChannelToBridge(ctx, bridgeID, ch.ID); err != nil {
		return err
	}
	if err := reg.SetCaptureBridge(ctx, linkedID, bridgeID); err != nil {
		return err
	}

	snoopChID, err := tel.CreateSnoop(ctx, ch.ID, telephony.SnoopSpec{
		App:     m.cfg.ARI.Application,
		Spy:     "in",
		SnoopID: snoopID,
	})
	if err != nil {
		return err
	}

	if _, err := reg.Transition(ctx, linkedID, contract.StateCreated, contract.StateWaitingAst); err != nil {
		return err
	}
	m.deps.Watchdog.Watch(linkedID)
	defer m.deps.Watchdog.Unwatch(linkedID)

	if !tel.WaitForAudioPlaneReady(ctx, snoopChID, audioPlaneTimeout) {
		return errAudioPlane
	}

	capture, err := m.deps.Segmenter.Start(ctx, linkedID, snoopChID)
	if err != nil {
		m.log.Warn("continuous capture unavailable",
			slog.String("linked_id", linkedID),
			slog.String("error", err.Error()))
	} else {
		cs.capture = capture
	}

	if err := tel.PinSnoopToBridge(ctx, bridgeID, snoopChID, snoopPinRetries); err != nil {
		return err
	}

	if _, err := reg.Transition(ctx, linkedID, contract.StateWaitingAst, contract.StateReady); err != nil {
		return err
	}

	sp, err := m.deps.Speech.Connect(ctx, speech.SessionConfig{
		Voice:        m.cfg.Speech.Voice,
		Instructions: m.cfg.Speech.Instructions,
		Language:     m.cfg.Speech.Language,
	})
	if err != nil {
		return err
	}
	cs.speech = sp

	dom, err := m.deps.Domains.Resolve(bot.Domain, bot.Name)
	if err != nil {
		return err
	}
	table, err := phase.NewTable(dom.Phases())
	if err != nil {
		return err
	}
	phases := phase.NewManager(table,
		phase.WithLegacySilentPhases(m.cfg.Engine.LegacySilentPhases),
		phase.WithLogger(m.log))
	lifecycle := contract.NewEvaluator(dom.Lifecycle(), m.deps.Store, m.log)
	cs.marks = session.NewMarkLog(linkedID, m.deps.Store, m.log)

	sess := session.New(linkedID, ch.ID, caller, callee, bot.Name)
	sess.Domain = bot.Domain
	sess.Engine = bot.Engine
	sess.CurrentPhase = dom.Metadata().InitialPhase
	for k, v := range m.cfg.Features.Domains[bot.Domain] {
		sess.State[k] = v
	}
	cs.sess = sess

	cs.setOrchestrator(engine.New(m.engineConfig(bot), engine.Deps{
		Telephony: tel,
		Speech:    sp,
		Domain:    dom,
		Phases:    phases,
		Lifecycle: lifecycle,
		Contracts: reg,
		Webhooks:  m.deps.Webhooks,
		Marks:     cs.marks,
		Metrics:   m.deps.Metrics,
		Log:       m.log,
	}))

	if bot.Greeting != "" {
		m.playGreeting(ctx, ch.ID, bot.Greeting)
	}
	return nil
}

// playGreeting plays the bot's opening prompt and waits it out. Greeting
// failures never abort the call.
func (m *Manager) playGreeting(ctx context.Context, channelID, asset string) {
	pb, err := m.deps.Telephony.Play(ctx, telephony.ChannelTarget(channelID), "sound:"+asset)
	if err != nil {
		m.log.Warn("greeting playback failed", slog.String("error", err.Error()))
		return
	}
	if err := pb.Wait(ctx); err != nil {
		m.log.Debug("greeting playback interrupted", slog.String("error", err.Error()))
	}
}

// teardown releases the call's resources and produces its artifacts. Runs at
// most once per session; safe on a partially set-up session.
func (m *Manager) teardown(ctx context.Context, cs *callSession) {
	cs.cleanup.Do(func() {
		if cs.capture != nil {
			if err := m.deps.Segmenter.Stop(ctx, cs.capture); err != nil {
				m.log.Warn("capture stop failed",
					slog.String("linked_id", cs.linkedID),
					slog.String("error", err.Error()))
			}
		}
		if cs.speech != nil {
			if err := cs.speech.Close(); err != nil {
				m.log.Debug("speech session close failed",
					slog.String("linked_id", cs.linkedID),
					slog.String("error", err.Error()))
			}
		}
		if err := m.deps.Contracts.Destroy(ctx, cs.linkedID); err != nil {
			m.log.Warn("contract destroy failed",
				slog.String("linked_id", cs.linkedID),
				slog.String("error", err.Error()))
		}

		if cs.sess == nil {
			return
		}
		if !cs.sess.Terminated {
			cs.sess.Terminate("session closed")
		}
		var marks []session.Mark
		if cs.marks != nil {
			marks = cs.marks.Marks()
		}
		if m.deps.Finalizer != nil {
			if _, err := m.deps.Finalizer.Finalize(ctx, cs.sess, cs.capture, marks); err != nil {
				m.log.Error("call finalization failed",
					slog.String("linked_id", cs.linkedID),
					slog.String("error", err.Error()))
			}
		}
	})
}

// ChannelGone handles StasisEnd/ChannelDestroyed for any channel. Only the
// caller channel ends its session; snoop channels die with the call.
func (m *Manager) ChannelGone(_ context.Context, channelID string) {
	cs := m.byChannelID(channelID)
	if cs == nil {
		return
	}
	cs.noteEnd("caller hung up")
	cs.cancel()
	m.log.Info("caller channel gone", slog.String("linked_id", cs.linkedID))
}

// Deliver forwards a channel event to the orchestrator owning it.
func (m *Manager) Deliver(channelID string, ev telephony.Event) {
	cs := m.byChannelID(channelID)
	if cs == nil {
		return
	}
	if o := cs.orchestrator(); o != nil {
		o.HandleEvent(ev)
	}
}

// DrainAll terminates every live session and waits for their goroutines,
// bounded by ctx.
func (m *Manager) DrainAll(ctx context.Context) {
	m.mu.Lock()
	live := make([]*callSession, 0, len(m.calls))
	for _, cs := range m.calls {
		live = append(live, cs)
	}
	m.mu.Unlock()

	for _, cs := range live {
		cs.noteEnd("service shutting down")
		cs.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("shutdown drain timed out", slog.Int("remaining", m.Live()))
	}
}

// Live returns the number of live sessions.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *Manager) byChannelID(channelID string) *callSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if linkedID, ok := m.byChannel[channelID]; ok {
		return m.calls[linkedID]
	}
	return nil
}

func (m *Manager) register(cs *callSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[cs.linkedID] = cs
	m.byChannel[cs.channelID] = cs.linkedID
}

func (m *Manager) unregister(cs *callSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, cs.linkedID)
	delete(m.byChannel, cs.channelID)
}

// botFor finds the bot answering for a callee extension.
func (m *Manager) botFor(callee string) (config.BotConfig, bool) {
	for _, b := range m.cfg.Bots {
		if b.Name == callee {
			return b, true
		}
	}
	return config.BotConfig{}, false
}

// engineConfig maps the process-wide engine knobs and the bot's settings into
// a per-call engine configuration.
func (m *Manager) engineConfig(bot config.BotConfig) engine.Config {
	ec := m.cfg.Engine
	return engine.Config{
		MaxTurns: ec.MaxTurns,
		Silence: policy.SilencePolicy{
			MaxSilentTurns: ec.MaxSilentTurns,
			FailClosed:     true,
		},
		Hold: policy.HoldPolicy{
			Enabled:             ec.HoldEnabled,
			EnterOnFirstSilence: true,
			MaxHoldDuration:     ec.MaxHoldDuration,
			MusicClass:          m.cfg.Audio.MusicClass,
		},
		Interrupt: policy.InterruptPolicy{
			AllowBargeIn:  true,
			Debounce:      ec.TalkingDebounce,
			MinSpeech:     ec.MinBargeInSpeech,
			MinConfidence: ec.MinBargeInConfidence,
		},
		MaxSilence:     ec.MaxSilence,
		MaxRecording:   ec.MaxRecording,
		MinSpeechBytes: ec.MinSpeechBytes,
		TransferQueue:  ec.TransferQueue,
		ScratchDir:     m.cfg.Audio.ScratchDir,
		SpoolDir:       m.cfg.Audio.SpoolDir,
		MusicClass:     m.cfg.Audio.MusicClass,
		Variant:        bot.Engine,
	}
}
