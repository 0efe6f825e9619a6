package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vozlab/arivoz/internal/contract"
	"github.com/vozlab/arivoz/internal/domain"
	"github.com/vozlab/arivoz/internal/observe"
	"github.com/vozlab/arivoz/internal/policy"
	"github.com/vozlab/arivoz/internal/recording"
	"github.com/vozlab/arivoz/internal/session"
	"github.com/vozlab/arivoz/internal/speech"
	"github.com/vozlab/arivoz/internal/telephony"
	"github.com/vozlab/arivoz/pkg/audio"
)

// spoolSettle bounds the wait for a turn recording to appear on disk after
// the switch reports it finished.
const spoolSettle = 2 * time.Second

// eventBuf sizes the orchestrator's inbound event queue. Talk events during
// playback are the only consumers; overflow drops oldest-first semantics are
// unnecessary because stale talk events are harmless.
const eventBuf = 32

// Orchestrator runs the turn loop for one call. Not safe for concurrent use:
// exactly one goroutine calls Run; HandleEvent may be called from the event
// demultiplexer concurrently.
type Orchestrator struct {
	cfg Config

	tel       telephony.Adapter
	sp        speech.Session
	dom       domain.Domain
	phases    phaseManager
	lifecycle *contract.Evaluator
	contracts *contract.Registry
	webhooks  domain.WebhookGateway
	marks     *session.MarkLog
	metrics   *observe.Metrics
	log       *slog.Logger
	clock     func() time.Time

	proc   turnProcessor
	events chan telephony.Event

	holdSince time.Time
	settle    time.Duration
}

// phaseManager is the slice of phase.Manager the orchestrator uses.
type phaseManager interface {
	Transition(current, next, reason string) string
	IsSilent(name string) bool
	RequiresInput(name string) bool
}

// New creates an orchestrator for one call.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.applyDefaults()

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	return &Orchestrator{
		cfg:       cfg,
		tel:       deps.Telephony,
		sp:        deps.Speech,
		dom:       deps.Domain,
		phases:    deps.Phases,
		lifecycle: deps.Lifecycle,
		contracts: deps.Contracts,
		webhooks:  deps.Webhooks,
		marks:     deps.Marks,
		metrics:   metrics,
		log:       log.With(slog.String("component", "orchestrator")),
		clock:     time.Now,
		proc:      processorFor(string(cfg.Variant)),
		events:    make(chan telephony.Event, eventBuf),
		settle:    spoolSettle,
	}
}

// SetClock overrides the time source. Test hook.
func (o *Orchestrator) SetClock(clock func() time.Time) { o.clock = clock }

// HandleEvent feeds a channel event (talking started/finished) into the
// orchestrator. Non-blocking; called by the event demultiplexer.
func (o *Orchestrator) HandleEvent(ev telephony.Event) {
	select {
	case o.events <- ev:
	default:
		o.log.Debug("orchestrator event dropped", slog.String("type", string(ev.Type)))
	}
}

// Run executes the turn loop until the session terminates or the turn cap is
// reached. It never returns a non-nil error for conversational failures;
// those terminate the session with a reason instead.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session) error {
	log := o.log.With(slog.String("linked_id", sess.LinkedID), slog.String("bot", sess.BotName))
	log.Info("turn loop started", slog.String("phase", sess.CurrentPhase), slog.String("variant", string(o.cfg.Variant)))

	silentHops := 0
	for {
		if sess.Terminated || ctx.Err() != nil {
			break
		}
		if sess.Turn >= o.cfg.MaxTurns {
			o.speak(ctx, sess, policy.SilenceGoodbyeText, true)
			o.endCall(ctx, sess, "max turns reached")
			break
		}

		alive, err := o.tel.IsAlive(ctx, sess.ChannelID)
		if err != nil {
			log.Warn("alive check failed", slog.String("error", err.Error()))
		}
		if err == nil && !alive {
			sess.Terminate("channel gone")
			break
		}

		current := sess.CurrentPhase

		// Silent phases and skip-input iterations consult the domain with no
		// transcript and never listen. These iterations have no suspension
		// point of their own, so they are counted against the turn cap: a
		// domain that keeps the session in an input-free phase without making
		// progress would otherwise spin the loop.
		if sess.SkipUserInput || o.phases.IsSilent(current) || !o.phases.RequiresInput(current) {
			silentHops++
			if silentHops > o.cfg.MaxTurns {
				log.Error("input-free phase exceeded the turn cap", slog.String("phase", current))
				o.softFail(ctx, sess)
				break
			}
			sess.SkipUserInput = false
			in := o.domainInput(sess, "")
			res, derr := o.dom.Process(ctx, in)
			if derr != nil {
				log.Error("domain failed in silent phase", slog.String("error", derr.Error()))
				o.softFail(ctx, sess)
				break
			}
			domain.NormalizeResult(&res, in, o.criticalPhase(current), o.log)
			if resultStalls(res, current) {
				log.Error("domain made no progress in input-free phase", slog.String("phase", current))
				o.softFail(ctx, sess)
				break
			}
			if o.applyResult(ctx, sess, turnOutcome{res: res}) {
				break
			}
			continue
		}
		silentHops = 0

		pcm, lerr := o.listen(ctx, sess)
		if sess.Terminated || ctx.Err() != nil {
			break
		}
		if lerr != nil {
			log.Warn("turn recording failed", slog.String("error", lerr.Error()))
		}

		if len(pcm) == 0 {
			if o.handleSilence(ctx, sess) {
				break
			}
			continue
		}

		o.maybeExitHold(ctx, sess, true)
		sess.MarkVoiceDetected()
		sess.Turn++

		turnStart := o.clock()
		turnCtx, span := observe.StartSpan(ctx, "engine.turn",
			trace.WithAttributes(
				attribute.String("bot", sess.BotName),
				attribute.String("phase", current),
				attribute.Int("turn", sess.Turn)))
		outcome, perr := o.proc.ProcessTurn(turnCtx, o, sess, pcm)
		span.End()
		if perr != nil {
			var violation *contract.ViolationError
			switch {
			case errors.As(perr, &violation):
				// No frames reached the speech adapter; hold the phase and
				// listen again.
				o.metrics.RecordContractViolation(ctx, violation.Code)
				log.Error("turn blocked by snoop contract", slog.String("code", violation.Code))
				continue
			case errors.Is(perr, errDeepTurnBlocked):
				log.Error("deep-turn identity guard tripped", slog.Int("turn", sess.Turn))
				o.endCall(ctx, sess, "identity guard")
			default:
				log.Error("turn processing failed", slog.String("error", perr.Error()))
				o.softFail(ctx, sess)
			}
			break
		}
		o.markAdd(ctx, sess, session.MarkIntentFinalized, "", nil)

		if outcome.userText != "" {
			sess.AddToHistory(session.RoleUser, outcome.userText)
		}
		o.metrics.RecordTurn(ctx, sess.BotName, current)
		o.metrics.TurnDuration.Record(ctx, o.clock().Sub(turnStart).Seconds())

		if policy.IsTransferRequest(outcome.userText) {
			o.transfer(ctx, sess, "caller requested an agent")
			break
		}

		if o.applyResult(ctx, sess, outcome) {
			break
		}
	}

	log.Info("turn loop finished",
		slog.String("reason", sess.EndReason),
		slog.Int("turns", sess.Turn),
		slog.Duration("duration", sess.Duration()))
	return nil
}

// resultStalls reports whether a domain result neither speaks, acts, moves
// phase, nor requests anything. In an input-free phase such a result would
// re-enter the loop with nothing changed, so the orchestrator treats it as a
// domain failure.
func resultStalls(res domain.Result, current string) bool {
	return (res.NextPhase == "" || res.NextPhase == current) &&
		res.Action == nil && res.TTSText == "" && res.AudioFile == "" &&
		!res.ShouldHangup && !res.SkipUserInput
}

// handleSilence applies the silence policy to one silent turn. Returns true
// when the loop must stop.
func (o *Orchestrator) handleSilence(ctx context.Context, sess *session.Session) bool {
	o.maybeExitHold(ctx, sess, false)
	n := sess.IncrementSilence()
	dec := o.cfg.Silence.Evaluate(n)
	o.metrics.RecordSilence(ctx, sess.BotName, dec.Action.String())
	o.markAdd(ctx, sess, session.MarkTimeout, dec.Reason, nil)
	o.log.Info("silent turn",
		slog.String("linked_id", sess.LinkedID),
		slog.Int("consecutive", n),
		slog.String("action", dec.Action.String()))

	switch dec.Action {
	case policy.SilencePrompt:
		// Static text by design: dead air never triggers a model turn.
		o.speak(ctx, sess, dec.Message, true)
	case policy.SilenceContinue:
	case policy.SilenceGoodbye:
		o.speak(ctx, sess, dec.Message, true)
		o.endCall(ctx, sess, "no response from caller")
		return true
	}
	o.maybeEnterHold(ctx, sess)
	return sess.Terminated
}

// listen records one user turn from the caller's channel. Returns nil audio
// when no qualifying speech was captured.
func (o *Orchestrator) listen(ctx context.Context, sess *session.Session) ([]byte, error) {
	if !o.lifecycle.IsActionAllowed(ctx, sess.CurrentPhase, contract.ActionListen, sess.LinkedID) {
		o.log.Warn("listen denied by lifecycle contract",
			slog.String("linked_id", sess.LinkedID),
			slog.String("phase", sess.CurrentPhase))
		return nil, nil
	}

	o.markAdd(ctx, sess, session.MarkListenStart, "", map[string]string{"phase": sess.CurrentPhase})

	name := fmt.Sprintf("turn_%s_%d", sess.LinkedID, sess.Turn+1)
	rec, err := o.tel.Record(ctx, sess.ChannelID, telephony.RecordOptions{
		Name:        name,
		Format:      "wav",
		MaxDuration: o.cfg.MaxRecording,
		MaxSilence:  o.cfg.MaxSilence,
	})
	if err != nil {
		return nil, err
	}
	if err := rec.Wait(ctx); err != nil {
		return nil, err
	}

	path := filepath.Join(o.cfg.SpoolDir, name+".wav")
	if err := recording.WaitForFile(ctx, path, o.cfg.MinSpeechBytes, o.settle); err != nil {
		// Missing or undersized file is silence, not an error.
		return nil, nil
	}
	info, err := audio.ReadWav(path)
	if err != nil {
		o.log.Warn("turn recording unreadable", slog.String("path", path), slog.String("error", err.Error()))
		return nil, nil
	}
	return info.PCM, nil
}

// maybeEnterHold starts music-on-hold when the hold policy says so. Called
// after a silent listen turn, so the caller hears music instead of dead air
// while the engine keeps listening.
func (o *Orchestrator) maybeEnterHold(ctx context.Context, sess *session.Session) {
	if !o.cfg.Hold.ShouldEnter(sess.InHold, sess.ConsecutiveSilences) {
		return
	}
	if err := o.tel.StartMusicOnHold(ctx, sess.ChannelID, o.cfg.MusicClass); err != nil {
		o.log.Warn("music-on-hold start failed", slog.String("error", err.Error()))
		return
	}
	sess.InHold = true
	o.holdSince = o.clock()
}

// maybeExitHold stops music-on-hold on voice or timeout. MoH is mutually
// exclusive with playback, so speak() calls this first.
func (o *Orchestrator) maybeExitHold(ctx context.Context, sess *session.Session, voiceDetected bool) {
	if !sess.InHold {
		return
	}
	if !o.cfg.Hold.ShouldExit(voiceDetected, o.clock().Sub(o.holdSince)) {
		return
	}
	if err := o.tel.StopMusicOnHold(ctx, sess.ChannelID); err != nil {
		o.log.Warn("music-on-hold stop failed", slog.String("error", err.Error()))
	}
	sess.InHold = false
}

// domainInput builds the domain call context for the current iteration.
func (o *Orchestrator) domainInput(sess *session.Session, transcript string) domain.Input {
	return domain.Input{
		Transcript: transcript,
		SessionID:  sess.LinkedID,
		Caller:     sess.Caller,
		Callee:     sess.Callee,
		BotName:    sess.BotName,
		Phase:      sess.CurrentPhase,
		Turn:       sess.Turn,
		State:      sess.State,
	}
}

// criticalPhase reports whether ph is the domain's identity-capture phase,
// where a missing action must hold the phase.
func (o *Orchestrator) criticalPhase(ph string) bool {
	return ph != "" && ph == o.dom.Metadata().CapturePhase
}

// markAdd appends an audio mark at the session's current offset.
func (o *Orchestrator) markAdd(ctx context.Context, sess *session.Session, typ session.MarkType, reason string, meta map[string]string) {
	if o.marks == nil {
		return
	}
	o.marks.Add(ctx, typ, sess.OffsetMs(), reason, meta)
}
