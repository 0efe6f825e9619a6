package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/vozlab/arivoz/internal/contract"
	"github.com/vozlab/arivoz/internal/domain"
	"github.com/vozlab/arivoz/internal/policy"
	"github.com/vozlab/arivoz/internal/session"
)

// applyResult realizes one normalized domain result: state merge, playback,
// the action, goodbye detection, hangup, and the phase transition, in that
// order. Returns true when the loop must stop.
func (o *Orchestrator) applyResult(ctx context.Context, sess *session.Session, outcome turnOutcome) bool {
	res := outcome.res
	sess.MergeState(res.State)

	allowBargeIn := o.cfg.Interrupt.AllowBargeIn
	if res.AllowBargeIn != nil {
		allowBargeIn = *res.AllowBargeIn
	}

	spoken := ""
	if !res.Silent {
		switch {
		case len(outcome.replyAudio) > 0:
			o.playPCM(ctx, sess, outcome.replyAudio, allowBargeIn)
			sess.NoteSpoken(sess.CurrentPhase, outcome.replyText)
			sess.AddToHistory(session.RoleAssistant, outcome.replyText)
			spoken = outcome.replyText
		case res.AudioFile != "":
			o.playAsset(ctx, sess, res.AudioFile, allowBargeIn)
		default:
			o.speak(ctx, sess, res.TTSText, allowBargeIn)
			spoken = res.TTSText
		}
	}

	if stop := o.applyAction(ctx, sess, res.Action); stop {
		return true
	}

	if spoken != "" && policy.IsGoodbye(spoken) {
		// Let the audio tail drain before dropping the line.
		o.sleep(ctx, policy.AudioTailDelay)
		o.endCall(ctx, sess, "assistant said goodbye")
		return true
	}

	if res.ShouldHangup {
		o.endCall(ctx, sess, "domain requested hangup")
		return true
	}

	if res.NextPhase != "" {
		if stop := o.transition(ctx, sess, res.NextPhase); stop {
			return true
		}
	}

	if res.SkipUserInput {
		sess.SkipUserInput = true
	}
	return sess.Terminated
}

// applyAction runs the result's single action. Returns true when the loop
// must stop.
func (o *Orchestrator) applyAction(ctx context.Context, sess *session.Session, action domain.Action) bool {
	switch a := action.(type) {
	case nil:
		return false

	case domain.SetState:
		sess.MergeState(a.Updates)
		return false

	case domain.CallWebhook:
		return o.callWebhook(ctx, sess, a)

	case domain.UseEngine:
		o.log.Info("engine variant switched",
			slog.String("linked_id", sess.LinkedID),
			slog.String("variant", string(a.Variant)))
		o.proc = processorFor(string(a.Variant))
		sess.Engine = a.Variant
		return false

	case domain.EndCall:
		o.speak(ctx, sess, a.Text, false)
		o.endCall(ctx, sess, a.Reason)
		return true

	default:
		o.log.Error("unknown domain action", slog.String("linked_id", sess.LinkedID))
		return false
	}
}

// callWebhook invokes the webhook and applies the matching branch result.
// A server rejection and a transport failure both land on OnError; only the
// rejection leaves the marker that relaxes the lifecycle contract.
func (o *Orchestrator) callWebhook(ctx context.Context, sess *session.Session, a domain.CallWebhook) bool {
	if !o.lifecycle.IsActionAllowed(ctx, sess.CurrentPhase, contract.ActionWebhook, sess.LinkedID) {
		o.log.Warn("webhook denied by lifecycle contract",
			slog.String("linked_id", sess.LinkedID),
			slog.String("phase", sess.CurrentPhase),
			slog.String("webhook", a.Name))
		return false
	}

	start := o.clock()
	res, err := o.webhooks.Call(ctx, a.Name, a.Payload)
	o.metrics.WebhookDuration.Record(ctx, o.clock().Sub(start).Seconds())

	var branch *domain.Result
	switch {
	case err != nil:
		o.log.Error("webhook failed",
			slog.String("linked_id", sess.LinkedID),
			slog.String("webhook", a.Name),
			slog.String("error", err.Error()))
		branch = a.OnError
	case res.Accepted:
		branch = a.OnSuccess
	default:
		o.log.Warn("webhook rejected payload",
			slog.String("linked_id", sess.LinkedID),
			slog.String("webhook", a.Name))
		if merr := o.lifecycle.MarkWebhookRejected(ctx, sess.LinkedID); merr != nil {
			o.log.Warn("rejection marker failed", slog.String("error", merr.Error()))
		}
		branch = a.OnError
	}

	if branch == nil {
		return false
	}
	return o.applyResult(ctx, sess, turnOutcome{res: *branch})
}

// transition moves the session to the requested phase, subject to the
// regression rules and the invalid-complete guard. Returns true when the
// guard forced termination.
func (o *Orchestrator) transition(ctx context.Context, sess *session.Session, next string) bool {
	applied := o.phases.Transition(sess.CurrentPhase, next, "domain")
	if applied == sess.CurrentPhase {
		return false
	}

	meta := o.dom.Metadata()
	if applied == meta.TerminalPhase {
		if err := policy.CheckComplete(sess.LinkedID, applied, meta.TerminalPhase, domain.IdentityValidated(sess.State)); err != nil {
			o.metrics.RecordContractViolation(ctx, "INVALID_COMPLETE")
			o.log.Error("terminal phase without validated identity",
				slog.String("linked_id", sess.LinkedID),
				slog.String("phase", applied))
			o.endCall(ctx, sess, "invalid completion")
			return true
		}
	}

	o.log.Info("phase transition",
		slog.String("linked_id", sess.LinkedID),
		slog.String("from", sess.CurrentPhase),
		slog.String("to", applied))
	sess.CurrentPhase = applied
	return false
}

// playAsset plays a pre-recorded prompt by media name.
func (o *Orchestrator) playAsset(ctx context.Context, sess *session.Session, name string, allowBargeIn bool) {
	if !o.lifecycle.IsActionAllowed(ctx, sess.CurrentPhase, contract.ActionPlayback, sess.LinkedID) {
		o.log.Warn("playback denied by lifecycle contract",
			slog.String("linked_id", sess.LinkedID),
			slog.String("phase", sess.CurrentPhase))
		return
	}
	o.play(ctx, sess, "sound:"+name, allowBargeIn)
}

// softFail apologises and hands the caller to a human instead of dropping
// the line on an engine-side failure.
func (o *Orchestrator) softFail(ctx context.Context, sess *session.Session) {
	o.playAsset(ctx, sess, o.cfg.ApologyAsset, false)
	o.transfer(ctx, sess, "engine failure")
	if !sess.Terminated {
		o.endCall(ctx, sess, "engine failure")
	}
}

// transfer hands the caller to the human queue via the dialplan, then closes
// the session. The channel leaves the application, so no hangup follows.
func (o *Orchestrator) transfer(ctx context.Context, sess *session.Session, reason string) {
	if !o.lifecycle.IsActionAllowed(ctx, sess.CurrentPhase, contract.ActionTransfer, sess.LinkedID) {
		o.log.Warn("transfer denied by lifecycle contract",
			slog.String("linked_id", sess.LinkedID),
			slog.String("phase", sess.CurrentPhase))
		return
	}

	err := o.tel.ContinueInDialplan(ctx, sess.ChannelID, "queues", o.cfg.TransferQueue, 1)
	if err != nil {
		o.log.Error("dialplan handoff failed",
			slog.String("linked_id", sess.LinkedID),
			slog.String("queue", o.cfg.TransferQueue),
			slog.String("error", err.Error()))
		o.endCall(ctx, sess, "transfer failed")
		return
	}

	o.metrics.Transfers.Add(ctx, 1)
	o.log.Info("call transferred",
		slog.String("linked_id", sess.LinkedID),
		slog.String("queue", o.cfg.TransferQueue),
		slog.String("reason", reason))
	if sess.Terminate("transferred: " + reason) {
		o.metrics.RecordCallEnd(ctx, sess.BotName, "transferred")
	}
}

// endCall terminates the session and hangs up the channel. Idempotent: only
// the first call hangs up and records the end. A channel that is already
// gone is not an error.
func (o *Orchestrator) endCall(ctx context.Context, sess *session.Session, reason string) {
	if !sess.Terminate(reason) {
		return
	}

	if err := o.tel.Hangup(ctx, sess.ChannelID); err != nil {
		o.log.Debug("hangup failed",
			slog.String("linked_id", sess.LinkedID),
			slog.String("error", err.Error()))
	}
	o.metrics.RecordCallEnd(ctx, sess.BotName, reason)
}

// sleep blocks for d or until ctx is done.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
