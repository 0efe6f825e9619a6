package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/vozlab/arivoz/internal/domain"
	"github.com/vozlab/arivoz/internal/policy"
	"github.com/vozlab/arivoz/internal/session"
	"github.com/vozlab/arivoz/pkg/audio"
)

// errDeepTurnBlocked signals the deep-turn identity guard: a free model turn
// was about to run past turn one without a captured identity. The
// orchestrator terminates rather than let the model improvise.
var errDeepTurnBlocked = errors.New("engine: free model turn blocked, identity not captured")

// processorFor maps an engine variant name to its processor. Unknown names
// fall back to strict, the safe default.
func processorFor(variant string) turnProcessor {
	if variant == "duplex" {
		return duplexProcessor{}
	}
	return strictProcessor{}
}

// turnOutcome is what a processor produced for one voiced turn.
type turnOutcome struct {
	// res is the domain's decision for this turn, already normalized.
	res domain.Result

	// userText is the transcript attributed to the caller.
	userText string

	// replyAudio, when non-empty, is model-synthesized reply audio (PCM16 at
	// the speech rate) to play instead of synthesizing res.TTSText.
	replyAudio []byte

	// replyText is what the reply audio says, for history and goodbye
	// detection.
	replyText string
}

// strictProcessor transcribes the caller and lets the domain decide every
// word spoken back. Used for identity capture and any phase where a model
// improvisation would be a liability.
type strictProcessor struct{}

var _ turnProcessor = strictProcessor{}

func (strictProcessor) ProcessTurn(ctx context.Context, o *Orchestrator, sess *session.Session, pcm []byte) (turnOutcome, error) {
	if err := o.contracts.RequireReady(ctx, sess.LinkedID); err != nil {
		return turnOutcome{}, err
	}

	start := o.clock()
	transcript, err := o.sp.TranscribeAudioOnly(ctx, audio.ResampleMono16(pcm, audio.TelephonyRate, audio.SpeechRate))
	o.metrics.STTDuration.Record(ctx, o.clock().Sub(start).Seconds())
	if err != nil {
		// Speech failures yield an empty transcript; the silence policy
		// governs the next step.
		o.log.Warn("transcription failed", "linked_id", sess.LinkedID, "error", err)
		return turnOutcome{}, nil
	}

	in := o.domainInput(sess, transcript)
	res, err := o.dom.Process(ctx, in)
	if err != nil {
		return turnOutcome{}, fmt.Errorf("engine: domain process: %w", err)
	}
	domain.NormalizeResult(&res, in, o.criticalPhase(in.Phase), o.log)

	return turnOutcome{res: res, userText: transcript}, nil
}

// duplexProcessor streams the caller's audio through the speech model and
// post-processes the transcript through the domain contract. The model's
// audio is the reply; the domain governs state, actions, and transitions.
type duplexProcessor struct{}

var _ turnProcessor = duplexProcessor{}

func (duplexProcessor) ProcessTurn(ctx context.Context, o *Orchestrator, sess *session.Session, pcm []byte) (turnOutcome, error) {
	if err := o.contracts.RequireReady(ctx, sess.LinkedID); err != nil {
		return turnOutcome{}, err
	}

	meta := o.dom.Metadata()
	if policy.DeepTurnIdentityBlocked(sess.Turn, domain.IdentityValidated(sess.State), sess.CurrentPhase, meta.CapturePhase) {
		return turnOutcome{}, errDeepTurnBlocked
	}

	start := o.clock()
	turn, err := o.sp.SendAudioAndWait(ctx, audio.ResampleMono16(pcm, audio.TelephonyRate, audio.SpeechRate))
	o.metrics.STTDuration.Record(ctx, o.clock().Sub(start).Seconds())
	if err != nil {
		o.log.Warn("model turn failed", "linked_id", sess.LinkedID, "error", err)
		return turnOutcome{}, nil
	}

	in := o.domainInput(sess, turn.UserTranscript)
	res, derr := o.dom.Process(ctx, in)
	if derr != nil {
		return turnOutcome{}, fmt.Errorf("engine: domain process: %w", derr)
	}
	domain.NormalizeResult(&res, in, o.criticalPhase(in.Phase), o.log)

	out := turnOutcome{res: res, userText: turn.UserTranscript}
	// The domain speaks for itself when it returns text; otherwise the
	// model's reply stands.
	if res.TTSText == "" && !res.Silent {
		out.replyAudio = turn.Audio
		out.replyText = turn.Transcript
	}
	return out, nil
}
