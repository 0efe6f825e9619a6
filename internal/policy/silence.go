// Package policy holds the engine's conversational guardrails: silence
// handling, hold, barge-in admission, termination detection, and the
// anti-hallucination guards.
//
// Policies are pure decision functions. They never touch telephony or the
// speech model; the orchestrator executes what they decide.
package policy

import "time"

// SilenceAction is what the orchestrator does after a silent turn.
type SilenceAction int

const (
	// SilencePrompt plays the static re-engagement prompt. Never a free
	// model turn: a hallucinated prompt in dead air is worse than silence.
	SilencePrompt SilenceAction = iota

	// SilenceContinue listens again without speaking.
	SilenceContinue

	// SilenceGoodbye plays the farewell and terminates.
	SilenceGoodbye
)

func (a SilenceAction) String() string {
	switch a {
	case SilencePrompt:
		return "prompt"
	case SilenceContinue:
		return "continue"
	case SilenceGoodbye:
		return "goodbye"
	}
	return "unknown"
}

// Static silence utterances. These are fixed strings by design; the silence
// path must never consult the model.
const (
	SilencePromptText  = "¿Sigue en línea? Por favor, dígame sí o no."
	SilenceGoodbyeText = "Parece que no hay respuesta. Hasta luego."
)

// SilenceDecision is the outcome of one silence evaluation.
type SilenceDecision struct {
	Action  SilenceAction
	Message string
	Reason  string
}

// SilencePolicy governs consecutive silent turns. Fail-closed: when in doubt
// the call ends rather than loops.
type SilencePolicy struct {
	// MaxSilentTurns is the consecutive count that ends the call.
	MaxSilentTurns int

	// FailClosed forces goodbye on any out-of-range counter state.
	FailClosed bool
}

// Evaluate decides the response to the n-th consecutive silence (1-based).
func (p SilencePolicy) Evaluate(consecutive int) SilenceDecision {
	max := p.MaxSilentTurns
	if max <= 0 {
		max = 3
	}

	switch {
	case consecutive >= max:
		return SilenceDecision{
			Action:  SilenceGoodbye,
			Message: SilenceGoodbyeText,
			Reason:  "max silent turns reached",
		}
	case consecutive == 1:
		return SilenceDecision{
			Action:  SilencePrompt,
			Message: SilencePromptText,
			Reason:  "first silence",
		}
	case consecutive > 1:
		return SilenceDecision{Action: SilenceContinue, Reason: "subsequent silence"}
	default:
		// consecutive < 1 should be unreachable; fail closed when asked to.
		if p.FailClosed {
			return SilenceDecision{
				Action:  SilenceGoodbye,
				Message: SilenceGoodbyeText,
				Reason:  "invalid silence counter",
			}
		}
		return SilenceDecision{Action: SilenceContinue, Reason: "invalid silence counter"}
	}
}

// HoldPolicy governs music-on-hold while the caller stays quiet.
type HoldPolicy struct {
	Enabled             bool
	EnterOnFirstSilence bool
	MaxHoldDuration     time.Duration
	MusicClass          string
}

// ShouldEnter reports whether MoH should start after a silent listen turn.
func (p HoldPolicy) ShouldEnter(inHold bool, consecutiveSilences int) bool {
	if !p.Enabled || inHold {
		return false
	}
	if p.EnterOnFirstSilence {
		return consecutiveSilences >= 1
	}
	return consecutiveSilences >= 2
}

// ShouldExit reports whether MoH should stop: voice detected or the hold
// outlived its bound.
func (p HoldPolicy) ShouldExit(voiceDetected bool, heldFor time.Duration) bool {
	if voiceDetected {
		return true
	}
	max := p.MaxHoldDuration
	if max <= 0 {
		max = 30 * time.Second
	}
	return heldFor >= max
}
