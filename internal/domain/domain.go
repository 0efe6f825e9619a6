// Package domain defines the contract between the engine and a business
// domain.
//
// The engine owns the call; the domain owns the conversation. Each turn the
// engine hands the domain a transcript plus the opaque business state, and
// the domain answers with what to say, where to go, and optionally one
// action. The engine never interprets the business state — it must round-trip
// unchanged through every call.
package domain

import (
	"context"

	"github.com/vozlab/arivoz/internal/contract"
	"github.com/vozlab/arivoz/internal/phase"
)

// Input is the engine's view of one turn, handed to the domain.
type Input struct {
	// Transcript is the user's utterance. Empty on silent-phase iterations
	// and skip-input turns.
	Transcript string

	SessionID string
	Caller    string
	Callee    string
	BotName   string

	// Phase is the session's current phase.
	Phase string

	// Turn is the 1-based turn counter.
	Turn int

	// State is the domain's business state from the previous turn.
	State map[string]any
}

// Result is the domain's answer for one turn. Zero-value fields mean
// "nothing": no TTS, no transition, no action.
type Result struct {
	// TTSText is the assistant utterance to synthesize and play.
	TTSText string

	// AudioFile names a pre-recorded asset to play instead of TTS.
	AudioFile string

	// NextPhase requests a phase transition, subject to the regression
	// rules.
	NextPhase string

	// ShouldHangup ends the call after this turn's output. Must be
	// consistent with an EndCall action; the guard normalizes mismatches.
	ShouldHangup bool

	// Silent suppresses playback; only state and phase apply.
	Silent bool

	// SkipUserInput asks for an immediate next iteration without listening.
	SkipUserInput bool

	// AllowBargeIn overrides the engine's barge-in default for this turn's
	// playback. Nil leaves the default in place.
	AllowBargeIn *bool

	// Action is at most one engine-visible action.
	Action Action

	// State is the business state after this turn.
	State map[string]any
}

// Metadata names the phases the engine's guards care about.
type Metadata struct {
	// InitialPhase is where a fresh session starts.
	InitialPhase string

	// CapturePhase is the identity-capture phase; the deep-turn guard
	// exempts it.
	CapturePhase string

	// TerminalPhase is where the invalid-complete guard applies.
	TerminalPhase string
}

// Domain is one business conversation flow.
type Domain interface {
	// Name is the registry key.
	Name() string

	// Metadata names the guard-relevant phases.
	Metadata() Metadata

	// Phases is the domain's phase table in order.
	Phases() []phase.Phase

	// Lifecycle is the per-phase action contract.
	Lifecycle() map[string]contract.Rule

	// Process handles one turn.
	Process(ctx context.Context, in Input) (Result, error)
}

// IdentityValidated reports whether the domain marked the business state as
// carrying a validated identity. Shared convention between domains and the
// engine's guards.
func IdentityValidated(state map[string]any) bool {
	v, _ := state["identity_validated"].(bool)
	return v
}

// CapturedIdentity returns the captured identity string, if any.
func CapturedIdentity(state map[string]any) string {
	s, _ := state["rut"].(string)
	return s
}
