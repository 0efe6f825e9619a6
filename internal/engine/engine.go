// Package engine runs the per-call turn loop: record the caller, consult the
// business domain, speak the reply, and enforce the policies that keep the
// conversation on rails.
//
// One orchestrator runs per call, as a single goroutine. All waits (recording,
// playback, speech responses, store access) happen at explicit suspension
// points, so a terminated session stops at the next wait without locking.
//
// Two turn processors exist. The strict processor transcribes the caller's
// audio, hands the text to the domain, and synthesizes exactly what the
// domain returns; the speech model never free-runs. The duplex processor
// streams audio through the speech model end to end and post-processes the
// transcript through the same domain contract. Domains swap between them
// mid-call with a [domain.UseEngine] action.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/vozlab/arivoz/internal/config"
	"github.com/vozlab/arivoz/internal/contract"
	"github.com/vozlab/arivoz/internal/domain"
	"github.com/vozlab/arivoz/internal/observe"
	"github.com/vozlab/arivoz/internal/phase"
	"github.com/vozlab/arivoz/internal/policy"
	"github.com/vozlab/arivoz/internal/session"
	"github.com/vozlab/arivoz/internal/speech"
	"github.com/vozlab/arivoz/internal/telephony"
)

// Config holds the per-call tuning derived from [config.EngineConfig] and the
// bot's settings.
type Config struct {
	MaxTurns int

	Silence   policy.SilencePolicy
	Hold      policy.HoldPolicy
	Interrupt policy.InterruptPolicy

	// MaxSilence and MaxRecording bound one user-turn recording.
	MaxSilence   time.Duration
	MaxRecording time.Duration

	// MinSpeechBytes is the smallest recording that qualifies as speech.
	MinSpeechBytes int64

	// TransferQueue is the dialplan extension for human handoff.
	TransferQueue string

	// ScratchDir receives synthesized WAVs for playback.
	ScratchDir string

	// SpoolDir is where the switch writes turn recordings.
	SpoolDir string

	// MusicClass for music-on-hold.
	MusicClass string

	// ApologyAsset is the pre-recorded prompt played before a soft-failure
	// transfer.
	ApologyAsset string

	// Variant selects the initial turn processor.
	Variant config.EngineVariant
}

// Deps are the collaborators the orchestrator drives. All are required
// except Metrics, which defaults to [observe.DefaultMetrics].
type Deps struct {
	Telephony telephony.Adapter
	Speech    speech.Session
	Domain    domain.Domain
	Phases    *phase.Manager
	Lifecycle *contract.Evaluator
	Contracts *contract.Registry
	Webhooks  domain.WebhookGateway
	Marks     *session.MarkLog
	Metrics   *observe.Metrics
	Log       *slog.Logger
}

// turnProcessor runs one voiced turn: caller audio in, domain decision out.
type turnProcessor interface {
	ProcessTurn(ctx context.Context, o *Orchestrator, sess *session.Session, pcm []byte) (turnOutcome, error)
}

// applyDefaults fills zero-valued knobs.
func (c *Config) applyDefaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = config.DefaultMaxTurns
	}
	if c.MaxSilence <= 0 {
		c.MaxSilence = config.DefaultMaxSilence
	}
	if c.MaxRecording <= 0 {
		c.MaxRecording = config.DefaultMaxRecording
	}
	if c.MinSpeechBytes <= 0 {
		c.MinSpeechBytes = config.DefaultMinSpeechBytes
	}
	if c.TransferQueue == "" {
		c.TransferQueue = config.DefaultTransferQueue
	}
	if c.Silence.MaxSilentTurns <= 0 {
		c.Silence = policy.SilencePolicy{MaxSilentTurns: config.DefaultMaxSilentTurns, FailClosed: true}
	}
	if c.Interrupt.Debounce <= 0 {
		c.Interrupt.Debounce = config.DefaultTalkingDebounce
	}
	if c.Interrupt.MinSpeech <= 0 {
		c.Interrupt.MinSpeech = config.DefaultMinBargeInSpeech
	}
	if c.ApologyAsset == "" {
		c.ApologyAsset = "apology"
	}
	if c.Variant == "" {
		c.Variant = config.EngineStrict
	}
}
