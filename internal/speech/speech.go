// Package speech defines the engine's interface to a streaming speech model
// and its realtime WebSocket implementation.
//
// The engine drives the model strictly half-duplex: it decides when a user
// turn starts and ends, pushes the captured audio, and asks for exactly one
// of transcription, synthesis, or a full model turn. Server-side voice
// activity detection is disabled; the model never opens a turn on its own.
package speech

import (
	"context"
	"errors"
)

// Sentinel errors for session-level failure modes.
var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("speech: session closed")

	// ErrCancelled resolves a pending model response that was cancelled by
	// [Session.CancelCurrentResponse] (barge-in) before it completed.
	ErrCancelled = errors.New("speech: response cancelled")

	// ErrBusy is returned when a model response is requested while another
	// is still in flight. The engine serializes turns, so hitting this
	// indicates a turn-loop bug rather than a transient condition.
	ErrBusy = errors.New("speech: response already in flight")
)

// SessionConfig carries the per-call session parameters.
type SessionConfig struct {
	// Voice is the synthesis voice identifier.
	Voice string

	// Instructions is the base system instruction installed at connect.
	Instructions string

	// Language is a BCP-47 tag biasing transcription, e.g. "es".
	Language string
}

// TranscriptDelta is one incremental transcription fragment. Final marks the
// last fragment of an utterance.
type TranscriptDelta struct {
	Text  string
	Final bool
}

// TurnResult is the model's complete answer to one user turn.
type TurnResult struct {
	// Audio is the synthesized reply, PCM16 mono at the model's output rate.
	Audio []byte

	// Transcript is what the model said.
	Transcript string

	// UserTranscript is the model's transcription of the user audio that
	// produced this turn. Empty if transcription did not complete in time.
	UserTranscript string
}

// Provider opens model sessions.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is one live model connection serving a single call.
//
// SendAudioAndWait, TranscribeAudioOnly, and SynthesizeSpeech are
// single-flight: at most one may be in progress at a time, and a concurrent
// request fails with [ErrBusy]. All blocking operations honor ctx; on
// cancellation the in-flight model response is cancelled too.
type Session interface {
	// SendAudioAndWait pushes one user turn of PCM16 audio and blocks until
	// the model's full reply (audio plus transcript) arrives.
	SendAudioAndWait(ctx context.Context, pcm []byte) (TurnResult, error)

	// TranscribeAudioOnly pushes audio for transcription without opening a
	// model turn and returns the transcript.
	TranscribeAudioOnly(ctx context.Context, pcm []byte) (string, error)

	// SynthesizeSpeech asks the model to speak text verbatim and returns the
	// audio. The text is not added to the conversation as a user message.
	SynthesizeSpeech(ctx context.Context, text string) ([]byte, error)

	// SendSystemText installs a system message into the conversation,
	// steering subsequent model turns.
	SendSystemText(ctx context.Context, text string) error

	// CancelCurrentResponse aborts the in-flight model response, if any.
	// The aborted call resolves with [ErrCancelled]. Used for barge-in.
	CancelCurrentResponse(ctx context.Context) error

	// SetIncremental toggles incremental transcription. While enabled,
	// transcription fragments stream on [Session.Deltas].
	SetIncremental(ctx context.Context, enabled bool) error

	// Deltas is the incremental transcription stream. Closed with the
	// session.
	Deltas() <-chan TranscriptDelta

	// Close terminates the session. Idempotent.
	Close() error
}
