// Package telephony is the engine's facade over the telephony switch.
//
// It wraps the switch's external REST control interface and WebSocket event
// stream behind the [Adapter] interface: channel liveness and hangup, bridge
// and snoop creation, playback and recording with completion handles,
// music-on-hold, and dialplan handoff. Two protocol quirks are papered over
// here so the rest of the engine never sees them:
//
//   - the materialization race between signalling and the audio plane
//     ([Adapter.WaitForAudioPlaneReady]), and
//   - the orphan collector that reaps ephemeral snoop channels between
//     creation and bridging ([Adapter.PinSnoopToBridge]).
//
// The concrete implementation is [Client]. Tests use the mock sub-package.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the switch's failure modes. REST errors from the
// switch unwrap to one of these where a caller can act on the distinction;
// everything else is a transport error.
var (
	// ErrNotFound means the channel, bridge, playback, or recording does
	// not exist (anymore).
	ErrNotFound = errors.New("telephony: resource not found")

	// ErrConflict means the resource exists but is in a state that rejects
	// the operation (e.g., recording a channel that is already bridged).
	ErrConflict = errors.New("telephony: conflicting resource state")
)

// apiError is a non-2xx REST response from the switch.
type apiError struct {
	status   int
	endpoint string
	body     string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telephony: %s: status %d: %s", e.endpoint, e.status, e.body)
}

// Is maps HTTP statuses onto the package sentinels so callers can use
// errors.Is without knowing about HTTP.
func (e *apiError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.status == 404
	case ErrConflict:
		return e.status == 409
	}
	return false
}

// pinRetryable reports whether err is one of the transient failures the
// snoop pin protocol retries: the snoop channel not materialized yet (404)
// or the switch rejecting the add because the channel is mid-setup (400).
func pinRetryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status == 404 || ae.status == 400
	}
	return false
}

// TargetKind distinguishes playback targets.
type TargetKind string

const (
	TargetChannel TargetKind = "channel"
	TargetBridge  TargetKind = "bridge"
)

// Target identifies where audio is played.
type Target struct {
	Kind TargetKind
	ID   string
}

// ChannelTarget returns a playback target addressing a channel.
func ChannelTarget(id string) Target { return Target{Kind: TargetChannel, ID: id} }

// BridgeTarget returns a playback target addressing a bridge.
func BridgeTarget(id string) Target { return Target{Kind: TargetBridge, ID: id} }

// RecordOptions configures a live recording.
type RecordOptions struct {
	// Name is the recording name in the switch spool. Generated when empty.
	Name string

	// Format is the container format. Default "wav".
	Format string

	// MaxDuration caps the recording length. 0 means unbounded.
	MaxDuration time.Duration

	// MaxSilence finishes the recording after this much trailing silence.
	// 0 disables silence detection.
	MaxSilence time.Duration

	// Beep plays a tone when recording starts.
	Beep bool
}

// SnoopSpec configures a snoop (audio tap) channel.
type SnoopSpec struct {
	// App is the application the snoop channel enters.
	App string

	// Spy selects which direction is tapped: "in", "out", or "both".
	// The engine taps "in" — user audio only.
	Spy string

	// SnoopID is the requested channel id. Generated when empty.
	SnoopID string
}

// Playback is a handle on an in-progress media playback.
//
// A playback is considered started as soon as the start call succeeds with an
// id; the switch's Started event only confirms it. Wait returns when the
// switch reports Finished or Stopped, the playback fails, ctx is cancelled,
// or the playback timeout elapses (in which case the playback is force-stopped).
type Playback interface {
	ID() string
	Stop(ctx context.Context) error
	Wait(ctx context.Context) error
}

// Recording is a handle on an in-progress live recording.
type Recording interface {
	Name() string
	Stop(ctx context.Context) error

	// Wait blocks until the switch reports RecordingFinished (nil) or
	// RecordingFailed (error), or ctx is cancelled.
	Wait(ctx context.Context) error
}

// Adapter is the full control surface the engine needs from the switch.
// All operations are remote calls and may fail with [ErrNotFound],
// [ErrConflict], or a wrapped transport error.
type Adapter interface {
	// IsAlive reports whether the channel still exists and is not hung up.
	IsAlive(ctx context.Context, channelID string) (bool, error)

	// Answer answers an inbound channel.
	Answer(ctx context.Context, channelID string) error

	// Hangup terminates the channel. Hanging up a missing channel returns
	// ErrNotFound, which most callers treat as success.
	Hangup(ctx context.Context, channelID string) error

	// ContinueInDialplan releases the channel back to the dialplan at the
	// given context/extension/priority. Used for queue transfers.
	ContinueInDialplan(ctx context.Context, channelID, dialCtx, extension string, priority int) error

	// SetChannelVar sets a channel variable.
	SetChannelVar(ctx context.Context, channelID, name, value string) error

	// Play starts media playback on a channel or bridge and returns a
	// handle. mediaURI uses switch syntax, e.g. "sound:/var/lib/prompts/hello".
	Play(ctx context.Context, target Target, mediaURI string) (Playback, error)

	// Record starts a live recording of the channel and returns a handle.
	Record(ctx context.Context, channelID string, opts RecordOptions) (Recording, error)

	// CreateBridge creates a bridge of the given type (e.g. "mixing") and
	// returns its id.
	CreateBridge(ctx context.Context, bridgeType string) (string, error)

	// AddChannelToBridge joins a channel into a bridge.
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error

	// CreateSnoop creates an audio tap on the channel and returns the snoop
	// channel id.
	CreateSnoop(ctx context.Context, channelID string, spec SnoopSpec) (string, error)

	// StartMusicOnHold starts MoH on the channel with the given class.
	StartMusicOnHold(ctx context.Context, channelID, class string) error

	// StopMusicOnHold stops MoH on the channel.
	StopMusicOnHold(ctx context.Context, channelID string) error

	// WaitForAudioPlaneReady polls the channel every 50ms until it reports
	// Up or timeout elapses. Bridges the race between signalling and the
	// audio plane; call before any STT gate.
	WaitForAudioPlaneReady(ctx context.Context, channelID string, timeout time.Duration) bool

	// PinSnoopToBridge adds the snoop channel to the bridge, retrying with
	// 100ms backoff on not-found/bad-request responses. This defeats the
	// switch's orphan collection of ephemeral snoop channels.
	PinSnoopToBridge(ctx context.Context, bridgeID, channelID string, maxRetries int) error

	// Events returns the stream of switch events for the subscribed
	// application. The channel is closed when the adapter is closed.
	Events() <-chan Event

	// Ping verifies the switch's REST interface answers. Readiness probe.
	Ping(ctx context.Context) error

	// Close stops the event stream and releases the adapter.
	Close() error
}
