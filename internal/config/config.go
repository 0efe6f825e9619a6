// Package config provides the configuration schema, loader, and validation
// for the arivoz voicebot engine.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the engine process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects the call direction the process serves.
type Mode string

const (
	// ModeInbound answers calls arriving at the application.
	ModeInbound Mode = "inbound"

	// ModeOutbound serves call legs an external dialer originated into the
	// application: the bot name arrives in the application arguments, the
	// dialed party on the connected endpoint, and the leg enters already
	// answered.
	ModeOutbound Mode = "outbound"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeInbound || m == ModeOutbound
}

// EngineVariant selects the per-turn processing pipeline for a bot.
type EngineVariant string

const (
	// EngineStrict transcribes the user's audio, consults the domain with
	// the text, and synthesizes the domain's reply. No free model turns.
	EngineStrict EngineVariant = "strict"

	// EngineDuplex streams user audio straight through the speech model
	// (audio in, audio out) and post-processes the transcript through the
	// domain's business logic.
	EngineDuplex EngineVariant = "duplex"
)

// IsValid reports whether e is a recognised engine variant.
func (e EngineVariant) IsValid() bool {
	return e == EngineStrict || e == EngineDuplex
}

// Config is the root configuration structure for the engine.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Mode     Mode           `yaml:"mode"`
	ARI      ARIConfig      `yaml:"ari"`
	Speech   SpeechConfig   `yaml:"speech"`
	Store    StoreConfig    `yaml:"store"`
	Postgres PostgresConfig `yaml:"postgres"`
	Audio    AudioConfig    `yaml:"audio"`
	Engine   EngineConfig   `yaml:"engine"`
	Features FeatureFlags   `yaml:"features"`
	Bots     []BotConfig    `yaml:"bots"`

	// Webhooks maps webhook names, as referenced by domain CALL_WEBHOOK
	// actions, to their HTTP endpoints.
	Webhooks map[string]string `yaml:"webhooks"`
}

// ServerConfig holds the admin HTTP listener (health + metrics) and logging.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics
	// (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ARIConfig holds connection settings for the telephony switch's REST and
// WebSocket control interface.
type ARIConfig struct {
	// BaseURL is the REST endpoint, e.g. "http://pbx:8088/ari".
	BaseURL string `yaml:"base_url"`

	// WebsocketURL is the event-stream endpoint, e.g. "ws://pbx:8088/ari/events".
	// Derived from BaseURL when empty.
	WebsocketURL string `yaml:"websocket_url"`

	// Application is the Stasis application name the engine registers as.
	Application string `yaml:"application"`

	// Username and Password authenticate against the switch.
	// Password may also come from the ARI_PASSWORD environment variable.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SpeechConfig configures the streaming speech provider session.
type SpeechConfig struct {
	// APIKey authenticates against the provider. May also come from the
	// SPEECH_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	// Primarily used in tests to point at a local mock server.
	BaseURL string `yaml:"base_url"`

	// Model is the realtime speech model.
	Model string `yaml:"model"`

	// TranscriptionModel is the model used for input transcription.
	TranscriptionModel string `yaml:"transcription_model"`

	// IncrementalTranscriptionModel is switched to when a session enables
	// incremental (delta) transcription.
	IncrementalTranscriptionModel string `yaml:"incremental_transcription_model"`

	// Voice is the synthesis voice identifier.
	Voice string `yaml:"voice"`

	// Language is a BCP-47 tag, e.g. "es-CL".
	Language string `yaml:"language"`

	// Instructions is the base system instruction installed at connect.
	Instructions string `yaml:"instructions"`
}

// StoreConfig holds connection settings for the shared key/value store.
type StoreConfig struct {
	// Addr is host:port of the Redis server. May also come from the
	// REDIS_ADDR environment variable.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds the call-record sink connection. Optional: when DSN is
// empty, call records are logged only.
type PostgresConfig struct {
	// DSN may also come from the POSTGRES_DSN environment variable.
	DSN string `yaml:"dsn"`
}

// AudioConfig holds the filesystem layout for audio assets and recordings.
type AudioConfig struct {
	// PromptDir holds pre-recorded prompt assets playable by name.
	PromptDir string `yaml:"prompt_dir"`

	// SpoolDir is the switch's live recording directory. The engine treats
	// it as a producer it does not own.
	SpoolDir string `yaml:"spool_dir"`

	// FinalDir is where finished call recordings and conversation logs are
	// placed, laid out as {callee}/{yyyymmdd}/.
	FinalDir string `yaml:"final_dir"`

	// ScratchDir holds synthesized speech written for playback. Defaults to
	// the OS temp directory.
	ScratchDir string `yaml:"scratch_dir"`

	// MusicClass is the music-on-hold class used by the hold policy.
	MusicClass string `yaml:"music_class"`
}

// EngineConfig holds the turn-loop tuning knobs. Zero values take the
// defaults documented on each field.
type EngineConfig struct {
	// MaxTurns caps the number of turn-loop iterations per call. Default 20.
	MaxTurns int `yaml:"max_turns"`

	// MaxSilentTurns is the consecutive-silence count that ends the call.
	// Default 3. The silence policy is fail-closed.
	MaxSilentTurns int `yaml:"max_silent_turns"`

	// MaxSilence is how long a recording waits for speech before finishing.
	// Default 2.5s.
	MaxSilence time.Duration `yaml:"max_silence"`

	// MaxRecording caps a single user-turn recording. Default 10s.
	MaxRecording time.Duration `yaml:"max_recording"`

	// MinSpeechBytes is the minimum recording file size that qualifies as
	// speech. Default 4096.
	MinSpeechBytes int64 `yaml:"min_speech_bytes"`

	// TalkingDebounce is how long a talk-started event must persist before
	// it interrupts playback. Default 250ms.
	TalkingDebounce time.Duration `yaml:"talking_debounce"`

	// MinBargeInSpeech is the minimum detected speech duration that may
	// interrupt playback. Default 400ms.
	MinBargeInSpeech time.Duration `yaml:"min_barge_in_speech"`

	// MinBargeInConfidence gates interrupts when the talk event carries a
	// confidence score; when absent, duration alone decides. Default 0.6.
	MinBargeInConfidence float64 `yaml:"min_barge_in_confidence"`

	// HoldEnabled turns on music-on-hold during silent phases.
	HoldEnabled bool `yaml:"hold_enabled"`

	// MaxHoldDuration bounds a single hold period. Default 30s.
	MaxHoldDuration time.Duration `yaml:"max_hold_duration"`

	// TransferQueue is the dialplan extension calls are transferred to when
	// the caller asks for a human. Default "cola_ventas".
	TransferQueue string `yaml:"transfer_queue"`

	// LegacySilentPhases lists phase names treated as silent regardless of
	// the domain's declaration. Empty for new deployments; exists for
	// installations that predate domain-declared silent phases.
	LegacySilentPhases []string `yaml:"legacy_silent_phases"`
}

// engineConfigYAML mirrors EngineConfig with string-typed durations so YAML
// can carry values like "2.5s".
type engineConfigYAML struct {
	MaxTurns             int      `yaml:"max_turns"`
	MaxSilentTurns       int      `yaml:"max_silent_turns"`
	MaxSilence           string   `yaml:"max_silence"`
	MaxRecording         string   `yaml:"max_recording"`
	MinSpeechBytes       int64    `yaml:"min_speech_bytes"`
	TalkingDebounce      string   `yaml:"talking_debounce"`
	MinBargeInSpeech     string   `yaml:"min_barge_in_speech"`
	MinBargeInConfidence float64  `yaml:"min_barge_in_confidence"`
	HoldEnabled          bool     `yaml:"hold_enabled"`
	MaxHoldDuration      string   `yaml:"max_hold_duration"`
	TransferQueue        string   `yaml:"transfer_queue"`
	LegacySilentPhases   []string `yaml:"legacy_silent_phases"`
}

// UnmarshalYAML decodes the engine block, parsing duration fields with
// [time.ParseDuration].
func (e *EngineConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw engineConfigYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	e.MaxTurns = raw.MaxTurns
	e.MaxSilentTurns = raw.MaxSilentTurns
	e.MinSpeechBytes = raw.MinSpeechBytes
	e.MinBargeInConfidence = raw.MinBargeInConfidence
	e.HoldEnabled = raw.HoldEnabled
	e.TransferQueue = raw.TransferQueue
	e.LegacySilentPhases = raw.LegacySilentPhases

	for _, f := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"max_silence", raw.MaxSilence, &e.MaxSilence},
		{"max_recording", raw.MaxRecording, &e.MaxRecording},
		{"talking_debounce", raw.TalkingDebounce, &e.TalkingDebounce},
		{"min_barge_in_speech", raw.MinBargeInSpeech, &e.MinBargeInSpeech},
		{"max_hold_duration", raw.MaxHoldDuration, &e.MaxHoldDuration},
	} {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("config: engine.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// FeatureFlags gate optional engine behaviour.
type FeatureFlags struct {
	// ContinuousRecordingSegments enables mark-derived WAV segment
	// extraction during finalization.
	ContinuousRecordingSegments bool `yaml:"continuous_recording_segments"`

	// Domains holds free-form per-domain flags passed through to the
	// domain's business state at session start.
	Domains map[string]map[string]string `yaml:"domains"`
}

// BotConfig binds a callee identity to a domain and engine variant.
type BotConfig struct {
	// Name is the bot identity (typically the callee number or queue name).
	Name string `yaml:"name"`

	// Domain selects the registered business domain.
	Domain string `yaml:"domain"`

	// Engine selects the initial turn-processing variant.
	Engine EngineVariant `yaml:"engine"`

	// Greeting is an optional pre-recorded asset played at pickup.
	Greeting string `yaml:"greeting"`
}

// Defaults used when EngineConfig fields are zero.
const (
	DefaultMaxTurns             = 20
	DefaultMaxSilentTurns       = 3
	DefaultMaxSilence           = 2500 * time.Millisecond
	DefaultMaxRecording         = 10 * time.Second
	DefaultMinSpeechBytes       = 4096
	DefaultTalkingDebounce      = 250 * time.Millisecond
	DefaultMinBargeInSpeech     = 400 * time.Millisecond
	DefaultMinBargeInConfidence = 0.6
	DefaultMaxHoldDuration      = 30 * time.Second
	DefaultTransferQueue        = "cola_ventas"
)

// ApplyDefaults fills zero-valued engine knobs with their defaults.
func (e *EngineConfig) ApplyDefaults() {
	if e.MaxTurns <= 0 {
		e.MaxTurns = DefaultMaxTurns
	}
	if e.MaxSilentTurns <= 0 {
		e.MaxSilentTurns = DefaultMaxSilentTurns
	}
	if e.MaxSilence <= 0 {
		e.MaxSilence = DefaultMaxSilence
	}
	if e.MaxRecording <= 0 {
		e.MaxRecording = DefaultMaxRecording
	}
	if e.MinSpeechBytes <= 0 {
		e.MinSpeechBytes = DefaultMinSpeechBytes
	}
	if e.TalkingDebounce <= 0 {
		e.TalkingDebounce = DefaultTalkingDebounce
	}
	if e.MinBargeInSpeech <= 0 {
		e.MinBargeInSpeech = DefaultMinBargeInSpeech
	}
	if e.MinBargeInConfidence <= 0 {
		e.MinBargeInConfidence = DefaultMinBargeInConfidence
	}
	if e.MaxHoldDuration <= 0 {
		e.MaxHoldDuration = DefaultMaxHoldDuration
	}
	if e.TransferQueue == "" {
		e.TransferQueue = DefaultTransferQueue
	}
}
