// Package session holds the per-call conversation state.
//
// A session is exclusively owned by its turn orchestrator and is deliberately
// free of concurrency primitives: the orchestrator is a single logical task
// that only yields at well-defined suspension points, so no other goroutine
// ever mutates the struct.
package session

import (
	"fmt"
	"time"

	"github.com/vozlab/arivoz/internal/config"
)

// Role identifies the speaker of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Utterance is one conversation entry.
type Utterance struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Session is the state of one call.
type Session struct {
	// Identity.
	LinkedID  string
	ChannelID string
	Caller    string
	Callee    string
	BotName   string
	Domain    string
	Engine    config.EngineVariant

	// Lifecycle.
	StartedAt  time.Time
	EndedAt    time.Time
	Active     bool
	Terminated bool
	InHold     bool

	// Reason recorded by the first Terminate call.
	EndReason string

	// Counters.
	Turn                int
	ConsecutiveSilences int
	TotalSilences       int
	SuccessfulTurns     int

	// Conversation.
	History      []Utterance
	CurrentPhase string

	// Anti-replay: the last TTS emission as a (phase, text) tuple.
	lastSpokenPhase string
	lastSpokenText  string

	// SkipUserInput is set when the domain asked for an immediate next
	// iteration without listening. Consumed by the orchestrator.
	SkipUserInput bool

	// State is the domain's business state. The engine never interprets it;
	// it must round-trip unchanged through every domain call.
	State map[string]any

	clock func() time.Time
}

// New creates an active session starting now.
func New(linkedID, channelID, caller, callee, botName string) *Session {
	clock := time.Now
	return &Session{
		LinkedID:  linkedID,
		ChannelID: channelID,
		Caller:    caller,
		Callee:    callee,
		BotName:   botName,
		StartedAt: clock(),
		Active:    true,
		State:     make(map[string]any),
		clock:     clock,
	}
}

// SetClock replaces the time source. Used in tests.
func (s *Session) SetClock(clock func() time.Time) { s.clock = clock }

// Terminate flips the session into its terminal state. Idempotent: only the
// first call records the reason and end time, and it reports whether it was
// the first.
func (s *Session) Terminate(reason string) bool {
	if s.Terminated {
		return false
	}
	s.Terminated = true
	s.Active = false
	s.EndReason = reason
	s.EndedAt = s.clock()
	return true
}

// ResetSilence clears the consecutive-silence counter after voice.
func (s *Session) ResetSilence() { s.ConsecutiveSilences = 0 }

// IncrementSilence counts one silent turn and returns the consecutive total.
func (s *Session) IncrementSilence() int {
	s.ConsecutiveSilences++
	s.TotalSilences++
	return s.ConsecutiveSilences
}

// MarkVoiceDetected records a successful user turn.
func (s *Session) MarkVoiceDetected() {
	s.ResetSilence()
	s.SuccessfulTurns++
}

// AddToHistory appends one conversation entry.
func (s *Session) AddToHistory(role Role, text string) {
	if text == "" {
		return
	}
	s.History = append(s.History, Utterance{
		Role:      role,
		Content:   text,
		Timestamp: s.clock(),
	})
}

// Duration is the call's elapsed (or final) duration.
func (s *Session) Duration() time.Duration {
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return s.clock().Sub(s.StartedAt)
}

// IsStale reports whether the session has outlived max.
func (s *Session) IsStale(max time.Duration) bool {
	return s.Duration() > max
}

// OffsetMs is the audio-timebase offset of now relative to call start.
func (s *Session) OffsetMs() int64 {
	return s.clock().Sub(s.StartedAt).Milliseconds()
}

// IsReplay reports whether emitting text in phase would repeat the previous
// emission. Different text in the same phase (a retry) is not a replay.
func (s *Session) IsReplay(phase, text string) bool {
	return text != "" && phase == s.lastSpokenPhase && text == s.lastSpokenText
}

// NoteSpoken records a realized TTS emission for anti-replay comparison.
func (s *Session) NoteSpoken(phase, text string) {
	s.lastSpokenPhase = phase
	s.lastSpokenText = text
}

// MergeState merges domain updates into the business state.
func (s *Session) MergeState(updates map[string]any) {
	for k, v := range updates {
		s.State[k] = v
	}
}

// Summary renders a one-line diagnostic description.
func (s *Session) Summary() string {
	return fmt.Sprintf("call=%s caller=%s callee=%s phase=%s turn=%d silences=%d/%d active=%v duration=%s",
		s.LinkedID, s.Caller, s.Callee, s.CurrentPhase,
		s.Turn, s.ConsecutiveSilences, s.TotalSilences,
		s.Active, s.Duration().Round(time.Second))
}
