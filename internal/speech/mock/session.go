// Package mock provides scriptable in-memory speech.Provider and
// speech.Session implementations for tests.
package mock

import (
	"context"
	"sync"

	"github.com/vozlab/arivoz/internal/speech"
)

// Provider hands out a fixed session. The zero value returns a fresh
// [Session] per Connect.
type Provider struct {
	// Sess is returned by Connect when non-nil.
	Sess speech.Session

	// ConnectErr fails Connect when non-nil.
	ConnectErr error

	mu       sync.Mutex
	Connects []speech.SessionConfig
}

var _ speech.Provider = (*Provider)(nil)

func (p *Provider) Connect(_ context.Context, cfg speech.SessionConfig) (speech.Session, error) {
	p.mu.Lock()
	p.Connects = append(p.Connects, cfg)
	p.mu.Unlock()

	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Sess != nil {
		return p.Sess, nil
	}
	return NewSession(), nil
}

// Session is a scriptable speech.Session. The zero value from [NewSession]
// returns empty results for everything. Script behaviour either with the
// queue helpers (QueueTranscript, QueueTurn) or by overriding the *Func
// fields.
type Session struct {
	TurnFunc       func(pcm []byte) (speech.TurnResult, error)
	TranscribeFunc func(pcm []byte) (string, error)
	SynthFunc      func(text string) ([]byte, error)

	mu          sync.Mutex
	turns       []speech.TurnResult
	transcripts []string
	synthAudio  []byte

	SystemTexts []string
	Cancelled   int
	Incremental bool
	Closed      bool

	deltas chan speech.TranscriptDelta
}

var _ speech.Session = (*Session)(nil)

// NewSession returns a session whose operations succeed with empty results.
func NewSession() *Session {
	return &Session{
		synthAudio: []byte{0, 0},
		deltas:     make(chan speech.TranscriptDelta, 32),
	}
}

// QueueTranscript appends a transcript returned by successive
// TranscribeAudioOnly calls. When the queue is empty the last entry repeats.
func (s *Session) QueueTranscript(texts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, texts...)
}

// QueueTurn appends a result returned by successive SendAudioAndWait calls.
func (s *Session) QueueTurn(results ...speech.TurnResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, results...)
}

// SetSynthAudio sets the audio returned by SynthesizeSpeech.
func (s *Session) SetSynthAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synthAudio = pcm
}

// EmitDelta injects an incremental transcription fragment.
func (s *Session) EmitDelta(d speech.TranscriptDelta) {
	s.deltas <- d
}

func (s *Session) SendAudioAndWait(_ context.Context, pcm []byte) (speech.TurnResult, error) {
	if s.TurnFunc != nil {
		return s.TurnFunc(pcm)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) == 0 {
		return speech.TurnResult{}, nil
	}
	res := s.turns[0]
	if len(s.turns) > 1 {
		s.turns = s.turns[1:]
	}
	return res, nil
}

func (s *Session) TranscribeAudioOnly(_ context.Context, pcm []byte) (string, error) {
	if s.TranscribeFunc != nil {
		return s.TranscribeFunc(pcm)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transcripts) == 0 {
		return "", nil
	}
	text := s.transcripts[0]
	if len(s.transcripts) > 1 {
		s.transcripts = s.transcripts[1:]
	}
	return text, nil
}

func (s *Session) SynthesizeSpeech(_ context.Context, text string) ([]byte, error) {
	if s.SynthFunc != nil {
		return s.SynthFunc(text)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthAudio, nil
}

func (s *Session) SendSystemText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SystemTexts = append(s.SystemTexts, text)
	return nil
}

func (s *Session) CancelCurrentResponse(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cancelled++
	return nil
}

func (s *Session) SetIncremental(_ context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Incremental = enabled
	return nil
}

func (s *Session) Deltas() <-chan speech.TranscriptDelta { return s.deltas }

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Closed {
		s.Closed = true
		close(s.deltas)
	}
	return nil
}

// SystemTextLog returns a copy of the system texts sent so far.
func (s *Session) SystemTextLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.SystemTexts...)
}

// CancelCount returns how many times the current response was cancelled.
func (s *Session) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Cancelled
}
