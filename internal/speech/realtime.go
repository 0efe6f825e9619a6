package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// Compile-time assertions that Realtime and its session satisfy the package
// interfaces.
var _ Provider = (*Realtime)(nil)
var _ Session = (*rtSession)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultTranscriptionModel = "whisper-1"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"

	// appendChunkBytes is the audio payload size per append message. Keeps
	// individual frames well under the endpoint's message limit.
	appendChunkBytes = 32 * 1024
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Realtime provider.
type Option func(*Realtime)

// WithModel sets the realtime speech model used for sessions.
func WithModel(model string) Option {
	return func(p *Realtime) {
		if model != "" {
			p.model = model
		}
	}
}

// WithTranscriptionModels sets the input-transcription models: base is used
// by default, incremental when a session enables delta transcription.
func WithTranscriptionModels(base, incremental string) Option {
	return func(p *Realtime) {
		if base != "" {
			p.txModel = base
		}
		if incremental != "" {
			p.txIncrementalModel = incremental
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Realtime) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Realtime) { p.log = log }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Realtime implements [Provider] over a realtime speech WebSocket endpoint.
type Realtime struct {
	apiKey             string
	model              string
	txModel            string
	txIncrementalModel string
	baseURL            string
	log                *slog.Logger
}

// NewRealtime creates a Realtime provider with the given API key and options.
func NewRealtime(apiKey string, opts ...Option) *Realtime {
	p := &Realtime{
		apiKey:             apiKey,
		model:              defaultModel,
		txModel:            defaultTranscriptionModel,
		txIncrementalModel: defaultTranscriptionModel,
		baseURL:            defaultBaseURL,
		log:                slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a model session. The returned Session is ready once the
// initial session.update is acknowledged by the transport write.
func (p *Realtime) Connect(ctx context.Context, cfg SessionConfig) (Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("speech: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &rtSession{
		conn:     conn,
		cfg:      cfg,
		provider: p,
		log:      p.log.With(slog.String("component", "speech")),
		deltas:   make(chan TranscriptDelta, 32),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := s.sendSessionUpdate(p.txModel); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("speech: session update: %w", err)
	}

	go s.receiveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice              string               `json:"voice,omitempty"`
	Instructions       string               `json:"instructions,omitempty"`
	InputAudioFormat   string               `json:"input_audio_format"`
	OutputAudioFormat  string               `json:"output_audio_format"`
	InputTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`

	// TurnDetection is always explicitly null: the engine decides turn
	// boundaries, never the model's VAD.
	TurnDetection *struct{} `json:"turn_detection"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in an error event.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *struct {
		Status string `json:"status"`
	} `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

// responseWaiter collects one in-flight model response until response.done.
type responseWaiter struct {
	audio          []byte
	transcript     strings.Builder
	userTranscript string
	err            error
	done           chan struct{}
}

// sttWaiter collects one in-flight transcription-only request.
type sttWaiter struct {
	transcript string
	err        error
	done       chan struct{}
}

type rtSession struct {
	conn     *websocket.Conn
	cfg      SessionConfig
	provider *Realtime
	log      *slog.Logger

	deltas chan TranscriptDelta

	mu          sync.Mutex
	closed      bool
	incremental bool
	resp        *responseWaiter
	stt         *sttWaiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures voice, instructions, audio formats, and the
// transcription model. VAD stays off for the session's lifetime.
func (s *rtSession) sendSessionUpdate(txModel string) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Voice:             s.cfg.Voice,
		Instructions:      s.cfg.Instructions,
		InputTranscription: &transcriptionParams{
			Model:    txModel,
			Language: s.cfg.Language,
		},
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *rtSession) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("speech: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the deltas channel and closes it on exit.
func (s *rtSession) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.failPending(fmt.Errorf("speech: connection lost: %w", err))
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *rtSession) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.mu.Lock()
		if s.resp != nil {
			s.resp.audio = append(s.resp.audio, audioData...)
		}
		s.mu.Unlock()

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		if s.resp != nil {
			s.resp.transcript.WriteString(evt.Delta)
		}
		s.mu.Unlock()

	case "response.done":
		s.mu.Lock()
		w := s.resp
		s.resp = nil
		s.mu.Unlock()
		if w != nil {
			if evt.Response != nil && evt.Response.Status == "cancelled" {
				w.err = ErrCancelled
			}
			close(w.done)
		}

	case "conversation.item.input_audio_transcription.completed":
		s.mu.Lock()
		if s.stt != nil {
			w := s.stt
			s.stt = nil
			w.transcript = evt.Transcript
			s.mu.Unlock()
			close(w.done)
			return
		}
		if s.resp != nil {
			s.resp.userTranscript = evt.Transcript
		}
		incremental := s.incremental
		s.mu.Unlock()

		if incremental && evt.Transcript != "" {
			s.pushDelta(TranscriptDelta{Text: evt.Transcript, Final: true})
		}

	case "conversation.item.input_audio_transcription.delta":
		s.mu.Lock()
		incremental := s.incremental
		s.mu.Unlock()
		if incremental && evt.Delta != "" {
			s.pushDelta(TranscriptDelta{Text: evt.Delta})
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.log.Warn("model error event", slog.String("message", msg))
		s.failPending(fmt.Errorf("speech: model error: %s", msg))
	}
}

func (s *rtSession) pushDelta(d TranscriptDelta) {
	select {
	case s.deltas <- d:
	case <-s.ctx.Done():
	default:
		// Stalled consumer; incremental fragments are advisory, drop.
	}
}

// failPending resolves all in-flight waiters with err.
func (s *rtSession) failPending(err error) {
	s.mu.Lock()
	resp, stt := s.resp, s.stt
	s.resp, s.stt = nil, nil
	s.mu.Unlock()

	if resp != nil {
		resp.err = err
		close(resp.done)
	}
	if stt != nil {
		stt.err = err
		close(stt.done)
	}
}

func (s *rtSession) closeChannels() {
	s.closeOnce.Do(func() { close(s.deltas) })
}

// appendAudio streams pcm to the input buffer in bounded chunks.
func (s *rtSession) appendAudio(pcm []byte) error {
	for off := 0; off < len(pcm); off += appendChunkBytes {
		end := min(off+appendChunkBytes, len(pcm))
		msg := appendAudioMessage{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(pcm[off:end]),
		}
		if err := s.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudioAndWait implements [Session].
func (s *rtSession) SendAudioAndWait(ctx context.Context, pcm []byte) (TurnResult, error) {
	w, err := s.newResponseWaiter()
	if err != nil {
		return TurnResult{}, err
	}

	if err := s.appendAudio(pcm); err != nil {
		s.dropResponseWaiter(w)
		return TurnResult{}, err
	}
	if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		s.dropResponseWaiter(w)
		return TurnResult{}, err
	}
	if err := s.writeJSON(responseCreateMessage{
		Type:     "response.create",
		Response: responseParams{Modalities: []string{"audio", "text"}},
	}); err != nil {
		s.dropResponseWaiter(w)
		return TurnResult{}, err
	}

	return s.awaitResponse(ctx, w)
}

// TranscribeAudioOnly implements [Session]. The audio is committed without
// creating a response, so the model transcribes but never answers.
func (s *rtSession) TranscribeAudioOnly(ctx context.Context, pcm []byte) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if s.stt != nil {
		s.mu.Unlock()
		return "", ErrBusy
	}
	w := &sttWaiter{done: make(chan struct{})}
	s.stt = w
	s.mu.Unlock()

	drop := func() {
		s.mu.Lock()
		if s.stt == w {
			s.stt = nil
		}
		s.mu.Unlock()
	}

	if err := s.appendAudio(pcm); err != nil {
		drop()
		return "", err
	}
	if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		drop()
		return "", err
	}

	select {
	case <-w.done:
		return w.transcript, w.err
	case <-ctx.Done():
		drop()
		return "", ctx.Err()
	}
}

// SynthesizeSpeech implements [Session]. The text is delivered as response
// instructions so it does not become part of the conversation history as a
// user message.
func (s *rtSession) SynthesizeSpeech(ctx context.Context, text string) ([]byte, error) {
	w, err := s.newResponseWaiter()
	if err != nil {
		return nil, err
	}

	if err := s.writeJSON(responseCreateMessage{
		Type: "response.create",
		Response: responseParams{
			Modalities:   []string{"audio", "text"},
			Instructions: "Di exactamente lo siguiente, sin agregar nada: " + text,
		},
	}); err != nil {
		s.dropResponseWaiter(w)
		return nil, err
	}

	res, err := s.awaitResponse(ctx, w)
	if err != nil {
		return nil, err
	}
	return res.Audio, nil
}

// SendSystemText implements [Session].
func (s *rtSession) SendSystemText(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "system",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// CancelCurrentResponse implements [Session]. The pending waiter resolves
// immediately with ErrCancelled rather than waiting for the server's
// acknowledgement, so barge-in never blocks on the network.
func (s *rtSession) CancelCurrentResponse(ctx context.Context) error {
	s.mu.Lock()
	w := s.resp
	s.resp = nil
	s.mu.Unlock()

	if w != nil {
		w.err = ErrCancelled
		close(w.done)
	}
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// SetIncremental implements [Session] by swapping the transcription model and
// routing transcription fragments to the deltas stream.
func (s *rtSession) SetIncremental(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.incremental = enabled
	s.mu.Unlock()

	model := s.provider.txModel
	if enabled {
		model = s.provider.txIncrementalModel
	}
	return s.sendSessionUpdate(model)
}

// Deltas implements [Session].
func (s *rtSession) Deltas() <-chan TranscriptDelta { return s.deltas }

// Close implements [Session]. Idempotent.
func (s *rtSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.failPending(ErrSessionClosed)
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// ── waiter helpers ─────────────────────────────────────────────────────────────

func (s *rtSession) newResponseWaiter() (*responseWaiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.resp != nil {
		return nil, ErrBusy
	}
	w := &responseWaiter{done: make(chan struct{})}
	s.resp = w
	return w, nil
}

func (s *rtSession) dropResponseWaiter(w *responseWaiter) {
	s.mu.Lock()
	if s.resp == w {
		s.resp = nil
	}
	s.mu.Unlock()
}

func (s *rtSession) awaitResponse(ctx context.Context, w *responseWaiter) (TurnResult, error) {
	select {
	case <-w.done:
		if w.err != nil {
			return TurnResult{}, w.err
		}
		return TurnResult{
			Audio:          w.audio,
			Transcript:     w.transcript.String(),
			UserTranscript: w.userTranscript,
		}, nil
	case <-ctx.Done():
		s.dropResponseWaiter(w)
		// Best effort: tell the model to stop generating.
		_ = s.writeJSON(map[string]string{"type": "response.cancel"})
		return TurnResult{}, ctx.Err()
	}
}
