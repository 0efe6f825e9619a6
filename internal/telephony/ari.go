package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds the connection settings for [New].
type Config struct {
	// BaseURL is the REST endpoint, e.g. "http://pbx:8088/ari".
	BaseURL string

	// WebsocketURL is the event-stream endpoint. Derived from BaseURL when
	// empty (http→ws, path + "/events").
	WebsocketURL string

	// Application is the application name to register for events.
	Application string

	Username string
	Password string
}

// Client talks to the switch's REST interface and event stream.
// It implements [Adapter].
type Client struct {
	baseURL  string
	wsURL    string
	app      string
	username string
	password string

	http *http.Client
	log  *slog.Logger

	events chan Event
	cancel context.CancelFunc

	mu         sync.Mutex
	playbacks  map[string]*playbackHandle
	recordings map[string]*recordingHandle
}

var _ Adapter = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a Client and starts its event subscription. The subscription
// runs until Close is called; a dropped connection is redialed with backoff.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("telephony: base url is required")
	}
	if cfg.Application == "" {
		return nil, fmt.Errorf("telephony: application is required")
	}

	wsURL := cfg.WebsocketURL
	if wsURL == "" {
		derived, err := deriveWebsocketURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		wsURL = derived
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		wsURL:      wsURL,
		app:        cfg.Application,
		username:   cfg.Username,
		password:   cfg.Password,
		http:       &http.Client{Timeout: 15 * time.Second},
		log:        slog.Default(),
		events:     make(chan Event, 128),
		cancel:     cancel,
		playbacks:  make(map[string]*playbackHandle),
		recordings: make(map[string]*recordingHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(slog.String("component", "telephony"))

	go c.runEvents(ctx)
	return c, nil
}

func deriveWebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("telephony: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("telephony: unsupported scheme %q in base url", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	return u.String(), nil
}

// Events implements [Adapter].
func (c *Client) Events() <-chan Event { return c.events }

// Close stops the event subscription. REST methods remain callable.
func (c *Client) Close() error {
	c.cancel()
	return nil
}

// ─── REST plumbing ───

// do performs one REST call. out may be nil for calls whose response body is
// irrelevant. Non-2xx responses come back as *apiError so errors.Is works
// against the package sentinels.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("telephony: marshal %s body: %w", path, err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("telephony: build request %s: %w", path, err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &apiError{
			status:   resp.StatusCode,
			endpoint: method + " " + path,
			body:     strings.TrimSpace(string(msg)),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("telephony: decode %s response: %w", path, err)
		}
	}
	return nil
}

// ─── channels ───

// IsAlive implements [Adapter]. A 404 means the channel is gone; any other
// error is reported so callers don't mistake an outage for a hangup.
func (c *Client) IsAlive(ctx context.Context, channelID string) (bool, error) {
	var ch Channel
	err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, nil, &ch)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return ch.State != "Down", nil
}

// Answer implements [Adapter].
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/answer", nil, nil, nil)
}

// Hangup implements [Adapter].
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil, nil)
}

// ContinueInDialplan implements [Adapter].
func (c *Client) ContinueInDialplan(ctx context.Context, channelID, dialCtx, extension string, priority int) error {
	q := url.Values{}
	if dialCtx != "" {
		q.Set("context", dialCtx)
	}
	if extension != "" {
		q.Set("extension", extension)
	}
	if priority > 0 {
		q.Set("priority", strconv.Itoa(priority))
	}
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/continue", q, nil, nil)
}

// SetChannelVar implements [Adapter].
func (c *Client) SetChannelVar(ctx context.Context, channelID, name, value string) error {
	q := url.Values{}
	q.Set("variable", name)
	q.Set("value", value)
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/variable", q, nil, nil)
}

// ─── playback ───

// Play implements [Adapter]. The returned handle resolves when the switch
// reports the playback finished, or after the playback timeout.
func (c *Client) Play(ctx context.Context, target Target, mediaURI string) (Playback, error) {
	id := uuid.NewString()
	q := url.Values{}
	q.Set("media", mediaURI)

	var path string
	switch target.Kind {
	case TargetChannel:
		path = "/channels/" + target.ID + "/play/" + id
	case TargetBridge:
		path = "/bridges/" + target.ID + "/play/" + id
	default:
		return nil, fmt.Errorf("telephony: unknown playback target kind %q", target.Kind)
	}

	pb := newPlaybackHandle(id, c)
	c.mu.Lock()
	c.playbacks[id] = pb
	c.mu.Unlock()

	if err := c.do(ctx, http.MethodPost, path, q, nil, nil); err != nil {
		c.mu.Lock()
		delete(c.playbacks, id)
		c.mu.Unlock()
		return nil, err
	}
	return pb, nil
}

func (c *Client) stopPlayback(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/playbacks/"+id, nil, nil, nil)
}

// ─── recording ───

// Record implements [Adapter].
func (c *Client) Record(ctx context.Context, channelID string, opts RecordOptions) (Recording, error) {
	name := opts.Name
	if name == "" {
		name = uuid.NewString()
	}
	format := opts.Format
	if format == "" {
		format = "wav"
	}

	q := url.Values{}
	q.Set("name", name)
	q.Set("format", format)
	q.Set("ifExists", "overwrite")
	q.Set("terminateOn", "none")
	if opts.MaxDuration > 0 {
		q.Set("maxDurationSeconds", strconv.Itoa(int(opts.MaxDuration.Seconds())))
	}
	if opts.MaxSilence > 0 {
		q.Set("maxSilenceSeconds", strconv.FormatFloat(opts.MaxSilence.Seconds(), 'f', -1, 64))
	}
	if opts.Beep {
		q.Set("beep", "true")
	}

	// The wait bound tracks the switch-side limits: the recording ends at
	// maxDurationSeconds at the latest, so anything past that plus slack
	// means the finished event was lost.
	timeout := opts.MaxDuration + opts.MaxSilence + recordingTimeoutSlack
	if opts.MaxDuration <= 0 {
		timeout = defaultRecordingTimeout
	}

	rec := newRecordingHandle(name, c, timeout)
	c.mu.Lock()
	c.recordings[name] = rec
	c.mu.Unlock()

	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/record", q, nil, nil); err != nil {
		c.mu.Lock()
		delete(c.recordings, name)
		c.mu.Unlock()
		return nil, err
	}
	return rec, nil
}

func (c *Client) stopRecording(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/recordings/live/"+name+"/stop", nil, nil, nil)
}

// StoredRecording fetches the bytes of a finished recording from the switch.
// Used by finalization when the spool directory is not locally readable.
func (c *Client) StoredRecording(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/recordings/stored/"+name+"/file", nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: build stored recording request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: fetch stored recording %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &apiError{
			status:   resp.StatusCode,
			endpoint: "GET /recordings/stored/" + name + "/file",
			body:     strings.TrimSpace(string(msg)),
		}
	}
	return io.ReadAll(resp.Body)
}

// ─── bridges and snoops ───

// CreateBridge implements [Adapter].
func (c *Client) CreateBridge(ctx context.Context, bridgeType string) (string, error) {
	q := url.Values{}
	q.Set("type", bridgeType)
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/bridges", q, nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// AddChannelToBridge implements [Adapter].
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel", q, nil, nil)
}

// CreateSnoop implements [Adapter].
func (c *Client) CreateSnoop(ctx context.Context, channelID string, spec SnoopSpec) (string, error) {
	snoopID := spec.SnoopID
	if snoopID == "" {
		snoopID = "snoop-" + uuid.NewString()
	}
	spy := spec.Spy
	if spy == "" {
		spy = "in"
	}
	app := spec.App
	if app == "" {
		app = c.app
	}

	q := url.Values{}
	q.Set("app", app)
	q.Set("spy", spy)
	q.Set("whisper", "none")
	q.Set("snoopId", snoopID)

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/snoop", q, nil, &out); err != nil {
		return "", err
	}
	if out.ID != "" {
		return out.ID, nil
	}
	return snoopID, nil
}

// ─── music on hold ───

// StartMusicOnHold implements [Adapter].
func (c *Client) StartMusicOnHold(ctx context.Context, channelID, class string) error {
	q := url.Values{}
	if class != "" {
		q.Set("mohClass", class)
	}
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/moh", q, nil, nil)
}

// StopMusicOnHold implements [Adapter].
func (c *Client) StopMusicOnHold(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/moh", nil, nil, nil)
}

// Ping implements [Adapter] by asking the switch for its info document.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/asterisk/info", nil, nil, nil)
}
