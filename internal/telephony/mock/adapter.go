// Package mock provides a scriptable in-memory telephony.Adapter for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vozlab/arivoz/internal/telephony"
)

// PlayCall records one Play invocation.
type PlayCall struct {
	Target   telephony.Target
	MediaURI string
}

// RecordCall records one Record invocation.
type RecordCall struct {
	ChannelID string
	Opts      telephony.RecordOptions
}

// Adapter is a scriptable telephony.Adapter. The zero value from [NewAdapter]
// succeeds on everything: channels are alive, playbacks finish immediately,
// recordings finish when stopped. Override the *Func fields to script
// failures or delays.
type Adapter struct {
	mu sync.Mutex

	AliveFunc  func(channelID string) (bool, error)
	PlayFunc   func(target telephony.Target, mediaURI string) (telephony.Playback, error)
	RecordFunc func(channelID string, opts telephony.RecordOptions) (telephony.Recording, error)
	SnoopFunc  func(channelID string, spec telephony.SnoopSpec) (string, error)
	PinFunc    func(bridgeID, channelID string) error

	Answered   []string
	HungUp     []string
	Continued  []string
	Played     []PlayCall
	Recorded   []RecordCall
	Bridges    []string
	BridgedIn  map[string][]string // bridgeID -> channelIDs
	Vars       map[string]map[string]string
	MOHStarted []string
	MOHStopped []string

	AudioPlaneReady bool

	events chan telephony.Event
	closed bool
}

var _ telephony.Adapter = (*Adapter)(nil)

// NewAdapter returns a mock whose operations all succeed.
func NewAdapter() *Adapter {
	return &Adapter{
		BridgedIn:       make(map[string][]string),
		Vars:            make(map[string]map[string]string),
		AudioPlaneReady: true,
		events:          make(chan telephony.Event, 64),
	}
}

// Emit injects an event into the stream as if the switch sent it.
func (a *Adapter) Emit(ev telephony.Event) {
	a.events <- ev
}

func (a *Adapter) IsAlive(_ context.Context, channelID string) (bool, error) {
	if a.AliveFunc != nil {
		return a.AliveFunc(channelID)
	}
	return true, nil
}

func (a *Adapter) Answer(_ context.Context, channelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Answered = append(a.Answered, channelID)
	return nil
}

func (a *Adapter) Hangup(_ context.Context, channelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.HungUp = append(a.HungUp, channelID)
	return nil
}

func (a *Adapter) ContinueInDialplan(_ context.Context, channelID, dialCtx, extension string, priority int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Continued = append(a.Continued, fmt.Sprintf("%s:%s/%s/%d", channelID, dialCtx, extension, priority))
	return nil
}

func (a *Adapter) SetChannelVar(_ context.Context, channelID, name, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Vars[channelID] == nil {
		a.Vars[channelID] = make(map[string]string)
	}
	a.Vars[channelID][name] = value
	return nil
}

func (a *Adapter) Play(_ context.Context, target telephony.Target, mediaURI string) (telephony.Playback, error) {
	a.mu.Lock()
	a.Played = append(a.Played, PlayCall{Target: target, MediaURI: mediaURI})
	n := len(a.Played)
	a.mu.Unlock()

	if a.PlayFunc != nil {
		return a.PlayFunc(target, mediaURI)
	}
	return FinishedPlayback(fmt.Sprintf("pb-%d", n)), nil
}

func (a *Adapter) Record(_ context.Context, channelID string, opts telephony.RecordOptions) (telephony.Recording, error) {
	a.mu.Lock()
	a.Recorded = append(a.Recorded, RecordCall{ChannelID: channelID, Opts: opts})
	a.mu.Unlock()

	if a.RecordFunc != nil {
		return a.RecordFunc(channelID, opts)
	}
	return NewRecording(opts.Name), nil
}

func (a *Adapter) CreateBridge(_ context.Context, bridgeType string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := fmt.Sprintf("bridge-%d", len(a.Bridges)+1)
	a.Bridges = append(a.Bridges, id)
	return id, nil
}

func (a *Adapter) AddChannelToBridge(_ context.Context, bridgeID, channelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.BridgedIn[bridgeID] = append(a.BridgedIn[bridgeID], channelID)
	return nil
}

func (a *Adapter) CreateSnoop(_ context.Context, channelID string, spec telephony.SnoopSpec) (string, error) {
	if a.SnoopFunc != nil {
		return a.SnoopFunc(channelID, spec)
	}
	if spec.SnoopID != "" {
		return spec.SnoopID, nil
	}
	return "snoop-" + channelID, nil
}

func (a *Adapter) StartMusicOnHold(_ context.Context, channelID, class string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.MOHStarted = append(a.MOHStarted, channelID)
	return nil
}

func (a *Adapter) StopMusicOnHold(_ context.Context, channelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.MOHStopped = append(a.MOHStopped, channelID)
	return nil
}

func (a *Adapter) WaitForAudioPlaneReady(context.Context, string, time.Duration) bool {
	return a.AudioPlaneReady
}

func (a *Adapter) PinSnoopToBridge(_ context.Context, bridgeID, channelID string, _ int) error {
	if a.PinFunc != nil {
		return a.PinFunc(bridgeID, channelID)
	}
	return a.AddChannelToBridge(context.Background(), bridgeID, channelID)
}

func (a *Adapter) Events() <-chan telephony.Event { return a.events }

func (a *Adapter) Ping(context.Context) error { return nil }

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	return nil
}

// HungUpChannels returns a copy of the hangup log.
func (a *Adapter) HungUpChannels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.HungUp...)
}

// PlayedURIs returns the media URIs played, in order.
func (a *Adapter) PlayedURIs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	uris := make([]string, len(a.Played))
	for i, p := range a.Played {
		uris[i] = p.MediaURI
	}
	return uris
}

// ─── scriptable handles ───

// Playback is a scriptable telephony.Playback.
type Playback struct {
	PlaybackID string
	Stopped    bool

	once sync.Once
	done chan struct{}
	err  error
}

// FinishedPlayback returns a playback whose Wait returns immediately.
func FinishedPlayback(id string) *Playback {
	p := &Playback{PlaybackID: id, done: make(chan struct{})}
	p.Finish(nil)
	return p
}

// PendingPlayback returns a playback that stays in flight until Finish or
// Stop is called.
func PendingPlayback(id string) *Playback {
	return &Playback{PlaybackID: id, done: make(chan struct{})}
}

func (p *Playback) ID() string { return p.PlaybackID }

// Finish resolves Wait with err.
func (p *Playback) Finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *Playback) Stop(context.Context) error {
	p.Stopped = true
	p.Finish(nil)
	return nil
}

func (p *Playback) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recording is a scriptable telephony.Recording. Stop resolves Wait, matching
// the real switch where stopping triggers the finished event.
type Recording struct {
	RecName string

	once sync.Once
	done chan struct{}
	err  error
}

// NewRecording returns a recording that finishes when stopped.
func NewRecording(name string) *Recording {
	return &Recording{RecName: name, done: make(chan struct{})}
}

func (r *Recording) Name() string { return r.RecName }

// Finish resolves Wait with err.
func (r *Recording) Finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *Recording) Stop(context.Context) error {
	r.Finish(nil)
	return nil
}

func (r *Recording) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
