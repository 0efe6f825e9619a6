package telephony

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// playbackTimeout bounds how long Wait blocks for the finished event. A lost
// event must not wedge the turn loop; on timeout the playback is force-stopped
// and Wait returns as if it finished.
const playbackTimeout = 30 * time.Second

// recordingTimeoutSlack pads the recording wait past the switch-side limits,
// so a recording that runs to maxDurationSeconds still resolves through its
// finished event rather than the timeout.
const recordingTimeoutSlack = 5 * time.Second

// defaultRecordingTimeout bounds Wait when the caller set no duration limits.
const defaultRecordingTimeout = 60 * time.Second

type playbackHandle struct {
	id     string
	client *Client

	once sync.Once
	done chan struct{}
	err  error
}

func newPlaybackHandle(id string, client *Client) *playbackHandle {
	return &playbackHandle{id: id, client: client, done: make(chan struct{})}
}

func (p *playbackHandle) ID() string { return p.id }

// finish resolves the handle. Safe to call more than once; only the first
// resolution counts.
func (p *playbackHandle) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Stop asks the switch to stop the playback. A not-found response means the
// playback already finished and is not an error.
func (p *playbackHandle) Stop(ctx context.Context) error {
	err := p.client.stopPlayback(ctx, p.id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	p.finish(nil)
	return nil
}

// Wait blocks until the playback finishes, ctx is cancelled, or the playback
// timeout elapses. On timeout the playback is force-stopped and nil returned.
func (p *playbackHandle) Wait(ctx context.Context) error {
	timer := time.NewTimer(playbackTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		p.client.log.Warn("playback timed out waiting for finished event, force-stopping")
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return p.Stop(stopCtx)
	}
}

type recordingHandle struct {
	name    string
	client  *Client
	timeout time.Duration

	once sync.Once
	done chan struct{}
	err  error
}

func newRecordingHandle(name string, client *Client, timeout time.Duration) *recordingHandle {
	return &recordingHandle{name: name, client: client, timeout: timeout, done: make(chan struct{})}
}

func (r *recordingHandle) Name() string { return r.name }

func (r *recordingHandle) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Stop asks the switch to finish the recording. The RecordingFinished event
// resolves Wait; a not-found response means it already finished.
func (r *recordingHandle) Stop(ctx context.Context) error {
	err := r.client.stopRecording(ctx, r.name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Wait blocks until the recording finishes or fails, ctx is cancelled, or the
// recording's timeout elapses. On timeout the recording is force-stopped; the
// file the switch wrote so far stays usable.
func (r *recordingHandle) Wait(ctx context.Context) error {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		r.client.log.Warn("recording timed out waiting for finished event, force-stopping",
			slog.String("name", r.name))
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := r.Stop(stopCtx)
		r.finish(err)
		return err
	}
}
