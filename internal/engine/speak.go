package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vozlab/arivoz/internal/contract"
	"github.com/vozlab/arivoz/internal/session"
	"github.com/vozlab/arivoz/internal/telephony"
	"github.com/vozlab/arivoz/pkg/audio"
)

// speak synthesizes text and plays it to the caller. A missing channel skips
// the playback without failing the turn: the goodbye path must tolerate a
// caller who hung up first.
func (o *Orchestrator) speak(ctx context.Context, sess *session.Session, text string, allowBargeIn bool) {
	if text == "" {
		return
	}
	if sess.IsReplay(sess.CurrentPhase, text) {
		o.log.Debug("replay suppressed",
			slog.String("linked_id", sess.LinkedID),
			slog.String("phase", sess.CurrentPhase))
		return
	}
	if !o.lifecycle.IsActionAllowed(ctx, sess.CurrentPhase, contract.ActionSpeak, sess.LinkedID) {
		o.log.Warn("speak denied by lifecycle contract",
			slog.String("linked_id", sess.LinkedID),
			slog.String("phase", sess.CurrentPhase))
		return
	}

	start := o.clock()
	pcm, err := o.sp.SynthesizeSpeech(ctx, text)
	o.metrics.TTSDuration.Record(ctx, o.clock().Sub(start).Seconds())
	if err != nil {
		o.log.Warn("synthesis failed",
			slog.String("linked_id", sess.LinkedID),
			slog.String("error", err.Error()))
		return
	}

	o.playPCM(ctx, sess, pcm, allowBargeIn)
	sess.NoteSpoken(sess.CurrentPhase, text)
	sess.AddToHistory(session.RoleAssistant, text)
}

// playPCM downsamples model-rate PCM to the telephony rate and plays it,
// honoring barge-in. Used for both synthesized text and duplex reply audio.
func (o *Orchestrator) playPCM(ctx context.Context, sess *session.Session, pcm []byte, allowBargeIn bool) {
	if len(pcm) == 0 {
		return
	}

	alive, err := o.tel.IsAlive(ctx, sess.ChannelID)
	if err == nil && !alive {
		o.log.Info("playback skipped, channel gone", slog.String("linked_id", sess.LinkedID))
		return
	}

	// Playback and music-on-hold are mutually exclusive on a channel.
	if sess.InHold {
		if err := o.tel.StopMusicOnHold(ctx, sess.ChannelID); err != nil {
			o.log.Warn("music-on-hold stop failed", slog.String("error", err.Error()))
		}
		sess.InHold = false
	}

	telPCM := audio.ResampleMono16(pcm, audio.SpeechRate, audio.TelephonyRate)
	name := fmt.Sprintf("say_%s_%d", sess.LinkedID, o.clock().UnixNano())
	path := filepath.Join(o.cfg.ScratchDir, name+".wav")
	if err := audio.WriteWavPCM16(path, telPCM, audio.TelephonyRate); err != nil {
		o.log.Error("playback file write failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	defer os.Remove(path)

	o.play(ctx, sess, "sound:"+strings.TrimSuffix(path, ".wav"), allowBargeIn)
}

// play starts a media playback and waits for it, watching talk events for a
// qualifying barge-in.
func (o *Orchestrator) play(ctx context.Context, sess *session.Session, mediaURI string, allowBargeIn bool) {
	pb, err := o.tel.Play(ctx, telephony.ChannelTarget(sess.ChannelID), mediaURI)
	if err != nil {
		o.log.Warn("playback start failed",
			slog.String("linked_id", sess.LinkedID),
			slog.String("error", err.Error()))
		return
	}

	drainEvents(o.events)

	done := make(chan error, 1)
	go func() { done <- pb.Wait(ctx) }()

	if !allowBargeIn || !o.cfg.Interrupt.AllowBargeIn {
		<-done
		return
	}

	o.waitInterruptible(ctx, sess, pb, done)
}

// waitInterruptible blocks on the playback while applying the barge-in
// policy: a talk-started event arms a timer at the larger of the debounce and
// minimum-speech thresholds; sustained speech past it stops the playback and
// cancels any in-flight model response.
func (o *Orchestrator) waitInterruptible(ctx context.Context, sess *session.Session, pb telephony.Playback, done <-chan error) {
	threshold := o.cfg.Interrupt.Debounce
	if o.cfg.Interrupt.MinSpeech > threshold {
		threshold = o.cfg.Interrupt.MinSpeech
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var talkingSince time.Time
	for {
		select {
		case <-done:
			return
		case <-timer.C:
			// Still talking at the threshold; the switch has not reported a
			// duration or confidence yet.
			if o.cfg.Interrupt.Permits(o.clock().Sub(talkingSince), -1) {
				o.bargeIn(ctx, sess, pb, done)
				return
			}
			talkingSince = time.Time{}
		case ev := <-o.events:
			switch ev.Type {
			case telephony.EventChannelTalkingStarted:
				talkingSince = o.clock()
				timer.Reset(threshold)
			case telephony.EventChannelTalkingFinished:
				timer.Stop()
				if talkingSince.IsZero() {
					continue
				}
				speech := time.Duration(ev.Duration) * time.Millisecond
				if ev.Duration < 0 {
					speech = o.clock().Sub(talkingSince)
				}
				talkingSince = time.Time{}
				if o.cfg.Interrupt.Permits(speech, -1) {
					o.bargeIn(ctx, sess, pb, done)
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// bargeIn stops the playback and cancels the model's in-flight response so
// the next listen starts from a quiet line.
func (o *Orchestrator) bargeIn(ctx context.Context, sess *session.Session, pb telephony.Playback, done <-chan error) {
	o.log.Info("barge-in", slog.String("linked_id", sess.LinkedID), slog.Int("turn", sess.Turn))
	o.metrics.BargeIns.Add(ctx, 1)

	if err := pb.Stop(ctx); err != nil {
		o.log.Warn("playback stop failed", slog.String("error", err.Error()))
	}
	if err := o.sp.CancelCurrentResponse(ctx); err != nil {
		o.log.Warn("response cancel failed", slog.String("error", err.Error()))
	}
	<-done
}

// drainEvents discards events queued before the playback started; a talk
// event from the previous listen must not count against this playback.
func drainEvents(ch <-chan telephony.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
