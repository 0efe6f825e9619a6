// Package finalize turns a finished call into its durable artifacts: the
// master recording copy, the conversation log, optional per-utterance WAV
// segments, and a call record in the database.
package finalize

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vozlab/arivoz/internal/domain"
	"github.com/vozlab/arivoz/internal/recording"
	"github.com/vozlab/arivoz/internal/session"
)

// spoolSettle is how long to wait for the switch to close the spool file
// before falling back to fetching the stored recording over REST.
const spoolSettle = 5 * time.Second

// minMasterBytes is the smallest spool file accepted as a real recording.
const minMasterBytes = 1024

// FetchFunc retrieves a stored recording's bytes from the switch. Used when
// the spool file never materializes (switch on a different host, or the
// spool was rotated under us).
type FetchFunc func(ctx context.Context, name string) ([]byte, error)

// Finalizer produces a call's durable artifacts.
type Finalizer struct {
	finalDir string
	sink     RecordSink
	fetch    FetchFunc
	segments bool
	settle   time.Duration
	log      *slog.Logger
	clock    func() time.Time
}

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithSink sets the call-record sink. Defaults to [LogSink].
func WithSink(sink RecordSink) Option {
	return func(f *Finalizer) {
		if sink != nil {
			f.sink = sink
		}
	}
}

// WithStoredRecordingFetch installs the REST fallback for the master copy.
func WithStoredRecordingFetch(fetch FetchFunc) Option {
	return func(f *Finalizer) { f.fetch = fetch }
}

// WithSegments enables mark-derived WAV segment extraction.
func WithSegments(enabled bool) Option {
	return func(f *Finalizer) { f.segments = enabled }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Finalizer) {
		if log != nil {
			f.log = log
		}
	}
}

// WithSettle overrides how long the finalizer waits for the spool file.
func WithSettle(d time.Duration) Option {
	return func(f *Finalizer) {
		if d > 0 {
			f.settle = d
		}
	}
}

// New creates a Finalizer writing artifacts under finalDir, laid out as
// {callee}/{yyyymmdd}/.
func New(finalDir string, opts ...Option) *Finalizer {
	f := &Finalizer{
		finalDir: finalDir,
		sink:     &LogSink{},
		settle:   spoolSettle,
		log:      slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With(slog.String("component", "finalize"))
	return f
}

// SetClock overrides the time source. Test hook.
func (f *Finalizer) SetClock(clock func() time.Time) { f.clock = clock }

// Finalize writes the call's artifacts and persists its record. capture may
// be nil when continuous recording never started; the call record is still
// saved. Artifact failures degrade (logged, best remaining artifacts kept);
// only a sink failure is returned as an error.
func (f *Finalizer) Finalize(ctx context.Context, sess *session.Session, capture *recording.Capture, marks []session.Mark) (CallRecord, error) {
	endedAt := sess.EndedAt
	if endedAt.IsZero() {
		endedAt = f.clock()
	}

	dir := filepath.Join(f.finalDir, sess.Callee, endedAt.Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CallRecord{}, fmt.Errorf("finalize: create %s: %w", dir, err)
	}

	identity := domain.CapturedIdentity(sess.State)
	if identity == "" {
		identity = "unknown"
	}
	base := fmt.Sprintf("%s_%s_%s_%d", sess.LinkedID, identity, sess.Caller, endedAt.Unix())

	rec := CallRecord{
		LinkedID:  sess.LinkedID,
		Caller:    sess.Caller,
		Callee:    sess.Callee,
		Bot:       sess.BotName,
		StartedAt: sess.StartedAt,
		EndedAt:   endedAt,
		Turns:     sess.Turn,
		EndReason: sess.EndReason,
	}
	if identity != "unknown" {
		rec.Identity = identity
	}

	logPath := filepath.Join(dir, base+"_conversation_log.txt")
	if err := os.WriteFile(logPath, []byte(RenderConversationLog(sess)), 0o644); err != nil {
		f.log.Error("conversation log write failed",
			slog.String("linked_id", sess.LinkedID),
			slog.String("error", err.Error()))
	} else {
		rec.LogPath = logPath
	}

	if capture != nil {
		masterPath := filepath.Join(dir, base+".wav")
		if err := f.masterCopy(ctx, capture, masterPath); err != nil {
			f.log.Error("master recording copy failed",
				slog.String("linked_id", sess.LinkedID),
				slog.String("error", err.Error()))
		} else {
			rec.RecordingPath = masterPath
			if f.segments {
				f.extractSegments(ctx, sess, marks, masterPath, dir, base)
			}
		}
	}

	if err := f.sink.SaveCallRecord(ctx, rec); err != nil {
		return rec, err
	}

	f.log.Info("call finalized",
		slog.String("linked_id", sess.LinkedID),
		slog.String("identity", identity),
		slog.String("recording", rec.RecordingPath),
		slog.Int("turns", sess.Turn))
	return rec, nil
}

// masterCopy copies the spool file once the switch has closed it, falling
// back to the stored-recording fetch when the file never appears.
func (f *Finalizer) masterCopy(ctx context.Context, capture *recording.Capture, dst string) error {
	err := recording.WaitForFile(ctx, capture.Path, minMasterBytes, f.settle)
	if err == nil {
		return copyFile(capture.Path, dst)
	}

	if f.fetch == nil {
		return fmt.Errorf("finalize: spool file unavailable and no fetch fallback: %w", err)
	}
	f.log.Warn("spool file unavailable, fetching stored recording",
		slog.String("name", capture.Name),
		slog.String("error", err.Error()))

	data, ferr := f.fetch(ctx, capture.Name)
	if ferr != nil {
		return fmt.Errorf("finalize: stored recording fetch %s: %w", capture.Name, ferr)
	}
	if len(data) < minMasterBytes {
		return fmt.Errorf("finalize: stored recording %s too small (%d bytes)", capture.Name, len(data))
	}
	return os.WriteFile(dst, data, 0o644)
}

// extractSegments cuts the utterance windows out of the master copy.
// Failures are per-segment and non-fatal.
func (f *Finalizer) extractSegments(ctx context.Context, sess *session.Session, marks []session.Mark, masterPath, dir, base string) {
	segs := recording.ResolveSegments(marks, sess.OffsetMs(), true)
	for _, seg := range segs {
		out := filepath.Join(dir, "segments", fmt.Sprintf("%s_seg%02d.wav", base, seg.Index))
		if err := recording.ExtractWavSegment(ctx, masterPath, seg.StartMs, seg.EndMs, out, 0); err != nil {
			f.log.Warn("segment extraction failed",
				slog.String("linked_id", sess.LinkedID),
				slog.Int("segment", seg.Index),
				slog.String("error", err.Error()))
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("finalize: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("finalize: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("finalize: copy to %s: %w", dst, err)
	}
	return out.Close()
}
