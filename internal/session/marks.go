package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vozlab/arivoz/internal/store"
)

// MarkType classifies an audio mark.
type MarkType string

const (
	MarkRecordingStart  MarkType = "RECORDING_START"
	MarkListenStart     MarkType = "LISTEN_START"
	MarkDeltaActivity   MarkType = "DELTA_ACTIVITY"
	MarkCompletedChunk  MarkType = "COMPLETED_CHUNK"
	MarkIntentFinalized MarkType = "INTENT_FINALIZED"
	MarkTimeout         MarkType = "TIMEOUT"
)

// Mark is one append-only audio timeline annotation. Segment extraction
// derives cut points from LISTEN_START / INTENT_FINALIZED pairs.
type Mark struct {
	LinkedID string            `json:"linked_id"`
	OffsetMs int64             `json:"offset_ms"`
	Type     MarkType          `json:"type"`
	Reason   string            `json:"reason,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
	TS       time.Time         `json:"ts"`
}

// marksTTL keeps the store mirror alive long enough for post-call
// finalization, then lets it expire.
const marksTTL = time.Hour

func marksKey(linkedID string) string { return "audio:marks:" + linkedID }

// MarkLog is a session's append-only mark sequence with a mirror in the
// shared store. Offsets are forced non-decreasing: a clock hiccup must never
// produce a segment with negative length.
type MarkLog struct {
	linkedID string
	kv       store.KV
	log      *slog.Logger

	marks      []Mark
	lastOffset int64
}

// NewMarkLog creates a mark log for a call. kv may be nil, in which case
// marks are kept in memory only.
func NewMarkLog(linkedID string, kv store.KV, log *slog.Logger) *MarkLog {
	if log == nil {
		log = slog.Default()
	}
	return &MarkLog{
		linkedID: linkedID,
		kv:       kv,
		log:      log.With(slog.String("component", "marks"), slog.String("linked_id", linkedID)),
	}
}

// Add appends a mark at offsetMs, clamping backwards offsets to the previous
// one, and mirrors it to the store.
func (l *MarkLog) Add(ctx context.Context, typ MarkType, offsetMs int64, reason string, meta map[string]string) Mark {
	if offsetMs < l.lastOffset {
		l.log.Debug("non-monotonic mark offset clamped",
			slog.Int64("offset_ms", offsetMs),
			slog.Int64("clamped_to", l.lastOffset))
		offsetMs = l.lastOffset
	}
	l.lastOffset = offsetMs

	mark := Mark{
		LinkedID: l.linkedID,
		OffsetMs: offsetMs,
		Type:     typ,
		Reason:   reason,
		Meta:     meta,
		TS:       time.Now(),
	}
	l.marks = append(l.marks, mark)
	l.mirror(ctx, mark)
	return mark
}

// Marks returns the mark sequence in order.
func (l *MarkLog) Marks() []Mark {
	return append([]Mark(nil), l.marks...)
}

func (l *MarkLog) mirror(ctx context.Context, mark Mark) {
	if l.kv == nil {
		return
	}
	raw, err := json.Marshal(mark)
	if err != nil {
		l.log.Warn("mark encode failed", slog.String("error", err.Error()))
		return
	}
	key := marksKey(l.linkedID)
	if err := l.kv.RPush(ctx, key, string(raw)); err != nil {
		l.log.Warn("mark mirror failed", slog.String("error", err.Error()))
		return
	}
	if _, err := l.kv.Expire(ctx, key, marksTTL); err != nil {
		l.log.Warn("mark ttl refresh failed", slog.String("error", err.Error()))
	}
}

// LoadMarks reads a call's mirrored marks back from the store. Used by the
// finalizer when segment extraction runs in a different process than capture.
func LoadMarks(ctx context.Context, kv store.KV, linkedID string) ([]Mark, error) {
	raws, err := kv.LRange(ctx, marksKey(linkedID), 0, -1)
	if err != nil {
		return nil, err
	}
	marks := make([]Mark, 0, len(raws))
	for _, raw := range raws {
		var m Mark
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		marks = append(marks, m)
	}
	return marks, nil
}
