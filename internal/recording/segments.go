package recording

import "github.com/vozlab/arivoz/internal/session"

// Segment is one utterance window inside the continuous capture, in
// milliseconds from the start of the call.
type Segment struct {
	Index   int    `json:"index"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Partial bool   `json:"partial,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ResolveSegments pairs LISTEN_START marks with the INTENT_FINALIZED mark
// that follows each one. A LISTEN_START still open at the end of the mark
// log yields a partial segment closed at nowMs: reason "incomplete" when
// the call has ended, "active" when it is still running.
func ResolveSegments(marks []session.Mark, nowMs int64, callEnded bool) []Segment {
	var (
		segs    []Segment
		openAt  int64 = -1
		hasOpen bool
	)

	emit := func(endMs int64, partial bool, reason string) {
		if endMs < openAt {
			endMs = openAt
		}
		segs = append(segs, Segment{
			Index:   len(segs),
			StartMs: openAt,
			EndMs:   endMs,
			Partial: partial,
			Reason:  reason,
		})
		hasOpen = false
	}

	for _, m := range marks {
		switch m.Type {
		case session.MarkListenStart:
			if hasOpen {
				// Two listens with no finalization between them: the
				// first window never produced an intent.
				emit(m.OffsetMs, true, "superseded")
			}
			openAt = m.OffsetMs
			hasOpen = true

		case session.MarkIntentFinalized, session.MarkTimeout:
			if hasOpen {
				reason := "intent"
				if m.Type == session.MarkTimeout {
					reason = "timeout"
				}
				emit(m.OffsetMs, false, reason)
			}
		}
	}

	if hasOpen {
		reason := "active"
		if callEnded {
			reason = "incomplete"
		}
		emit(nowMs, true, reason)
	}
	return segs
}
