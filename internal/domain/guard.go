package domain

import "log/slog"

// NormalizeResult applies the engine-side guardrails to a raw domain result
// and returns the warnings it raised. The result is mutated in place:
//
//   - a critical phase with a non-empty transcript must carry an action;
//     when it doesn't, the transition is dropped so the phase holds;
//   - ShouldHangup and EndCall must agree, in both directions;
//   - a silent phase discards the user transcript (callers pass
//     silentPhase=true to signal that this turn's transcript was dropped).
func NormalizeResult(res *Result, in Input, criticalPhase bool, log *slog.Logger) []string {
	if log == nil {
		log = slog.Default()
	}
	var warnings []string

	warn := func(msg string) {
		warnings = append(warnings, msg)
		log.Warn("domain result normalized",
			slog.String("session_id", in.SessionID),
			slog.String("phase", in.Phase),
			slog.String("issue", msg))
	}

	if criticalPhase && res.Action == nil && in.Transcript != "" {
		warn("missing action in critical phase, holding phase")
		res.NextPhase = ""
	}

	if res.ShouldHangup {
		if _, isEnd := res.Action.(EndCall); !isEnd {
			warn("shouldHangup without EndCall action, attaching EndCall")
			res.Action = EndCall{Reason: "domain requested hangup", Text: res.TTSText}
		}
	} else if end, isEnd := res.Action.(EndCall); isEnd {
		warn("EndCall action without shouldHangup, honoring the action")
		res.ShouldHangup = true
		if res.TTSText == "" {
			res.TTSText = end.Text
		}
	}

	return warnings
}
