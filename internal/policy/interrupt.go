package policy

import "time"

// InterruptPolicy decides whether detected caller speech may barge in over an
// in-progress playback.
type InterruptPolicy struct {
	// AllowBargeIn gates interruption entirely.
	AllowBargeIn bool

	// Debounce is how long a talk-started event must persist before it
	// counts. Filters coughs and line clicks.
	Debounce time.Duration

	// MinSpeech is the minimum detected speech duration.
	MinSpeech time.Duration

	// MinConfidence gates on the talk event's confidence score when the
	// switch reports one; a negative observed confidence means "not
	// reported" and duration alone decides.
	MinConfidence float64
}

// Permits reports whether a talk event with the observed speech duration and
// confidence may stop the current playback.
func (p InterruptPolicy) Permits(speech time.Duration, confidence float64) bool {
	if !p.AllowBargeIn {
		return false
	}
	if speech < p.MinSpeech {
		return false
	}
	if confidence >= 0 && p.MinConfidence > 0 && confidence < p.MinConfidence {
		return false
	}
	return true
}

// AudioTailDelay is how long the engine waits after a goodbye utterance for
// the audio tail to drain before hanging up.
const AudioTailDelay = 2 * time.Second
