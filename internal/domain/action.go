package domain

import "github.com/vozlab/arivoz/internal/config"

// Action is the sealed set of engine-visible domain actions. Exactly the
// listed implementations exist; the engine switches exhaustively on them.
type Action interface {
	isAction()
}

// SetState merges updates into the session's business state.
type SetState struct {
	Updates map[string]any
}

// EndCall plays the final text (when present) synchronously, then hangs up.
type EndCall struct {
	Reason string
	Text   string
}

// CallWebhook invokes a named webhook and applies the matching branch. A nil
// branch means "no further effect".
type CallWebhook struct {
	Name    string
	Payload map[string]any

	// OnSuccess applies when the webhook accepts the payload.
	OnSuccess *Result

	// OnError applies when the webhook rejects it or the call fails.
	OnError *Result
}

// UseEngine swaps the session's turn-processing variant mid-call.
type UseEngine struct {
	Variant config.EngineVariant
}

func (SetState) isAction()    {}
func (EndCall) isAction()     {}
func (CallWebhook) isAction() {}
func (UseEngine) isAction()   {}
