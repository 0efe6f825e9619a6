package policy

import (
	"fmt"

	"github.com/vozlab/arivoz/internal/nlu"
)

// IsGoodbye reports whether an assistant utterance should end the call after
// the audio tail.
func IsGoodbye(assistantText string) bool {
	return nlu.IsGoodbye(assistantText)
}

// IsTransferRequest reports whether the caller asked for a human.
func IsTransferRequest(userTranscript string) bool {
	return nlu.IsTransferRequest(userTranscript)
}

// DeepTurnIdentityBlocked reports whether the session is deep enough into the
// call, without a captured identity, outside the capture phase. In that
// corner a free model turn has nothing grounded to say, so the orchestrator
// must terminate instead of letting the model improvise.
func DeepTurnIdentityBlocked(turn int, identityCaptured bool, currentPhase, capturePhase string) bool {
	return turn > 1 && !identityCaptured && currentPhase != capturePhase
}

// InvalidCompleteError reports reaching the terminal phase without a
// validated identity. This is a hard protocol error, not a recoverable state.
type InvalidCompleteError struct {
	LinkedID string
	Phase    string
}

func (e *InvalidCompleteError) Error() string {
	return fmt.Sprintf("policy: call %s reached terminal phase %s without validated identity", e.LinkedID, e.Phase)
}

// CheckComplete returns an error when phase is the terminal phase and the
// identity was never validated.
func CheckComplete(linkedID, phase, terminalPhase string, identityValidated bool) error {
	if phase == terminalPhase && !identityValidated {
		return &InvalidCompleteError{LinkedID: linkedID, Phase: phase}
	}
	return nil
}
