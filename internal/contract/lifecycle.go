package contract

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vozlab/arivoz/internal/store"
)

// Action is an engine operation gated by the lifecycle contract.
type Action string

const (
	ActionListen   Action = "listen"   // record user audio
	ActionSTT      Action = "stt"      // send audio to the speech model
	ActionSpeak    Action = "speak"    // synthesize and play TTS
	ActionPlayback Action = "playback" // play a pre-recorded asset
	ActionWebhook  Action = "webhook"  // call an external webhook
	ActionTransfer Action = "transfer" // hand off to the dialplan
	ActionHangup   Action = "hangup"   // end the call
)

// Rule is the lifecycle contract for one phase. Deny overrides Allow.
type Rule struct {
	Allow []Action
	Deny  []Action

	// RequiresReadySnoop additionally gates listen/stt on the snoop
	// contract reporting READY.
	RequiresReadySnoop bool

	// TeardownAllowed permits resource teardown while in this phase.
	TeardownAllowed bool

	// AdvanceTurnAfterPlayback counts the turn as soon as the phase's
	// playback finishes instead of waiting for user input.
	AdvanceTurnAfterPlayback bool
}

func rejectedMarkerKey(callKey string) string { return "rut:webhook:rejected:" + callKey }

// Evaluator answers whether an engine action is allowed in a phase.
//
// An unknown phase denies everything: a domain must declare a phase's
// lifecycle before the engine will act in it. One narrowly scoped exception
// exists for listening: when a previous webhook rejected the captured input,
// a one-shot marker in the store permits a re-prompt even in a phase that
// normally denies it. The marker is consumed on use.
type Evaluator struct {
	rules map[string]Rule
	kv    store.KV
	log   *slog.Logger
}

// NewEvaluator builds an evaluator over the given phase rules.
func NewEvaluator(rules map[string]Rule, kv store.KV, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{
		rules: rules,
		kv:    kv,
		log:   log.With(slog.String("component", "lifecycle")),
	}
}

// IsActionAllowed consults the phase's rule. callKey identifies the call for
// the one-shot re-prompt marker; it may be empty when the action is not a
// listen action.
func (e *Evaluator) IsActionAllowed(ctx context.Context, phase string, action Action, callKey string) bool {
	rule, ok := e.rules[phase]
	if !ok {
		e.log.Warn("action denied: unknown phase",
			slog.String("phase", phase),
			slog.String("action", string(action)))
		return false
	}

	for _, denied := range rule.Deny {
		if denied == action {
			return false
		}
	}
	for _, allowed := range rule.Allow {
		if allowed == action {
			return true
		}
	}

	// One-shot re-prompt: a rejected webhook leaves a marker permitting one
	// extra listen in a phase that otherwise denies it.
	if (action == ActionListen || action == ActionSTT) && callKey != "" {
		if e.consumeRejectionMarker(ctx, callKey) {
			e.log.Info("one-shot re-prompt permitted by rejection marker",
				slog.String("phase", phase),
				slog.String("call_key", callKey))
			return true
		}
	}
	return false
}

// TeardownAllowed reports whether resource teardown is permitted in phase.
// Unknown phases forbid teardown.
func (e *Evaluator) TeardownAllowed(phase string) bool {
	rule, ok := e.rules[phase]
	return ok && rule.TeardownAllowed
}

// AdvanceTurnAfterPlayback reports the phase's turn-advance policy.
func (e *Evaluator) AdvanceTurnAfterPlayback(phase string) bool {
	rule, ok := e.rules[phase]
	return ok && rule.AdvanceTurnAfterPlayback
}

// RequiresReadySnoop reports whether listen/stt in phase must additionally
// pass the snoop READY gate.
func (e *Evaluator) RequiresReadySnoop(phase string) bool {
	rule, ok := e.rules[phase]
	return !ok || rule.RequiresReadySnoop
}

// MarkWebhookRejected sets the one-shot re-prompt marker for a call.
func (e *Evaluator) MarkWebhookRejected(ctx context.Context, callKey string) error {
	return e.kv.Set(ctx, rejectedMarkerKey(callKey), "1", StateReady.TTL())
}

func (e *Evaluator) consumeRejectionMarker(ctx context.Context, callKey string) bool {
	key := rejectedMarkerKey(callKey)
	_, err := e.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("rejection marker lookup failed", slog.String("error", err.Error()))
		}
		return false
	}
	if err := e.kv.Del(ctx, key); err != nil {
		e.log.Warn("rejection marker delete failed", slog.String("error", err.Error()))
	}
	return true
}
