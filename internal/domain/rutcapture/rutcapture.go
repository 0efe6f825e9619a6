// Package rutcapture implements the RUT identity-capture conversation flow:
// greet, capture the caller's RUT from speech, read it back for confirmation,
// then register the validated call.
package rutcapture

import (
	"context"
	"fmt"

	"github.com/vozlab/arivoz/internal/contract"
	"github.com/vozlab/arivoz/internal/domain"
	"github.com/vozlab/arivoz/internal/nlu"
	"github.com/vozlab/arivoz/internal/phase"
)

// Phase names.
const (
	PhaseGreeting   = "GREETING"
	PhaseCaptureRut = "CAPTURE_RUT"
	PhaseConfirm    = "CONFIRM"
	PhaseProcessing = "PROCESSING"
	PhaseComplete   = "COMPLETE"
)

// maxCaptureAttempts bounds failed RUT parses before giving up on the call.
const maxCaptureAttempts = 3

// maxUnknownConfirms is the implicit-acceptance threshold: a caller who twice
// answers something unclassifiable to a read-back almost certainly already
// moved on, so the second unknown confirms.
const maxUnknownConfirms = 2

const (
	defaultGreeting = "Hola, le saluda el asistente virtual. Para comenzar, por favor indíqueme su RUT."
	defaultWebhook  = "register_call"
)

// Domain is the RUT capture flow.
type Domain struct {
	greeting string
	webhook  string
}

var _ domain.Domain = (*Domain)(nil)

// Option configures the domain.
type Option func(*Domain)

// WithGreeting overrides the opening utterance.
func WithGreeting(text string) Option {
	return func(d *Domain) {
		if text != "" {
			d.greeting = text
		}
	}
}

// WithWebhook overrides the registration webhook name.
func WithWebhook(name string) Option {
	return func(d *Domain) {
		if name != "" {
			d.webhook = name
		}
	}
}

// New creates the domain.
func New(opts ...Option) *Domain {
	d := &Domain{greeting: defaultGreeting, webhook: defaultWebhook}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements [domain.Domain].
func (d *Domain) Name() string { return "rutcapture" }

// Metadata implements [domain.Domain].
func (d *Domain) Metadata() domain.Metadata {
	return domain.Metadata{
		InitialPhase:  PhaseGreeting,
		CapturePhase:  PhaseCaptureRut,
		TerminalPhase: PhaseComplete,
	}
}

// Phases implements [domain.Domain].
func (d *Domain) Phases() []phase.Phase {
	return []phase.Phase{
		{Name: PhaseGreeting, Kind: phase.KindSpeak},
		{Name: PhaseCaptureRut, Kind: phase.KindListen, RequiresInput: true},
		{Name: PhaseConfirm, Kind: phase.KindListen, RequiresInput: true, AllowRegressionTo: []string{PhaseCaptureRut}},
		{Name: PhaseProcessing, Kind: phase.KindSilent},
		{Name: PhaseComplete, Kind: phase.KindValidate},
	}
}

// Lifecycle implements [domain.Domain].
func (d *Domain) Lifecycle() map[string]contract.Rule {
	return map[string]contract.Rule{
		PhaseGreeting: {
			Allow:                    []contract.Action{contract.ActionSpeak, contract.ActionPlayback},
			Deny:                     []contract.Action{contract.ActionListen, contract.ActionSTT},
			AdvanceTurnAfterPlayback: true,
		},
		PhaseCaptureRut: {
			Allow:              []contract.Action{contract.ActionListen, contract.ActionSTT, contract.ActionSpeak},
			RequiresReadySnoop: true,
		},
		PhaseConfirm: {
			Allow:              []contract.Action{contract.ActionListen, contract.ActionSTT, contract.ActionSpeak},
			RequiresReadySnoop: true,
		},
		PhaseProcessing: {
			Allow: []contract.Action{contract.ActionWebhook},
			Deny:  []contract.Action{contract.ActionListen, contract.ActionSTT, contract.ActionSpeak},
		},
		PhaseComplete: {
			Allow:           []contract.Action{contract.ActionSpeak, contract.ActionWebhook, contract.ActionTransfer, contract.ActionHangup},
			Deny:            []contract.Action{contract.ActionListen, contract.ActionSTT},
			TeardownAllowed: true,
		},
	}
}

// Process implements [domain.Domain].
func (d *Domain) Process(_ context.Context, in domain.Input) (domain.Result, error) {
	switch in.Phase {
	case "", PhaseGreeting:
		return d.greet(), nil
	case PhaseCaptureRut:
		return d.capture(in), nil
	case PhaseConfirm:
		return d.confirm(in), nil
	case PhaseProcessing:
		return d.register(in), nil
	case PhaseComplete:
		return d.complete(in), nil
	default:
		return domain.Result{}, fmt.Errorf("rutcapture: unknown phase %q", in.Phase)
	}
}

func (d *Domain) greet() domain.Result {
	return domain.Result{
		TTSText:   d.greeting,
		NextPhase: PhaseCaptureRut,
		Action:    domain.SetState{Updates: map[string]any{"greeted": true}},
	}
}

func (d *Domain) capture(in domain.Input) domain.Result {
	if in.Transcript == "" {
		// Silence is the engine's business; hold the phase.
		return domain.Result{Silent: true}
	}

	rut, found := nlu.ParseRUT(in.Transcript)
	if found && nlu.ValidRUT(rut) {
		return domain.Result{
			TTSText:   fmt.Sprintf("Tengo registrado el RUT terminado en %s. ¿Es correcto?", nlu.SpeakTail(rut, 3)),
			NextPhase: PhaseConfirm,
			Action: domain.SetState{Updates: map[string]any{
				"rut":            rut,
				"unknown_count":  0,
				"capture_failed": 0,
			}},
		}
	}

	attempts := intState(in.State, "capture_failed") + 1
	if attempts >= maxCaptureAttempts {
		return domain.Result{
			TTSText:      "Lo siento, no logré registrar su RUT. Lo comunicaré con un ejecutivo. Hasta luego.",
			ShouldHangup: true,
			Action:       domain.EndCall{Reason: "rut capture failed", Text: ""},
		}
	}

	msg := "No logré entender su RUT. Por favor, dígalo nuevamente, número por número."
	if found {
		// Parsed but the check digit does not match what was spoken.
		msg = "El RUT que entendí no parece válido. Por favor, repítalo incluyendo el dígito verificador."
	}
	return domain.Result{
		TTSText: msg,
		Action:  domain.SetState{Updates: map[string]any{"capture_failed": attempts}},
	}
}

func (d *Domain) confirm(in domain.Input) domain.Result {
	if in.Transcript == "" {
		return domain.Result{Silent: true}
	}

	switch nlu.ClassifyYesNo(in.Transcript) {
	case nlu.AnswerYes:
		return d.accept(in, "confirmed")

	case nlu.AnswerNo:
		return domain.Result{
			TTSText:   "Entiendo, intentémoslo de nuevo. Por favor, indíqueme su RUT.",
			NextPhase: PhaseCaptureRut,
			Action: domain.SetState{Updates: map[string]any{
				"rut":           "",
				"unknown_count": 0,
			}},
		}

	default:
		unknowns := intState(in.State, "unknown_count") + 1
		if unknowns >= maxUnknownConfirms {
			// Implicit acceptance: the caller is already past the read-back.
			return d.accept(in, "implicit")
		}
		return domain.Result{
			TTSText: "Disculpe, no le entendí. ¿El RUT que le indiqué es correcto? Responda sí o no.",
			Action:  domain.SetState{Updates: map[string]any{"unknown_count": unknowns}},
		}
	}
}

func (d *Domain) accept(in domain.Input, how string) domain.Result {
	text := "Perfecto, su identidad ha sido validada. Continuemos."
	if name, _ := in.State["patient_name"].(string); name != "" {
		text = fmt.Sprintf("Gracias, %s. Su identidad ha sido validada. Continuemos.", name)
	}
	return domain.Result{
		TTSText:   text,
		NextPhase: PhaseComplete,
		Action: domain.SetState{Updates: map[string]any{
			"identity_validated": true,
			"validation_mode":    how,
		}},
	}
}

func (d *Domain) complete(in domain.Input) domain.Result {
	if done, _ := in.State["registered"].(bool); done {
		return domain.Result{
			TTSText:      "Gracias por llamar. ¡Hasta luego!",
			ShouldHangup: true,
			Action:       domain.EndCall{Reason: "flow complete"},
		}
	}
	return d.register(in)
}

// register fires the call-registration webhook. The webhook-in-flight hop is
// silent; the branch results speak and close the call.
func (d *Domain) register(in domain.Input) domain.Result {
	payload := map[string]any{
		"rut":    domain.CapturedIdentity(in.State),
		"caller": in.Caller,
		"callee": in.Callee,
	}
	return domain.Result{
		Silent:        true,
		SkipUserInput: true,
		Action: domain.CallWebhook{
			Name:    d.webhook,
			Payload: payload,
			OnSuccess: &domain.Result{
				TTSText:      "Su llamada ha sido registrada. Gracias por llamar. ¡Hasta luego!",
				ShouldHangup: true,
				Action:       domain.EndCall{Reason: "registered"},
				State:        map[string]any{"registered": true},
			},
			OnError: &domain.Result{
				TTSText:      "Tuvimos un problema registrando sus datos. Lo comunicaré con un ejecutivo.",
				ShouldHangup: true,
				Action:       domain.EndCall{Reason: "registration failed"},
				State:        map[string]any{"registered": false, "transfer": true},
			},
		},
	}
}

func intState(state map[string]any, key string) int {
	switch v := state[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
