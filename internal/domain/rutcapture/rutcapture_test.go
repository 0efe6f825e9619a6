package rutcapture

import (
	"context"
	"testing"

	"github.com/vozlab/arivoz/internal/domain"
)

func process(t *testing.T, in domain.Input) domain.Result {
	t.Helper()
	res, err := New().Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return res
}

func stateOf(res domain.Result) map[string]any {
	if set, ok := res.Action.(domain.SetState); ok {
		return set.Updates
	}
	return nil
}

func TestGreeting(t *testing.T) {
	t.Parallel()

	res := process(t, domain.Input{Phase: PhaseGreeting})
	if res.TTSText == "" {
		t.Error("greeting must speak")
	}
	if res.NextPhase != PhaseCaptureRut {
		t.Errorf("next phase: %q", res.NextPhase)
	}

	// An empty phase (fresh session) greets too.
	res = process(t, domain.Input{})
	if res.NextPhase != PhaseCaptureRut {
		t.Errorf("fresh session next phase: %q", res.NextPhase)
	}
}

func TestCaptureRut_SpokenNumber(t *testing.T) {
	t.Parallel()

	res := process(t, domain.Input{
		Phase:      PhaseCaptureRut,
		Transcript: "catorce millones trescientos cuarenta y ocho mil doscientos cincuenta y ocho guión ocho",
	})

	want := "Tengo registrado el RUT terminado en dos cinco ocho guión ocho. ¿Es correcto?"
	if res.TTSText != want {
		t.Errorf("tts:\n got %q\nwant %q", res.TTSText, want)
	}
	if res.NextPhase != PhaseConfirm {
		t.Errorf("next phase: %q", res.NextPhase)
	}
	if got := stateOf(res)["rut"]; got != "14348258-8" {
		t.Errorf("stored rut: %v", got)
	}
}

func TestCaptureRut_UnparseableReprompts(t *testing.T) {
	t.Parallel()

	res := process(t, domain.Input{Phase: PhaseCaptureRut, Transcript: "eh no sé"})
	if res.NextPhase != "" {
		t.Errorf("must hold phase, got %q", res.NextPhase)
	}
	if res.TTSText == "" {
		t.Error("must re-prompt")
	}
	if got := stateOf(res)["capture_failed"]; got != 1 {
		t.Errorf("capture_failed: %v", got)
	}
}

func TestCaptureRut_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	res := process(t, domain.Input{
		Phase:      PhaseCaptureRut,
		Transcript: "sigo sin decir un rut",
		State:      map[string]any{"capture_failed": 2},
	})
	if !res.ShouldHangup {
		t.Error("third failure must hang up")
	}
	if _, ok := res.Action.(domain.EndCall); !ok {
		t.Errorf("action: %T", res.Action)
	}
}

func TestCaptureRut_SilenceIsHeldSilently(t *testing.T) {
	t.Parallel()

	res := process(t, domain.Input{Phase: PhaseCaptureRut})
	if !res.Silent || res.TTSText != "" || res.NextPhase != "" {
		t.Errorf("silence handling: %+v", res)
	}
}

func TestConfirm_Yes(t *testing.T) {
	t.Parallel()

	res := process(t, domain.Input{
		Phase:      PhaseConfirm,
		Transcript: "sí, es correcto",
		State:      map[string]any{"rut": "14348258-8"},
	})
	if res.NextPhase != PhaseComplete {
		t.Errorf("next phase: %q", res.NextPhase)
	}
	if got := stateOf(res)["identity_validated"]; got != true {
		t.Errorf("identity_validated: %v", got)
	}
}

func TestConfirm_YesWithPatientName(t *testing.T) {
	t.Parallel()

	res := process(t, domain.Input{
		Phase:      PhaseConfirm,
		Transcript: "correcto",
		State:      map[string]any{"rut": "14348258-8", "patient_name": "María"},
	})
	if res.TTSText != "Gracias, María. Su identidad ha sido validada. Continuemos." {
		t.Errorf("tts: %q", res.TTSText)
	}
}

func TestConfirm_NoRegressesToCapture(t *testing.T) {
	t.Parallel()

	res := process(t, domain.Input{
		Phase:      PhaseConfirm,
		Transcript: "no, está mal",
		State:      map[string]any{"rut": "14348258-8"},
	})
	if res.NextPhase != PhaseCaptureRut {
		t.Errorf("next phase: %q", res.NextPhase)
	}
	if got := stateOf(res)["rut"]; got != "" {
		t.Errorf("rut must be cleared, got %v", got)
	}
}

func TestConfirm_ImplicitAcceptanceOnSecondUnknown(t *testing.T) {
	t.Parallel()

	// First unknown: re-ask.
	res := process(t, domain.Input{
		Phase:      PhaseConfirm,
		Transcript: "quiero pedir una hora",
		State:      map[string]any{"rut": "14348258-8"},
	})
	if res.NextPhase != "" {
		t.Fatalf("first unknown must hold phase, got %q", res.NextPhase)
	}
	if got := stateOf(res)["unknown_count"]; got != 1 {
		t.Fatalf("unknown_count: %v", got)
	}

	// Second unknown: implicit acceptance.
	res = process(t, domain.Input{
		Phase:      PhaseConfirm,
		Transcript: "para el doctor gonzález",
		State:      map[string]any{"rut": "14348258-8", "unknown_count": 1},
	})
	if res.NextPhase != PhaseComplete {
		t.Errorf("second unknown must complete, got %q", res.NextPhase)
	}
	st := stateOf(res)
	if st["identity_validated"] != true || st["validation_mode"] != "implicit" {
		t.Errorf("state: %v", st)
	}
	if res.TTSText == "" {
		t.Error("acceptance must speak a confirmation")
	}
}

func TestComplete_RegistersThenSaysGoodbye(t *testing.T) {
	t.Parallel()

	// First entry into COMPLETE fires the registration webhook.
	res := process(t, domain.Input{
		Phase:  PhaseComplete,
		Caller: "56912345678",
		State:  map[string]any{"rut": "14348258-8", "identity_validated": true},
	})
	hook, ok := res.Action.(domain.CallWebhook)
	if !ok {
		t.Fatalf("action: %T", res.Action)
	}
	if hook.Payload["rut"] != "14348258-8" {
		t.Errorf("payload: %v", hook.Payload)
	}
	if hook.OnSuccess == nil || !hook.OnSuccess.ShouldHangup {
		t.Error("success branch must end the call")
	}
	if hook.OnError == nil || !hook.OnError.ShouldHangup {
		t.Error("error branch must end the call")
	}

	// Already registered: plain goodbye.
	res = process(t, domain.Input{
		Phase: PhaseComplete,
		State: map[string]any{"registered": true},
	})
	if !res.ShouldHangup {
		t.Error("registered call must hang up")
	}
}

func TestProcessing_FiresRegistrationWebhook(t *testing.T) {
	t.Parallel()

	res := process(t, domain.Input{
		Phase:  PhaseProcessing,
		Caller: "56912345678",
		Callee: "600999",
		State:  map[string]any{"rut": "14348258-8", "identity_validated": true},
	})

	if !res.Silent || !res.SkipUserInput {
		t.Error("webhook-in-flight hop must not speak or listen")
	}
	hook, ok := res.Action.(domain.CallWebhook)
	if !ok {
		t.Fatalf("action: %T", res.Action)
	}
	if hook.Payload["rut"] != "14348258-8" || hook.Payload["callee"] != "600999" {
		t.Errorf("payload: %v", hook.Payload)
	}
	if hook.OnSuccess == nil || hook.OnError == nil {
		t.Fatal("both webhook branches must be set")
	}
}

func TestPhaseTableIsValid(t *testing.T) {
	t.Parallel()

	d := New()
	for _, p := range d.Phases() {
		if p.RequiresInput != (p.Kind == "LISTEN") {
			t.Errorf("phase %s violates requiresInput invariant", p.Name)
		}
	}
	meta := d.Metadata()
	names := map[string]bool{}
	for _, p := range d.Phases() {
		names[p.Name] = true
	}
	for _, required := range []string{meta.InitialPhase, meta.CapturePhase, meta.TerminalPhase} {
		if !names[required] {
			t.Errorf("metadata phase %q missing from table", required)
		}
	}
}
