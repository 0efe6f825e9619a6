package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vozlab/arivoz/internal/config"
	"github.com/vozlab/arivoz/internal/contract"
	"github.com/vozlab/arivoz/internal/domain"
	"github.com/vozlab/arivoz/internal/phase"
	"github.com/vozlab/arivoz/internal/policy"
	"github.com/vozlab/arivoz/internal/session"
	"github.com/vozlab/arivoz/internal/speech"
	spmock "github.com/vozlab/arivoz/internal/speech/mock"
	"github.com/vozlab/arivoz/internal/store"
	"github.com/vozlab/arivoz/internal/telephony"
	telmock "github.com/vozlab/arivoz/internal/telephony/mock"
	"github.com/vozlab/arivoz/pkg/audio"
)

const (
	testLinkedID = "1724600000.7"
	testChannel  = "chan-1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptDomain returns queued results in order, then hangs up.
type scriptDomain struct {
	results []domain.Result
	inputs  []domain.Input
	err     error
}

func (d *scriptDomain) Name() string { return "testbot" }

func (d *scriptDomain) Metadata() domain.Metadata {
	return domain.Metadata{InitialPhase: "listen", CapturePhase: "listen", TerminalPhase: "done"}
}

func (d *scriptDomain) Phases() []phase.Phase { return nil }

func (d *scriptDomain) Lifecycle() map[string]contract.Rule { return nil }

func (d *scriptDomain) Process(_ context.Context, in domain.Input) (domain.Result, error) {
	d.inputs = append(d.inputs, in)
	if d.err != nil {
		return domain.Result{}, d.err
	}
	if len(d.results) == 0 {
		return domain.Result{ShouldHangup: true}, nil
	}
	res := d.results[0]
	d.results = d.results[1:]
	return res, nil
}

type fakeGateway struct {
	accepted bool
	err      error
	body     map[string]any

	calls    []string
	payloads []map[string]any
}

func (g *fakeGateway) Call(_ context.Context, name string, payload map[string]any) (domain.WebhookResult, error) {
	g.calls = append(g.calls, name)
	g.payloads = append(g.payloads, payload)
	if g.err != nil {
		return domain.WebhookResult{}, g.err
	}
	return domain.WebhookResult{Accepted: g.accepted, Body: g.body}, nil
}

type harness struct {
	t *testing.T

	tel  *telmock.Adapter
	sp   *spmock.Session
	dom  *scriptDomain
	gw   *fakeGateway
	reg  *contract.Registry
	o    *Orchestrator
	sess *session.Session

	spool string
}

func newHarness(t *testing.T, snoopReady bool) *harness {
	t.Helper()
	ctx := context.Background()

	kv := store.NewMem()
	reg := contract.NewRegistry(kv, contract.WithRegistryLogger(testLogger()))
	if _, err := reg.Create(ctx, testLinkedID, "snoop-1", testChannel); err != nil {
		t.Fatalf("create contract: %v", err)
	}
	if snoopReady {
		if _, err := reg.Transition(ctx, testLinkedID, contract.StateCreated, contract.StateReady); err != nil {
			t.Fatalf("ready contract: %v", err)
		}
	}

	allow := []contract.Action{
		contract.ActionListen, contract.ActionSTT, contract.ActionSpeak,
		contract.ActionPlayback, contract.ActionWebhook, contract.ActionTransfer,
		contract.ActionHangup,
	}
	eval := contract.NewEvaluator(map[string]contract.Rule{
		"announce": {Allow: allow},
		"listen":   {Allow: allow, RequiresReadySnoop: true},
		"confirm":  {Allow: allow},
		"done":     {Allow: allow, TeardownAllowed: true},
	}, kv, testLogger())

	table, err := phase.NewTable([]phase.Phase{
		{Name: "announce", Kind: phase.KindSpeak},
		{Name: "listen", Kind: phase.KindListen, RequiresInput: true},
		{Name: "confirm", Kind: phase.KindListen, RequiresInput: true},
		{Name: "done", Kind: phase.KindSpeak},
	})
	if err != nil {
		t.Fatalf("phase table: %v", err)
	}
	pm := phase.NewManager(table, phase.WithLogger(testLogger()))

	tel := telmock.NewAdapter()
	tel.RecordFunc = func(_ string, opts telephony.RecordOptions) (telephony.Recording, error) {
		rec := telmock.NewRecording(opts.Name)
		rec.Finish(nil)
		return rec, nil
	}

	h := &harness{
		t:     t,
		tel:   tel,
		sp:    spmock.NewSession(),
		dom:   &scriptDomain{},
		gw:    &fakeGateway{accepted: true},
		reg:   reg,
		spool: t.TempDir(),
	}

	cfg := Config{
		MaxTurns:       6,
		MinSpeechBytes: 64,
		SpoolDir:       h.spool,
		ScratchDir:     t.TempDir(),
		Interrupt: policy.InterruptPolicy{
			AllowBargeIn: true,
			Debounce:     20 * time.Millisecond,
			MinSpeech:    40 * time.Millisecond,
		},
	}
	h.o = New(cfg, Deps{
		Telephony: tel,
		Speech:    h.sp,
		Domain:    h.dom,
		Phases:    pm,
		Lifecycle: eval,
		Contracts: reg,
		Webhooks:  h.gw,
		Marks:     session.NewMarkLog(testLinkedID, kv, testLogger()),
		Log:       testLogger(),
	})
	h.o.settle = 150 * time.Millisecond

	h.sess = session.New(testLinkedID, testChannel, "56911112222", "600100", "testbot")
	h.sess.CurrentPhase = "listen"
	return h
}

// queueVoice pre-writes the spool file the given turn's recording produces.
func (h *harness) queueVoice(turn int) {
	h.t.Helper()
	path := filepath.Join(h.spool, fmt.Sprintf("turn_%s_%d.wav", testLinkedID, turn))
	if err := audio.WriteWavPCM16(path, make([]byte, 4000), audio.TelephonyRate); err != nil {
		h.t.Fatalf("write voice file: %v", err)
	}
}

func TestRun_ThreeSilencesEndTheCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	if err := h.o.Run(context.Background(), h.sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !h.sess.Terminated {
		t.Fatal("session must terminate")
	}
	if h.sess.EndReason != "no response from caller" {
		t.Errorf("end reason: %q", h.sess.EndReason)
	}
	// First silence prompts, second passes, third says goodbye.
	if got := len(h.tel.PlayedURIs()); got != 2 {
		t.Errorf("playbacks: %d, want prompt + goodbye", got)
	}
	if got := h.tel.HungUpChannels(); len(got) != 1 || got[0] != testChannel {
		t.Errorf("hangups: %v", got)
	}
	if h.sess.TotalSilences != 3 {
		t.Errorf("silences: %d", h.sess.TotalSilences)
	}
}

func TestRun_FirstSilenceStartsMusicOnHold(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.o.cfg.Hold = policy.HoldPolicy{
		Enabled:             true,
		EnterOnFirstSilence: true,
		MaxHoldDuration:     30 * time.Second,
	}

	if err := h.o.Run(context.Background(), h.sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := h.tel.MOHStarted; len(got) != 1 || got[0] != testChannel {
		t.Fatalf("music-on-hold starts: %v, want one on the caller channel", got)
	}
	// The goodbye playback is mutually exclusive with MoH and stops it.
	if got := h.tel.MOHStopped; len(got) != 1 || got[0] != testChannel {
		t.Errorf("music-on-hold stops: %v", got)
	}
	if h.sess.InHold {
		t.Error("session must leave hold before the call ends")
	}
}

func TestRun_SilentPhaseNoopSoftFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.sess.CurrentPhase = "announce"
	h.dom.results = []domain.Result{{}}

	if err := h.o.Run(context.Background(), h.sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(h.dom.inputs) != 1 {
		t.Fatalf("domain calls: %d, want exactly one before the soft failure", len(h.dom.inputs))
	}
	if !h.sess.Terminated {
		t.Fatal("a no-progress silent phase must terminate the session")
	}
	if uris := h.tel.PlayedURIs(); len(uris) != 1 || uris[0] != "sound:apology" {
		t.Errorf("playbacks: %v, want the apology asset", uris)
	}
	if len(h.tel.Continued) != 1 {
		t.Errorf("dialplan handoffs: %v, want the human queue", h.tel.Continued)
	}
}

func TestRun_SilentPhaseIterationsCountAgainstTurnCap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.sess.CurrentPhase = "announce"
	// Each consult mutates state but never leaves the phase, so only the
	// iteration cap can end the call.
	for i := 0; i < 10; i++ {
		h.dom.results = append(h.dom.results, domain.Result{
			Action: domain.SetState{Updates: map[string]any{"tick": i}},
		})
	}

	if err := h.o.Run(context.Background(), h.sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !h.sess.Terminated {
		t.Fatal("session must terminate")
	}
	if got := len(h.dom.inputs); got != h.o.cfg.MaxTurns {
		t.Errorf("domain calls: %d, want the cap of %d", got, h.o.cfg.MaxTurns)
	}
}

func TestRun_TranscribedTurnDrivesDomain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.queueVoice(1)
	h.queueVoice(2)
	h.sp.QueueTranscript("catorce millones trescientos mil", "sí")
	h.dom.results = []domain.Result{
		{
			TTSText:   "Entendido.",
			NextPhase: "confirm",
			Action:    domain.SetState{Updates: map[string]any{"rut": "14348258-8"}},
		},
		{ShouldHangup: true},
	}

	if err := h.o.Run(context.Background(), h.sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(h.dom.inputs) != 2 {
		t.Fatalf("domain calls: %d", len(h.dom.inputs))
	}
	first := h.dom.inputs[0]
	if first.Transcript != "catorce millones trescientos mil" || first.Turn != 1 || first.Phase != "listen" {
		t.Errorf("first domain input: %+v", first)
	}
	if h.dom.inputs[1].Phase != "confirm" {
		t.Errorf("second turn phase: %q", h.dom.inputs[1].Phase)
	}
	if got, _ := h.sess.State["rut"].(string); got != "14348258-8" {
		t.Errorf("state: %v", h.sess.State)
	}
	var roles []session.Role
	for _, u := range h.sess.History {
		roles = append(roles, u.Role)
	}
	if len(roles) != 3 || roles[0] != session.RoleUser || roles[1] != session.RoleAssistant {
		t.Errorf("history roles: %v", roles)
	}
}

func TestRun_TransferRequestHandsOffToQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.queueVoice(1)
	h.sp.QueueTranscript("quiero hablar con un ejecutivo")

	if err := h.o.Run(context.Background(), h.sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := testChannel + ":queues/" + config.DefaultTransferQueue + "/1"
	if len(h.tel.Continued) != 1 || h.tel.Continued[0] != want {
		t.Errorf("dialplan handoff: %v, want %q", h.tel.Continued, want)
	}
	if len(h.tel.HungUpChannels()) != 0 {
		t.Error("transferred channel must not be hung up")
	}
	if !h.sess.Terminated || !strings.HasPrefix(h.sess.EndReason, "transferred") {
		t.Errorf("end reason: %q", h.sess.EndReason)
	}
}

func TestRun_STTBlockedHoldsPhase(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false) // snoop stays CREATED
	h.o.cfg.MaxTurns = 1
	h.queueVoice(1)

	transcribes := 0
	h.sp.TranscribeFunc = func([]byte) (string, error) {
		transcribes++
		return "should never happen", nil
	}

	if err := h.o.Run(context.Background(), h.sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if transcribes != 0 {
		t.Errorf("audio reached the speech adapter %d times", transcribes)
	}
	if h.sess.CurrentPhase != "listen" {
		t.Errorf("phase moved to %q", h.sess.CurrentPhase)
	}
	if len(h.dom.inputs) != 0 {
		t.Error("domain must not be consulted on a blocked turn")
	}
}

func TestRun_MaxTurnsSaysGoodbye(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.o.cfg.MaxTurns = 1
	h.queueVoice(1)
	h.sp.QueueTranscript("hola")
	h.dom.results = []domain.Result{{Silent: true}}

	if err := h.o.Run(context.Background(), h.sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.sess.EndReason != "max turns reached" {
		t.Errorf("end reason: %q", h.sess.EndReason)
	}
	if got := len(h.tel.PlayedURIs()); got != 1 {
		t.Errorf("playbacks: %d, want goodbye only", got)
	}
}

func TestRun_SilentPhaseConsultsDomainWithoutListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.sess.CurrentPhase = "announce"
	h.dom.results = []domain.Result{
		{TTSText: "Bienvenido.", NextPhase: "listen"},
		{ShouldHangup: true}, // reached via the listen phase below
	}
	h.queueVoice(1)
	h.sp.QueueTranscript("hola")

	if err := h.o.Run(context.Background(), h.sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(h.dom.inputs) < 2 {
		t.Fatalf("domain calls: %d", len(h.dom.inputs))
	}
	if h.dom.inputs[0].Transcript != "" {
		t.Errorf("silent phase transcript: %q", h.dom.inputs[0].Transcript)
	}
	if len(h.tel.Recorded) != 1 {
		t.Errorf("recordings: %d, silent phase must not record", len(h.tel.Recorded))
	}
}

func TestSpeak_SuppressesReplay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	h.o.speak(ctx, h.sess, "¿Cuál es su RUT?", false)
	h.o.speak(ctx, h.sess, "¿Cuál es su RUT?", false)

	if got := len(h.tel.PlayedURIs()); got != 1 {
		t.Errorf("playbacks: %d, replay must be suppressed", got)
	}

	// A different utterance in the same phase is a retry, not a replay.
	h.o.speak(ctx, h.sess, "Por favor repita su RUT.", false)
	if got := len(h.tel.PlayedURIs()); got != 2 {
		t.Errorf("playbacks: %d", got)
	}
}

func TestWaitInterruptible_BargeIn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	pb := telmock.PendingPlayback("pb-1")
	done := make(chan error, 1)
	go func() { done <- pb.Wait(ctx) }()

	go func() {
		h.o.HandleEvent(telephony.Event{Type: telephony.EventChannelTalkingStarted})
		time.Sleep(10 * time.Millisecond)
		h.o.HandleEvent(telephony.Event{Type: telephony.EventChannelTalkingFinished, Duration: 450})
	}()

	h.o.waitInterruptible(ctx, h.sess, pb, done)

	if !pb.Stopped {
		t.Error("playback must be stopped")
	}
	if h.sp.CancelCount() != 1 {
		t.Errorf("cancels: %d", h.sp.CancelCount())
	}
}

func TestWaitInterruptible_ShortBlipIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	pb := telmock.PendingPlayback("pb-1")
	done := make(chan error, 1)
	go func() { done <- pb.Wait(ctx) }()

	go func() {
		h.o.HandleEvent(telephony.Event{Type: telephony.EventChannelTalkingStarted})
		h.o.HandleEvent(telephony.Event{Type: telephony.EventChannelTalkingFinished, Duration: 15})
		time.Sleep(20 * time.Millisecond)
		pb.Finish(nil)
	}()

	h.o.waitInterruptible(ctx, h.sess, pb, done)

	if pb.Stopped {
		t.Error("a 15ms blip must not barge in")
	}
	if h.sp.CancelCount() != 0 {
		t.Errorf("cancels: %d", h.sp.CancelCount())
	}
}

func TestApplyResult_WebhookSuccessBranch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.gw.accepted = true

	stop := h.o.applyResult(context.Background(), h.sess, turnOutcome{res: domain.Result{
		Silent: true,
		Action: domain.CallWebhook{
			Name:    "register",
			Payload: map[string]any{"rut": "14348258-8"},
			OnSuccess: &domain.Result{
				TTSText:   "Registrado.",
				NextPhase: "confirm",
				State:     map[string]any{"registered": true},
			},
			OnError: &domain.Result{TTSText: "Intente de nuevo."},
		},
	}})

	if stop {
		t.Fatal("success branch must not stop the loop")
	}
	if len(h.gw.calls) != 1 || h.gw.calls[0] != "register" {
		t.Errorf("webhook calls: %v", h.gw.calls)
	}
	if v, _ := h.sess.State["registered"].(bool); !v {
		t.Error("success branch state not merged")
	}
	if h.sess.CurrentPhase != "confirm" {
		t.Errorf("phase: %q", h.sess.CurrentPhase)
	}
	if got := len(h.tel.PlayedURIs()); got != 1 {
		t.Errorf("playbacks: %d", got)
	}
}

func TestApplyResult_WebhookRejectionTakesErrorBranch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.gw.accepted = false

	h.o.applyResult(context.Background(), h.sess, turnOutcome{res: domain.Result{
		Silent: true,
		Action: domain.CallWebhook{
			Name:    "register",
			OnError: &domain.Result{State: map[string]any{"retry": true}},
		},
	}})

	if v, _ := h.sess.State["retry"].(bool); !v {
		t.Error("error branch must apply on rejection")
	}
}

func TestApplyResult_TerminalPhaseNeedsValidatedIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	stop := h.o.applyResult(context.Background(), h.sess, turnOutcome{res: domain.Result{
		Silent:    true,
		NextPhase: "done",
	}})

	if !stop || !h.sess.Terminated {
		t.Fatal("invalid completion must terminate")
	}
	if h.sess.EndReason != "invalid completion" {
		t.Errorf("end reason: %q", h.sess.EndReason)
	}
}

func TestApplyResult_TerminalPhaseWithIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.sess.State["identity_validated"] = true

	stop := h.o.applyResult(context.Background(), h.sess, turnOutcome{res: domain.Result{
		Silent:    true,
		NextPhase: "done",
	}})

	if stop || h.sess.Terminated {
		t.Fatal("validated completion must pass")
	}
	if h.sess.CurrentPhase != "done" {
		t.Errorf("phase: %q", h.sess.CurrentPhase)
	}
}

func TestApplyAction_UseEngineSwapsProcessor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	h.o.applyAction(context.Background(), h.sess, domain.UseEngine{Variant: config.EngineDuplex})
	if _, ok := h.o.proc.(duplexProcessor); !ok {
		t.Fatalf("processor: %T", h.o.proc)
	}
	if h.sess.Engine != config.EngineDuplex {
		t.Errorf("session engine: %q", h.sess.Engine)
	}

	h.o.applyAction(context.Background(), h.sess, domain.UseEngine{Variant: config.EngineStrict})
	if _, ok := h.o.proc.(strictProcessor); !ok {
		t.Fatalf("processor: %T", h.o.proc)
	}
}

func TestEndCall_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	h.o.endCall(ctx, h.sess, "first reason")
	h.o.endCall(ctx, h.sess, "second reason")

	if h.sess.EndReason != "first reason" {
		t.Errorf("end reason: %q", h.sess.EndReason)
	}
	if got := len(h.tel.HungUpChannels()); got != 1 {
		t.Errorf("hangups: %d", got)
	}
}

func TestDuplexProcessor_ModelReplyStandsWhenDomainIsQuiet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.sp.QueueTurn(speech.TurnResult{
		UserTranscript: "hola",
		Transcript:     "Hola, ¿en qué puedo ayudarle?",
		Audio:          make([]byte, 480),
	})
	h.dom.results = []domain.Result{{}}

	out, err := duplexProcessor{}.ProcessTurn(context.Background(), h.o, h.sess, make([]byte, 320))
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.userText != "hola" {
		t.Errorf("user text: %q", out.userText)
	}
	if len(out.replyAudio) == 0 || out.replyText != "Hola, ¿en qué puedo ayudarle?" {
		t.Errorf("model reply must stand: %+v", out)
	}
}

func TestDuplexProcessor_DeepTurnWithoutIdentityBlocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.sess.Turn = 3
	h.sess.CurrentPhase = "confirm" // outside the capture phase

	_, err := duplexProcessor{}.ProcessTurn(context.Background(), h.o, h.sess, make([]byte, 320))
	if err == nil || err != errDeepTurnBlocked {
		t.Fatalf("err: %v", err)
	}
}
