package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:     srv.URL,
		Application: "arivoz",
		Username:    "bot",
		Password:    "secret",
	}, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAnswer_SendsAuthAndPath(t *testing.T) {
	t.Parallel()

	var gotPath, gotUser string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := c.Answer(context.Background(), "chan-1"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if gotPath != "/channels/chan-1/answer" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotUser != "bot" {
		t.Errorf("basic auth user: got %q", gotUser)
	}
}

func TestIsAlive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		wantAlive bool
		wantErr   bool
	}{
		{"up channel", 200, `{"id":"c","state":"Up"}`, true, false},
		{"down channel", 200, `{"id":"c","state":"Down"}`, false, false},
		{"gone channel", 404, `{"message":"Channel not found"}`, false, false},
		{"switch error", 500, `boom`, false, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))

			alive, err := c.IsAlive(context.Background(), "c")
			if (err != nil) != tc.wantErr {
				t.Fatalf("err: got %v, wantErr=%v", err, tc.wantErr)
			}
			if alive != tc.wantAlive {
				t.Errorf("alive: got %v, want %v", alive, tc.wantAlive)
			}
		})
	}
}

func TestErrorSentinels(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/channels/missing/answer":
			http.Error(w, "Channel not found", http.StatusNotFound)
		case "/channels/busy/answer":
			http.Error(w, "Channel not in Stasis", http.StatusConflict)
		}
	}))

	err := c.Answer(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("404: want ErrNotFound, got %v", err)
	}
	err = c.Answer(context.Background(), "busy")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("409: want ErrConflict, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("409 must not satisfy ErrNotFound")
	}
}

func TestRecord_QueryParameters(t *testing.T) {
	t.Parallel()

	var got map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{}
		for k := range r.URL.Query() {
			got[k] = r.URL.Query().Get(k)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"name":"turn-1"}`))
	}))

	_, err := c.Record(context.Background(), "chan-1", RecordOptions{
		Name:        "turn-1",
		MaxDuration: 10 * time.Second,
		MaxSilence:  2500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	want := map[string]string{
		"name":               "turn-1",
		"format":             "wav",
		"ifExists":           "overwrite",
		"terminateOn":        "none",
		"maxDurationSeconds": "10",
		"maxSilenceSeconds":  "2.5",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("query %s: got %q, want %q", k, got[k], v)
		}
	}
}

func TestRecordingWait_TimesOutAndForceStops(t *testing.T) {
	t.Parallel()

	var stops atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/stop") {
			stops.Add(1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"name":"turn-1"}`))
	}))

	rec, err := c.Record(context.Background(), "chan-1", RecordOptions{Name: "turn-1"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	rec.(*recordingHandle).timeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- rec.Wait(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait after timeout: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never returned; a lost finished event must not wedge it")
	}
	if stops.Load() != 1 {
		t.Errorf("stop requests: %d, want the force-stop", stops.Load())
	}
}

func TestRecordingWait_TimeoutTracksDurationLimits(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"name":"turn-1"}`))
	}))

	rec, err := c.Record(context.Background(), "chan-1", RecordOptions{
		Name:        "turn-1",
		MaxDuration: 10 * time.Second,
		MaxSilence:  2500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := rec.(*recordingHandle).timeout; got != 12500*time.Millisecond+recordingTimeoutSlack {
		t.Errorf("timeout: %v, want limits plus slack", got)
	}

	rec, err = c.Record(context.Background(), "chan-1", RecordOptions{Name: "turn-2"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := rec.(*recordingHandle).timeout; got != defaultRecordingTimeout {
		t.Errorf("unbounded options timeout: %v, want the default", got)
	}
}

func TestRoute_PlaybackTerminalEvents(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	stopped := newPlaybackHandle("pb-stopped", c)
	failed := newPlaybackHandle("pb-failed", c)
	c.mu.Lock()
	c.playbacks["pb-stopped"] = stopped
	c.playbacks["pb-failed"] = failed
	c.mu.Unlock()

	c.route(Event{Type: EventPlaybackStopped, PlaybackID: "pb-stopped"})
	c.route(Event{Type: EventPlaybackFailed, PlaybackID: "pb-failed"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := stopped.Wait(ctx); err != nil {
		t.Errorf("stopped playback: %v, want resolved without error", err)
	}
	if err := failed.Wait(ctx); err == nil {
		t.Error("failed playback must resolve with an error")
	}

	c.mu.Lock()
	remaining := len(c.playbacks)
	c.mu.Unlock()
	if remaining != 0 {
		t.Errorf("outstanding handles: %d, want all resolved", remaining)
	}
}

func TestPinSnoopToBridge_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "Channel not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := c.PinSnoopToBridge(context.Background(), "b-1", "snoop-1", 5); err != nil {
		t.Fatalf("PinSnoopToBridge: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
}

func TestPinSnoopToBridge_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "Channel not found", http.StatusNotFound)
	}))

	err := c.PinSnoopToBridge(context.Background(), "b-1", "snoop-1", 3)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want wrapped ErrNotFound, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
}

func TestPinSnoopToBridge_PermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))

	if err := c.PinSnoopToBridge(context.Background(), "b-1", "snoop-1", 5); err == nil {
		t.Fatal("want error, got nil")
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", calls.Load())
	}
}

func TestWaitForAudioPlaneReady(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Write([]byte(`{"id":"c","state":"Ring"}`))
			return
		}
		w.Write([]byte(`{"id":"c","state":"Up"}`))
	}))

	if !c.WaitForAudioPlaneReady(context.Background(), "c", time.Second) {
		t.Fatal("want ready, got timeout")
	}
	if calls.Load() < 3 {
		t.Errorf("calls: got %d, want >= 3", calls.Load())
	}
}

func TestWaitForAudioPlaneReady_Timeout(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"c","state":"Ring"}`))
	}))

	if c.WaitForAudioPlaneReady(context.Background(), "c", 120*time.Millisecond) {
		t.Fatal("want not ready")
	}
}

func TestDeriveWebsocketURL(t *testing.T) {
	t.Parallel()

	got, err := deriveWebsocketURL("http://pbx:8088/ari")
	if err != nil {
		t.Fatalf("deriveWebsocketURL: %v", err)
	}
	if got != "ws://pbx:8088/ari/events" {
		t.Errorf("got %q", got)
	}

	got, err = deriveWebsocketURL("https://pbx/ari/")
	if err != nil || got != "wss://pbx/ari/events" {
		t.Errorf("https: got %q, err %v", got, err)
	}

	if _, err := deriveWebsocketURL("ftp://pbx"); err == nil {
		t.Error("want error for unsupported scheme")
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	raw := `{
		"type": "StasisStart",
		"timestamp": "2026-08-24T12:00:00.000-0400",
		"args": ["inbound"],
		"channel": {
			"id": "1724500000.42",
			"name": "PJSIP/600999-00000001",
			"state": "Ring",
			"caller": {"number": "56912345678", "name": ""},
			"connected": {"number": "600999", "name": ""},
			"dialplan": {"context": "from-trunk", "exten": "600999", "priority": 2}
		}
	}`

	ev, err := decodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if ev.Type != EventStasisStart {
		t.Errorf("type: got %q", ev.Type)
	}
	if ev.Channel == nil || ev.Channel.ID != "1724500000.42" {
		t.Fatalf("channel: got %+v", ev.Channel)
	}
	if ev.Channel.Caller.Number != "56912345678" {
		t.Errorf("caller: got %q", ev.Channel.Caller.Number)
	}
	if ev.Channel.Dialplan.Exten != "600999" {
		t.Errorf("exten: got %q", ev.Channel.Dialplan.Exten)
	}
	if len(ev.Args) != 1 || ev.Args[0] != "inbound" {
		t.Errorf("args: got %v", ev.Args)
	}

	talking := `{"type":"ChannelTalkingFinished","channel":{"id":"c"},"duration":850}`
	ev, err = decodeEvent([]byte(talking))
	if err != nil {
		t.Fatalf("decodeEvent talking: %v", err)
	}
	if ev.Duration != 850 {
		t.Errorf("duration: got %d, want 850", ev.Duration)
	}

	noDur := `{"type":"ChannelTalkingFinished","channel":{"id":"c"}}`
	ev, _ = decodeEvent([]byte(noDur))
	if ev.Duration != -1 {
		t.Errorf("missing duration: got %d, want -1", ev.Duration)
	}
}
