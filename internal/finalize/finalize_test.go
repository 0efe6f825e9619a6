package finalize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vozlab/arivoz/internal/recording"
	"github.com/vozlab/arivoz/internal/session"
)

type captureSink struct {
	rec CallRecord
	err error
}

func (s *captureSink) SaveCallRecord(_ context.Context, rec CallRecord) error {
	s.rec = rec
	return s.err
}

func testSession() *session.Session {
	sess := session.New("1724500000.42", "chan-1", "56912345678", "600999", "rutbot")
	sess.AddToHistory(session.RoleAssistant, "Hola, indíqueme su RUT.")
	sess.AddToHistory(session.RoleUser, "catorce millones...")
	sess.State["rut"] = "14348258-8"
	sess.Turn = 4
	sess.Terminate("flow complete")
	return sess
}

func writeFakeWav(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
}

func TestFinalize_Artifacts(t *testing.T) {
	t.Parallel()

	spool := t.TempDir()
	final := t.TempDir()
	sess := testSession()

	capt := &recording.Capture{
		Name: "full_" + sess.LinkedID,
		Path: filepath.Join(spool, "full_"+sess.LinkedID+".wav"),
	}
	writeFakeWav(t, capt.Path)

	sink := &captureSink{}
	f := New(final, WithSink(sink), WithSettle(time.Second))

	rec, err := f.Finalize(context.Background(), sess, capt, nil)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	dir := filepath.Join(final, "600999", sess.EndedAt.Format("20060102"))
	wantBase := sess.LinkedID + "_14348258-8_56912345678_" + intStr(sess.EndedAt.Unix())

	if rec.RecordingPath != filepath.Join(dir, wantBase+".wav") {
		t.Errorf("recording path: %q", rec.RecordingPath)
	}
	if _, err := os.Stat(rec.RecordingPath); err != nil {
		t.Errorf("master copy missing: %v", err)
	}
	if _, err := os.Stat(rec.LogPath); err != nil {
		t.Errorf("conversation log missing: %v", err)
	}
	if !strings.HasSuffix(rec.LogPath, "_conversation_log.txt") {
		t.Errorf("log name: %q", rec.LogPath)
	}
	if sink.rec.LinkedID != sess.LinkedID || sink.rec.Identity != "14348258-8" {
		t.Errorf("saved record: %+v", sink.rec)
	}
}

func TestFinalize_UnknownIdentity(t *testing.T) {
	t.Parallel()

	sess := testSession()
	delete(sess.State, "rut")

	sink := &captureSink{}
	f := New(t.TempDir(), WithSink(sink))

	rec, err := f.Finalize(context.Background(), sess, nil, nil)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !strings.Contains(rec.LogPath, "_unknown_") {
		t.Errorf("log path: %q", rec.LogPath)
	}
	if sink.rec.Identity != "" {
		t.Errorf("identity: %q", sink.rec.Identity)
	}
}

func TestFinalize_StoredRecordingFallback(t *testing.T) {
	t.Parallel()

	sess := testSession()
	capt := &recording.Capture{
		Name: "full_" + sess.LinkedID,
		Path: filepath.Join(t.TempDir(), "never-written.wav"),
	}

	var fetched string
	f := New(t.TempDir(),
		WithSink(&captureSink{}),
		WithSettle(200*time.Millisecond),
		WithStoredRecordingFetch(func(_ context.Context, name string) ([]byte, error) {
			fetched = name
			return make([]byte, 4096), nil
		}))

	rec, err := f.Finalize(context.Background(), sess, capt, nil)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if fetched != capt.Name {
		t.Errorf("fetched: %q", fetched)
	}
	if _, err := os.Stat(rec.RecordingPath); err != nil {
		t.Errorf("fallback copy missing: %v", err)
	}
}

func TestFinalize_RecordingFailureStillSavesRecord(t *testing.T) {
	t.Parallel()

	sess := testSession()
	capt := &recording.Capture{
		Name: "full_x",
		Path: filepath.Join(t.TempDir(), "never.wav"),
	}

	sink := &captureSink{}
	f := New(t.TempDir(), WithSink(sink), WithSettle(200*time.Millisecond))

	rec, err := f.Finalize(context.Background(), sess, capt, nil)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if rec.RecordingPath != "" {
		t.Errorf("recording path must be empty, got %q", rec.RecordingPath)
	}
	if sink.rec.LinkedID != sess.LinkedID {
		t.Error("record must still be saved")
	}
}

func TestFinalize_SinkErrorSurfaces(t *testing.T) {
	t.Parallel()

	sink := &captureSink{err: errors.New("db down")}
	f := New(t.TempDir(), WithSink(sink))

	if _, err := f.Finalize(context.Background(), testSession(), nil, nil); err == nil {
		t.Error("sink failure must surface")
	}
}

func TestRenderConversationLog(t *testing.T) {
	t.Parallel()

	sess := testSession()
	log := RenderConversationLog(sess)

	for _, want := range []string{
		"Llamada 1724500000.42",
		"De 56912345678 a 600999 (bot rutbot)",
		"🤖 Asistente: Hola, indíqueme su RUT.",
		"👤 Usuario: catorce millones...",
		"flow complete",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q:\n%s", want, log)
		}
	}
}

// fakeDB records the statement and arguments passed to Exec.
type fakeDB struct {
	sql  string
	args []any
	err  error
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.sql = sql
	db.args = args
	return pgconn.CommandTag{}, db.err
}

func TestPgSink(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	sink := NewPgSink(db)

	rec := CallRecord{LinkedID: "1724500000.42", Caller: "56912345678", Identity: "14348258-8", Turns: 4}
	if err := sink.SaveCallRecord(context.Background(), rec); err != nil {
		t.Fatalf("SaveCallRecord: %v", err)
	}
	if !strings.Contains(db.sql, "register_call") {
		t.Errorf("sql: %q", db.sql)
	}
	if len(db.args) != 11 || db.args[0] != "1724500000.42" || db.args[4] != "14348258-8" {
		t.Errorf("args: %v", db.args)
	}

	db.err = errors.New("connection refused")
	if err := sink.SaveCallRecord(context.Background(), rec); err == nil {
		t.Error("exec failure must surface")
	}
}

func intStr(v int64) string {
	return strconv.FormatInt(v, 10)
}
