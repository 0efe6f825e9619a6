package speech_test

import (
	"context"
	"errors"
	"testing"

	"github.com/vozlab/arivoz/internal/speech"
	"github.com/vozlab/arivoz/internal/speech/mock"
)

func TestFailover_PrimaryConnects(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{}
	backup := &mock.Provider{}
	f := speech.NewFailover(primary, "primary")
	f.AddFallback("backup", backup)

	sess, err := f.Connect(context.Background(), speech.SessionConfig{Voice: "marin"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if len(primary.Connects) != 1 {
		t.Errorf("primary connects = %d, want 1", len(primary.Connects))
	}
	if len(backup.Connects) != 0 {
		t.Errorf("backup connects = %d, want 0", len(backup.Connects))
	}
	if primary.Connects[0].Voice != "marin" {
		t.Errorf("voice = %q", primary.Connects[0].Voice)
	}
}

func TestFailover_FallsBackOnPrimaryFailure(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{ConnectErr: errors.New("dial refused")}
	backup := &mock.Provider{}
	f := speech.NewFailover(primary, "primary")
	f.AddFallback("backup", backup)

	sess, err := f.Connect(context.Background(), speech.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if len(primary.Connects) != 1 || len(backup.Connects) != 1 {
		t.Errorf("connects = %d/%d, want 1/1", len(primary.Connects), len(backup.Connects))
	}
}

func TestFailover_AllProvidersDown(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{ConnectErr: errors.New("dial refused")}
	f := speech.NewFailover(primary, "primary")

	_, err := f.Connect(context.Background(), speech.SessionConfig{})
	if err == nil {
		t.Fatal("Connect succeeded with the only provider down")
	}
}

func TestFailover_OpenBreakerSkipsPrimary(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{ConnectErr: errors.New("dial refused")}
	backup := &mock.Provider{}
	f := speech.NewFailover(primary, "primary")
	f.AddFallback("backup", backup)

	// Three consecutive failures open the primary's breaker.
	for n := 0; n < 3; n++ {
		if _, err := f.Connect(context.Background(), speech.SessionConfig{}); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	attempts := len(primary.Connects)

	if _, err := f.Connect(context.Background(), speech.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(primary.Connects) != attempts {
		t.Errorf("primary dialed with open breaker (connects %d -> %d)", attempts, len(primary.Connects))
	}
	if len(backup.Connects) != 4 {
		t.Errorf("backup connects = %d, want 4", len(backup.Connects))
	}
}
