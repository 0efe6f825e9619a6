package phase

import (
	"strings"
	"testing"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable([]Phase{
		{Name: "GREETING", Kind: KindSpeak},
		{Name: "CAPTURE_RUT", Kind: KindListen, RequiresInput: true},
		{Name: "CONFIRM", Kind: KindListen, RequiresInput: true, AllowRegressionTo: []string{"CAPTURE_RUT"}},
		{Name: "PROCESSING", Kind: KindSilent},
		{Name: "COMPLETE", Kind: KindValidate},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func TestNewTable_InvariantViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		phases []Phase
		want   string
	}{
		{"listen without input", []Phase{{Name: "A", Kind: KindListen}}, "requiresInput"},
		{"input without listen", []Phase{{Name: "A", Kind: KindSpeak, RequiresInput: true}}, "requiresInput"},
		{"duplicate", []Phase{{Name: "A", Kind: KindSpeak}, {Name: "A", Kind: KindSpeak}}, "duplicate"},
		{"unnamed", []Phase{{Kind: KindSpeak}}, "no name"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewTable(tc.phases)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestTransition(t *testing.T) {
	t.Parallel()

	m := NewManager(testTable(t))

	tests := []struct {
		name    string
		current string
		next    string
		want    string
	}{
		{"forward", "GREETING", "CAPTURE_RUT", "CAPTURE_RUT"},
		{"skip forward", "GREETING", "COMPLETE", "COMPLETE"},
		{"same target no-op", "CONFIRM", "CONFIRM", "CONFIRM"},
		{"empty target no-op", "CONFIRM", "", "CONFIRM"},
		{"unknown target permitted", "CONFIRM", "DOMAIN_PRIVATE", "DOMAIN_PRIVATE"},
		{"regression clamped", "COMPLETE", "GREETING", "COMPLETE"},
		{"whitelisted regression", "CONFIRM", "CAPTURE_RUT", "CAPTURE_RUT"},
		{"non-whitelisted regression clamped", "CONFIRM", "GREETING", "CONFIRM"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := m.Transition(tc.current, tc.next, "test"); got != tc.want {
				t.Errorf("Transition(%s, %s) = %s, want %s", tc.current, tc.next, got, tc.want)
			}
		})
	}
}

func TestIsSilent(t *testing.T) {
	t.Parallel()

	m := NewManager(testTable(t), WithLegacySilentPhases([]string{"LEGACY_WAIT"}))

	if !m.IsSilent("PROCESSING") {
		t.Error("PROCESSING is declared SILENT")
	}
	if m.IsSilent("CONFIRM") {
		t.Error("CONFIRM is not silent")
	}
	if !m.IsSilent("LEGACY_WAIT") {
		t.Error("legacy override must make LEGACY_WAIT silent")
	}
	if m.IsSilent("UNKNOWN") {
		t.Error("unknown phases are not silent")
	}
}

func TestRequiresInput(t *testing.T) {
	t.Parallel()

	m := NewManager(testTable(t))

	if !m.RequiresInput("CAPTURE_RUT") {
		t.Error("CAPTURE_RUT requires input")
	}
	if m.RequiresInput("GREETING") {
		t.Error("GREETING does not require input")
	}
	if !m.RequiresInput("DOMAIN_PRIVATE") {
		t.Error("unknown phases listen by default")
	}
}
