// Package phase holds the conversation phase table and the rules for moving
// between phases.
//
// Phases are totally ordered by their position in the table. Moving backwards
// is normally clamped: a confused domain must not drag a validated caller
// back into identity capture. A phase may whitelist specific earlier phases
// it is allowed to return to.
package phase

import (
	"fmt"
	"log/slog"
)

// Kind classifies what the engine does while a phase is current.
type Kind string

const (
	// KindSpeak plays assistant output; no user input expected.
	KindSpeak Kind = "SPEAK"

	// KindListen records and processes user input.
	KindListen Kind = "LISTEN"

	// KindValidate runs domain-side checks; user input optional.
	KindValidate Kind = "VALIDATE"

	// KindSilent neither speaks nor listens; the domain drives.
	KindSilent Kind = "SILENT"
)

// Phase is one entry in the table.
type Phase struct {
	Name string
	Kind Kind

	// RequiresInput must hold exactly when Kind is LISTEN.
	RequiresInput bool

	// AllowRegressionTo lists earlier phases this phase may legally return
	// to. Everything else regressing is clamped.
	AllowRegressionTo []string
}

// Table is an ordered, validated phase table.
type Table struct {
	phases map[string]Phase
	order  map[string]int
	names  []string
}

// NewTable validates and indexes the given phases in declaration order.
func NewTable(phases []Phase) (*Table, error) {
	t := &Table{
		phases: make(map[string]Phase, len(phases)),
		order:  make(map[string]int, len(phases)),
	}
	for i, p := range phases {
		if p.Name == "" {
			return nil, fmt.Errorf("phase: entry %d has no name", i)
		}
		if _, dup := t.phases[p.Name]; dup {
			return nil, fmt.Errorf("phase: duplicate phase %q", p.Name)
		}
		if p.RequiresInput != (p.Kind == KindListen) {
			return nil, fmt.Errorf("phase: %q: requiresInput must hold exactly for LISTEN phases (kind %s)", p.Name, p.Kind)
		}
		t.phases[p.Name] = p
		t.order[p.Name] = i
		t.names = append(t.names, p.Name)
	}
	return t, nil
}

// Get returns the phase by name.
func (t *Table) Get(name string) (Phase, bool) {
	p, ok := t.phases[name]
	return p, ok
}

// Names returns the phase names in table order.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Manager applies transitions against a table. It is stateless: the current
// phase lives on the session, and Transition returns the phase the session
// should adopt.
type Manager struct {
	table  *Table
	legacy map[string]struct{}
	log    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLegacySilentPhases treats the named phases as silent regardless of
// their declared kind. Exists for installations predating domain-declared
// silent phases.
func WithLegacySilentPhases(names []string) ManagerOption {
	return func(m *Manager) {
		for _, n := range names {
			m.legacy[n] = struct{}{}
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager over table.
func NewManager(table *Table, opts ...ManagerOption) *Manager {
	m := &Manager{
		table:  table,
		legacy: make(map[string]struct{}),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(slog.String("component", "phase"))
	return m
}

// Transition resolves a requested move from current to next and returns the
// realized phase.
//
//   - same target: no-op;
//   - unknown target: warn but permit, so domains can carry private phases
//     the engine has no table entry for;
//   - regression: permitted only when current whitelists next, otherwise
//     clamped to current.
func (m *Manager) Transition(current, next, reason string) string {
	if next == "" || next == current {
		return current
	}

	nextOrder, nextKnown := m.table.order[next]
	if !nextKnown {
		m.log.Warn("transition to phase outside the table, permitting",
			slog.String("from", current),
			slog.String("to", next),
			slog.String("reason", reason))
		return next
	}

	curOrder, curKnown := m.table.order[current]
	if curKnown && nextOrder < curOrder {
		if m.regressionAllowed(current, next) {
			m.log.Info("whitelisted phase regression",
				slog.String("from", current),
				slog.String("to", next),
				slog.String("reason", reason))
			return next
		}
		m.log.Warn("illegal phase regression clamped",
			slog.String("from", current),
			slog.String("to", next),
			slog.String("reason", reason))
		return current
	}

	return next
}

func (m *Manager) regressionAllowed(current, next string) bool {
	p, ok := m.table.Get(current)
	if !ok {
		return false
	}
	for _, allowed := range p.AllowRegressionTo {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsSilent reports whether name is a silent phase, either by declared kind or
// via the legacy override list.
func (m *Manager) IsSilent(name string) bool {
	if _, legacy := m.legacy[name]; legacy {
		return true
	}
	p, ok := m.table.Get(name)
	return ok && p.Kind == KindSilent
}

// RequiresInput reports whether name is a LISTEN phase. Unknown phases listen
// by default so private domain phases keep the conversation going.
func (m *Manager) RequiresInput(name string) bool {
	p, ok := m.table.Get(name)
	if !ok {
		return true
	}
	return p.RequiresInput
}
