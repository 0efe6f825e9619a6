// Package contract holds the authoritative state of per-call media resources.
//
// The switch's own view of a snoop channel is advisory: events race, channels
// get reaped, and a crashed peer process must not leave another consumer
// acting on stale assumptions. The snoop contract in the shared store is the
// single source of truth, and speech capture is gated on it — STT may start
// only when the contract reports READY.
package contract

import (
	"fmt"
	"time"
)

// SnoopState is a state in the snoop channel's lifecycle.
type SnoopState string

const (
	// StateCreated: the create call succeeded; the switch has not confirmed
	// the channel yet.
	StateCreated SnoopState = "CREATED"

	// StateWaitingAst: waiting for the switch's StasisStart on the snoop
	// channel.
	StateWaitingAst SnoopState = "WAITING_AST"

	// StateReady: the snoop channel materialized and is pinned. STT may run.
	StateReady SnoopState = "READY"

	// StateConsumed: the call's capture finished; the tap is no longer read.
	StateConsumed SnoopState = "CONSUMED"

	// StateReleasable: teardown may reclaim the channel.
	StateReleasable SnoopState = "RELEASABLE"

	// StateDestroyed: terminal.
	StateDestroyed SnoopState = "DESTROYED"
)

// stateOrder makes regressions detectable: a transition whose target orders
// strictly below the current state is forbidden.
var stateOrder = map[SnoopState]int{
	StateCreated:    0,
	StateWaitingAst: 1,
	StateReady:      2,
	StateConsumed:   3,
	StateReleasable: 4,
	StateDestroyed:  5,
}

// allowedNext is the forward edge set. READY is reachable directly from
// CREATED because the switch's confirmation event can race the engine's own
// progress. Idempotent self-transitions and any→DESTROYED are handled by the
// transition algorithm, not listed here.
var allowedNext = map[SnoopState][]SnoopState{
	StateCreated:    {StateWaitingAst, StateReady},
	StateWaitingAst: {StateReady},
	StateReady:      {StateConsumed},
	StateConsumed:   {StateReleasable},
	StateReleasable: {},
	StateDestroyed:  {},
}

// stateTTL is the per-state persistence TTL. Pre-READY states are short so a
// wedged setup self-cleans; READY and CONSUMED survive a full call.
var stateTTL = map[SnoopState]time.Duration{
	StateCreated:    30 * time.Second,
	StateWaitingAst: 15 * time.Second,
	StateReady:      time.Hour,
	StateConsumed:   time.Hour,
	StateReleasable: time.Minute,
	StateDestroyed:  10 * time.Second,
}

// TTL returns the persistence TTL for s.
func (s SnoopState) TTL() time.Duration {
	if ttl, ok := stateTTL[s]; ok {
		return ttl
	}
	return time.Minute
}

// Known reports whether s is a recognised state.
func (s SnoopState) Known() bool {
	_, ok := stateOrder[s]
	return ok
}

// canTransition implements the edge check: self-transitions are idempotent
// no-ops, DESTROYED is reachable from anywhere, everything else follows
// allowedNext.
func canTransition(from, to SnoopState) bool {
	if from == to || to == StateDestroyed {
		return true
	}
	for _, next := range allowedNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Snoop is one call's snoop contract as persisted in the shared store.
type Snoop struct {
	LinkedID        string     `json:"linked_id"`
	SnoopID         string     `json:"snoop_id"`
	ParentChannelID string     `json:"parent_channel_id"`
	CaptureBridgeID string     `json:"capture_bridge_id,omitempty"`
	ExternalMediaID string     `json:"external_media_id,omitempty"`
	State           SnoopState `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	TTLMs           int64      `json:"ttl_ms"`
	Version         int        `json:"version"`
}

// ViolationError is a structured contract violation. The orchestrator treats
// any violation as grounds for a defensive terminate.
type ViolationError struct {
	Code   string
	Detail string
}

func (e *ViolationError) Error() string {
	if e.Detail == "" {
		return "contract: " + e.Code
	}
	return fmt.Sprintf("contract: %s: %s", e.Code, e.Detail)
}

// forbiddenTransition builds the violation for an illegal edge.
func forbiddenTransition(linkedID string, from, to SnoopState) *ViolationError {
	return &ViolationError{
		Code:   "FORBIDDEN_TRANSITION",
		Detail: fmt.Sprintf("snoop %s: %s -> %s", linkedID, from, to),
	}
}

// sttBlocked builds the violation raised when STT is requested while the
// contract is not READY. The offending state is part of the code so a single
// log line identifies the race.
func sttBlocked(state SnoopState) *ViolationError {
	return &ViolationError{Code: "STT_BLOCKED_SNOOP_STATE_" + string(state)}
}
