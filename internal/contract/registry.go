package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vozlab/arivoz/internal/store"
)

// ErrNoContract is returned when no snoop contract exists for a call.
var ErrNoContract = errors.New("contract: no snoop contract")

func snoopKey(linkedID string) string { return "snoop:" + linkedID }
func indexKey(snoopID string) string  { return "snoop:by-id:" + snoopID }

// Registry persists snoop contracts in the shared store under a double index:
// snoop:{linkedId} holds the contract, snoop:by-id:{snoopId} maps the snoop
// channel id back to the call.
//
// Transitions are linearizable per call because exactly one orchestrator
// drives each; idempotent transitions absorb double events from the switch.
type Registry struct {
	kv    store.KV
	log   *slog.Logger
	clock func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger. Defaults to slog.Default().
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// WithClock replaces the time source. Used in tests.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry creates a Registry on the given store.
func NewRegistry(kv store.KV, opts ...RegistryOption) *Registry {
	r := &Registry{kv: kv, log: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(slog.String("component", "contract"))
	return r
}

// Create persists a fresh contract in CREATED and installs the snoop-id index.
func (r *Registry) Create(ctx context.Context, linkedID, snoopID, parentChannelID string) (*Snoop, error) {
	now := r.clock()
	sn := &Snoop{
		LinkedID:        linkedID,
		SnoopID:         snoopID,
		ParentChannelID: parentChannelID,
		State:           StateCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
		TTLMs:           StateCreated.TTL().Milliseconds(),
		Version:         1,
	}
	if err := r.write(ctx, sn); err != nil {
		return nil, err
	}
	r.log.Debug("snoop contract created",
		slog.String("linked_id", linkedID),
		slog.String("snoop_id", snoopID))
	return sn, nil
}

// Get loads the contract for a call. Returns [ErrNoContract] when absent or
// expired.
func (r *Registry) Get(ctx context.Context, linkedID string) (*Snoop, error) {
	raw, err := r.kv.Get(ctx, snoopKey(linkedID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoContract, linkedID)
		}
		return nil, fmt.Errorf("contract: load %s: %w", linkedID, err)
	}
	var sn Snoop
	if err := json.Unmarshal([]byte(raw), &sn); err != nil {
		return nil, fmt.Errorf("contract: decode %s: %w", linkedID, err)
	}
	return &sn, nil
}

// ResolveSnoopID maps a snoop channel id back to its call's linked id.
func (r *Registry) ResolveSnoopID(ctx context.Context, snoopID string) (string, error) {
	linkedID, err := r.kv.Get(ctx, indexKey(snoopID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: snoop id %s", ErrNoContract, snoopID)
		}
		return "", fmt.Errorf("contract: resolve snoop id %s: %w", snoopID, err)
	}
	return linkedID, nil
}

// Transition moves the contract from the caller's expected state to target.
//
// The observed state wins over the caller's expectation: when they differ the
// observed state becomes the effective origin, which tolerates the engine and
// the switch's event stream racing each other. Regressions are rejected
// outright, a transition to the current state is a no-op, and DESTROYED is
// reachable from anywhere.
func (r *Registry) Transition(ctx context.Context, linkedID string, expectedFrom, to SnoopState) (*Snoop, error) {
	sn, err := r.Get(ctx, linkedID)
	if err != nil {
		return nil, err
	}

	effectiveFrom := sn.State
	if effectiveFrom != expectedFrom {
		r.log.Debug("transition race observed, using actual state",
			slog.String("linked_id", linkedID),
			slog.String("expected", string(expectedFrom)),
			slog.String("actual", string(effectiveFrom)))
	}

	if to == effectiveFrom {
		return sn, nil
	}
	if stateOrder[to] < stateOrder[effectiveFrom] {
		return nil, forbiddenTransition(linkedID, effectiveFrom, to)
	}
	if !canTransition(effectiveFrom, to) {
		return nil, forbiddenTransition(linkedID, effectiveFrom, to)
	}

	sn.State = to
	sn.UpdatedAt = r.clock()
	sn.TTLMs = to.TTL().Milliseconds()
	sn.Version++
	if err := r.write(ctx, sn); err != nil {
		return nil, err
	}

	r.log.Debug("snoop contract transitioned",
		slog.String("linked_id", linkedID),
		slog.String("from", string(effectiveFrom)),
		slog.String("to", string(to)),
		slog.Int("version", sn.Version))
	return sn, nil
}

// RequireReady is the STT gate: it fails with a [ViolationError] unless the
// contract exists and reports READY.
func (r *Registry) RequireReady(ctx context.Context, linkedID string) error {
	sn, err := r.Get(ctx, linkedID)
	if err != nil {
		if errors.Is(err, ErrNoContract) {
			return sttBlocked("MISSING")
		}
		return err
	}
	if sn.State != StateReady {
		return sttBlocked(sn.State)
	}
	return nil
}

// Destroy transitions the contract to DESTROYED and removes both index keys.
// Destroying an absent contract is a no-op.
func (r *Registry) Destroy(ctx context.Context, linkedID string) error {
	sn, err := r.Get(ctx, linkedID)
	if err != nil {
		if errors.Is(err, ErrNoContract) {
			return nil
		}
		return err
	}
	if err := r.kv.Del(ctx, snoopKey(linkedID)); err != nil {
		return fmt.Errorf("contract: destroy %s: %w", linkedID, err)
	}
	if sn.SnoopID != "" {
		if err := r.kv.Del(ctx, indexKey(sn.SnoopID)); err != nil {
			return fmt.Errorf("contract: destroy index %s: %w", sn.SnoopID, err)
		}
	}
	r.log.Debug("snoop contract destroyed", slog.String("linked_id", linkedID))
	return nil
}

// SetCaptureBridge records the capture bridge on the contract without a state
// change.
func (r *Registry) SetCaptureBridge(ctx context.Context, linkedID, bridgeID string) error {
	sn, err := r.Get(ctx, linkedID)
	if err != nil {
		return err
	}
	sn.CaptureBridgeID = bridgeID
	sn.UpdatedAt = r.clock()
	sn.Version++
	return r.write(ctx, sn)
}

func (r *Registry) write(ctx context.Context, sn *Snoop) error {
	raw, err := json.Marshal(sn)
	if err != nil {
		return fmt.Errorf("contract: encode %s: %w", sn.LinkedID, err)
	}
	ttl := sn.State.TTL()
	if err := r.kv.Set(ctx, snoopKey(sn.LinkedID), string(raw), ttl); err != nil {
		return fmt.Errorf("contract: persist %s: %w", sn.LinkedID, err)
	}
	if sn.SnoopID != "" {
		if err := r.kv.Set(ctx, indexKey(sn.SnoopID), sn.LinkedID, ttl); err != nil {
			return fmt.Errorf("contract: persist index %s: %w", sn.SnoopID, err)
		}
	}
	return nil
}
