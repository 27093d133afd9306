// Package activation drives the per-Software activation lifecycle named in
// spec.md §4.2's state diagram: NotReady -> Ready -> Activating ->
// {Active, Failed}, with Failed retryable back to Activating. It wraps
// github.com/qmuntal/stateless the way u-bmc's service/statemgr layers a
// named-trigger finite state machine over a BMC component's lifecycle
// (statemgr manages host/chassis/BMC power states the same shape: API
// action triggers a transition, an internal event confirms it), generalized
// here to the update orchestrator's Software/Activation object instead of a
// power state.
package activation

import (
	"context"
	"fmt"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/openbmc-project/fwupdated/internal/model"
)

// Trigger names an event that can move a Machine between states.
type Trigger string

const (
	TriggerVerified        Trigger = "verified"         // NotReady -> Ready
	TriggerInvalid          Trigger = "invalid"          // NotReady -> Invalid
	TriggerRequestActive    Trigger = "request_active"   // Ready|Failed -> Activating
	TriggerRWDone           Trigger = "rw_done"          // Activating -> Activating (progress += 20)
	TriggerRODone           Trigger = "ro_done"          // Activating -> Activating (progress += 50)
	TriggerBothVolumesDone  Trigger = "both_volumes_done"// Activating -> Active (via priority/uboot hooks)
	TriggerUnitFailed       Trigger = "unit_failed"      // Activating -> Failed
	TriggerDeleted          Trigger = "deleted"          // Active -> (destroyed, handled by owner)
)

// Hooks are the side effects the owning ItemUpdater attaches to specific
// transitions; all are optional. Machine never calls back into the owner
// except through these, keeping the back-reference (spec.md §9) one-way.
type Hooks struct {
	// OnEnterActivating starts the RW/RO systemd units and instantiates
	// ActivationBlocksTransition + ActivationProgress.
	OnEnterActivating func(ctx context.Context) error
	// OnRWDone / OnRODone run after Machine has added that volume's share
	// to progress (clamped to 100) and report whether both volumes are
	// now done. Machine.Fire queues
	// TriggerBothVolumesDone itself once the reporting hook returns true,
	// rather than have the hook call back into Fire while it is still
	// running (Fire is not reentrant on the same goroutine).
	OnRWDone func(ctx context.Context) (bothDone bool)
	OnRODone func(ctx context.Context) (bothDone bool)
	// OnBeforeActive runs priority-set then uboot-env-update, in that
	// order, before the state actually flips to Active (spec.md §4.2:
	// "both volumes -> priority-set -> uboot-env-updated -> Active").
	OnBeforeActive func(ctx context.Context) error
	// OnEnterActive destroys ActivationBlocksTransition/Progress, publishes
	// the "active" association, and removes the old Version/Delete objects.
	OnEnterActive func(ctx context.Context)
	// OnEnterFailed runs on any path into Failed.
	OnEnterFailed func(ctx context.Context)
}

// Machine is one Software's activation state machine. It additionally
// tracks progress and deduplicates systemd job-removal redelivery by job ID
// so progress never double-advances (spec.md §5).
type Machine struct {
	mu       sync.Mutex
	sm       *stateless.StateMachine[model.ActivationState, Trigger]
	hooks    Hooks
	progress int
	seenJobs map[string]bool

	// pending is a trigger an InternalTransition hook asked to fire next,
	// recorded while m.mu is held and consumed by Fire only after it has
	// released the lock (see Fire).
	pending Trigger
}

// New builds a Machine seeded at NotReady (or Ready, if the image was
// already verified by the time the Software object is constructed).
func New(initial model.ActivationState, hooks Hooks) *Machine {
	m := &Machine{hooks: hooks, seenJobs: map[string]bool{}}
	sm := stateless.NewStateMachine[model.ActivationState, Trigger](initial)

	sm.Configure(model.StateNotReady).
		Permit(TriggerVerified, model.StateReady).
		Permit(TriggerInvalid, model.StateInvalid)

	sm.Configure(model.StateReady).
		Permit(TriggerRequestActive, model.StateActivating)

	sm.Configure(model.StateActivating).
		OnEntry(func(ctx context.Context, _ ...any) error {
			m.progress = 0
			if m.hooks.OnEnterActivating != nil {
				return m.hooks.OnEnterActivating(ctx)
			}
			return nil
		}).
		InternalTransition(TriggerRWDone, func(ctx context.Context, _ ...any) error {
			m.bumpProgress(20)
			if m.hooks.OnRWDone != nil && m.hooks.OnRWDone(ctx) {
				m.pending = TriggerBothVolumesDone
			}
			return nil
		}).
		InternalTransition(TriggerRODone, func(ctx context.Context, _ ...any) error {
			m.bumpProgress(50)
			if m.hooks.OnRODone != nil && m.hooks.OnRODone(ctx) {
				m.pending = TriggerBothVolumesDone
			}
			return nil
		}).
		Permit(TriggerBothVolumesDone, model.StateActive).
		Permit(TriggerUnitFailed, model.StateFailed)

	sm.Configure(model.StateActive).
		OnEntry(func(ctx context.Context, _ ...any) error {
			m.progress = 100
			if m.hooks.OnEnterActive != nil {
				m.hooks.OnEnterActive(ctx)
			}
			return nil
		})

	sm.Configure(model.StateFailed).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if m.hooks.OnEnterFailed != nil {
				m.hooks.OnEnterFailed(ctx)
			}
			return nil
		}).
		Permit(TriggerRequestActive, model.StateActivating)

	sm.Configure(model.StateInvalid)

	m.sm = sm
	return m
}

func (m *Machine) bumpProgress(delta int) {
	m.progress += delta
	if m.progress > 100 {
		m.progress = 100
	}
}

// State returns the current activation state.
func (m *Machine) State() model.ActivationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.MustState()
}

// Progress returns the current 0-100 progress counter, meaningful only in
// and after Activating.
func (m *Machine) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// Fire drives trigger through the machine, running whatever OnEntry/
// InternalTransition hooks are configured for the resulting edge. If one of
// those hooks (OnRWDone/OnRODone) reports that both volumes are now done,
// Fire chases that up with its own call for TriggerBothVolumesDone once the
// lock from this call has been released — never while still held, since a
// hook invoked synchronously from within m.sm.FireCtx runs on this same
// goroutine and sync.Mutex is not reentrant.
func (m *Machine) Fire(ctx context.Context, trigger Trigger) error {
	next, err := m.fireOnce(ctx, trigger)
	if err != nil {
		return err
	}
	if next != "" {
		return m.Fire(ctx, next)
	}
	return nil
}

// fireOnce runs exactly one trigger under m.mu and returns any
// hook-requested follow-up trigger, still unfired.
func (m *Machine) fireOnce(ctx context.Context, trigger Trigger) (Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if trigger == TriggerBothVolumesDone && m.hooks.OnBeforeActive != nil {
		if err := m.hooks.OnBeforeActive(ctx); err != nil {
			return "", fmt.Errorf("activation: before-active hook: %w", err)
		}
	}
	m.pending = ""
	if err := m.sm.FireCtx(ctx, trigger); err != nil {
		return "", fmt.Errorf("activation: fire %s from %s: %w", trigger, m.sm.MustState(), err)
	}
	next := m.pending
	m.pending = ""
	return next, nil
}

// HandleJobResult applies a deduplicated systemd job-removal notification:
// redelivery of the same jobID is a silent no-op so progress never
// double-advances (spec.md §5 ordering guarantee).
func (m *Machine) HandleJobResult(ctx context.Context, jobID string, trigger Trigger) error {
	m.mu.Lock()
	if m.seenJobs[jobID] {
		m.mu.Unlock()
		return nil
	}
	m.seenJobs[jobID] = true
	m.mu.Unlock()
	return m.Fire(ctx, trigger)
}

// CanFire reports whether trigger is legal from the current state, used by
// callers (e.g. the IPC requestedState setter) to reject bad transitions
// before attempting them.
func (m *Machine) CanFire(trigger Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, _ := m.sm.CanFireCtx(context.Background(), trigger)
	return ok
}
