// Package itemupdater implements the BMC-domain ItemUpdater of spec.md
// §4.2: it owns every BMC Software, enforces the MAX_ACTIVE_BMC redundancy
// budget, drives the RW/RO systemd units and U-Boot priority mirror for
// each activation, and answers the IPC RedundancyPriority/Delete surface.
package itemupdater

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openbmc-project/fwupdated/internal/activation"
	"github.com/openbmc-project/fwupdated/internal/config"
	"github.com/openbmc-project/fwupdated/internal/devices/bmcself"
	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/ipcbus"
	"github.com/openbmc-project/fwupdated/internal/manifest"
	"github.com/openbmc-project/fwupdated/internal/model"
	"github.com/openbmc-project/fwupdated/internal/systemdctl"
	"github.com/openbmc-project/fwupdated/internal/ubootenv"
)

// RWUnit and ROUnitTemplate name the systemd units spec.md §4.2 says the
// Activating entry hook starts.
const (
	RWUnit         = "flash-bmc-rw.service"
	ROUnitTemplate = "flash-bmc-ro@.service"
)

// unitStarter is the narrow slice of systemdctl.Conn an ItemUpdater needs;
// factored out so tests can drive the Activating entry hook against a fake
// unit manager instead of a real systemd D-Bus connection.
type unitStarter interface {
	StartUnit(ctx context.Context, unit string) (string, error)
}

// Item pairs one BMC Software with its activation state machine.
type Item struct {
	Software *model.Software
	Machine  *activation.Machine

	rwJob, roJob string
	rwDone, roDone bool
}

// ItemUpdater owns every BMC Software by swid, the redundancy priority
// ledger, and the systemd/U-Boot collaborators an activation drives.
type ItemUpdater struct {
	mu sync.Mutex

	daemon  config.Daemon
	bus     *ipcbus.Connection
	systemd unitStarter
	backend bmcself.Backend
	envSize int
	log     zerolog.Logger

	items map[string]*Item // swid -> Item
}

func New(daemon config.Daemon, bus *ipcbus.Connection, systemd unitStarter, backend bmcself.Backend, envSize int, log zerolog.Logger) *ItemUpdater {
	return &ItemUpdater{
		daemon:  daemon,
		bus:     bus,
		systemd: systemd,
		backend: backend,
		envSize: envSize,
		log:     log,
		items:   map[string]*Item{},
	}
}

// VerifyAndCreateObjects validates the extracted image's required files,
// creates the Version/Activation object at path, and returns the resulting
// ActivationState (Ready or Invalid), per spec.md §4.2.
func (u *ItemUpdater) VerifyAndCreateObjects(id, path, version string, purpose model.Purpose, extVersion, filePath string, compatibles []string) model.ActivationState {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := manifest.CheckArtifacts(filePath, model.DomainBMC); err != nil {
		u.log.Error().Err(err).Str("swid", id).Msg("bmc image missing required artifact")
		return model.StateInvalid
	}

	sw := &model.Software{
		Swid:            id,
		ObjectPath:      path,
		Domain:          model.DomainBMC,
		Purpose:         purpose,
		ActivationState: model.StateReady,
		FilePath:        filePath,
	}
	sw.SetVersion(version)

	item := &Item{Software: sw}
	item.Machine = activation.New(model.StateReady, u.hooksFor(item))
	u.items[id] = item

	u.publishVersion(sw, extVersion, compatibles)
	u.publishActivation(item)
	return model.StateReady
}

// RequestActivation sets the targeted Activation's requestedState to
// Active, firing the Ready|Failed -> Activating transition.
func (u *ItemUpdater) RequestActivation(ctx context.Context, id string) bool {
	u.mu.Lock()
	item, ok := u.items[id]
	u.mu.Unlock()
	if !ok {
		return false
	}
	if err := item.Machine.Fire(ctx, activation.TriggerRequestActive); err != nil {
		u.log.Error().Err(err).Str("swid", id).Msg("requestActivation failed")
		return false
	}
	return true
}

// hooksFor wires one Item's activation.Hooks to the systemd unit starts,
// U-Boot priority mirror, and bus publication spec.md §4.2 names.
func (u *ItemUpdater) hooksFor(item *Item) activation.Hooks {
	return activation.Hooks{
		OnEnterActivating: func(ctx context.Context) error {
			if err := u.backend.PrepareRW(ctx, item.Software.Swid); err != nil {
				return err
			}
			if err := u.backend.PrepareRO(ctx, item.Software.Swid); err != nil {
				return err
			}
			rwJob, err := u.systemd.StartUnit(ctx, RWUnit)
			if err != nil {
				return err
			}
			roJob, err := u.systemd.StartUnit(ctx, systemdctl.InstanceUnit(ROUnitTemplate, item.Software.Swid))
			if err != nil {
				return err
			}
			item.rwJob, item.roJob = rwJob, roJob
			u.publishBlocksTransition(item, true)
			u.publishProgress(item)
			return nil
		},
		OnRWDone: func(ctx context.Context) bool {
			item.rwDone = true
			u.publishProgress(item)
			return item.rwDone && item.roDone
		},
		OnRODone: func(ctx context.Context) bool {
			item.roDone = true
			u.publishProgress(item)
			return item.rwDone && item.roDone
		},
		OnBeforeActive: func(ctx context.Context) error {
			return u.commitRedundancy(item)
		},
		OnEnterActive: func(ctx context.Context) {
			item.Software.ActivationState = model.StateActive
			item.Software.Functional = true
			u.publishBlocksTransition(item, false)
			u.publishActiveAssociation(item)
			u.FreeSpace(item.Software.Swid)
		},
		OnEnterFailed: func(ctx context.Context) {
			item.Software.ActivationState = model.StateFailed
			u.publishBlocksTransition(item, false)
		},
	}
}

// HandleJobResult routes a systemd job-removal notification to the owning
// Item's Machine, deduplicated by job ID (spec.md §5).
func (u *ItemUpdater) HandleJobResult(ctx context.Context, jr systemdctl.JobResult) {
	u.mu.Lock()
	var item *Item
	for _, it := range u.items {
		if it.rwJob == jr.JobID || it.roJob == jr.JobID {
			item = it
			break
		}
	}
	u.mu.Unlock()
	if item == nil {
		return
	}

	if !jr.Succeeded() {
		if err := item.Machine.HandleJobResult(ctx, jr.JobID, activation.TriggerUnitFailed); err != nil {
			u.log.Error().Err(err).Str("swid", item.Software.Swid).Msg("unit-failed transition failed")
		}
		return
	}
	trigger := activation.TriggerRWDone
	if jr.JobID == item.roJob {
		trigger = activation.TriggerRODone
	}
	if err := item.Machine.HandleJobResult(ctx, jr.JobID, trigger); err != nil {
		u.log.Error().Err(err).Str("swid", item.Software.Swid).Msg("volume-done transition failed")
	}
}

// commitRedundancy runs the "priority-set -> uboot-env-updated" step
// between both-volumes-done and Active: assign the next free priority,
// persist it, cascade-free collisions, and mirror it to U-Boot.
func (u *ItemUpdater) commitRedundancy(item *Item) error {
	u.mu.Lock()
	priority := u.nextFreePriorityLocked()
	u.freePriorityLocked(priority, item.Software.Swid)
	item.Software.Priority = &model.RedundancyPriority{Value: priority}
	u.mu.Unlock()

	if err := u.SavePriority(item.Software.Swid, priority); err != nil {
		return err
	}
	u.publishPriority(item)
	return nil
}

// SavePriority persists priority to the filesystem and, when envSize > 0
// (systems configured for U-Boot mirroring), also to the U-Boot
// environment, per spec.md §4.2.
func (u *ItemUpdater) SavePriority(flashID string, priority int) error {
	if err := config.SavePriority(u.daemon.PersistRoot, flashID, priority); err != nil {
		return err
	}
	if u.envSize <= 0 {
		return nil
	}
	env, err := ubootenv.Open(u.envSize)
	if err != nil {
		return err
	}
	return env.SetPriority(flashID, priority)
}

func (u *ItemUpdater) nextFreePriorityLocked() int {
	used := map[int]bool{}
	for _, it := range u.items {
		if it.Software.Priority != nil {
			used[it.Software.Priority.Value] = true
		}
	}
	for p := 0; ; p++ {
		if !used[p] {
			return p
		}
	}
}

// FreePriority increments the priority of every BMC Software other than
// excludedId currently holding value, cascading as needed to keep
// priorities unique and dense from zero, per spec.md §4.2.
func (u *ItemUpdater) FreePriority(newValue int, excludedID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.freePriorityLocked(newValue, excludedID)
}

func (u *ItemUpdater) freePriorityLocked(value int, excludedID string) {
	for _, it := range u.items {
		if it.Software.Swid == excludedID || it.Software.Priority == nil {
			continue
		}
		if it.Software.Priority.Value == value {
			it.Software.Priority.Value++
			u.freePriorityLocked(it.Software.Priority.Value, it.Software.Swid)
		}
	}
}

// FreeSpace deletes the highest-priority non-functional BMC versions until
// the active count drops to MAX_ACTIVE_BMC-1, never deleting the
// functional version, per spec.md §4.2.
func (u *ItemUpdater) FreeSpace(caller string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.freeSpaceLocked(caller)
}

func (u *ItemUpdater) freeSpaceLocked(caller string) {
	max := u.daemon.MaxActiveBMC
	if max <= 0 {
		max = 2
	}

	var active []*Item
	for _, it := range u.items {
		if it.Software.ActivationState == model.StateActive {
			active = append(active, it)
		}
	}
	if len(active) <= max-1 {
		return
	}

	sort.Slice(active, func(i, j int) bool {
		pi, pj := priorityOf(active[i]), priorityOf(active[j])
		return pi > pj // highest (least preferred) priority first
	})

	remaining := len(active)
	for _, it := range active {
		if remaining <= max-1 {
			break
		}
		if it.Software.Functional || it.Software.Swid == caller {
			continue
		}
		u.deleteLocked(it.Software.Swid)
		remaining--
	}
}

func priorityOf(it *Item) int {
	if it.Software.Priority == nil {
		return 0
	}
	return it.Software.Priority.Value
}

// DeleteAll removes every non-functional BMC Software.
func (u *ItemUpdater) DeleteAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for swid, it := range u.items {
		if !it.Software.Functional {
			u.deleteLocked(swid)
		}
	}
}

// Delete removes a single non-functional BMC Software; mirrors the
// Delete.Delete() IPC surface.
func (u *ItemUpdater) Delete(swid string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	it, ok := u.items[swid]
	if !ok {
		return errcode.New(errcode.ImageError, "itemupdater.Delete", "unknown swid "+swid, nil)
	}
	if it.Software.Functional {
		return errcode.New(errcode.DriverError, "itemupdater.Delete", "cannot delete the functional version", nil)
	}
	u.deleteLocked(swid)
	return nil
}

func (u *ItemUpdater) deleteLocked(swid string) {
	it, ok := u.items[swid]
	if !ok {
		return
	}
	delete(u.items, swid)
	u.bus.Publish(u.bus.NewMessage(ipcbus.ObjectPath("software", swid), nil, true))
	u.log.Info().Str("swid", swid).Msg("deleted bmc software version")
}

// Reset performs a factory reset: marks the RW partition for recreation on
// next boot. It never touches the RO partition.
func (u *ItemUpdater) Reset(ctx context.Context) error {
	return u.backend.PrepareRW(ctx, "factory-reset")
}

// Functional returns the currently functional BMC Software, if any.
func (u *ItemUpdater) Functional() (*model.Software, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, it := range u.items {
		if it.Software.Functional {
			return it.Software, true
		}
	}
	return nil, false
}

func (u *ItemUpdater) publishVersion(sw *model.Software, extVersion string, compatibles []string) {
	topic := ipcbus.Property(ipcbus.ObjectPath("software", sw.Swid), "version")
	u.bus.Publish(u.bus.NewMessage(topic, sw.Version, true))
	if extVersion != "" {
		extTopic := ipcbus.Property(ipcbus.ObjectPath("software", sw.Swid), "extendedVersion")
		u.bus.Publish(u.bus.NewMessage(extTopic, extVersion, true))
	}
}

func (u *ItemUpdater) publishActivation(item *Item) {
	topic := ipcbus.Property(ipcbus.ObjectPath("software", item.Software.Swid), "activationState")
	u.bus.Publish(u.bus.NewMessage(topic, item.Machine.State(), true))
}

func (u *ItemUpdater) publishProgress(item *Item) {
	topic := ipcbus.Property(ipcbus.ObjectPath("software", item.Software.Swid), "progress")
	u.bus.Publish(u.bus.NewMessage(topic, item.Machine.Progress(), true))
}

func (u *ItemUpdater) publishBlocksTransition(item *Item, present bool) {
	topic := ipcbus.Property(ipcbus.ObjectPath("software", item.Software.Swid), "blocksTransition")
	var payload any
	if present {
		payload = true
	}
	u.bus.Publish(u.bus.NewMessage(topic, payload, true))
}

func (u *ItemUpdater) publishActiveAssociation(item *Item) {
	topic := ipcbus.Property(ipcbus.ObjectPath("software", item.Software.Swid), "associations")
	u.bus.Publish(u.bus.NewMessage(topic, []string{"active"}, true))
}

func (u *ItemUpdater) publishPriority(item *Item) {
	topic := ipcbus.Property(ipcbus.ObjectPath("software", item.Software.Swid), "priority")
	u.bus.Publish(u.bus.NewMessage(topic, item.Software.Priority.Value, true))
}
