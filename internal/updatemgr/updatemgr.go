// Package updatemgr implements the per-domain UpdateManager of spec.md
// §4.1: it serializes IPC update requests for one administrative domain,
// extracts and validates the package, matches it to a target device, and
// either hands the BMC domain off to internal/itemupdater or drives the
// matched device's internal/devices.Driver directly.
package updatemgr

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/arunsworld/nursery"

	"github.com/openbmc-project/fwupdated/internal/activation"
	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/ipcbus"
	"github.com/openbmc-project/fwupdated/internal/itemupdater"
	"github.com/openbmc-project/fwupdated/internal/manifest"
	"github.com/openbmc-project/fwupdated/internal/model"
)

// BMCUpdater is the subset of itemupdater.ItemUpdater the BMC domain's
// pipeline needs; only wired when Manager's domain is DomainBMC.
type BMCUpdater interface {
	VerifyAndCreateObjects(id, path, version string, purpose model.Purpose, extVersion, filePath string, compatibles []string) model.ActivationState
	RequestActivation(ctx context.Context, id string) bool
}

// item is the generic (non-BMC) Software + activation.Machine pair a
// Manager owns for every device domain it serves.
type item struct {
	software *model.Software
	machine  *activation.Machine
	entry    *devices.Entry
}

// Manager serializes update requests for one administrative domain. Only
// one processImage task may be in flight at a time; a second StartUpdate
// fails with Unavailable until the first reaches a terminal state.
type Manager struct {
	domain      model.Domain
	uploadRoot  string
	machineName string
	keystoreDir string

	bus       *ipcbus.Connection
	registry  *devices.Registry
	bmc       BMCUpdater // non-nil only for DomainBMC
	log       zerolog.Logger

	inProgress atomic.Bool
	items      map[string]*item
}

func New(domain model.Domain, uploadRoot, machineName, keystoreDir string, bus *ipcbus.Connection, registry *devices.Registry, bmc BMCUpdater, log zerolog.Logger) *Manager {
	return &Manager{
		domain:      domain,
		uploadRoot:  uploadRoot,
		machineName: machineName,
		keystoreDir: keystoreDir,
		bus:         bus,
		registry:    registry,
		bmc:         bmc,
		log:         log,
		items:       map[string]*item{},
	}
}

// StartUpdate duplicates fd so the caller may close its own copy
// immediately, then spawns the asynchronous processImage task, returning
// the new Software's object path. Fails with ConcurrencyError/Unavailable
// if a package is already being processed for this domain.
func (m *Manager) StartUpdate(ctx context.Context, fd int, applyTime model.ApplyTime) (string, error) {
	if !m.inProgress.CompareAndSwap(false, true) {
		return "", errcode.New(errcode.ConcurrencyError, "updatemgr.StartUpdate", "update already in progress for domain "+string(m.domain), nil)
	}

	dupFd, err := unix.Dup(fd)
	if err != nil {
		m.inProgress.Store(false)
		return "", errcode.New(errcode.FatalSetupError, "updatemgr.StartUpdate", "dup image fd", err)
	}

	updateID := uuid.NewString()
	swid := model.NewSwid(string(m.domain))
	objectPath := model.ObjectPathFor(swid)

	go func() {
		job := func(ctx context.Context, errCh chan error) {
			errCh <- m.processImage(ctx, dupFd, applyTime, updateID, swid, objectPath)
		}
		if err := nursery.RunConcurrentlyWithContext(ctx, job); err != nil {
			m.log.Error().Err(err).Str("update_id", updateID).Msg("processImage task failed")
		}
		m.inProgress.Store(false)
	}()

	return objectPath, nil
}

// processImage runs the full pipeline documented in spec.md §4.1, steps
// 1-9. Every exit path closes fd and clears the in-progress flag (handled
// by the caller goroutine above for the flag; fd is closed here).
func (m *Manager) processImage(ctx context.Context, fd int, applyTime model.ApplyTime, updateID, swid, objectPath string) error {
	pkgFile := os.NewFile(uintptr(fd), "update-package")
	defer pkgFile.Close()

	scratch := filepath.Join(m.uploadRoot, ".scratch-"+updateID)
	promoted := false
	defer func() {
		if !promoted {
			_ = os.RemoveAll(scratch)
		}
	}()

	tarPath, err := m.spoolToTemp(pkgFile)
	if err != nil {
		m.publishInvalid(objectPath)
		return err
	}
	defer os.Remove(tarPath)

	if err := manifest.Extract(ctx, tarPath, scratch); err != nil {
		m.publishInvalid(objectPath)
		return err
	}

	man, err := manifest.Parse(scratch)
	if err != nil {
		m.publishInvalid(objectPath)
		return err
	}

	if man.MachineName != "" && man.MachineName != m.machineName {
		m.publishInvalid(objectPath)
		return errcode.New(errcode.ImageError, "updatemgr.processImage", "machine name mismatch: got "+man.MachineName, nil)
	}

	if err := manifest.VerifySignatures(scratch, m.keystoreDir); err != nil {
		m.publishInvalid(objectPath)
		return err
	}

	finalDir := filepath.Join(m.uploadRoot, updateID)
	if err := os.Rename(scratch, finalDir); err != nil {
		m.publishInvalid(objectPath)
		return errcode.New(errcode.ImageError, "updatemgr.processImage", "promote scratch dir", err)
	}
	promoted = true

	var state model.ActivationState
	if m.domain == model.DomainBMC {
		state = m.bmc.VerifyAndCreateObjects(swid, objectPath, man.Version, man.Purpose, man.ExtendedVersion, finalDir, man.CompatibleNames)
	} else {
		state, err = m.verifyDevice(swid, objectPath, man, finalDir)
		if err != nil {
			m.log.Error().Err(err).Str("object_path", objectPath).Msg("device image verification failed")
			m.publishInvalid(objectPath)
			return err
		}
	}

	if state != model.StateReady {
		return nil
	}
	if applyTime != model.ApplyImmediate && applyTime != model.ApplyOnReset {
		return nil
	}
	m.requestActivation(ctx, swid, applyTime)
	return nil
}

// spoolToTemp copies the package fd's bytes to a regular temp file so the
// external tar utility (which needs a seekable path, not a pipe fd) can
// extract it.
func (m *Manager) spoolToTemp(r io.Reader) (string, error) {
	f, err := os.CreateTemp("", "update-*.tar")
	if err != nil {
		return "", errcode.New(errcode.ImageError, "updatemgr.spoolToTemp", "create tempfile", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", errcode.New(errcode.ImageError, "updatemgr.spoolToTemp", "copy package stream", err)
	}
	return f.Name(), nil
}

// verifyDevice resolves the target device for a non-BMC domain, verifies
// the extracted image artifact against its family-specific parser, and
// registers a generic Software/activation.Machine pair for it.
func (m *Manager) verifyDevice(swid, objectPath string, man model.Manifest, dir string) (model.ActivationState, error) {
	entry, err := m.resolveDevice(man)
	if err != nil {
		return model.StateInvalid, err
	}
	if err := manifest.CheckArtifacts(dir, m.domain); err != nil {
		return model.StateInvalid, err
	}
	image, err := os.ReadFile(filepath.Join(dir, "image"))
	if err != nil {
		return model.StateInvalid, errcode.New(errcode.ImageError, "updatemgr.verifyDevice", "read image artifact", err)
	}
	if err := entry.Driver.VerifyImage(image); err != nil {
		return model.StateInvalid, err
	}

	sw := &model.Software{
		Swid:            swid,
		ObjectPath:      objectPath,
		Domain:          m.domain,
		Purpose:         man.Purpose,
		ActivationState: model.StateReady,
		FilePath:        dir,
	}
	sw.SetVersion(man.Version)

	it := &item{software: sw, entry: entry}
	it.machine = activation.New(model.StateReady, m.deviceHooks(it, image))
	m.items[swid] = it
	m.publishVersion(sw)
	m.publishActivationState(sw.ObjectPath, model.StateReady)
	return model.StateReady, nil
}

// resolveDevice picks the configured device this package targets: the
// domain's sole device if there is exactly one, otherwise the first whose
// CompatibleName appears in the manifest's CompatibleName list. Ambiguous
// multi-device domains without a matching CompatibleName fail closed.
func (m *Manager) resolveDevice(man model.Manifest) (*devices.Entry, error) {
	entries := m.registry.ForDomain(m.domain)
	if len(entries) == 0 {
		return nil, errcode.New(errcode.ImageError, "updatemgr.resolveDevice", "no device configured for domain "+string(m.domain), nil)
	}
	if len(entries) == 1 {
		return entries[0], nil
	}
	for _, e := range entries {
		for _, c := range man.CompatibleNames {
			if e.Device.Config.CompatibleName == c {
				return e, nil
			}
		}
	}
	return nil, errcode.New(errcode.ImageError, "updatemgr.resolveDevice", "no compatible device matched CompatibleName", nil)
}

// deviceHooks wires a generic device's Activating entry to the device's
// exclusive in-progress flag and its UpdateFirmware call, reusing the same
// activation.Machine shape the BMC domain uses (TriggerBothVolumesDone and
// TriggerUnitFailed stand in generically for "the device write finished" /
// "the device write failed", since the FSM shape is identical).
func (m *Manager) deviceHooks(it *item, image []byte) activation.Hooks {
	objectPath := it.entry.Device.Config.ObjectPath
	return activation.Hooks{
		OnEnterActivating: func(ctx context.Context) error {
			if _, ok := m.registry.TryBeginUpdate(objectPath); !ok {
				return errcode.New(errcode.ConcurrencyError, "updatemgr.deviceHooks", "device update already in progress", nil)
			}
			go m.runDeviceUpdate(ctx, it, image)
			return nil
		},
		OnEnterActive: func(ctx context.Context) {
			m.registry.EndUpdate(objectPath)
			it.software.ActivationState = model.StateActive
			it.software.Functional = true
			m.publishActivationState(it.software.ObjectPath, model.StateActive)
		},
		OnEnterFailed: func(ctx context.Context) {
			m.registry.EndUpdate(objectPath)
			it.software.ActivationState = model.StateFailed
			m.publishActivationState(it.software.ObjectPath, model.StateFailed)
		},
	}
}

// runDeviceUpdate is the device-family suspension point: it blocks this
// task goroutine on the driver's I2C/SPI/exec calls, then fires the
// success or failure trigger once the call returns.
func (m *Manager) runDeviceUpdate(ctx context.Context, it *item, image []byte) {
	err := it.entry.Driver.UpdateFirmware(ctx, image, false)
	trigger := activation.TriggerBothVolumesDone
	if err != nil {
		m.log.Error().Err(err).Str("object_path", it.software.ObjectPath).Msg("device firmware update failed")
		trigger = activation.TriggerUnitFailed
	}
	if ferr := it.machine.Fire(ctx, trigger); ferr != nil {
		m.log.Error().Err(ferr).Str("object_path", it.software.ObjectPath).Msg("activation transition failed")
	}
}

func (m *Manager) requestActivation(ctx context.Context, swid string, applyTime model.ApplyTime) {
	if m.domain == model.DomainBMC {
		m.bmc.RequestActivation(ctx, swid)
		return
	}
	it, ok := m.items[swid]
	if !ok {
		return
	}
	if err := it.machine.Fire(ctx, activation.TriggerRequestActive); err != nil {
		m.log.Error().Err(err).Str("swid", swid).Msg("requestActivation failed")
	}
}

func (m *Manager) publishInvalid(objectPath string) {
	m.publishActivationState(objectPath, model.StateInvalid)
}

func (m *Manager) publishActivationState(objectPath string, state model.ActivationState) {
	topic := ipcbus.Property(ipcbus.T(splitPath(objectPath)...), "activationState")
	m.bus.Publish(m.bus.NewMessage(topic, state, true))
}

func (m *Manager) publishVersion(sw *model.Software) {
	topic := ipcbus.Property(ipcbus.T(splitPath(sw.ObjectPath)...), "version")
	m.bus.Publish(m.bus.NewMessage(topic, sw.Version, true))
}

// splitPath turns "/software/<swid>" into ipcbus tokens ["software", swid].
func splitPath(objectPath string) []ipcbus.Token {
	trimmed := objectPath
	if len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	var out []ipcbus.Token
	start := 0
	for i := 0; i <= len(trimmed); i++ {
		if i == len(trimmed) || trimmed[i] == '/' {
			if i > start {
				out = append(out, trimmed[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Domain returns the administrative domain this Manager serves.
func (m *Manager) Domain() model.Domain { return m.domain }

// StartUpdateTopic is the single bus topic fwupdated's main loop subscribes
// to for every domain's Update.StartUpdate method call; the target domain
// travels in the request payload rather than the topic, so one handler can
// dispatch to whichever Manager owns it.
func StartUpdateTopic() ipcbus.Topic { return ipcbus.T("update", "StartUpdate") }

// StartUpdateRequest is the payload of an IPC Update.StartUpdate call.
type StartUpdateRequest struct {
	Domain    model.Domain
	FD        int
	ApplyTime model.ApplyTime
}

// StartUpdateReply is the payload of the corresponding reply: ObjectPath is
// set on success, Err on failure.
type StartUpdateReply struct {
	ObjectPath string
	Err        string
}
