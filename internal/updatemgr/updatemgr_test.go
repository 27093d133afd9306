package updatemgr

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/ipcbus"
	"github.com/openbmc-project/fwupdated/internal/model"
)

// fakeDriver is a minimal devices.Driver for non-BMC domain tests.
type fakeDriver struct {
	verifyErr error
	updateErr error
	updated   bool
}

func (d *fakeDriver) VerifyImage(image []byte) error { return d.verifyErr }
func (d *fakeDriver) UpdateFirmware(ctx context.Context, image []byte, force bool) error {
	d.updated = true
	return d.updateErr
}
func (d *fakeDriver) GetCRC() (uint32, error)   { return 0, nil }
func (d *fakeDriver) Reset() error              { return nil }
func (d *fakeDriver) ForcedUpdateAllowed() bool { return false }

func writeTarPackage(t *testing.T, manifestBody string, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	add := func(name, body string) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(body)), Mode: 0o644}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	add("MANIFEST", manifestBody)
	for name, body := range files {
		add(name, body)
	}
	require.NoError(t, tw.Close())

	path := filepath.Join(t.TempDir(), "package.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func openFD(t *testing.T, path string) int {
	t.Helper()
	fd, err := syscall.Open(path, syscall.O_RDONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = syscall.Close(fd) })
	return fd
}

func newTestManager(t *testing.T, domain model.Domain, registry *devices.Registry) *Manager {
	t.Helper()
	bus := ipcbus.NewBus(8)
	conn := bus.NewConnection("test")
	return New(domain, t.TempDir(), "machine1", "", conn, registry, nil, zerolog.Nop())
}

func TestProcessImageGenericDeviceActivatesImmediately(t *testing.T) {
	drv := &fakeDriver{}
	registry := devices.NewRegistry()
	registry.Put("/devices/vr0", &devices.Entry{
		Device: &model.Device{Config: model.SoftwareConfig{ConfigType: model.DomainVR, ObjectPath: "/devices/vr0", CompatibleName: "vr0"}},
		Driver: drv,
	})
	m := newTestManager(t, model.DomainVR, registry)

	path := writeTarPackage(t, "version=v1\npurpose=VR\nMachineName=machine1\n", map[string]string{"image": "firmware-bytes"})
	fd := openFD(t, path)

	err := m.processImage(context.Background(), fd, model.ApplyImmediate, "update1", "sw1", "/software/sw1")
	require.NoError(t, err)

	it, ok := m.items["sw1"]
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return it.machine.State() == model.StateActive
	}, time.Second, 5*time.Millisecond)
	require.True(t, drv.updated)
	require.True(t, it.software.Functional)
}

func TestProcessImageMachineNameMismatchIsInvalid(t *testing.T) {
	registry := devices.NewRegistry()
	m := newTestManager(t, model.DomainVR, registry)
	path := writeTarPackage(t, "version=v1\npurpose=VR\nMachineName=other-machine\n", map[string]string{"image": "x"})
	fd := openFD(t, path)

	err := m.processImage(context.Background(), fd, model.ApplyOnReset, "u2", "sw2", "/software/sw2")
	require.Error(t, err)
	_, ok := m.items["sw2"]
	require.False(t, ok)
}

func TestProcessImageNoDeviceConfiguredFails(t *testing.T) {
	registry := devices.NewRegistry()
	m := newTestManager(t, model.DomainVR, registry)
	path := writeTarPackage(t, "version=v1\npurpose=VR\n", map[string]string{"image": "x"})
	fd := openFD(t, path)

	err := m.processImage(context.Background(), fd, model.ApplyOnReset, "u3", "sw3", "/software/sw3")
	require.Error(t, err)
	_, ok := m.items["sw3"]
	require.False(t, ok)
}

func TestResolveDeviceAmbiguousFailsClosedThenMatchesCompatibleName(t *testing.T) {
	registry := devices.NewRegistry()
	registry.Put("/devices/vr0", &devices.Entry{
		Device: &model.Device{Config: model.SoftwareConfig{ConfigType: model.DomainVR, ObjectPath: "/devices/vr0", CompatibleName: "vr0"}},
		Driver: &fakeDriver{},
	})
	registry.Put("/devices/vr1", &devices.Entry{
		Device: &model.Device{Config: model.SoftwareConfig{ConfigType: model.DomainVR, ObjectPath: "/devices/vr1", CompatibleName: "vr1"}},
		Driver: &fakeDriver{},
	})
	m := newTestManager(t, model.DomainVR, registry)

	_, err := m.resolveDevice(model.Manifest{CompatibleNames: []string{"unknown"}})
	require.Error(t, err)

	e, err := m.resolveDevice(model.Manifest{CompatibleNames: []string{"vr1"}})
	require.NoError(t, err)
	require.Equal(t, "/devices/vr1", e.Device.Config.ObjectPath)
}

func TestStartUpdateRejectsWhenAlreadyInProgress(t *testing.T) {
	registry := devices.NewRegistry()
	m := newTestManager(t, model.DomainVR, registry)
	m.inProgress.Store(true)

	path := writeTarPackage(t, "version=v1\npurpose=VR\n", map[string]string{"image": "x"})
	fd := openFD(t, path)

	_, err := m.StartUpdate(context.Background(), fd, model.ApplyImmediate)
	require.Error(t, err)
}
