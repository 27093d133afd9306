package itemupdater

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/fwupdated/internal/config"
	"github.com/openbmc-project/fwupdated/internal/ipcbus"
	"github.com/openbmc-project/fwupdated/internal/model"
	"github.com/openbmc-project/fwupdated/internal/systemdctl"
)

// fakeUnitStarter hands out sequential job IDs without touching systemd.
type fakeUnitStarter struct {
	nextID int
	units  []string
}

func (f *fakeUnitStarter) StartUnit(ctx context.Context, unit string) (string, error) {
	f.nextID++
	f.units = append(f.units, unit)
	return filepath.Join("job", string(rune('a'+f.nextID))), nil
}

// fakeBackend is a no-op bmcself.Backend.
type fakeBackend struct{ prepared []string }

func (f *fakeBackend) PrepareRW(ctx context.Context, id string) error {
	f.prepared = append(f.prepared, "rw:"+id)
	return nil
}
func (f *fakeBackend) PrepareRO(ctx context.Context, id string) error {
	f.prepared = append(f.prepared, "ro:"+id)
	return nil
}
func (f *fakeBackend) VolumePaths(id string) (rw, ro string) { return "/rw/" + id, "/ro/" + id }

func newTestUpdater(t *testing.T) (*ItemUpdater, *fakeUnitStarter) {
	t.Helper()
	bus := ipcbus.NewBus(8)
	conn := bus.NewConnection("test")
	starter := &fakeUnitStarter{}
	u := New(config.Daemon{PersistRoot: t.TempDir(), MaxActiveBMC: 2}, conn, starter, &fakeBackend{}, 0, zerolog.Nop())
	return u, starter
}

func writeArtifact(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
}

func TestVerifyAndActivateSingleVersion(t *testing.T) {
	u, starter := newTestUpdater(t)
	dir := t.TempDir()
	for _, f := range []string{"image-kernel", "image-rofs", "image-rwfs", "image-u-boot"} {
		writeArtifact(t, dir, f)
	}

	state := u.VerifyAndCreateObjects("sw1", "/software/sw1", "v1", model.PurposeBMC, "", dir, nil)
	require.Equal(t, model.StateReady, state)

	require.True(t, u.RequestActivation(context.Background(), "sw1"))
	require.Len(t, starter.units, 2)

	item := u.items["sw1"]
	require.NotEmpty(t, item.rwJob)
	require.NotEmpty(t, item.roJob)

	ctx := context.Background()
	u.HandleJobResult(ctx, systemdctl.JobResult{JobID: item.rwJob, Result: "done"})
	u.HandleJobResult(ctx, systemdctl.JobResult{JobID: item.roJob, Result: "done"})

	require.Equal(t, model.StateActive, item.Machine.State())
	require.True(t, item.Software.Functional)
	require.NotNil(t, item.Software.Priority)
	require.Equal(t, 0, item.Software.Priority.Value)
}

func TestHandleJobResultFailurePath(t *testing.T) {
	u, _ := newTestUpdater(t)
	dir := t.TempDir()
	for _, f := range []string{"image-kernel", "image-rofs", "image-rwfs", "image-u-boot"} {
		writeArtifact(t, dir, f)
	}
	u.VerifyAndCreateObjects("sw1", "/software/sw1", "v1", model.PurposeBMC, "", dir, nil)
	require.True(t, u.RequestActivation(context.Background(), "sw1"))

	item := u.items["sw1"]
	u.HandleJobResult(context.Background(), systemdctl.JobResult{JobID: item.rwJob, Result: "failed"})

	require.Equal(t, model.StateFailed, item.Machine.State())
}

func TestVerifyAndCreateObjectsMissingArtifactIsInvalid(t *testing.T) {
	u, _ := newTestUpdater(t)
	state := u.VerifyAndCreateObjects("sw1", "/software/sw1", "v1", model.PurposeBMC, "", t.TempDir(), nil)
	require.Equal(t, model.StateInvalid, state)
}

func TestFreeSpaceKeepsFunctionalAndCaller(t *testing.T) {
	u, _ := newTestUpdater(t)
	u.items["functional"] = &Item{Software: &model.Software{Swid: "functional", ActivationState: model.StateActive, Functional: true, Priority: &model.RedundancyPriority{Value: 0}}}
	u.items["old"] = &Item{Software: &model.Software{Swid: "old", ActivationState: model.StateActive, Functional: false, Priority: &model.RedundancyPriority{Value: 1}}}
	u.items["newest"] = &Item{Software: &model.Software{Swid: "newest", ActivationState: model.StateActive, Functional: false, Priority: &model.RedundancyPriority{Value: 2}}}

	u.FreeSpace("newest")

	require.Contains(t, u.items, "functional")
	require.Contains(t, u.items, "newest")
	require.NotContains(t, u.items, "old")
}

func TestFreePriorityCascades(t *testing.T) {
	u, _ := newTestUpdater(t)
	u.items["a"] = &Item{Software: &model.Software{Swid: "a", Priority: &model.RedundancyPriority{Value: 1}}}
	u.items["b"] = &Item{Software: &model.Software{Swid: "b", Priority: &model.RedundancyPriority{Value: 2}}}

	u.FreePriority(1, "new")

	require.Equal(t, 2, u.items["a"].Software.Priority.Value)
	require.Equal(t, 3, u.items["b"].Software.Priority.Value)
}

func TestDeleteRefusesFunctional(t *testing.T) {
	u, _ := newTestUpdater(t)
	u.items["sw1"] = &Item{Software: &model.Software{Swid: "sw1", Functional: true}}
	require.Error(t, u.Delete("sw1"))
}
