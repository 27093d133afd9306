package bmcself

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/fwupdated/internal/model"
)

func TestNewSelectsBackendByConfig(t *testing.T) {
	ubi, err := New(model.SoftwareConfig{BmcBackend: model.BackendUBI})
	require.NoError(t, err)
	require.IsType(t, &UBIBackend{}, ubi)

	mmc, err := New(model.SoftwareConfig{BmcBackend: model.BackendMMC})
	require.NoError(t, err)
	require.IsType(t, &MMCBackend{}, mmc)

	static, err := New(model.SoftwareConfig{BmcBackend: model.BackendStatic})
	require.NoError(t, err)
	require.IsType(t, &StaticBackend{}, static)

	// Empty backend defaults to Static rather than erroring, matching
	// single-image systems that never set bmc_backend at all.
	def, err := New(model.SoftwareConfig{})
	require.NoError(t, err)
	require.IsType(t, &StaticBackend{}, def)

	_, err = New(model.SoftwareConfig{BmcBackend: "bogus"})
	require.Error(t, err)
}

func TestStaticBackendVolumePathsAreFixedAndPrepareIsNoop(t *testing.T) {
	b := &StaticBackend{}
	require.NoError(t, b.PrepareRW(context.Background(), "abc123"))
	require.NoError(t, b.PrepareRO(context.Background(), "abc123"))
	rw, ro := b.VolumePaths("abc123")
	require.Equal(t, "/run/initramfs/rw", rw)
	require.Equal(t, "/run/initramfs/ro", ro)
}

func TestMMCBackendPreparesUnderConfiguredRoot(t *testing.T) {
	dir := t.TempDir()
	b := &MMCBackend{cfg: model.SoftwareConfig{MuxPath: dir}}

	require.NoError(t, b.PrepareRW(context.Background(), "xyz"))
	require.NoError(t, b.PrepareRO(context.Background(), "xyz"))

	rw, ro := b.VolumePaths("xyz")
	require.Equal(t, filepath.Join(dir, "rw-xyz.img"), rw)
	require.Equal(t, filepath.Join(dir, "ro-xyz.img"), ro)

	_, err := os.Stat(rw)
	require.NoError(t, err)
	_, err = os.Stat(ro)
	require.NoError(t, err)
}

func TestMMCBackendDefaultsRootWhenMuxPathUnset(t *testing.T) {
	b := &MMCBackend{}
	rw, _ := b.VolumePaths("id")
	require.Equal(t, "/run/initramfs/rw-id.img", rw)
}
