package eeprom

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/fwupdated/internal/model"
)

func TestDDCopyTransfersBytes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	require.NoError(t, os.WriteFile(src, []byte("firmware-bytes"), 0o600))
	require.NoError(t, os.WriteFile(dst, nil, 0o600))

	require.NoError(t, ddCopy(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "firmware-bytes", string(got))
}

func TestDDCopyErrorsOnMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := ddCopy(filepath.Join(dir, "missing.bin"), filepath.Join(dir, "dst.bin"))
	require.Error(t, err)
}

func TestVerifyImageRejectsEmpty(t *testing.T) {
	d := New(model.SoftwareConfig{}, nil, nil)
	require.Error(t, d.VerifyImage(nil))
	require.NoError(t, d.VerifyImage([]byte{0x01}))
}

func TestBindUsesBusAddressDeviceID(t *testing.T) {
	d := New(model.SoftwareConfig{Bus: 3, Address: 0x50}, nil, nil)
	sb := d.bind()
	require.Equal(t, "3-0050", sb.DeviceID)
	require.Equal(t, "/sys/bus/i2c/drivers/at24", sb.DriverPath)
}
