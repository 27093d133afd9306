package pcieswitch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/fwupdated/internal/model"
)

func TestWriteChunkedCopiesFullImageAndReportsProgress(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "mtd3")
	require.NoError(t, os.WriteFile(dst, nil, 0o600))

	image := make([]byte, (1<<20)+512)
	for i := range image {
		image[i] = byte(i)
	}

	var last int
	require.NoError(t, writeChunked(dst, image, func(p int) { last = p }))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, image, got)
	require.Equal(t, 90, last)
}

func TestBindRequiresPCIeBDF(t *testing.T) {
	d := New(model.SoftwareConfig{ObjectPath: "/software/x"}, nil)
	_, err := d.bind()
	require.Error(t, err)
}

func TestUpdateFirmwareFailsFastWithoutBDF(t *testing.T) {
	d := New(model.SoftwareConfig{}, nil)
	err := d.UpdateFirmware(context.Background(), []byte{0x01}, false)
	require.Error(t, err)
}

func TestVerifyImageRejectsEmpty(t *testing.T) {
	d := New(model.SoftwareConfig{}, nil)
	require.Error(t, d.VerifyImage(nil))
	require.NoError(t, d.VerifyImage([]byte{0x01}))
}
