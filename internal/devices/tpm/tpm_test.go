package tpm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/fwupdated/internal/model"
)

func TestUpdateFirmwareAlwaysReturnsReadOnlyError(t *testing.T) {
	d := New(model.SoftwareConfig{})
	err := d.UpdateFirmware(context.Background(), []byte{0x01}, false)
	require.ErrorIs(t, err, ErrReadOnlyDevice)
}

func TestVerifyImageAlwaysErrors(t *testing.T) {
	d := New(model.SoftwareConfig{})
	require.Error(t, d.VerifyImage([]byte{0x01}))
}

func TestGetCRCUnsupported(t *testing.T) {
	d := New(model.SoftwareConfig{})
	_, err := d.GetCRC()
	require.Error(t, err)
}

func TestForcedUpdateNeverAllowed(t *testing.T) {
	d := New(model.SoftwareConfig{})
	require.False(t, d.ForcedUpdateAllowed())
}
