package mps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

const mp2x6xxImage = "cfg1\t0\t0x01\t1\tTRIM_MFR_PRODUCT_ID2\t0x1234\t4660\tD\n"

func TestMP2X6XXUpdateFirmwareHappyPath(t *testing.T) {
	fake := &transport.FakeI2C{Responses: [][]byte{
		{0x07},       // write-protect sense
		nil,          // unlock write
		{0xFF, 0xFF}, // current CRC_USER, mismatched from image
		nil,          // register write for the one row
		{0x34, 0x12}, // final CRC_USER == 0x1234, matching the image
	}}
	d := NewMP2X6XX(fake)

	err := d.UpdateFirmware(context.Background(), []byte(mp2x6xxImage), false)
	require.NoError(t, err)
}

func TestMP2X6XXUpdateFirmwareSkipsWhenCRCAlreadyMatches(t *testing.T) {
	fake := &transport.FakeI2C{Responses: [][]byte{
		{0x07},
		nil,
		{0x34, 0x12}, // already matches 0x1234
	}}
	d := NewMP2X6XX(fake)

	err := d.UpdateFirmware(context.Background(), []byte(mp2x6xxImage), false)
	require.Error(t, err)
}

func TestMP2X6XXUpdateFirmwareForcesThroughMatchingCRC(t *testing.T) {
	fake := &transport.FakeI2C{Responses: [][]byte{
		{0x07},
		nil,
		{0x34, 0x12},
		nil,
		{0x34, 0x12},
	}}
	d := NewMP2X6XX(fake)

	err := d.UpdateFirmware(context.Background(), []byte(mp2x6xxImage), true)
	require.NoError(t, err)
}

func TestMP994XMissingVendorRowIsImageError(t *testing.T) {
	fake := &transport.FakeI2C{}
	d := NewMP994X(fake)
	err := d.UpdateFirmware(context.Background(), []byte(mp2x6xxImage), false)
	require.Error(t, err)
	require.Equal(t, errcode.ImageError, errcode.KindOf(err))
}

func TestRowEncodeProcessSplitsAddrWordFromParsedRow(t *testing.T) {
	img, err := ParseATE([]byte("cfg1\t0\t0xAB34\t43828\tFOO\t0x00\t0\tP1\n"))
	require.NoError(t, err)
	require.Len(t, img.Rows, 1)
	cmd, payload := img.Rows[0].Encode()
	require.Equal(t, byte(0xAB), cmd)
	require.Equal(t, []byte{0x34, 0x00}, payload)
}
