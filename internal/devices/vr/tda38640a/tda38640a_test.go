package tda38640a

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/fwupdated/internal/transport"
)

const sampleImage = "Part Number: TDA38640A\n" +
	"Configuration Checksum: 0x1\n" +
	"[Configuration Data]\n" +
	"0x0040 0xAB\n" +
	"[End Configuration Data]\n"

func TestParseExtractsWhitelistedWrite(t *testing.T) {
	img, err := parse([]byte(sampleImage))
	require.NoError(t, err)
	require.Equal(t, "TDA38640A", img.PartNumber)
	require.EqualValues(t, 1, img.DeclaredChecksum)
	require.Len(t, img.Writes, 1)
	require.EqualValues(t, 0x0040, img.Writes[0].addr)
	require.EqualValues(t, 0xAB, img.Writes[0].data)
}

func TestParseDropsNonWhitelistedOffsets(t *testing.T) {
	raw := "Part Number: X\nConfiguration Checksum: 0x0\n[Configuration Data]\n0x0041 0xFF\n[End Configuration Data]\n"
	img, err := parse([]byte(raw))
	require.NoError(t, err)
	require.Empty(t, img.Writes)
}

func TestParseRequiresPartNumber(t *testing.T) {
	_, err := parse([]byte("Configuration Checksum: 0x0\n"))
	require.Error(t, err)
}

func TestUpdateFirmwareHappyPath(t *testing.T) {
	fake := &transport.FakeI2C{Responses: [][]byte{
		{0x00, 0x00}, // no OTP bits used yet: 16 writes remain
		nil,          // unlock
		nil,          // page select
		nil,          // byte write
		nil,          // program lo
		nil,          // program hi
		{0x00},       // poll ready: bit7/bit6 clear
	}}
	d := New(fake)
	err := d.UpdateFirmware(context.Background(), []byte(sampleImage), false)
	require.NoError(t, err)
}

func TestUpdateFirmwareRejectsExhaustedWritesWithoutForce(t *testing.T) {
	fake := &transport.FakeI2C{Responses: [][]byte{
		{0xFF, 0xFF}, // all 16 OTP bits used: 0 writes remain
	}}
	d := New(fake)
	err := d.UpdateFirmware(context.Background(), []byte(sampleImage), false)
	require.Error(t, err)
}

func TestGetCRCReportsRemainingWritesAsPopcount(t *testing.T) {
	fake := &transport.FakeI2C{Responses: [][]byte{{0x0F, 0x00}}}
	d := New(fake)
	remaining, err := d.GetCRC()
	require.NoError(t, err)
	require.EqualValues(t, 12, remaining)
}
