package isl69269

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/fwupdated/internal/devices/vr"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

// dataLine builds one 0x00 data record with a valid PEC, matching the
// {length, PEC, address, command, payload...} layout parse expects.
func dataLine(addr, cmd byte, payload ...byte) string {
	rest := append([]byte{addr, cmd}, payload...)
	pec := vr.CRC8PEC(rest)
	length := byte(len(payload) + 2)
	rec := append([]byte{recData, length, pec}, rest...)
	return hex.EncodeToString(rec)
}

func headerLine(devID, rev byte) string {
	return hex.EncodeToString([]byte{recHeader, devID, rev})
}

// buildImage assembles enough data lines to reach the line-7 config-ID
// record and a line-276 declared-CRC record, padding with innocuous
// no-op writes in between. The header record occupies line 1, so the
// 6th data line lands on line 7 and the 275th on line 276.
func buildImage(t *testing.T) string {
	t.Helper()
	lines := []string{headerLine(0x12, 0x34)}
	for i := 1; i <= 275; i++ {
		switch i {
		case 6:
			lines = append(lines, dataLine(0x00, 0x01, 0x05))
		case 275:
			lines = append(lines, dataLine(0x00, 0x02, 0xAB))
		default:
			lines = append(lines, dataLine(0x00, 0x03, 0x00))
		}
	}
	return strings.Join(lines, "\n")
}

func TestParseExtractsConfigIDAndCRC(t *testing.T) {
	img, err := parse([]byte(buildImage(t)))
	require.NoError(t, err)
	require.EqualValues(t, 0x12, img.DeviceID)
	require.EqualValues(t, 0x34, img.DeviceRevision)
	require.Equal(t, 5, img.ConfigID)
	require.EqualValues(t, 0xAB, img.DeclaredCRC)
	require.Len(t, img.Records, 275)
}

func TestParseRejectsBadPEC(t *testing.T) {
	raw := buildImage(t) + "\n" + hex.EncodeToString([]byte{recData, 0x03, 0x00, 0x00, 0x03, 0x00})
	_, err := parse([]byte(raw))
	require.Error(t, err)
}

func TestUpdateFirmwareHappyPath(t *testing.T) {
	img := buildImage(t)

	// The full call sequence: mode-read (DMA address write, then one
	// 4-byte read), mode-write(no read), remaining(1), devid(1),
	// revision(1), one SendReceive per replayed record (no read), then a
	// single ready-poll read.
	resp := [][]byte{nil, {0, 0, 0, 0}, nil, {0x05}, {0x12}, {0x34}}
	for i := 0; i < 275; i++ {
		resp = append(resp, nil)
	}
	resp = append(resp, []byte{0x01}) // poll ready: bit0 set immediately
	fake := &transport.FakeI2C{Responses: resp}
	d := New(fake)

	err := d.UpdateFirmware(context.Background(), []byte(img), false)
	require.NoError(t, err)
}

func TestUpdateFirmwareFailsOnDeviceIDMismatch(t *testing.T) {
	fake := &transport.FakeI2C{
		Responses: [][]byte{
			nil,
			{0, 0, 0, 0},
			nil,
			{0x05},
			{0x99}, // wrong device id
		},
	}
	d := New(fake)
	err := d.UpdateFirmware(context.Background(), []byte(buildImage(t)), false)
	require.Error(t, err)
}

func TestUpdateFirmwareRejectsZeroRemainingWithoutForce(t *testing.T) {
	fake := &transport.FakeI2C{
		Responses: [][]byte{
			nil,
			{0, 0, 0, 0},
			nil,
			{0x00}, // remaining writes exhausted
		},
	}
	d := New(fake)
	err := d.UpdateFirmware(context.Background(), []byte(buildImage(t)), false)
	require.Error(t, err)
}
