package mps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseATETokenCounts(t *testing.T) {
	raw := []byte("cfg1\t0\t0x10\t16\tCRC_USER\t0x1234\t4660\tdirect\n")
	img, err := ParseATE(raw)
	require.NoError(t, err)
	require.Len(t, img.Rows, 1)
	require.Equal(t, uint32(0x1234), img.ByRegName("CRC_USER")[0].DataHex)
}

func TestParseATERejectsShortRow(t *testing.T) {
	raw := []byte("cfg1\t0\t0x10\t16\n")
	_, err := ParseATE(raw)
	require.Error(t, err)
}

func TestRowEncodeProcessCall(t *testing.T) {
	row := Row{AddrHex: 0x1020, DataHex: 0x55, Type: WriteProcess}
	cmd, payload := row.Encode()
	require.Equal(t, byte(0x10), cmd)
	require.Equal(t, []byte{0x20, 0x55}, payload)
}

func TestRowEncodeBlockWrite(t *testing.T) {
	row := Row{AddrHex: 0x09, DataHex: 0xAABB, Type: WriteBlock, BlockLen: 2}
	cmd, payload := row.Encode()
	require.Equal(t, byte(0x09), cmd)
	require.Equal(t, byte(2), payload[0])
}
