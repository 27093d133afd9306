package xdpe1x2xx

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildMic constructs a minimal synthetic .mic image with one section so
// the CRC32 round-trip law can be exercised without a real vendor file. The
// section header is always exactly two dwords, CRC'd and checked against
// the fixed third word, independent of how many body dwords follow it
// (here three, so the section spans more than one data line like a real
// vendor image).
func buildMic(t *testing.T) []byte {
	t.Helper()
	header := []uint32{0x00000001, 0x00000002}
	body := []uint32{0x0A0B0C0D, 0x11223344, 0x55667788}

	headerCRC := CRC32Of(dwordsToBytes(header))
	bodyCRC := CRC32Of(dwordsToBytes(body))
	sum := headerCRC + bodyCRC

	var out string
	out += "// synthetic XDPE1x2xx image\n"
	out += "PMBus Address: 0x60\n"
	out += fmt.Sprintf("Checksum: 0x%X\n", sum)
	out += "[Configuration Data]\n"
	out += fmt.Sprintf("0 %d %d %d\n", header[0], header[1], headerCRC)
	out += fmt.Sprintf("3 %d %d %d %d\n", body[0], body[1], body[2], bodyCRC)
	out += "[End Configuration Data]\n"
	return []byte(out)
}

func TestParseImageValidatesCRC(t *testing.T) {
	raw := buildMic(t)
	img, err := ParseImage(raw)
	require.NoError(t, err)
	require.Len(t, img.Sections, 1)
}

func TestParseImageRejectsTamperedChecksum(t *testing.T) {
	raw := buildMic(t)
	raw = append(raw, []byte("\nChecksum: 0xDEADBEEF\n")...)
	_, err := ParseImage(raw)
	require.Error(t, err)
}
