package spibios

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMtdNumberExtractsTrailingDigits(t *testing.T) {
	require.Equal(t, "3", mtdNumber("/dev/mtd3"))
	require.Equal(t, "12", mtdNumber("/dev/mtd12"))
}

func TestWriteRawCopiesFullImageAndReportsTerminalProgress(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	payload := make([]byte, chunkSize+1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(src, payload, 0o600))
	require.NoError(t, os.WriteFile(dst, nil, 0o600))

	var progressed []int
	d := &Driver{onProgress: func(p int) { progressed = append(progressed, p) }}

	require.NoError(t, d.writeRaw(dst, src))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NotEmpty(t, progressed)
	require.LessOrEqual(t, progressed[len(progressed)-1], 90)
}

func TestWriteRawRejectsEmptyImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	require.NoError(t, os.WriteFile(src, nil, 0o600))
	require.NoError(t, os.WriteFile(dst, nil, 0o600))

	d := &Driver{}
	require.Error(t, d.writeRaw(dst, src))
}

func TestVerifyImageRejectsEmpty(t *testing.T) {
	d := &Driver{}
	require.Error(t, d.VerifyImage(nil))
	require.NoError(t, d.VerifyImage([]byte{0xFF}))
}
