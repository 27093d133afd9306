package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/fwupdated/internal/model"
)

func TestParseRequiresVersionAndPurpose(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "purpose=BMC\nMachineName=m1\n")

	_, err := Parse(dir)
	require.Error(t, err)
}

func TestParseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	body := "version=v2\r\npurpose=BMC\r\nMachineName=m1\r\nExtendedVersion=ev1\r\nCompatibleName=c1\r\nCompatibleName=c2\r\n"
	writeManifest(t, dir, body)

	m, err := Parse(dir)
	require.NoError(t, err)
	require.Equal(t, "v2", m.Version)
	require.Equal(t, model.PurposeBMC, m.Purpose)
	require.Equal(t, "m1", m.MachineName)
	require.Equal(t, "ev1", m.ExtendedVersion)
	require.Equal(t, []string{"c1", "c2"}, m.CompatibleNames)

	dir2 := t.TempDir()
	writeManifest(t, dir2, Serialize(m))
	m2, err := Parse(dir2)
	require.NoError(t, err)
	require.Equal(t, m, m2)
}

func TestParseUnknownPurposeIsWarningOnly(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "version=v1\npurpose=Quantum\n")

	m, err := Parse(dir)
	require.NoError(t, err)
	require.Equal(t, model.PurposeUnknown, m.Purpose)
}

func TestCheckArtifactsBMC(t *testing.T) {
	dir := t.TempDir()
	err := CheckArtifacts(dir, model.DomainBMC)
	require.Error(t, err)

	for _, f := range RequiredArtifacts(model.DomainBMC) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644))
	}
	require.NoError(t, CheckArtifacts(dir, model.DomainBMC))
}

func TestCheckArtifactsGenericDevice(t *testing.T) {
	dir := t.TempDir()
	err := CheckArtifacts(dir, model.DomainVR)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "image"), []byte("x"), 0o644))
	require.NoError(t, CheckArtifacts(dir, model.DomainVR))
}

func writeManifest(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MANIFEST"), []byte(body), 0o644))
}
