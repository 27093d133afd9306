// Package manifest extracts an update package (a tape archive) into a
// scratch directory and parses its flat KEY=VALUE MANIFEST file. The
// manifest grammar is small enough to hand-write as a line scanner rather
// than pull in a config-file library for it.
package manifest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/model"
)

// Extract unpacks the tar stream at tarPath into destDir using the
// system `tar` utility (spec treats archive extraction as an external
// collaborator, not a format to reimplement).
func Extract(ctx context.Context, tarPath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errcode.New(errcode.ImageError, "manifest.Extract", "mkdir scratch dir", err)
	}
	cmd := exec.CommandContext(ctx, "tar", "-xf", tarPath, "-C", destDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errcode.New(errcode.ImageError, "manifest.Extract", string(out), err)
	}
	return nil
}

// requiredKeys must be present in every manifest regardless of domain.
var requiredKeys = []string{"version", "purpose"}

// Parse reads dir/MANIFEST and decodes its KEY=VALUE lines. CompatibleName
// may repeat and accumulates; CRLF terminators are stripped.
func Parse(dir string) (model.Manifest, error) {
	path := filepath.Join(dir, "MANIFEST")
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Manifest{}, errcode.New(errcode.ImageError, "manifest.Parse", "read MANIFEST", err)
	}

	values := map[string][]string{}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		values[key] = append(values[key], val)
	}
	if err := sc.Err(); err != nil {
		return model.Manifest{}, errcode.New(errcode.ImageError, "manifest.Parse", "scan MANIFEST", err)
	}

	for _, k := range requiredKeys {
		if len(values[k]) == 0 {
			return model.Manifest{}, errcode.New(errcode.ImageError, "manifest.Parse", "missing required key "+k, nil)
		}
	}

	m := model.Manifest{
		Version:         values["version"][0],
		Purpose:         model.ParsePurpose(values["purpose"][0]),
		MachineName:     first(values["MachineName"]),
		ExtendedVersion: first(values["ExtendedVersion"]),
		CompatibleNames: values["CompatibleName"],
	}
	return m, nil
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Serialize is the inverse of Parse, used by the round-trip test of
// manifest identity over {version, purpose, MachineName, ExtendedVersion,
// CompatibleName*}.
func Serialize(m model.Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "version=%s\n", m.Version)
	fmt.Fprintf(&b, "purpose=%s\n", m.Purpose)
	if m.MachineName != "" {
		fmt.Fprintf(&b, "MachineName=%s\n", m.MachineName)
	}
	if m.ExtendedVersion != "" {
		fmt.Fprintf(&b, "ExtendedVersion=%s\n", m.ExtendedVersion)
	}
	for _, c := range m.CompatibleNames {
		fmt.Fprintf(&b, "CompatibleName=%s\n", c)
	}
	return b.String()
}

// RequiredArtifacts lists the per-domain required files inside the
// extracted package directory. Every non-BMC domain ships its payload as a
// single file named "image" (the device driver's family-specific parser
// interprets its bytes); the BMC domain's four named artifacts are the
// only ones spec.md §6 names explicitly.
func RequiredArtifacts(domain model.Domain) []string {
	switch domain {
	case model.DomainBMC:
		return []string{"image-kernel", "image-rofs", "image-rwfs", "image-u-boot"}
	default:
		return []string{"image"}
	}
}

// CheckArtifacts verifies every required artifact for domain exists under
// dir, returning model.StateInvalid's trigger as an error when one is
// missing.
func CheckArtifacts(dir string, domain model.Domain) error {
	for _, name := range RequiredArtifacts(domain) {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err != nil {
			return errcode.New(errcode.ImageError, "manifest.CheckArtifacts", "missing artifact "+name, err)
		}
	}
	return nil
}
