// Package tpm implements the read-only TPM device driver: it shells out to
// tpm2_getcap to read manufacturer and firmware-version properties and
// refuses any write attempt.
package tpm

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/model"
)

const nuvotonManufacturerID = 0x4E544300

// ErrReadOnlyDevice is returned by UpdateFirmware; TPM devices are
// read-only in this system.
var ErrReadOnlyDevice = errcode.New(errcode.DriverError, "tpm", "TPM devices are read-only", nil)

// Driver reads TPM capability properties via the tpm2_getcap CLI.
type Driver struct {
	cfg model.SoftwareConfig
}

func New(cfg model.SoftwareConfig) *Driver {
	return &Driver{cfg: cfg}
}

var _ devices.Driver = (*Driver)(nil)

func (d *Driver) ForcedUpdateAllowed() bool { return false }

func (d *Driver) VerifyImage(image []byte) error {
	return errcode.New(errcode.DriverError, "tpm.VerifyImage", "TPM devices do not accept images", nil)
}

func (d *Driver) UpdateFirmware(ctx context.Context, image []byte, force bool) error {
	return ErrReadOnlyDevice
}

func (d *Driver) Reset() error { return nil }

// GetCRC has no meaning for a TPM; Version (below) is the analogous
// read-only identity surface.
func (d *Driver) GetCRC() (uint32, error) {
	return 0, errcode.New(errcode.DriverError, "tpm.GetCRC", "not supported for TPM devices", nil)
}

// Version formats the manufacturer and firmware-version properties as
// "<hi>.<lo>", or "<hi1>.<lo1>.<hi2>.<lo2>" for Nuvoton parts.
func (d *Driver) Version(ctx context.Context) (string, error) {
	mfr, err := getcap(ctx, "TPM2_PT_MANUFACTURER")
	if err != nil {
		return "", err
	}
	hi1, err := getcap(ctx, "TPM2_PT_FIRMWARE_VERSION_1_hi")
	if err != nil {
		return "", err
	}
	lo1, err := getcap(ctx, "TPM2_PT_FIRMWARE_VERSION_1_lo")
	if err != nil {
		return "", err
	}
	if mfr != nuvotonManufacturerID {
		return fmt.Sprintf("%d.%d", hi1, lo1), nil
	}
	hi2, err := getcap(ctx, "TPM2_PT_FIRMWARE_VERSION_2_hi")
	if err != nil {
		return "", err
	}
	lo2, err := getcap(ctx, "TPM2_PT_FIRMWARE_VERSION_2_lo")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.%d.%d", hi1, lo1, hi2, lo2), nil
}

// getcap invokes `tpm2_getcap properties-fixed` and extracts a single
// named numeric value; the real parsing of tpm2_getcap's YAML-ish output
// is reduced here to a line-grep since only a handful of fields matter.
func getcap(ctx context.Context, field string) (uint32, error) {
	out, err := exec.CommandContext(ctx, "tpm2_getcap", "properties-fixed").CombinedOutput()
	if err != nil {
		return 0, errcode.New(errcode.TransportError, "tpm.getcap", string(out), err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, field) {
			continue
		}
		_, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(val), "0x"))
		n, err := strconv.ParseUint(val, 16, 32)
		if err != nil {
			continue
		}
		return uint32(n), nil
	}
	return 0, errcode.New(errcode.DriverError, "tpm.getcap", "field not found: "+field, nil)
}
