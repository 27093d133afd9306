// Package devices defines the common driver contract every device family
// implements and the registry that maps configured object paths to live
// devices. It generalizes the teacher's capability-indexed HAL registry
// from a sensor/actuator domain to a firmware-update domain: one Driver per
// Device, looked up by object path instead of by capability.
package devices

import (
	"context"

	"github.com/openbmc-project/fwupdated/internal/model"
)

// Driver is the five-method contract every device family honors: one
// concrete driver type per family behind this single interface. TPM's
// read-only driver answers
// UpdateFirmware with an unsupported error rather than omitting the method,
// so the update pipeline can treat every device uniformly.
type Driver interface {
	// VerifyImage parses and validates a family-specific image buffer
	// without writing to the device; returns a descriptive error on any
	// structural or checksum problem.
	VerifyImage(image []byte) error
	// UpdateFirmware drives the device's write protocol. force bypasses
	// the "CRC already matches" and "remaining-writes low" guards where
	// the family defines them.
	UpdateFirmware(ctx context.Context, image []byte, force bool) error
	// GetCRC reads back the device's current image checksum.
	GetCRC() (uint32, error)
	// Reset returns the device to a clean, addressable state after an
	// update (power-cycle, protocol reset, or a no-op where undefined).
	Reset() error
	// ForcedUpdateAllowed reports whether this device family permits the
	// force=true override at all.
	ForcedUpdateAllowed() bool
}

// Builder constructs a Driver for one configured slot. Returning a non-nil
// error is a FatalSetupError: the device is left out of the registry and
// startup continues (spec §7).
type Builder func(cfg model.SoftwareConfig) (Driver, error)

// Entry pairs a configured Device with its live Driver in the registry.
type Entry struct {
	Device *model.Device
	Driver Driver
}
