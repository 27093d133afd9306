// Package bmcself implements the BMC-self update backends: where the RW
// and RO squashfs volumes for a BMC activation are created. Recovered from
// the original implementation's ubi/mmc/static backends, which the
// distilled contract folded into "the redundancy/activation behavior that
// rides on top" without describing explicitly. The systemd units and the
// activation state machine that drive a backend are backend-agnostic, as
// the system-overview diagram implies: they call Backend, never a
// concrete *UBIBackend etc.
package bmcself

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/model"
)

// Backend prepares the on-media volumes a BMC activation needs before the
// flash-bmc-rw/ro systemd units run, and reports where they ended up.
type Backend interface {
	// PrepareRW (re)creates the writable root volume for activation id.
	PrepareRW(ctx context.Context, id string) error
	// PrepareRO (re)creates the read-only root volume for activation id.
	PrepareRO(ctx context.Context, id string) error
	// VolumePaths returns the filesystem paths the systemd units will
	// mount for activation id.
	VolumePaths(id string) (rw, ro string)
}

// New selects a Backend by cfg.BmcBackend.
func New(cfg model.SoftwareConfig) (Backend, error) {
	switch cfg.BmcBackend {
	case model.BackendUBI:
		return &UBIBackend{cfg: cfg}, nil
	case model.BackendMMC:
		return &MMCBackend{cfg: cfg}, nil
	case model.BackendStatic, "":
		return &StaticBackend{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("bmcself: unknown bmc_backend %q", cfg.BmcBackend)
	}
}

// UBIBackend creates UBI volumes on the UBI device backing the BMC's flash
// partition, via the ubimkvol/ubiupdatevol CLI pair (treated as an
// external collaborator, the same way tar/flashrom are).
type UBIBackend struct {
	cfg model.SoftwareConfig
}

func (b *UBIBackend) PrepareRW(ctx context.Context, id string) error {
	return runUbi(ctx, "ubimkvol", "/dev/ubi0", "-N", "bmc-rw-"+id, "-m")
}

func (b *UBIBackend) PrepareRO(ctx context.Context, id string) error {
	return runUbi(ctx, "ubimkvol", "/dev/ubi0", "-N", "bmc-ro-"+id, "-m")
}

func (b *UBIBackend) VolumePaths(id string) (rw, ro string) {
	return "/dev/ubi0_" + id + "_rw", "/dev/ubi0_" + id + "_ro"
}

// MMCBackend creates loopback-file-backed volumes on an eMMC partition,
// as raw sparse files at a configured mount point.
type MMCBackend struct {
	cfg model.SoftwareConfig
}

func (b *MMCBackend) PrepareRW(ctx context.Context, id string) error {
	return createSparseFile(filepath.Join(b.root(), "rw-"+id+".img"))
}

func (b *MMCBackend) PrepareRO(ctx context.Context, id string) error {
	return createSparseFile(filepath.Join(b.root(), "ro-"+id+".img"))
}

func (b *MMCBackend) VolumePaths(id string) (rw, ro string) {
	return filepath.Join(b.root(), "rw-"+id+".img"), filepath.Join(b.root(), "ro-"+id+".img")
}

func (b *MMCBackend) root() string {
	if b.cfg.MuxPath != "" {
		return b.cfg.MuxPath
	}
	return "/run/initramfs"
}

// StaticBackend is used on single-image systems where the RW/RO volumes
// are pre-provisioned at fixed paths; preparing them is a no-op and
// VolumePaths always returns the same pair.
type StaticBackend struct {
	cfg model.SoftwareConfig
}

func (b *StaticBackend) PrepareRW(ctx context.Context, id string) error { return nil }
func (b *StaticBackend) PrepareRO(ctx context.Context, id string) error { return nil }

func (b *StaticBackend) VolumePaths(id string) (rw, ro string) {
	return "/run/initramfs/rw", "/run/initramfs/ro"
}

func createSparseFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errcode.New(errcode.DriverError, "bmcself.createSparseFile", "mkdir", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return errcode.New(errcode.DriverError, "bmcself.createSparseFile", "create", err)
	}
	return f.Close()
}
