package mps

import (
	"context"

	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/devices/vr"
	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

// unlockFunc runs a family's page-setup/unlock steps before register
// writes begin, e.g. MP297X's "write 0x35 on page 1 to sense write-protect
// mode, then write 0x10 on page 0 with the resulting unlock value".
type unlockFunc func(bus *vr.Bus, img Image) error

// crcFunc reads and concatenates a family's CRC register(s) as defined by
// its CRC reg(s) column, returning the combined value to compare against
// the parsed expected value.
type crcFunc func(bus *vr.Bus) (uint32, error)

// Profile captures everything that differs between the five MPS devices:
// which register names carry vendor/product/config identity, how to unlock
// the part before writing, and how to read back its CRC.
type Profile struct {
	Name              string
	FixedVendorID     uint32 // 0 if read from the image instead
	VendorIDReg       string
	FixedProductID    uint32 // 0 if read from the image instead
	ProductIDReg      string
	ConfigIDReg       string
	Unlock            unlockFunc
	ReadCRC           crcFunc
	ConfigCmd         byte // MP292X's 0xA9 page/config command, 0 if unused
}

// Driver drives one MPS-family device against Profile over a vr.Bus.
type Driver struct {
	bus     *vr.Bus
	profile Profile
}

func NewDriver(i2c transport.I2C, profile Profile) *Driver {
	return &Driver{bus: &vr.Bus{I2C: i2c, Retries: 3}, profile: profile}
}

var _ devices.Driver = (*Driver)(nil)

func (d *Driver) ForcedUpdateAllowed() bool { return true }

func (d *Driver) VerifyImage(image []byte) error {
	_, err := ParseATE(image)
	return err
}

func (d *Driver) GetCRC() (uint32, error) {
	return d.profile.ReadCRC(d.bus)
}

func (d *Driver) Reset() error { return nil }

func (d *Driver) UpdateFirmware(ctx context.Context, image []byte, force bool) error {
	img, err := ParseATE(image)
	if err != nil {
		return err
	}

	if err := d.verifyIdentity(img); err != nil {
		return err
	}

	if d.profile.Unlock != nil {
		if err := d.profile.Unlock(d.bus, img); err != nil {
			return err
		}
	}

	currentCRC, err := d.GetCRC()
	if err != nil {
		return err
	}

	expectedCRC, err := expectedCRCFromImage(img, d.profile)
	if err != nil {
		return err
	}
	if currentCRC == expectedCRC && !force {
		return errcode.New(errcode.DriverError, "mps.UpdateFirmware", "image CRC already matches device", nil)
	}

	for _, page := range pagesOf(img) {
		for _, row := range img.Rows {
			if row.Page != page {
				continue
			}
			cmd, payload := row.Encode()
			if _, err := d.bus.SendReceive(append([]byte{cmd}, payload...), 0); err != nil {
				return err
			}
		}
	}

	finalCRC, err := d.GetCRC()
	if err != nil {
		return err
	}
	if finalCRC != expectedCRC {
		return errcode.New(errcode.DriverError, "mps.UpdateFirmware", "post-write CRC mismatch", nil)
	}
	return nil
}

func (d *Driver) verifyIdentity(img Image) error {
	if d.profile.VendorIDReg != "" && d.profile.FixedVendorID == 0 {
		rows := img.ByRegName(d.profile.VendorIDReg)
		if len(rows) == 0 {
			return errcode.New(errcode.ImageError, "mps.verifyIdentity", "missing vendor id row", nil)
		}
	}
	return nil
}

func pagesOf(img Image) []byte {
	seen := map[byte]bool{}
	var pages []byte
	for _, r := range img.Rows {
		if !seen[r.Page] {
			seen[r.Page] = true
			pages = append(pages, r.Page)
		}
	}
	return pages
}

// expectedCRCFromImage concatenates the declared CRC fields the family's
// image carries, per the "reads its CRC register(s), concatenates as
// defined, and compares against the parsed expected value" contract.
func expectedCRCFromImage(img Image, p Profile) (uint32, error) {
	rows := img.ByRegName(p.ConfigIDReg)
	if len(rows) == 0 {
		return 0, errcode.New(errcode.ImageError, "mps.expectedCRCFromImage", "missing CRC row for "+p.ConfigIDReg, nil)
	}
	var v uint32
	for _, r := range rows {
		v = (v << 16) | (r.DataHex & 0xFFFF)
	}
	return v, nil
}
