// Package pcieswitch implements a flash-backed PCIe switch device: the same
// bind/unbind/MTD shape as SPI BIOS, addressed instead through the PCI
// bus/device/function path (e.g. "0000:3b:00.0") under
// /sys/bus/pci/devices/<bdf>. Recovered from the original implementation's
// pcieswitch backend, which the distilled contract dropped.
package pcieswitch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/model"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

// ProgressFunc reports write progress (0-100); nil is a valid no-op.
type ProgressFunc func(percent int)

// Driver writes a firmware image to a PCIe switch's flash, bound under its
// PCI bus address rather than a platform-bus SPI controller.
type Driver struct {
	cfg        model.SoftwareConfig
	onProgress ProgressFunc
}

func New(cfg model.SoftwareConfig, onProgress ProgressFunc) *Driver {
	return &Driver{cfg: cfg, onProgress: onProgress}
}

var _ devices.Driver = (*Driver)(nil)

func (d *Driver) ForcedUpdateAllowed() bool { return false }

func (d *Driver) VerifyImage(image []byte) error {
	if len(image) == 0 {
		return errcode.New(errcode.ImageError, "pcieswitch.VerifyImage", "empty image", nil)
	}
	return nil
}

func (d *Driver) GetCRC() (uint32, error) {
	return 0, errcode.New(errcode.DriverError, "pcieswitch.GetCRC", "not supported for PCIe switch devices", nil)
}

func (d *Driver) Reset() error { return nil }

func (d *Driver) progress(p int) {
	if d.onProgress != nil {
		d.onProgress(p)
	}
}

func (d *Driver) bind() (transport.SysfsBind, error) {
	if d.cfg.PCIeBDF == "" {
		return transport.SysfsBind{}, fmt.Errorf("pcieswitch: config %s has no pcie_bdf", d.cfg.ObjectPath)
	}
	return transport.SysfsBind{DriverPath: "/sys/bus/pci/drivers/pcieswitch-flash", DeviceID: d.cfg.PCIeBDF}, nil
}

func (d *Driver) UpdateFirmware(ctx context.Context, image []byte, force bool) error {
	b, err := d.bind()
	if err != nil {
		return errcode.New(errcode.FatalSetupError, "pcieswitch.UpdateFirmware", err.Error(), nil)
	}

	if err := b.Bind(2 * time.Second); err != nil {
		return err
	}
	d.progress(20)

	mtdPath, err := transport.ResolveMTDUnderDriver(b.DevicePath())
	if err != nil {
		_ = b.Unbind()
		return err
	}

	if err := writeChunked(mtdPath, image, d.progress); err != nil {
		_ = b.Unbind()
		return err
	}

	if err := b.Unbind(); err != nil {
		return err
	}
	d.progress(100)
	return nil
}

func writeChunked(mtdPath string, image []byte, progress ProgressFunc) error {
	f, err := os.OpenFile(mtdPath, os.O_WRONLY, 0)
	if err != nil {
		return errcode.New(errcode.TransportError, "pcieswitch.writeChunked", "open "+mtdPath, err)
	}
	defer f.Close()

	const chunk = 1 << 20
	total := len(image)
	for off := 0; off < total; off += chunk {
		end := off + chunk
		if end > total {
			end = total
		}
		if _, err := f.Write(image[off:end]); err != nil {
			return errcode.New(errcode.TransportError, "pcieswitch.writeChunked", "write chunk", err)
		}
		if progress != nil {
			pct := 20 + int(float64(end)/float64(total)*70.0)
			progress(pct)
		}
	}
	return nil
}
