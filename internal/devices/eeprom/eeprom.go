// Package eeprom implements the AT24-family EEPROM device driver: mux
// acquisition, bind/unbind of the at24 sysfs driver, and a dd-style image
// write into the exposed sysfs eeprom node, plus an externally driven
// version-discovery watch.
package eeprom

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/model"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

// ProgressFunc reports write progress (0-100); nil is a valid no-op.
type ProgressFunc func(percent int)

// Driver implements devices.Driver for a mux'd AT24 EEPROM.
type Driver struct {
	cfg        model.SoftwareConfig
	muxLine    *transport.GPIOLine
	onProgress ProgressFunc
}

func New(cfg model.SoftwareConfig, muxLine *transport.GPIOLine, onProgress ProgressFunc) *Driver {
	return &Driver{cfg: cfg, muxLine: muxLine, onProgress: onProgress}
}

var _ devices.Driver = (*Driver)(nil)

func (d *Driver) ForcedUpdateAllowed() bool { return true }

func (d *Driver) VerifyImage(image []byte) error {
	if len(image) == 0 {
		return errcode.New(errcode.ImageError, "eeprom.VerifyImage", "empty image", nil)
	}
	return nil
}

func (d *Driver) GetCRC() (uint32, error) {
	return 0, errcode.New(errcode.DriverError, "eeprom.GetCRC", "not supported for EEPROM devices", nil)
}

func (d *Driver) Reset() error { return nil }

func (d *Driver) progress(p int) {
	if d.onProgress != nil {
		d.onProgress(p)
	}
}

func (d *Driver) bind() transport.SysfsBind {
	id := fmt.Sprintf("%d-%04x", d.cfg.Bus, d.cfg.Address)
	return transport.SysfsBind{DriverPath: "/sys/bus/i2c/drivers/at24", DeviceID: id}
}

// UpdateFirmware runs the documented algorithm: acquire mux, bind, write,
// unbind, release, reporting progress 20 -> 40 -> 60 -> 80 -> 100.
func (d *Driver) UpdateFirmware(ctx context.Context, image []byte, force bool) error {
	release, err := d.muxLine.Acquire(true)
	if err != nil {
		return errcode.New(errcode.DriverError, "eeprom.UpdateFirmware", "acquire mux", err)
	}
	defer func() {
		_ = release()
	}()
	d.progress(20)

	b := d.bind()
	if err := b.Bind(2 * time.Second); err != nil {
		return err
	}
	d.progress(40)

	tmpFile, err := os.CreateTemp("", "eeprom-*.bin")
	if err != nil {
		_ = b.Unbind()
		return errcode.New(errcode.DriverError, "eeprom.UpdateFirmware", "create tempfile", err)
	}
	defer os.Remove(tmpFile.Name())
	if _, err := tmpFile.Write(image); err != nil {
		tmpFile.Close()
		_ = b.Unbind()
		return errcode.New(errcode.DriverError, "eeprom.UpdateFirmware", "write tempfile", err)
	}
	tmpFile.Close()

	eepromNode := filepath.Join(b.DevicePath(), "eeprom")
	if err := ddCopy(tmpFile.Name(), eepromNode); err != nil {
		_ = b.Unbind()
		return err
	}
	d.progress(60)

	if err := b.Unbind(); err != nil {
		return err
	}
	d.progress(80)

	d.progress(100)
	return nil
}

// ddCopy mirrors the documented "dd into the exposed sysfs eeprom node"
// step as a plain byte copy (no block-size ceremony needed in Go).
func ddCopy(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return errcode.New(errcode.DriverError, "eeprom.ddCopy", "open source", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY, 0)
	if err != nil {
		return errcode.New(errcode.TransportError, "eeprom.ddCopy", "open "+dstPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errcode.New(errcode.TransportError, "eeprom.ddCopy", "copy", err)
	}
	return nil
}
