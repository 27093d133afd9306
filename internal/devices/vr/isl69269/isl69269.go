// Package isl69269 implements the Renesas ISL69269 family driver: an ASCII
// hex record parser plus the mode-detect/validate/write/poll/restore update
// sequence addressed through a DMA-style register read/write primitive.
package isl69269

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/devices/vr"
	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/model"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

const (
	recHeader = 0x49
	recData   = 0x00

	cmdModeRead  = 0x87
	cmdModeWrite = 0xBD
	cmdRemaining = 0x35
	cmdDeviceID  = 0xAD
	cmdRevision  = 0xAE
	cmdPollReady = 0x7E
	cmdRestore   = 0xF2

	cmdDMAAddr = 0xC5
	cmdDMAData = 0xC7
)

// record is one parsed data line: a single PMBus command plus its payload,
// captured in file order so UpdateFirmware can replay them verbatim.
type record struct {
	cmd     byte
	payload []byte
}

// Image is the ISL69269-specific parse result: the PMBus device-id and
// revision expected by the header record, the replayable write records,
// and the declared reference CRC (legacy line 276 / production line 290).
type Image struct {
	DeviceID       byte
	DeviceRevision byte
	ConfigID       int
	DeclaredCRC    byte
	Records        []record
}

// Driver drives one ISL69269 device over a vr.Bus.
type Driver struct {
	bus *vr.Bus
}

func New(i2c transport.I2C) *Driver {
	return &Driver{bus: &vr.Bus{I2C: i2c, Retries: 3}}
}

var _ devices.Driver = (*Driver)(nil)

func (d *Driver) ForcedUpdateAllowed() bool { return true }

func (d *Driver) VerifyImage(image []byte) error {
	_, err := parse(image)
	return err
}

func (d *Driver) GetCRC() (uint32, error) {
	rx, err := d.bus.SendReceive([]byte{cmdPollReady}, 1)
	if err != nil {
		return 0, err
	}
	return uint32(rx[0]), nil
}

func (d *Driver) Reset() error { return nil }

func (d *Driver) UpdateFirmware(ctx context.Context, image []byte, force bool) error {
	img, err := parse(image)
	if err != nil {
		return err
	}

	if _, err := d.dmaRead(cmdModeRead); err != nil {
		return err
	}
	if _, err := d.bus.SendReceive([]byte{cmdModeWrite, 0x01}, 0); err != nil {
		return err
	}

	remaining, err := d.bus.SendReceive([]byte{cmdRemaining}, 1)
	if err != nil {
		return err
	}
	if remaining[0] == 0 && !force {
		return errcode.New(errcode.DriverError, "isl69269.UpdateFirmware", "remaining writes exhausted", nil)
	}

	devID, err := d.bus.SendReceive([]byte{cmdDeviceID}, 1)
	if err != nil {
		return err
	}
	if devID[0] != img.DeviceID {
		return errcode.New(errcode.DriverError, "isl69269.UpdateFirmware", "device id mismatch", nil)
	}
	rev, err := d.bus.SendReceive([]byte{cmdRevision}, 1)
	if err != nil {
		return err
	}
	if rev[0] != img.DeviceRevision {
		return errcode.New(errcode.DriverError, "isl69269.UpdateFirmware", "device revision mismatch", nil)
	}

	for _, rec := range img.Records {
		buf := append([]byte{rec.cmd}, rec.payload...)
		if _, err := d.bus.SendReceive(buf, 0); err != nil {
			return err
		}
	}

	ok := false
	for i := 0; i < 3; i++ {
		rx, err := d.bus.SendReceive([]byte{cmdPollReady}, 1)
		if err != nil {
			return err
		}
		if rx[0]&0x01 != 0 {
			ok = true
			break
		}
		if err := vr.Sleep(ctx, time.Second); err != nil {
			return err
		}
	}
	if !ok {
		return errcode.New(errcode.DriverError, "isl69269.UpdateFirmware", "device never became ready", nil)
	}

	_, err = d.bus.SendReceive([]byte{cmdRestore, byte(img.ConfigID)}, 0)
	return err
}

// dmaRead performs the family's DMA-style register read primitive: write
// {0xC5, reg_lo, reg_hi}, then read 4 bytes from 0xC7.
func (d *Driver) dmaRead(reg uint16) ([4]byte, error) {
	var out [4]byte
	if _, err := d.bus.SendReceive([]byte{cmdDMAAddr, byte(reg), byte(reg >> 8)}, 0); err != nil {
		return out, err
	}
	rx, err := d.bus.SendReceive([]byte{cmdDMAData}, 4)
	if err != nil {
		return out, err
	}
	copy(out[:], rx)
	return out, nil
}

// parse decodes the ASCII-hex record stream into an Image.
func parse(raw []byte) (Image, error) {
	var img Image
	var lineNo int

	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lineNo++
		b, err := hex.DecodeString(strings.TrimPrefix(line, "0x"))
		if err != nil || len(b) < 1 {
			return img, errcode.New(errcode.ImageError, "isl69269.parse", "bad hex record", err)
		}
		switch b[0] {
		case recHeader:
			if len(b) < 3 {
				return img, errcode.New(errcode.ImageError, "isl69269.parse", "short header record", nil)
			}
			img.DeviceID = b[1]
			img.DeviceRevision = b[2]
		case recData:
			if len(b) < 3 {
				return img, errcode.New(errcode.ImageError, "isl69269.parse", "short data record", nil)
			}
			length := b[1]
			pec := b[2]
			rest := b[3:]
			if len(rest) < 2 {
				return img, errcode.New(errcode.ImageError, "isl69269.parse", "data record missing address/command", nil)
			}
			cmd := rest[1]
			payload := rest[2:]
			if byte(len(payload)) != length-2 {
				return img, errcode.New(errcode.ImageError, "isl69269.parse", "data record length mismatch", nil)
			}
			if vr.CRC8PEC(append([]byte{rest[0], cmd}, payload...)) != pec {
				return img, errcode.New(errcode.ImageError, "isl69269.parse", "PEC mismatch in data record", nil)
			}
			img.Records = append(img.Records, record{cmd: cmd, payload: payload})

			if lineNo == 7 {
				img.ConfigID = int(payload[0] & 0x0F)
			}
			if lineNo == 276 || lineNo == 290 {
				if len(payload) > 0 {
					img.DeclaredCRC = payload[0]
				}
			}
		default:
			return img, errcode.New(errcode.ImageError, "isl69269.parse", "unknown record type", nil)
		}
	}
	if err := sc.Err(); err != nil {
		return img, errcode.New(errcode.ImageError, "isl69269.parse", "scan", err)
	}
	if img.DeviceID == 0 && img.DeviceRevision == 0 {
		return img, errcode.New(errcode.ImageError, "isl69269.parse", "missing header record", nil)
	}
	return img, nil
}
