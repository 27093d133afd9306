// Package tda38640a implements the TI TDA38640A family driver: a
// whitelist-offset OTP programmer over a 16-byte page-grouped
// configuration text format.
package tda38640a

import (
	"bufio"
	"bytes"
	"context"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/devices/vr"
	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

const (
	cmdUnlock      = 0xD4
	unlockValue    = 0x03
	cmdProgramLo   = 0xD6
	cmdProgramHi   = 0xD7
	programLoValue = 0x42
	programHiValue = 0x3F
	cmdRevision    = 0xFD
	cmdRemaining   = 0xB8
)

// whitelist is the set of OTP user-section addresses this family permits
// programming: every third address from 0x0040 through 0x0385, 280 in all.
var whitelist = buildWhitelist()

func buildWhitelist() map[uint16]bool {
	w := map[uint16]bool{}
	for addr := uint16(0x0040); addr <= 0x0385; addr += 3 {
		w[addr] = true
	}
	return w
}

// pageWrite is one (page, addr) -> byte write parsed from the
// [Configuration Data] block.
type pageWrite struct {
	page byte
	addr uint16
	data byte
}

// Image is the parsed TDA38640A configuration.
type Image struct {
	PartNumber       string
	DeclaredChecksum uint32
	Writes           []pageWrite
}

// Driver drives one TDA38640A device over a vr.Bus.
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

// GetCRC does not read an image checksum on this family: it returns the
// number of OTP writes left, 16 minus the set bits of the 16-bit
// cmdRemaining register.
func (d *Driver) GetCRC() (uint32, error) {
	rx, err := d.bus.SendReceive([]byte{cmdRemaining}, 2)
	if err != nil {
		return 0, err
	}
	used := uint16(rx[0]) | uint16(rx[1])<<8
	return uint32(16 - bits.OnesCount16(used)), nil
}

func (d *Driver) Reset() error { return nil }

func (d *Driver) UpdateFirmware(ctx context.Context, image []byte, force bool) error {
	img, err := parse(image)
	if err != nil {
		return err
	}

	remainingWrites, err := d.GetCRC() // reused as "writes left" per the shared popcount primitive
	if err != nil {
		return err
	}
	if remainingWrites == 0 && !force {
		return errcode.New(errcode.DriverError, "tda38640a.UpdateFirmware", "no OTP writes remaining", nil)
	}

	if _, err := d.bus.SendReceive([]byte{cmdUnlock, unlockValue}, 0); err != nil {
		return err
	}

	var currentPage byte = 0xFF
	for _, w := range img.Writes {
		if w.page != currentPage {
			if _, err := d.bus.SendReceive([]byte{0xD0, w.page}, 0); err != nil { // page-select register
				return err
			}
			currentPage = w.page
		}
		if _, err := d.bus.SendReceive([]byte{byte(w.addr), w.data}, 0); err != nil {
			return err
		}
	}

	if _, err := d.bus.SendReceive([]byte{cmdProgramLo, programLoValue}, 0); err != nil {
		return err
	}
	if _, err := d.bus.SendReceive([]byte{cmdProgramHi, programHiValue}, 0); err != nil {
		return err
	}

	ok := false
	for i := 0; i < 3; i++ {
		rx, err := d.bus.SendReceive([]byte{cmdProgramHi}, 1)
		if err != nil {
			return err
		}
		if rx[0]&0x80 == 0 && rx[0]&0x40 == 0 {
			ok = true
			break
		}
		if err := vr.Sleep(ctx, 300*time.Millisecond); err != nil {
			return err
		}
	}
	if !ok {
		return errcode.New(errcode.DriverError, "tda38640a.UpdateFirmware", "program command never completed", nil)
	}
	return nil
}

func parse(raw []byte) (Image, error) {
	var img Image
	var inConfig bool
	var page byte

	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "Part Number"):
			_, v, _ := strings.Cut(line, ":")
			img.PartNumber = strings.TrimSpace(v)
		case strings.HasPrefix(line, "Configuration Checksum"):
			_, v, _ := strings.Cut(line, ":")
			n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 32)
			if err != nil {
				return img, errcode.New(errcode.ImageError, "tda38640a.parse", "bad checksum", err)
			}
			img.DeclaredChecksum = uint32(n)
		case strings.Contains(line, "[Configuration Data]"):
			inConfig = true
		case strings.Contains(line, "[End Configuration Data]"):
			inConfig = false
		case inConfig:
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			offset, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 16)
			if err != nil {
				return img, errcode.New(errcode.ImageError, "tda38640a.parse", "bad offset", err)
			}
			for i, tok := range fields[1:] {
				b, err := strconv.ParseUint(strings.TrimPrefix(tok, "0x"), 16, 8)
				if err != nil {
					return img, errcode.New(errcode.ImageError, "tda38640a.parse", "bad byte", err)
				}
				addr := uint16(offset) + uint16(i)
				if !whitelist[addr] {
					continue // only whitelisted OTP addresses are programmed
				}
				img.Writes = append(img.Writes, pageWrite{page: page, addr: addr, data: byte(b)})
			}
			page++
		}
	}
	if err := sc.Err(); err != nil {
		return img, errcode.New(errcode.ImageError, "tda38640a.parse", "scan", err)
	}
	if img.PartNumber == "" {
		return img, errcode.New(errcode.ImageError, "tda38640a.parse", "missing Part Number", nil)
	}
	return img, nil
}
