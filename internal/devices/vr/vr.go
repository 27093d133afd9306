// Package vr holds the shared voltage-regulator transport/retry plumbing
// and checksum primitives; each concrete family (xdpe1x2xx, isl69269, mps,
// tda38640a) lives in its own subpackage and implements devices.Driver.
//
// The register read/write idiom below is grounded on the teacher's
// drivers/ltc4015 register protocol (readRegister/writeRegister over an
// I2C bus handle), generalized from a fixed register map to the
// family-specific command sets each VR speaks.
package vr

import (
	"context"
	"time"

	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

// Bus wraps an I2C transport with the bounded retry the error taxonomy
// calls for: "TransportError ... retry up to N (driver-specific, typically
// 3)" before escalating to DriverError.
type Bus struct {
	I2C     transport.I2C
	Retries int
}

func NewBus(i2c transport.I2C) *Bus {
	return &Bus{I2C: i2c, Retries: 3}
}

// SendReceive retries a transport failure up to Retries times before
// wrapping it as a DriverError.
func (b *Bus) SendReceive(tx []byte, rxLen int) ([]byte, error) {
	var lastErr error
	attempts := b.Retries
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		rx, err := b.I2C.SendReceive(tx, rxLen)
		if err == nil {
			return rx, nil
		}
		lastErr = err
	}
	return nil, errcode.New(errcode.DriverError, "vr.Bus.SendReceive", "exhausted transport retries", lastErr)
}

// Sleep waits out the family drivers' mandatory inter-step delays (OTP
// commit waits, poll backoffs), returning early with ctx.Err() if ctx is
// cancelled, so the caller's cancellation propagates through a long
// programming sequence.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CRC32Reflected computes the reflected CRC32 (poly 0xEDB88320, seed
// 0xFFFFFFFF, final complement) the XDPE1x2xx family uses for its section
// and whole-image checksums.
func CRC32Reflected(data []byte) uint32 {
	const poly = 0xEDB88320
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

// CRC8PEC computes the SMBus packet-error-code CRC-8 (poly 0x07, seed 0)
// the ISL69269 family uses per data record.
func CRC8PEC(data []byte) byte {
	const poly = 0x07
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
