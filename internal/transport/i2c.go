// Package transport provides the byte-pipe abstractions device drivers sit
// on top of: I2C register transfers, GPIO mux lines, and sysfs bind/unbind
// plumbing for flash-backed devices. The spec treats GPIO/I2C/MTD syscalls
// as abstract byte-pipes; this package is the one seam where that
// abstraction meets a real transport library.
package transport

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
)

// I2C is the only transport surface a voltage-regulator driver needs:
// a combined write-then-read, matching the PMBus/SMBus sendReceive idiom
// every VR family in this repository shares.
type I2C interface {
	SendReceive(tx []byte, rxLen int) ([]byte, error)
}

// PeriphI2C adapts a periph.io i2c.Dev to the I2C interface, grounded on
// the same periph.io/x/conn/v3 + periph.io/x/host/v3 stack used for real
// I2C access elsewhere in the retrieved pack.
type PeriphI2C struct {
	Dev *i2c.Dev
}

func (p *PeriphI2C) SendReceive(tx []byte, rxLen int) ([]byte, error) {
	rx := make([]byte, rxLen)
	if err := p.Dev.Tx(tx, rx); err != nil {
		return nil, fmt.Errorf("transport: i2c tx: %w", err)
	}
	return rx, nil
}

// FakeI2C is an in-memory recorder/replayer for unit tests: it returns the
// next queued response for every SendReceive call and records every
// transmitted frame for assertions.
type FakeI2C struct {
	Responses [][]byte
	Sent      [][]byte
	call      int
}

func (f *FakeI2C) SendReceive(tx []byte, rxLen int) ([]byte, error) {
	f.Sent = append(f.Sent, append([]byte(nil), tx...))
	if f.call >= len(f.Responses) {
		return make([]byte, rxLen), nil
	}
	resp := f.Responses[f.call]
	f.call++
	out := make([]byte, rxLen)
	copy(out, resp)
	return out, nil
}
