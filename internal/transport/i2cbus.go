package transport

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var hostInitialized bool

// OpenI2C opens the numbered I2C bus and returns a PeriphI2C transport
// bound to addr, initializing the periph.io host registry on first use.
func OpenI2C(busNum int, addr uint16) (*PeriphI2C, func() error, error) {
	if !hostInitialized {
		if _, err := host.Init(); err != nil {
			return nil, nil, fmt.Errorf("transport: periph host init: %w", err)
		}
		hostInitialized = true
	}
	bus, err := i2creg.Open(fmt.Sprintf("/dev/i2c-%d", busNum))
	if err != nil {
		return nil, nil, fmt.Errorf("transport: open i2c bus %d: %w", busNum, err)
	}
	dev := &i2c.Dev{Addr: addr, Bus: bus}
	return &PeriphI2C{Dev: dev}, bus.Close, nil
}
