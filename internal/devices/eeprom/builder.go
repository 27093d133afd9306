package eeprom

import (
	"fmt"

	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/model"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

func init() {
	devices.RegisterBuilder(model.DomainEEPROM, build)
}

func build(cfg model.SoftwareConfig) (devices.Driver, error) {
	line, ok := cfg.GPIOLines["mux"]
	if !ok {
		return nil, fmt.Errorf("eeprom.build: %s: config has no \"mux\" gpio line", cfg.ObjectPath)
	}
	mux := transport.NewGPIOLine(cfg.GPIOChip, line)
	return New(cfg, mux, nil), nil
}
