package pcieswitch

import (
	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/model"
)

func init() {
	devices.RegisterBuilder(model.DomainPCIeSwitch, func(cfg model.SoftwareConfig) (devices.Driver, error) {
		return New(cfg, nil), nil
	})
}
