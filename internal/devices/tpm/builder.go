package tpm

import (
	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/model"
)

func init() {
	devices.RegisterBuilder(model.DomainTPM, func(cfg model.SoftwareConfig) (devices.Driver, error) {
		return New(cfg), nil
	})
}
