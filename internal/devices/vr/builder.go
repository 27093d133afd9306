package vr

import (
	"fmt"

	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/devices/vr/isl69269"
	"github.com/openbmc-project/fwupdated/internal/devices/vr/mps"
	"github.com/openbmc-project/fwupdated/internal/devices/vr/tda38640a"
	"github.com/openbmc-project/fwupdated/internal/devices/vr/xdpe1x2xx"
	"github.com/openbmc-project/fwupdated/internal/model"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

func init() {
	devices.RegisterBuilder(model.DomainVR, build)
}

// build opens the configured I2C bus/address and dispatches to the
// family-specific constructor named in cfg.Family. An unknown or
// unaddressable family is a FatalSetupError: the device is simply absent
// from the registry and startup continues.
func build(cfg model.SoftwareConfig) (devices.Driver, error) {
	i2c, _, err := transport.OpenI2C(cfg.Bus, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("vr.build: %s: %w", cfg.ObjectPath, err)
	}

	switch cfg.Family {
	case model.FamilyXDPE1X2XX:
		return xdpe1x2xx.New(i2c), nil
	case model.FamilyISL69269:
		return isl69269.New(i2c), nil
	case model.FamilyMP2X6XX:
		return mps.NewMP2X6XX(i2c), nil
	case model.FamilyMP297X:
		return mps.NewMP297X(i2c), nil
	case model.FamilyMP5998:
		return mps.NewMP5998(i2c), nil
	case model.FamilyMP994X:
		return mps.NewMP994X(i2c), nil
	case model.FamilyMP292X:
		return mps.NewMP292X(i2c), nil
	case model.FamilyTDA38640A:
		return tda38640a.New(i2c), nil
	default:
		return nil, fmt.Errorf("vr.build: unknown family %q for %s", cfg.Family, cfg.ObjectPath)
	}
}
