package spibios

import (
	"context"
	"fmt"

	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/model"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

func init() {
	devices.RegisterBuilder(model.DomainBIOS, build)
}

// noopMECommander is used when a config names no vendor-specific IPMB
// transport; EnterRecovery/ColdReset are both treated as dry-run no-ops so
// machines without a management engine still build a usable driver.
type noopMECommander struct{}

func (noopMECommander) EnterRecovery(ctx context.Context) error { return nil }
func (noopMECommander) ColdReset(ctx context.Context) error     { return nil }

func build(cfg model.SoftwareConfig) (devices.Driver, error) {
	line, ok := cfg.GPIOLines["mux"]
	if !ok {
		return nil, fmt.Errorf("spibios.build: %s: config has no \"mux\" gpio line", cfg.ObjectPath)
	}
	mux := transport.NewGPIOLine(cfg.GPIOChip, line)
	return New(cfg, &hostPowerStub{}, noopMECommander{}, mux, nil), nil
}

// hostPowerStub stands in for the real host-power IPC collaborator until a
// binding is wired at startup; it always reports Off and accepts any
// transition instantly, which is adequate for dry-run/test builds.
type hostPowerStub struct {
	state transport.PowerState
}

func (h *hostPowerStub) State() (transport.PowerState, error) { return transport.PowerOff, nil }
func (h *hostPowerStub) SetState(s transport.PowerState) error { h.state = s; return nil }
func (h *hostPowerStub) WaitForState(s transport.PowerState) error { return nil }
