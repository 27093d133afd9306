// Command fwupdated is the firmware-update orchestrator daemon: it loads
// the device inventory, builds the device registry, and runs one
// updatemgr.Manager per administrative domain behind a central event loop,
// the same single-goroutine-dispatch shape services/hal/cmd/pico-demo uses
// for its bus wiring, generalized from one demo service to several
// concurrent domain managers plus the systemd job-result stream.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/openbmc-project/fwupdated/internal/config"
	"github.com/openbmc-project/fwupdated/internal/devices"
	"github.com/openbmc-project/fwupdated/internal/devices/bmcself"
	"github.com/openbmc-project/fwupdated/internal/ipcbus"
	"github.com/openbmc-project/fwupdated/internal/itemupdater"
	"github.com/openbmc-project/fwupdated/internal/logging"
	"github.com/openbmc-project/fwupdated/internal/model"
	"github.com/openbmc-project/fwupdated/internal/systemdctl"
	"github.com/openbmc-project/fwupdated/internal/updatemgr"

	_ "github.com/openbmc-project/fwupdated/internal/devices/eeprom"
	_ "github.com/openbmc-project/fwupdated/internal/devices/pcieswitch"
	_ "github.com/openbmc-project/fwupdated/internal/devices/spibios"
	_ "github.com/openbmc-project/fwupdated/internal/devices/tpm"
	_ "github.com/openbmc-project/fwupdated/internal/devices/vr"
)

// domains lists every administrative domain a Manager is instantiated for,
// regardless of whether the inventory configures a device in it.
var domains = []model.Domain{
	model.DomainBMC,
	model.DomainBIOS,
	model.DomainVR,
	model.DomainEEPROM,
	model.DomainPCIeSwitch,
	model.DomainTPM,
}

func main() {
	configPath := flag.String("config", "/etc/fwupdated/inventory.yaml", "path to the device inventory/config file")
	debug := flag.Bool("debug", false, "enable verbose console logging")
	flag.Parse()

	inv, err := config.Load(*configPath)
	if err != nil {
		logging.New("fwupdated", true, nil).Fatal().Err(err).Msg("failed to load inventory")
	}
	if *debug {
		inv.Daemon.Debug = true
	}

	log := logging.New("fwupdated", inv.Daemon.Debug, nil)
	log.Info().Str("config", *configPath).Int("devices", len(inv.Configs)).Msg("inventory loaded")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := ipcbus.NewBus(64)
	conn := bus.NewConnection("fwupdated")
	inv.Publish(conn)

	registry := devices.Build(inv.Configs, log)

	systemd, err := systemdctl.Dial(ctx, inv.Daemon.DryRun)
	if err != nil {
		log.Error().Err(err).Msg("systemd connection unavailable, BMC activation will stall on Activating")
	} else {
		defer systemd.Close()
	}

	managers := make(map[model.Domain]*updatemgr.Manager, len(domains))
	var iu *itemupdater.ItemUpdater
	if bmcCfg, ok := findDomainConfig(inv.Configs, model.DomainBMC); ok {
		backend, err := bmcself.New(bmcCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to construct bmc-self backend")
		}
		iu = itemupdater.New(inv.Daemon, conn, systemd, backend, inv.Daemon.UBootEnvSize,
			logging.Sub(log, "itemupdater", bmcCfg.ConfigName))
	}

	for _, domain := range domains {
		var bmcUpdater updatemgr.BMCUpdater
		if domain == model.DomainBMC && iu != nil {
			bmcUpdater = iu
		}
		managers[domain] = updatemgr.New(domain, inv.Daemon.UploadRoot, inv.Daemon.MachineName, inv.Daemon.KeystoreDir,
			conn, registry, bmcUpdater, logging.Sub(log, "updatemgr", string(domain)))
	}

	startSub := conn.Subscribe(updatemgr.StartUpdateTopic())
	defer conn.Unsubscribe(startSub)

	var jobResults <-chan systemdctl.JobResult
	if systemd != nil {
		jobResults = systemd.Results()
	}

	log.Info().Msg("fwupdated started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return

		case jr := <-jobResults:
			if iu != nil {
				iu.HandleJobResult(ctx, jr)
			}

		case msg := <-startSub.Channel():
			handleStartUpdate(ctx, managers, conn, msg, log)
		}
	}
}

func findDomainConfig(configs []model.SoftwareConfig, domain model.Domain) (model.SoftwareConfig, bool) {
	for _, c := range configs {
		if c.ConfigType == domain {
			return c, true
		}
	}
	return model.SoftwareConfig{}, false
}

func handleStartUpdate(ctx context.Context, managers map[model.Domain]*updatemgr.Manager, conn *ipcbus.Connection, msg *ipcbus.Message, log zerolog.Logger) {
	req, ok := msg.Payload.(updatemgr.StartUpdateRequest)
	if !ok {
		return
	}

	mgr, ok := managers[req.Domain]
	if !ok {
		conn.Reply(msg, updatemgr.StartUpdateReply{Err: "unknown domain " + string(req.Domain)}, false)
		return
	}

	objectPath, err := mgr.StartUpdate(ctx, req.FD, req.ApplyTime)
	if err != nil {
		log.Error().Err(err).Str("domain", string(req.Domain)).Msg("startUpdate failed")
		conn.Reply(msg, updatemgr.StartUpdateReply{Err: err.Error()}, false)
		return
	}
	conn.Reply(msg, updatemgr.StartUpdateReply{ObjectPath: objectPath}, false)
}
