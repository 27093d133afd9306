// Command fwupdatectl is a thin local-diagnostics CLI for fwupdated. It
// never talks to the running daemon over a wire protocol (spec.md treats
// the D-Bus surface as an abstract in-process bus, not a socket) — instead
// it reads the same inventory file and persist_root the daemon uses, the
// same "operate on the daemon's on-disk state directly" shape
// jacobsalmela-ex-bootstrap's bootstrap CLI uses against its board-bringup
// state directory.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openbmc-project/fwupdated/internal/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "fwupdatectl",
		Short: "Inspect the firmware-update daemon's inventory and redundancy state",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/fwupdated/inventory.yaml", "path to the device inventory/config file")

	root.AddCommand(newInventoryCmd())
	root.AddCommand(newPriorityCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newInventoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "List the configured device inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("machine: %s  max_active_bmc: %d  dry_run: %t\n",
				inv.Daemon.MachineName, inv.Daemon.MaxActiveBMC, inv.Daemon.DryRun)
			for _, c := range inv.Configs {
				fmt.Printf("%-24s domain=%-12s compatible=%-20s object_path=%s\n",
					c.ConfigName, c.ConfigType, c.CompatibleName, c.ObjectPath)
			}
			return nil
		},
	}
	return cmd
}

func newPriorityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "priority",
		Short: "Inspect or repair a BMC version's redundancy priority",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <flash-id>",
		Short: "Print a BMC version's persisted redundancy priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := config.Load(configPath)
			if err != nil {
				return err
			}
			priority, ok, err := config.LoadPriority(inv.Daemon.PersistRoot, args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("%s: no priority persisted\n", args[0])
				return nil
			}
			fmt.Printf("%s: priority=%d\n", args[0], priority)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <flash-id> <value>",
		Short: "Force a BMC version's persisted redundancy priority",
		Long: "set writes directly to persist_root without going through the " +
			"daemon's freePriority cascade; use only to repair a corrupted ledger.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid priority %q: %w", args[1], err)
			}
			inv, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return config.SavePriority(inv.Daemon.PersistRoot, args[0], value)
		},
	})
	return cmd
}
