// Package config loads the on-disk device inventory and daemon settings.
// It replaces the embedded-per-board JSON the original board-bringup
// config service shipped with a YAML inventory file, in the same idiom
// jacobsalmela-ex-bootstrap's inventory loader and hdwhdw-update-agent's
// agent config use: unmarshal once at startup, publish retained copies of
// each slot onto the bus for read-only observers.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openbmc-project/fwupdated/internal/ipcbus"
	"github.com/openbmc-project/fwupdated/internal/model"
)

// Daemon holds top-level daemon settings read from the config file.
type Daemon struct {
	UploadRoot   string `yaml:"upload_root"`
	PersistRoot  string `yaml:"persist_root"`
	KeystoreDir  string `yaml:"keystore_dir"`
	MachineName  string `yaml:"machine_name"`
	MaxActiveBMC int    `yaml:"max_active_bmc"`
	UBootEnvSize int    `yaml:"uboot_env_size,omitempty"`
	DryRun       bool   `yaml:"dry_run"`
	Debug        bool   `yaml:"debug"`
}

// deviceEntry is the on-disk YAML shape of one inventory slot.
type deviceEntry struct {
	VendorIANA      string            `yaml:"vendor_iana"`
	CompatibleName  string            `yaml:"compatible_name"`
	ConfigType      string            `yaml:"config_type"`
	ConfigName      string            `yaml:"config_name"`
	ObjectPath      string            `yaml:"object_path"`
	Family          string            `yaml:"family,omitempty"`
	BmcBackend      string            `yaml:"bmc_backend,omitempty"`
	Bus             int               `yaml:"bus,omitempty"`
	Address         uint16            `yaml:"address,omitempty"`
	GPIOChip        string            `yaml:"gpio_chip,omitempty"`
	GPIOLines       map[string]int    `yaml:"gpio_lines,omitempty"`
	SpiControllerID string            `yaml:"spi_controller_id,omitempty"`
	SpiNorID        string            `yaml:"spi_nor_id,omitempty"`
	SpiTool         string            `yaml:"spi_tool,omitempty"`
	SpiToolCmd      string            `yaml:"spi_tool_cmd,omitempty"`
	MuxPath         string            `yaml:"mux_path,omitempty"`
	PCIeBDF         string            `yaml:"pcie_bdf,omitempty"`
	HasManagementEngine bool          `yaml:"has_management_engine,omitempty"`
}

// document is the full on-disk config/inventory file.
type document struct {
	Daemon  Daemon        `yaml:"daemon"`
	Devices []deviceEntry `yaml:"devices"`
}

// Inventory is the loaded, validated set of SoftwareConfig slots plus
// daemon settings.
type Inventory struct {
	Daemon  Daemon
	Configs []model.SoftwareConfig
}

// Load reads and validates path, returning a ready-to-use Inventory.
func Load(path string) (*Inventory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc.Daemon.MaxActiveBMC <= 0 {
		doc.Daemon.MaxActiveBMC = 2
	}
	if doc.Daemon.UploadRoot == "" {
		doc.Daemon.UploadRoot = "/tmp/images"
	}

	inv := &Inventory{Daemon: doc.Daemon}
	seen := map[string]bool{}
	for _, d := range doc.Devices {
		c := model.SoftwareConfig{
			VendorIANA:          d.VendorIANA,
			CompatibleName:      d.CompatibleName,
			ConfigType:          model.Domain(d.ConfigType),
			ConfigName:          d.ConfigName,
			ObjectPath:          d.ObjectPath,
			Family:              model.Family(d.Family),
			BmcBackend:          model.BmcBackend(d.BmcBackend),
			Bus:                 d.Bus,
			Address:             d.Address,
			GPIOChip:            d.GPIOChip,
			GPIOLines:           d.GPIOLines,
			SpiControllerID:     d.SpiControllerID,
			SpiNorID:            d.SpiNorID,
			SpiTool:             model.SpiTool(d.SpiTool),
			SpiToolCmd:          d.SpiToolCmd,
			MuxPath:             d.MuxPath,
			PCIeBDF:             d.PCIeBDF,
			HasManagementEngine: d.HasManagementEngine,
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("config: device %q: %w", d.ConfigName, err)
		}
		if seen[c.ObjectPath] {
			return nil, fmt.Errorf("config: duplicate object_path %q", c.ObjectPath)
		}
		seen[c.ObjectPath] = true
		inv.Configs = append(inv.Configs, c)
	}
	return inv, nil
}

// Publish retains each SoftwareConfig onto the bus at
// /inventory/<configName> so diagnostics tooling can enumerate the
// configured fleet without touching the filesystem.
func (inv *Inventory) Publish(conn *ipcbus.Connection) {
	for _, c := range inv.Configs {
		topic := ipcbus.T("inventory", c.ConfigName)
		conn.Publish(conn.NewMessage(topic, c, true))
	}
}
