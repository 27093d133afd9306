// Package model holds the entity types shared across the update pipeline:
// configured slots, physical devices, firmware image instances, and the
// BMC-domain redundancy bookkeeping that rides on top of them.
package model

import (
	"fmt"
	"math/rand"
)

// Domain names one of the administrative update domains; each gets its own
// UpdateManager instance and in-progress flag.
type Domain string

const (
	DomainBMC        Domain = "bmc"
	DomainBIOS       Domain = "bios"
	DomainVR         Domain = "vr"
	DomainEEPROM     Domain = "eeprom"
	DomainPCIeSwitch Domain = "pcie_switch"
	DomainTPM        Domain = "tpm"
)

// ApplyTime selects when a verified image takes effect.
type ApplyTime string

const (
	ApplyImmediate ApplyTime = "immediate"
	ApplyOnReset   ApplyTime = "on_reset"
)

// Purpose is the decoded manifest `purpose` field.
type Purpose string

const (
	PurposeBMC        Purpose = "BMC"
	PurposeBIOS       Purpose = "BIOS"
	PurposeVR         Purpose = "VR"
	PurposeEEPROM     Purpose = "EEPROM"
	PurposePCIeSwitch Purpose = "PCIeSwitch"
	PurposeTPM        Purpose = "TPM"
	PurposeUnknown    Purpose = "Unknown"
)

// ParsePurpose converts a manifest purpose string to its enum, defaulting
// to PurposeUnknown (a warning, not a failure per the manifest contract).
func ParsePurpose(s string) Purpose {
	switch Purpose(s) {
	case PurposeBMC, PurposeBIOS, PurposeVR, PurposeEEPROM, PurposePCIeSwitch, PurposeTPM:
		return Purpose(s)
	default:
		return PurposeUnknown
	}
}

// ActivationState is the lifecycle state of a Software object.
type ActivationState string

const (
	StateNotReady   ActivationState = "NotReady"
	StateReady      ActivationState = "Ready"
	StateInvalid    ActivationState = "Invalid"
	StateActivating ActivationState = "Activating"
	StateActive     ActivationState = "Active"
	StateFailed     ActivationState = "Failed"
	StateStaged     ActivationState = "Staged"
)

// Family discriminates the concrete per-family driver a VR device uses.
type Family string

const (
	FamilyXDPE1X2XX Family = "xdpe1x2xx"
	FamilyISL69269  Family = "isl69269"
	FamilyMP2X6XX   Family = "mp2x6xx"
	FamilyMP297X    Family = "mp297x"
	FamilyMP5998    Family = "mp5998"
	FamilyMP994X    Family = "mp994x"
	FamilyMP292X    Family = "mp292x"
	FamilyTDA38640A Family = "tda38640a"
)

// BmcBackend selects the RW/RO volume strategy for a BMC-self device.
type BmcBackend string

const (
	BackendUBI    BmcBackend = "ubi"
	BackendMMC    BmcBackend = "mmc"
	BackendStatic BmcBackend = "static"
)

// SpiTool selects the image-write tool for the SPI BIOS driver.
type SpiTool string

const (
	SpiToolFlat     SpiTool = "flat"
	SpiToolIFD      SpiTool = "ifd"
	SpiToolFlashcp  SpiTool = "flashcp"
	SpiToolNone     SpiTool = "none"
)

// SoftwareConfig is one configured updatable slot, derived from inventory
// at startup and immutable thereafter.
type SoftwareConfig struct {
	VendorIANA      string
	CompatibleName  string
	ConfigType      Domain
	ConfigName      string
	ObjectPath      string
	Family          Family  // VR / flash-device discriminator
	BmcBackend      BmcBackend
	Bus             int    // I2C bus number, VR/EEPROM devices
	Address         uint16 // I2C address, VR/EEPROM devices
	GPIOChip        string
	GPIOLines       map[string]int
	SpiControllerID string
	SpiNorID        string
	SpiTool         SpiTool
	SpiToolCmd      string // configurable invocation template, split with shlex
	MuxPath         string
	PCIeBDF         string // e.g. "0000:3b:00.0"
	HasManagementEngine bool
}

func (c SoftwareConfig) Validate() error {
	if c.VendorIANA == "" || c.CompatibleName == "" || c.ConfigType == "" || c.ConfigName == "" || c.ObjectPath == "" {
		return fmt.Errorf("model: incomplete SoftwareConfig %+v", c)
	}
	return nil
}

// RedundancyPriority is the per-image boot priority for the BMC domain;
// zero is the most preferred. Persisted alongside the owning Software.
type RedundancyPriority struct {
	Value int
}

// VrImage is the parsed, family-specific voltage-regulator configuration
// file; it never outlives a single update call.
type VrImage struct {
	Family         Family
	DeclaredCRC    uint32
	Sections       []VrSection
	ConfigID       int
	DeviceID       []byte
	DeviceRevision []byte
}

// VrSection is one CRC-checked block of dword writes within a VrImage.
type VrSection struct {
	Type  byte
	Addr  uint32
	Words []uint32
}

// Manifest is the parsed flat KEY=VALUE package descriptor.
type Manifest struct {
	Version         string
	Purpose         Purpose
	MachineName     string
	ExtendedVersion string
	CompatibleNames []string
	Signature       []byte // optional detached signature
	PublicKey       []byte // optional embedded public key
}

// Software is a firmware image instance, either running on or pending for
// a Device. Owned exclusively by its Device.
type Software struct {
	Swid            string
	ObjectPath      string
	Domain          Domain
	Version         string
	versionSet      bool
	Purpose         Purpose
	ActivationState ActivationState
	RequestedState  ActivationState
	Progress        int
	Functional      bool
	Priority        *RedundancyPriority
	FilePath        string
}

// SetVersion is overwritable: later calls replace the stored version
// rather than being ignored.
func (s *Software) SetVersion(v string) {
	s.Version = v
	s.versionSet = true
}

func (s *Software) VersionSet() bool { return s.versionSet }

// NewSwid returns "<configName>_<random 1-9999>".
func NewSwid(configName string) string {
	return fmt.Sprintf("%s_%d", configName, 1+rand.Intn(9999))
}

// ObjectPathFor builds the bus-facing object path for a swid.
func ObjectPathFor(swid string) string { return "/software/" + swid }

// UpdatePackage is an in-flight update image received over IPC; destroyed
// on completion or failure of its processing task.
type UpdatePackage struct {
	UpdateID   string
	ObjectPath string
	Domain     Domain
	ApplyTime  ApplyTime
	ScratchDir string
}

// Device is a physical, updatable device: owns at most one current and one
// pending Software.
type Device struct {
	Config          SoftwareConfig
	SoftwareCurrent *Software
	SoftwarePending *Software
	InProgress      bool
}
