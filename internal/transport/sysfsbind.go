package transport

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openbmc-project/fwupdated/internal/errcode"
)

// SysfsBind drives a sysfs driver's bind/unbind nodes for a given device
// ID, treating the nodes as a process-global resource: the driver MUST
// check "already bound" and recover rather than erroring, per spec §5.
type SysfsBind struct {
	DriverPath string // e.g. /sys/bus/platform/drivers/aspeed-spi
	DeviceID   string // e.g. "1e630000.spi" or "2-0050"
}

func (s SysfsBind) bindPath() string   { return filepath.Join(s.DriverPath, "bind") }
func (s SysfsBind) unbindPath() string { return filepath.Join(s.DriverPath, "unbind") }

// DevicePath returns the sysfs path the kernel creates for DeviceID once
// bound, e.g. for resolving an mtd node created underneath it.
func (s SysfsBind) DevicePath() string { return filepath.Join(s.DriverPath, s.DeviceID) }

// IsBound reports whether DeviceID currently appears under the driver's
// directory (i.e. bound).
func (s SysfsBind) IsBound() bool {
	_, err := os.Stat(s.DevicePath())
	return err == nil
}

// Bind writes DeviceID into the bind node, waits settle for the kernel to
// attach the driver, and verifies the bound link appeared.
func (s SysfsBind) Bind(settle time.Duration) error {
	if s.IsBound() {
		return nil
	}
	if err := os.WriteFile(s.bindPath(), []byte(s.DeviceID), 0o200); err != nil {
		return errcode.New(errcode.TransportError, "sysfsbind.Bind", s.DeviceID, err)
	}
	time.Sleep(settle)
	if !s.IsBound() {
		return errcode.New(errcode.DriverError, "sysfsbind.Bind", "bind did not take effect for "+s.DeviceID, nil)
	}
	return nil
}

// Unbind writes DeviceID into the unbind node; a no-op if already unbound.
func (s SysfsBind) Unbind() error {
	if !s.IsBound() {
		return nil
	}
	if err := os.WriteFile(s.unbindPath(), []byte(s.DeviceID), 0o200); err != nil {
		return errcode.New(errcode.TransportError, "sysfsbind.Unbind", s.DeviceID, err)
	}
	return nil
}

// ResolveMTD finds the /dev/mtdN character device whose /proc/mtd name
// field matches name exactly (used both for the named "u-boot-env"
// partition and for flash devices bound under a known sysfs path).
func ResolveMTD(name string) (string, error) {
	f, err := os.Open("/proc/mtd")
	if err != nil {
		return "", errcode.New(errcode.TransportError, "sysfsbind.ResolveMTD", "open /proc/mtd", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		// dev:    size   erasesize  name
		// mtd3: 00080000 00010000 "u-boot-env"
		fields := strings.SplitN(line, ":", 2)
		if len(fields) != 2 {
			continue
		}
		dev := fields[0]
		if !strings.Contains(line, `"`+name+`"`) {
			continue
		}
		return "/dev/" + dev, nil
	}
	return "", errcode.New(errcode.DriverError, "sysfsbind.ResolveMTD", fmt.Sprintf("no mtd partition named %q", name), nil)
}

// ResolveMTDUnderDriver finds the mtdN block/char device created beneath a
// bound driver's sysfs directory (e.g. .../mtd/mtd3), mirroring
// MartinForReal-dra-example-driver's sysfs attribute-walk idiom for
// resolving kernel-created device nodes from a driver path.
func ResolveMTDUnderDriver(devicePath string) (string, error) {
	mtdDir := filepath.Join(devicePath, "mtd")
	entries, err := os.ReadDir(mtdDir)
	if err != nil {
		return "", errcode.New(errcode.TransportError, "sysfsbind.ResolveMTDUnderDriver", mtdDir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "mtd") && !strings.Contains(e.Name(), "ro") {
			return "/dev/" + e.Name(), nil
		}
	}
	return "", errcode.New(errcode.DriverError, "sysfsbind.ResolveMTDUnderDriver", "no mtd node under "+mtdDir, nil)
}
