// Package systemdctl starts the RW/RO volume-creation units for a BMC
// activation and reports their completion, grounded on
// github.com/coreos/go-systemd/v22/dbus — the same client
// hdwhdw-update-agent and canonical-snapd use to talk to the host unit
// manager — rather than polling unit state by hand. spec.md §4.2 treats
// the unit manager itself as an abstract "service starter with completion
// notifications"; this package is the concrete binding onto that contract.
package systemdctl

import (
	"context"
	"fmt"
	"strconv"

	sddbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/openbmc-project/fwupdated/internal/errcode"
)

// JobResult is one systemd job-removal notification, keyed by the job ID
// systemd assigned when the unit was started; the caller (the activation
// Machine) deduplicates on ID so redelivery never double-advances progress.
type JobResult struct {
	JobID  string
	Unit   string
	Result string // "done", "failed", "canceled", ...
}

// Conn is a thin wrapper over the real systemd D-Bus connection, narrowed
// to the two operations the activation flow needs: start a unit, and learn
// when jobs finish.
type Conn struct {
	conn *sddbus.Conn
	jobs chan JobResult
}

// Dial connects to the system or session systemd bus depending on how the
// daemon is run (system for production, session for dry-run/test harness).
func Dial(ctx context.Context, useSession bool) (*Conn, error) {
	var (
		c   *sddbus.Conn
		err error
	)
	if useSession {
		c, err = sddbus.NewUserConnectionContext(ctx)
	} else {
		c, err = sddbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, errcode.New(errcode.FatalSetupError, "systemdctl.Dial", "connect to systemd bus", err)
	}

	jobs := make(chan JobResult, 8)
	return &Conn{conn: c, jobs: jobs}, nil
}

// StartUnit starts unit (e.g. "flash-bmc-rw.service" or
// "flash-bmc-ro@<id>.service") and returns its systemd job ID so the caller
// can correlate the eventual job-removal notification.
func (c *Conn) StartUnit(ctx context.Context, unit string) (jobID string, err error) {
	resultCh := make(chan string, 1)
	id, err := c.conn.StartUnitContext(ctx, unit, "replace", resultCh)
	if err != nil {
		return "", errcode.New(errcode.DriverError, "systemdctl.StartUnit", unit, err)
	}
	go func() {
		result := <-resultCh
		c.jobs <- JobResult{JobID: strconv.FormatInt(id, 10), Unit: unit, Result: result}
	}()
	return strconv.FormatInt(id, 10), nil
}

// Results is the stream of job-removal notifications; the caller's event
// loop selects on it alongside IPC and timer events, preserving the
// single-threaded contract of spec.md §5.
func (c *Conn) Results() <-chan JobResult { return c.jobs }

// Close releases the bus connection.
func (c *Conn) Close() { c.conn.Close() }

// Succeeded reports whether a JobResult indicates successful completion.
func (r JobResult) Succeeded() bool { return r.Result == "done" }

// InstanceUnit builds the instantiated unit name for a BMC activation id,
// e.g. InstanceUnit("flash-bmc-ro@.service", "sw123") ->
// "flash-bmc-ro@sw123.service".
func InstanceUnit(template, instance string) string {
	for i := 0; i < len(template); i++ {
		if template[i] == '@' {
			return template[:i+1] + instance + template[i+1:]
		}
	}
	return fmt.Sprintf("%s@%s", template, instance)
}
