// Package ubootenv reads and rewrites the U-Boot environment block backing
// the "u-boot-env" MTD partition (resolved the same way
// internal/transport.ResolveMTD resolves the u-boot image partition),
// mirroring a redundancy priority write the way spec.md §4.2's
// "uboot-env-updated" step does. Recovered from original_source/, which
// shows the environment as a flat CRC32-prefixed key=value block — the
// distilled spec only names the step, not the on-disk format, so the
// layout below follows the original implementation's mtd-backed env driver.
package ubootenv

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"strings"

	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

// partitionName is the /proc/mtd label U-Boot's own env driver registers.
const partitionName = "u-boot-env"

// Env is a decoded U-Boot environment block: a CRC32 checksum over the rest
// of the block, which is a flat sequence of NUL-terminated "key=value"
// strings, itself NUL-terminated, then padding up to the block size.
type Env struct {
	path   string
	size   int
	values map[string]string
}

// Open resolves the u-boot-env MTD partition and loads its current
// contents. size is the partition's erase-block size (the env block is
// padded to it); callers typically read it from the same /proc/mtd line
// transport.ResolveMTD consults.
func Open(size int) (*Env, error) {
	path, err := transport.ResolveMTD(partitionName)
	if err != nil {
		return nil, err
	}
	e := &Env{path: path, size: size, values: map[string]string{}}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Env) load() error {
	raw, err := os.ReadFile(e.path)
	if err != nil {
		return errcode.New(errcode.TransportError, "ubootenv.load", e.path, err)
	}
	if len(raw) < 5 {
		return errcode.New(errcode.DriverError, "ubootenv.load", "env block too short", nil)
	}
	wantCRC := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	body := raw[4:]
	if got := crc32.ChecksumIEEE(body); got != wantCRC {
		return errcode.New(errcode.DriverError, "ubootenv.load", "crc mismatch in u-boot env block", nil)
	}
	for _, entry := range bytes.Split(body, []byte{0}) {
		if len(entry) == 0 {
			continue
		}
		k, v, ok := strings.Cut(string(entry), "=")
		if !ok {
			continue
		}
		e.values[k] = v
	}
	return nil
}

// Get returns the current value of key and whether it is set.
func (e *Env) Get(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Set stages key=value for the next Save. It does not write to flash.
func (e *Env) Set(key, value string) {
	e.values[key] = value
}

// Save serializes the staged key=value pairs (sorted by key for a
// deterministic on-disk layout), pads to size, computes the CRC32 over
// everything after the 4-byte CRC field (padding included, as load checks
// it), and rewrites the partition in place.
func (e *Env) Save() error {
	var body bytes.Buffer
	keys := make([]string, 0, len(e.values))
	for k := range e.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body.WriteString(k)
		body.WriteByte('=')
		body.WriteString(e.values[k])
		body.WriteByte(0)
	}
	body.WriteByte(0)

	if e.size > 0 && body.Len()+4 > e.size {
		return errcode.New(errcode.DriverError, "ubootenv.Save", "environment exceeds partition size", nil)
	}
	out := make([]byte, 4, e.sizeOrDefault())
	out = append(out, body.Bytes()...)
	for len(out) < e.sizeOrDefault() {
		out = append(out, 0xff)
	}
	crc := crc32.ChecksumIEEE(out[4:])
	out[0] = byte(crc)
	out[1] = byte(crc >> 8)
	out[2] = byte(crc >> 16)
	out[3] = byte(crc >> 24)

	if err := os.WriteFile(e.path, out, 0o644); err != nil {
		return errcode.New(errcode.TransportError, "ubootenv.Save", e.path, err)
	}
	return nil
}

func (e *Env) sizeOrDefault() int {
	if e.size > 0 {
		return e.size
	}
	return 4096
}

// SetPriority is the single call the redundancy arbiter needs: mirror a
// BMC image's boot priority into "fw_priority_<flashId>" and persist it.
func (e *Env) SetPriority(flashID string, priority int) error {
	e.Set(fmt.Sprintf("fw_priority_%s", flashID), fmt.Sprintf("%d", priority))
	return e.Save()
}
