// Package mps implements the shared MPS family ATE image parser and the
// per-device register tables for MP2X6XX, MP297X, MP5998, MP994X, and
// MP292X, each exposed as a distinct devices.Driver.
package mps

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/openbmc-project/fwupdated/internal/errcode"
)

// WriteType encodes how a register row's address/data fields are
// interpreted on the wire.
type WriteType string

const (
	WriteDirect  WriteType = "direct"  // plain register write
	WriteProcess WriteType = "process" // P1/P2: addr word splits into cmd(hi)/data(lo)
	WriteBlock   WriteType = "block"   // Bn: byte count n prepended to payload
)

// Row is one parsed line of the tab-separated ATE image: columns
// {ConfigID, Page, AddrHex, AddrDec, RegName, DataHex, DataDec, WriteType}.
type Row struct {
	ConfigID string
	Page     byte
	AddrHex  uint32
	AddrDec  uint32
	RegName  string
	DataHex  uint32
	DataDec  uint32
	Type     WriteType
	BlockLen int // set when Type == WriteBlock
}

// Image is the parsed ATE file: the raw rows plus lookups for the special
// metadata register names each device family keys off of.
type Image struct {
	Rows []Row
}

// ByRegName returns every row whose RegName matches name, preserving file
// order (a register may appear on more than one page).
func (img Image) ByRegName(name string) []Row {
	var out []Row
	for _, r := range img.Rows {
		if r.RegName == name {
			out = append(out, r)
		}
	}
	return out
}

// ParseATE decodes the shared tab-separated ATE format into rows. A line
// with fewer than 8 tab-separated columns is an ImageError; the column
// count is not compared against the row's WriteType.
func ParseATE(raw []byte) (Image, error) {
	var img Image
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 8 {
			return img, errcode.New(errcode.ImageError, "mps.ParseATE", "row has fewer than 8 columns", nil)
		}
		row, err := parseRow(fields)
		if err != nil {
			return img, err
		}
		img.Rows = append(img.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return img, errcode.New(errcode.ImageError, "mps.ParseATE", "scan", err)
	}
	return img, nil
}

func parseRow(fields []string) (Row, error) {
	page, err := strconv.ParseUint(fields[1], 0, 8)
	if err != nil {
		return Row{}, errcode.New(errcode.ImageError, "mps.parseRow", "bad page", err)
	}
	addrHex, err := strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 32)
	if err != nil {
		return Row{}, errcode.New(errcode.ImageError, "mps.parseRow", "bad addr hex", err)
	}
	addrDec, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Row{}, errcode.New(errcode.ImageError, "mps.parseRow", "bad addr dec", err)
	}
	dataHex, err := strconv.ParseUint(strings.TrimPrefix(fields[5], "0x"), 16, 32)
	if err != nil {
		return Row{}, errcode.New(errcode.ImageError, "mps.parseRow", "bad data hex", err)
	}
	dataDec, err := strconv.ParseUint(fields[6], 10, 32)
	if err != nil {
		return Row{}, errcode.New(errcode.ImageError, "mps.parseRow", "bad data dec", err)
	}

	row := Row{
		ConfigID: fields[0],
		Page:     byte(page),
		AddrHex:  uint32(addrHex),
		AddrDec:  uint32(addrDec),
		RegName:  fields[4],
		DataHex:  uint32(dataHex),
		DataDec:  uint32(dataDec),
	}

	typeTok := fields[7]
	switch {
	case typeTok == "P1" || typeTok == "P2":
		row.Type = WriteProcess
	case strings.HasPrefix(typeTok, "B"):
		n, err := strconv.Atoi(strings.TrimPrefix(typeTok, "B"))
		if err != nil {
			return Row{}, errcode.New(errcode.ImageError, "mps.parseRow", "bad block write-type "+typeTok, err)
		}
		row.Type = WriteBlock
		row.BlockLen = n
	default:
		row.Type = WriteDirect
	}
	return row, nil
}

// Encode produces the on-wire command/payload for one row, honoring its
// WriteType: process-call writes split the addr word into cmd(hi)/data(lo);
// block writes prepend the byte count to the payload.
func (r Row) Encode() (cmd byte, payload []byte) {
	switch r.Type {
	case WriteProcess:
		cmd = byte(r.AddrHex >> 8)
		payload = []byte{byte(r.AddrHex), byte(r.DataHex)}
	case WriteBlock:
		payload = append([]byte{byte(r.BlockLen)}, encodeData(r.DataHex, r.BlockLen)...)
		cmd = byte(r.AddrHex)
	default:
		cmd = byte(r.AddrHex)
		payload = encodeData(r.DataHex, 2)
	}
	return cmd, payload
}

func encodeData(v uint32, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}
