package mps

import (
	"github.com/openbmc-project/fwupdated/internal/devices/vr"
	"github.com/openbmc-project/fwupdated/internal/errcode"
	"github.com/openbmc-project/fwupdated/internal/transport"
)

// readCRCReg reads a single 16-bit PMBus CRC register by its well-known
// command code.
func readCRCReg(cmd byte) crcFunc {
	return func(bus *vr.Bus) (uint32, error) {
		rx, err := bus.SendReceive([]byte{cmd}, 2)
		if err != nil {
			return 0, err
		}
		return uint32(rx[0]) | uint32(rx[1])<<8, nil
	}
}

// readCRCRegs concatenates two 16-bit CRC registers (CRC_USER+CRC_MULTI)
// into one 32-bit value: cmd1 supplies the low word, cmd2 the high word.
func readCRCRegs(cmd1, cmd2 byte) crcFunc {
	return func(bus *vr.Bus) (uint32, error) {
		rx1, err := bus.SendReceive([]byte{cmd1}, 2)
		if err != nil {
			return 0, err
		}
		rx2, err := bus.SendReceive([]byte{cmd2}, 2)
		if err != nil {
			return 0, err
		}
		lo := uint32(rx1[0]) | uint32(rx1[1])<<8
		hi := uint32(rx2[0]) | uint32(rx2[1])<<8
		return hi<<16 | lo, nil
	}
}

const (
	cmdCRCUser  = 0x9B
	cmdCRCMulti = 0x9C

	cmdWriteProtectSense = 0x35
	cmdUnlockWrite       = 0x10
)

// pageUnlock reads one byte from cmdWriteProtectSense, then writes that
// value back with cmdUnlockWrite. It selects no PMBus page before either
// command, and every profile that uses it runs this same two-command
// sequence.
func pageUnlock() unlockFunc {
	return func(bus *vr.Bus, img Image) error {
		rx, err := bus.SendReceive([]byte{cmdWriteProtectSense}, 1)
		if err != nil {
			return err
		}
		_, err = bus.SendReceive([]byte{cmdUnlockWrite, rx[0]}, 0)
		return err
	}
}

// NewMP2X6XX builds the MP2X6XX driver: fixed vendor id 0x4D5053, product
// id from TRIM_MFR_PRODUCT_ID2, config id in the same row, CRC_USER only.
func NewMP2X6XX(i2c transport.I2C) *Driver {
	return NewDriver(i2c, Profile{
		Name:           "mp2x6xx",
		FixedVendorID:  0x4D5053,
		ProductIDReg:   "TRIM_MFR_PRODUCT_ID2",
		ConfigIDReg:    "TRIM_MFR_PRODUCT_ID2",
		ReadCRC:        readCRCReg(cmdCRCUser),
		Unlock:         pageUnlock(),
	})
}

// NewMP297X builds the MP297X driver: fixed vendor 0x0025, fixed product
// 0x0071, config id in the CRC_USER row, combined CRC_USER+CRC_MULTI.
func NewMP297X(i2c transport.I2C) *Driver {
	return NewDriver(i2c, Profile{
		Name:           "mp297x",
		FixedVendorID:  0x0025,
		FixedProductID: 0x0071,
		ConfigIDReg:    "CRC_USER",
		ReadCRC:        readCRCRegs(cmdCRCUser, cmdCRCMulti),
		Unlock:         pageUnlock(),
	})
}

// NewMP5998 builds the MP5998 driver: fixed vendor 0x4D5053, fixed product
// 0x35393938, config id in the CRC_USER row, CRC_USER only.
func NewMP5998(i2c transport.I2C) *Driver {
	return NewDriver(i2c, Profile{
		Name:           "mp5998",
		FixedVendorID:  0x4D5053,
		FixedProductID: 0x35393938,
		ConfigIDReg:    "CRC_USER",
		ReadCRC:        readCRCReg(cmdCRCUser),
		Unlock:         pageUnlock(),
	})
}

// NewMP994X builds the MP994X driver: vendor id from VENDOR_ID_VR, product
// id from MFR_DEVICE_ID_CFG, config id in the vendor row, combined
// CRC_USER_MULTI.
func NewMP994X(i2c transport.I2C) *Driver {
	return NewDriver(i2c, Profile{
		Name:         "mp994x",
		VendorIDReg:  "VENDOR_ID_VR",
		ProductIDReg: "MFR_DEVICE_ID_CFG",
		ConfigIDReg:  "VENDOR_ID_VR",
		ReadCRC:      readCRCRegs(cmdCRCUser, cmdCRCMulti),
		Unlock:       pageUnlock(),
	})
}

// NewMP292X builds the MP292X driver, which inherits MP994X's identity and
// CRC scheme but selects its configuration page through command 0xA9
// instead of the page-unlock sequence the other families share.
func NewMP292X(i2c transport.I2C) *Driver {
	const cmdConfigSelect = 0xA9
	return NewDriver(i2c, Profile{
		Name:         "mp292x",
		VendorIDReg:  "VENDOR_ID_VR",
		ProductIDReg: "MFR_DEVICE_ID_CFG",
		ConfigIDReg:  "VENDOR_ID_VR",
		ReadCRC:      readCRCRegs(cmdCRCUser, cmdCRCMulti),
		ConfigCmd:    cmdConfigSelect,
		Unlock: func(bus *vr.Bus, img Image) error {
			if _, err := bus.SendReceive([]byte{cmdConfigSelect, 0x01}, 0); err != nil {
				return errcode.New(errcode.DriverError, "mps.NewMP292X.Unlock", "config select failed", err)
			}
			return nil
		},
	})
}
