// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package cardreg supplies the CFO/DTC register address map and the
// per-register VerifyRule table of spec §4.5/§6, wiring both into a
// conn/dtcreg.Dev. It is pure data plus a handful of small helpers; it
// owns no I/O of its own.
package cardreg

import (
	"time"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcreg"
)

// Address constants. Only Control (0x9100), LinkEnable (0x9114),
// SERDESReset (0x9118), and SERDESResetDone (0x9138) are addresses
// spec.md itself commits to; the rest follow the address-map layout
// implied by spec §6's register families (CableDelayControl,
// JitterAttenuatorCSR, per-oscillator I²C bus pairs) and are an
// assumption documented in DESIGN.md alongside host/chardev's invented
// ioctl scheme — a real build would take every value from firmware's
// published register map.
const (
	// FirmwareDesignVersion is read once at construction and compared
	// against the caller's expected design version (SPEC_FULL §4 item 1's
	// driver-version handshake; spec §7's "Version mismatch... fatal at
	// init").
	FirmwareDesignVersion uint16 = 0x9000

	Control             uint16 = 0x9100
	LinkEnable          uint16 = 0x9114
	SERDESReset         uint16 = 0x9118
	SERDESResetDone     uint16 = 0x9138
	EventWindowTagLow   uint16 = 0x9140
	EventWindowTagHigh  uint16 = 0x9144
	EmulationEnable     uint16 = 0x9170
	EmulationInterval   uint16 = 0x91A0
	CableDelayControl   uint16 = 0x9380
	JitterAttenuatorCSR uint16 = 0x9500

	// SERDESClockIICBusLow/High program the SERDES reference oscillator;
	// DDRClockIICBusLow/High program the DDR reference oscillator. Each
	// pair follows the I²C "go" bit protocol of spec §4.5.
	SERDESClockIICBusLow  uint16 = 0x9294
	SERDESClockIICBusHigh uint16 = 0x9298
	DDRClockIICBusLow     uint16 = 0x92A4
	DDRClockIICBusHigh    uint16 = 0x92A8
)

// EmulationEnableBit is the Control register bit gating the CFO's
// internal Event-Window generator (used when no upstream timing source is
// attached).
const EmulationEnableBit uint32 = 1 << 1

// Link bit positions within the LinkEnable, SERDESReset and SERDESResetDone
// registers; links are packed one bit per link starting at bit 0.
const (
	linkBitROC0 = 0
	linkBitROC1 = 1
	linkBitROC2 = 2
	linkBitROC3 = 3
	linkBitROC4 = 4
	linkBitROC5 = 5
	linkBitCFO  = 6
	linkBitEVB  = 7
)

// LinkID names one SERDES link, matching spec §4.3's per-link addressing
// ("ROC0..5, CFO, EVB, or a broadcast-all target").
type LinkID int

const (
	LinkROC0 LinkID = iota
	LinkROC1
	LinkROC2
	LinkROC3
	LinkROC4
	LinkROC5
	LinkCFO
	LinkEVB
	LinkAll
)

// bit returns the LinkEnable/SERDESReset/SERDESResetDone bit position for
// id. LinkAll is not a single bit; callers needing "all links" use the
// broadcast mask constant below instead.
func (id LinkID) bit() uint32 {
	switch id {
	case LinkROC0:
		return linkBitROC0
	case LinkROC1:
		return linkBitROC1
	case LinkROC2:
		return linkBitROC2
	case LinkROC3:
		return linkBitROC3
	case LinkROC4:
		return linkBitROC4
	case LinkROC5:
		return linkBitROC5
	case LinkCFO:
		return linkBitCFO
	case LinkEVB:
		return linkBitEVB
	}
	return 0
}

// Mask returns the single-bit mask for id, or AllLinksMask for LinkAll.
func (id LinkID) Mask() uint32 {
	if id == LinkAll {
		return AllLinksMask
	}
	return 1 << id.bit()
}

// AllLinksMask covers ROC0-5, CFO, and EVB: spec §4.3's broadcast target.
const AllLinksMask uint32 = 0x3F | (1 << linkBitCFO) | (1 << linkBitEVB)

// Rules is the VerifyRule table of spec §4.5's masked-compare exceptions,
// grounded on CFOLib::CFO_Registers::VerifyRegisterWrite_'s switch over
// CFOandDTC_Register (CFO_Registers.cpp ~3076-3151).
var Rules = map[uint16]dtcreg.VerifyRule{
	Control: {Mode: dtcreg.VerifyMask, Mask: 0x7fffffff}, // bit 31 is write-only reset

	SERDESClockIICBusLow: {Mode: dtcreg.VerifyMask, Mask: 0xffff0000}, // low 16 bits carry the I2C read value
	DDRClockIICBusLow:    {Mode: dtcreg.VerifyMask, Mask: 0xffff0000},

	SERDESClockIICBusHigh: {Mode: dtcreg.VerifyGoBitPoll, Mask: 0xfffffffe}, // bit 0 is the self-clearing "go" bit
	DDRClockIICBusHigh:    {Mode: dtcreg.VerifyGoBitPoll, Mask: 0xfffffffe},

	JitterAttenuatorCSR: {Mode: dtcreg.VerifyMask, Mask: 3 << 4}, // only the input-select field is checked

	CableDelayControl: {Mode: dtcreg.VerifySkip, Settle: 100 * time.Microsecond},
}

// NewGateway returns a conn/dtcreg.Dev pre-loaded with the card's address
// map's verify rules.
func NewGateway(io dtcreg.RawIO, firmwareDesignDate string) *dtcreg.Dev {
	return dtcreg.NewDev(io, Rules, firmwareDesignDate)
}

// IICBusPair names the low/high register pair for one oscillator's I²C
// bridge, used by conn/oscillator programming (spec §4.6).
type IICBusPair struct {
	Low, High uint16
}

// SERDESClockIICBus and DDRClockIICBus are the two oscillator I²C bridges
// spec §4.6 programs.
var (
	SERDESClockIICBus = IICBusPair{Low: SERDESClockIICBusLow, High: SERDESClockIICBusHigh}
	DDRClockIICBus    = IICBusPair{Low: DDRClockIICBusLow, High: DDRClockIICBusHigh}
)

// IICWrite performs one I²C "go" bit transaction on pair: write the low
// word (data byte plus address), then write the high word with bit 0 set
// to start the transaction; WriteChecked's VerifyGoBitPoll rule blocks
// until the driver reports completion.
func IICWrite(gw *dtcreg.Dev, pair IICBusPair, low, high uint32) error {
	if err := gw.WriteChecked(pair.Low, low); err != nil {
		return err
	}
	return gw.WriteChecked(pair.High, high|0x1)
}

// IICRead issues an I²C read transaction on pair and returns the byte
// returned in the low word once the "go" bit clears.
func IICRead(gw *dtcreg.Dev, pair IICBusPair, high uint32) (uint32, error) {
	if err := gw.WriteChecked(pair.High, high|0x1); err != nil {
		return 0, err
	}
	v, err := gw.Read(pair.Low)
	if err != nil {
		return 0, err
	}
	return v & 0xffff, nil
}
