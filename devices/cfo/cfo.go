// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package cfo implements the Command/Fan-Out card: the variant that emits
// timing and trigger (Event-Window) markers to the six ROC links it
// fans out to, per spec §1. Everything card-agnostic (DMA ring, DCS lock,
// register gateway, link resets, oscillator retune) lives in
// devices/carddev; this package adds only the CFO-specific surface:
// Event-Window Tag presetting and emulation-mode control.
package cfo

import (
	"time"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dcs"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcreg"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/devices/carddev"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/devices/cardreg"
)

// CFO owns a Card plus the emulator controls unique to the Command/Fan-Out
// card.
type CFO struct {
	*carddev.Card
}

// New wires io (typically a *host/chardev.Handle) and daq into a CFO,
// performing the firmware-version handshake against
// expectedDesignVersion. Pass 0 to skip the handshake (e.g. against a
// fake in tests).
func New(uid string, io interface {
	dtcreg.RawIO
	dcs.Locker
	DriverVersion() (string, error)
}, daq carddev.DAQEndpoint, expectedDesignVersion uint32) (*CFO, error) {
	card, err := carddev.NewCard(uid, io, daq, expectedDesignVersion)
	if err != nil {
		return nil, err
	}
	return &CFO{Card: card}, nil
}

// SetEventWindowTagPreset writes the 48-bit Event-Window Tag the CFO will
// stamp into the next markers it emits.
func (c *CFO) SetEventWindowTagPreset(tag uint64) error {
	if err := c.WriteChecked(cardreg.EventWindowTagLow, uint32(tag)); err != nil {
		return err
	}
	return c.WriteChecked(cardreg.EventWindowTagHigh, uint32(tag>>32))
}

// ReadTimestampPreset reads back the Event-Window Tag preset. Per spec
// §8's round-trip law, SetEventWindowTagPreset(t) followed by
// ReadTimestampPreset() returns t.
func (c *CFO) ReadTimestampPreset() (uint64, error) {
	lo, err := c.Gateway.Read(cardreg.EventWindowTagLow)
	if err != nil {
		return 0, err
	}
	hi, err := c.Gateway.Read(cardreg.EventWindowTagHigh)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// EnableEmulation turns on the CFO's internal Event-Window generator,
// used when no upstream timing source is attached.
func (c *CFO) EnableEmulation() error {
	v, err := c.Gateway.Read(cardreg.Control)
	if err != nil {
		return err
	}
	return c.WriteChecked(cardreg.Control, v|cardreg.EmulationEnableBit)
}

// DisableEmulation turns the internal Event-Window generator back off.
func (c *CFO) DisableEmulation() error {
	v, err := c.Gateway.Read(cardreg.Control)
	if err != nil {
		return err
	}
	return c.WriteChecked(cardreg.Control, v&^cardreg.EmulationEnableBit)
}

// SetEmulationInterval sets the spacing between emulated Event Windows.
func (c *CFO) SetEmulationInterval(d time.Duration) error {
	// The emulation-interval register is documented (spec §6) as counting
	// 40MHz clock ticks, matching the "40MHz marker interval" the original
	// resets to zero at shutdown.
	const clockHz = 40_000_000
	ticks := uint32(d.Seconds() * clockHz)
	return c.WriteChecked(cardreg.EmulationInterval, ticks)
}
