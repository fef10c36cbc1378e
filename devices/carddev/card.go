// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package carddev implements the card-variant-agnostic half of the public
// API (spec §4.7's GetData and the init-time version handshake), shared by
// devices/cfo and devices/dtc. Per spec §9's redesign note ("composition
// over inheritance: a single RegisterGateway value owned by both card
// types"), Card is embedded rather than subclassed by the two card types.
package carddev

import (
	"fmt"
	"time"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dcs"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dmabuf"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcerr"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcreg"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/linkstate"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/oscillator"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/subevent"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/devices/cardreg"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/internal/tracelog"
)

// DAQEndpoint is the per-(channel,direction) DMA access a Card's DAQ ring
// is built on, satisfied by *host/chardev.Mapping.
type DAQEndpoint interface {
	dmabuf.Reader
	dmabuf.Releaser
}

// Dumper is the DUMP ioctl diagnostic hook, satisfied by
// *host/chardev.Handle. It translates the source pattern "try/catch(...)
// around device_.spy() diagnostics" (spec.md Design Notes): a hook called
// immediately before GetData raises an unrecoverable error, never on the
// parser's happy path.
type Dumper interface {
	Dump() (string, error)
}

// Card is the shared register-gateway/DAQ-ring/DCS-lock composition both
// CFO and DTC cards own. It is built by NewCard, which cfo.New and
// dtc.New call before wrapping the result in their card-specific type.
type Card struct {
	Gateway *dtcreg.Dev
	DCS     *dcs.Lock
	Log     *tracelog.Logger

	daq  DAQEndpoint
	ring *dmabuf.Ring
	diag Dumper // nil if io does not implement Dumper

	dcsRead  DAQEndpoint
	dcsWrite dmabuf.Writer
	dcsRing  *dmabuf.Ring
}

// versionReader is the GET_VERSION half of the init-time handshake
// (SPEC_FULL §4 item 1), satisfied by *host/chardev.Handle.
type versionReader interface {
	DriverVersion() (string, error)
}

// NewCard wires io (a chardev.Handle or a fake satisfying dtcreg.RawIO,
// dcs.Locker and versionReader) and daq (the DAQ channel's mmap'd
// endpoint) into a Card. It first checks the driver reports a non-blank
// version (GET_VERSION), then performs the firmware-design-version
// handshake against expectedDesignVersion. Either mismatch is fatal at
// construction time, per spec §7.
func NewCard(uid string, io interface {
	dtcreg.RawIO
	dcs.Locker
	versionReader
}, daq DAQEndpoint, expectedDesignVersion uint32) (*Card, error) {
	log := tracelog.New(uid)
	gw := cardreg.NewGateway(io, fmt.Sprintf("0x%08x", expectedDesignVersion))

	driverVersion, err := io.DriverVersion()
	if err != nil {
		return nil, err
	}
	if driverVersion == "" {
		log.Errorf("GET_VERSION returned a blank driver version")
		return nil, dtcerr.New(dtcerr.VersionMismatch, "carddev.NewCard", "driver reported a blank version; is it loaded?")
	}

	if expectedDesignVersion != 0 {
		got, err := gw.Read(cardreg.FirmwareDesignVersion)
		if err != nil {
			return nil, err
		}
		if got != expectedDesignVersion {
			log.Errorf("firmware design version mismatch: want 0x%08x got 0x%08x", expectedDesignVersion, got)
			return nil, dtcerr.New(dtcerr.VersionMismatch, "carddev.NewCard",
				fmt.Sprintf("firmware design version 0x%08x does not match expected 0x%08x", got, expectedDesignVersion))
		}
	}

	diag, _ := io.(Dumper)
	return &Card{
		Gateway: gw,
		DCS:     dcs.New(io),
		Log:     log,
		daq:     daq,
		ring:    dmabuf.NewRing(),
		diag:    diag,
	}, nil
}

// dumpOnError invokes the DUMP diagnostic hook and logs its report at
// Error level before returning err, mirroring the original's
// device_.spy(CFO_DMA_Engine_DAQ, ...) call inside each of GetData's three
// catch blocks. A no-op dump (io wired without a Dumper, e.g. a test fake)
// still logs err alone.
func (c *Card) dumpOnError(op string, err error) error {
	if c.diag == nil {
		c.Log.Errorf("%s: %v", op, err)
		return err
	}
	report, dumpErr := c.diag.Dump()
	if dumpErr != nil {
		c.Log.Errorf("%s: %v; driver dump failed: %v", op, err, dumpErr)
		return err
	}
	c.Log.Errorf("%s: %v; driver dump: %s", op, err, report)
	return err
}

// GetData implements spec §4.7's public API: releases buffers delivered on
// the previous call, tries up to 3 times to acquire and parse a fresh DMA
// buffer, honors matchExact's rewind-on-mismatch contract, and nulls the
// read pointer on any parse/IO/corruption error so the next call starts
// clean.
func (c *Card) GetData(expectedTag subevent.EventWindowTag, matchExact bool) ([]subevent.Record, error) {
	if err := c.ring.ReleasePending(c.daq); err != nil {
		return nil, err
	}

	var records []subevent.Record
	for attempt := 0; attempt < 3; attempt++ {
		// A buffer left current by a previous call's tag-mismatch Rewind is
		// re-parsed in place rather than re-acquired: the ring already holds
		// it, and a fresh AcquireFresh call would instead ask the reader for
		// the next buffer entirely, losing the rewound one.
		buf, ok := c.ring.Current()
		if !ok {
			acquired, err := c.ring.AcquireFresh(c.daq, c.daq)
			if err != nil {
				c.ring.NullReadPtr()
				return nil, c.dumpOnError("carddev.Card.GetData: acquire", err)
			}
			if !acquired {
				continue
			}
			buf, ok = c.ring.Current()
			if !ok {
				continue
			}
		}
		recs, err := subevent.Parse(buf.Payload(), buf.MetaBufferSize())
		if err != nil {
			c.ring.NullReadPtr()
			return nil, c.dumpOnError("carddev.Card.GetData: parse", err)
		}
		if len(recs) > 0 {
			records = recs
			break
		}
	}
	if len(records) == 0 {
		return nil, nil
	}

	if matchExact && records[0].Tag != expectedTag {
		c.ring.Rewind()
		return nil, nil
	}

	c.ring.MarkDelivered()
	return records, nil
}

// CurrentBufferIndex exposes the Ring Manager's documented dual-meaning
// accessor (spec §4.1, §9 Open Question) for diagnostics/tests.
func (c *Card) CurrentBufferIndex() int {
	return c.ring.CurrentBufferIndex()
}

// AttachDCSChannel wires the DCS channel's mmap'd read (C2H) and write
// (H2C) endpoints. It is separate from NewCard because a caller that only
// ever drives the DAQ channel (e.g. a read-only monitoring tool) has no
// need to map the DCS channel at all. Calling any of the DCS-channel
// methods before this returns an IOError.
func (c *Card) AttachDCSChannel(read DAQEndpoint, write dmabuf.Writer) {
	c.dcsRead = read
	c.dcsWrite = write
	c.dcsRing = dmabuf.NewRing()
}

const errDCSNotAttached = "DCS channel not attached; call AttachDCSChannel first"

// assertDCSHeld implements spec §4.3's rule that every DCS-channel
// operation first asserts the lock is held by the calling Token,
// returning an error without touching the device otherwise.
func (c *Card) assertDCSHeld(op string, tok dcs.Token) error {
	if !c.DCS.Held(tok) {
		return dtcerr.New(dtcerr.IOError, op, "DCS lock not held by the calling Token")
	}
	if c.dcsRing == nil {
		return dtcerr.New(dtcerr.IOError, op, errDCSNotAttached)
	}
	return nil
}

// ReadDCS implements the DCS channel's read_data: it acquires the next
// buffer from the card's response to a prior WriteDCS, or (nil, nil) if
// none is available yet.
func (c *Card) ReadDCS(tok dcs.Token) ([]byte, error) {
	if err := c.assertDCSHeld("carddev.Card.ReadDCS", tok); err != nil {
		return nil, err
	}
	acquired, err := c.dcsRing.AcquireFresh(c.dcsRead, c.dcsRead)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, nil
	}
	buf, ok := c.dcsRing.Current()
	if !ok {
		return nil, nil
	}
	return buf.Payload(), nil
}

// ReadReleaseDCS implements the DCS channel's read_release: it returns
// ownership of every buffer ReadDCS has handed out to the driver. Unlike
// the DAQ ring's GetData, a DCS read is always immediately consumed by the
// caller, so this releases unconditionally rather than waiting on a
// MarkDelivered flag.
func (c *Card) ReadReleaseDCS(tok dcs.Token) error {
	if err := c.assertDCSHeld("carddev.Card.ReadReleaseDCS", tok); err != nil {
		return err
	}
	return c.dcsRing.ReleaseAll(c.dcsRead)
}

// WriteDCS implements the DCS channel's write_data: it hands payload to
// the driver for transmission.
func (c *Card) WriteDCS(tok dcs.Token, payload []byte) error {
	if err := c.assertDCSHeld("carddev.Card.WriteDCS", tok); err != nil {
		return err
	}
	if c.dcsWrite == nil {
		return dtcerr.New(dtcerr.IOError, "carddev.Card.WriteDCS", errDCSNotAttached)
	}
	return c.dcsWrite.WriteData(payload)
}

// ReleaseAllDCS implements the DCS channel's release_all: it returns every
// buffer currently held by the host to the driver, used/unused alike,
// typically during error recovery.
func (c *Card) ReleaseAllDCS(tok dcs.Token) error {
	if err := c.assertDCSHeld("carddev.Card.ReleaseAllDCS", tok); err != nil {
		return err
	}
	return c.dcsRing.ReleaseAll(c.dcsRead)
}

// WriteChecked writes addr through the Gateway, logging at Warn level when
// the readback fails addr's verify rule before returning the
// dtcerr.RegisterVerifyMismatch — spec §1.1's "register-verify mismatches"
// logging boundary. cfo.CFO and dtc.DTC call this instead of reaching
// into c.Gateway directly so every checked write in devices/ gets it.
func (c *Card) WriteChecked(addr uint16, v uint32) error {
	if err := c.Gateway.WriteChecked(addr, v); err != nil {
		if dtcerr.Of(err, dtcerr.RegisterVerifyMismatch) {
			c.Log.Warnf("register verify mismatch: %v", err)
		}
		return err
	}
	return nil
}

// EnableLink sets id's bit in the Link Enable register, preserving all
// others. ALL sets every ROC, CFO, and EVB bit, per spec §3's "ALL is a
// broadcast selector recognized by setters."
func (c *Card) EnableLink(id cardreg.LinkID) error {
	v, err := c.Gateway.Read(cardreg.LinkEnable)
	if err != nil {
		return err
	}
	return c.WriteChecked(cardreg.LinkEnable, v|id.Mask())
}

// DisableLink clears id's bit in the Link Enable register. Calling
// EnableLink(id) then DisableLink(id) restores the prior enable bits, per
// spec §8's round-trip law.
func (c *Card) DisableLink(id cardreg.LinkID) error {
	v, err := c.Gateway.Read(cardreg.LinkEnable)
	if err != nil {
		return err
	}
	return c.WriteChecked(cardreg.LinkEnable, v&^id.Mask())
}

// ResetLink runs the full reset-and-wait sequence of spec §4.4 for a
// single link, logging at this boundary (spec §1.1) since conn/linkstate
// itself stays silent.
func (c *Card) ResetLink(id cardreg.LinkID) error {
	c.Log.Debugf("resetting link %v", id)
	if err := linkstate.Reset(c.Gateway, linkstate.ResetSpec{
		ResetAddr:  cardreg.SERDESReset,
		ResetMask:  id.Mask(),
		DoneAddr:   cardreg.SERDESResetDone,
		DoneMask:   id.Mask(),
		ExpectDone: id.Mask(),
	}); err != nil {
		c.Log.Warnf("link %v reset failed: %v", id, err)
		return err
	}
	return nil
}

// ResetAllLinks runs the broadcast 6-bit ROC reset sequence of spec §4.4;
// the CFO and EVB done bits are excluded from the done-mask since their
// state depends on external fabric.
func (c *Card) ResetAllLinks() error {
	c.Log.Debugf("resetting all ROC links")
	if err := linkstate.Reset(c.Gateway, linkstate.ResetSpec{
		ResetAddr:  cardreg.SERDESReset,
		ResetMask:  0x3F,
		DoneAddr:   cardreg.SERDESResetDone,
		DoneMask:   0x3F,
		ExpectDone: 0x3F,
	}); err != nil {
		c.Log.Warnf("broadcast link reset failed: %v", err)
		return err
	}
	return nil
}

// ResetAllPLLs and ResetAllTX run the non-polling broadcast variants
// supplemented from original_source (SPEC_FULL §4 item 5).
func (c *Card) ResetAllPLLs(settle time.Duration) error {
	c.Log.Debugf("resetting all PLLs, settle=%v", settle)
	if err := linkstate.ResetAllPLLs(c.Gateway, linkstate.BroadcastSpec{
		ResetAddr: cardreg.SERDESReset, ResetMask: 0x3F, Settle: settle,
	}); err != nil {
		c.Log.Warnf("broadcast PLL reset failed: %v", err)
		return err
	}
	return nil
}

func (c *Card) ResetAllTX(settle time.Duration) error {
	c.Log.Debugf("resetting all TX, settle=%v", settle)
	if err := linkstate.ResetAllTX(c.Gateway, linkstate.BroadcastSpec{
		ResetAddr: cardreg.SERDESReset, ResetMask: 0x3F, Settle: settle,
	}); err != nil {
		c.Log.Warnf("broadcast TX reset failed: %v", err)
		return err
	}
	return nil
}

// WaitForLinkReady is the positive-check dual of ResetAllLinks, per spec
// §4.4.
func (c *Card) WaitForLinkReady(timeout time.Duration, onStatus func(time.Duration)) error {
	if err := linkstate.WaitForLinkReady(c.Gateway, linkstate.ReadySpec{
		StatusAddr: cardreg.SERDESResetDone, ReadyMask: 0x3F, Timeout: timeout,
	}, onStatus); err != nil {
		c.Log.Warnf("link ready wait timed out: %v", err)
		return err
	}
	return nil
}

// AcquireDCS acquires the DCS lock for tok, logging at Warn level when the
// acquisition fails (a lock timeout after contention from another token,
// or a failed driver DCS_LOCK); a wait that ends in success is not
// logged. This is spec §1.1's
// "DCS lock contention" logging boundary, which conn/dcs itself does not
// log (it must stay silent and testable per SPEC_FULL §1.1).
func (c *Card) AcquireDCS(tok dcs.Token) error {
	if err := c.DCS.Acquire(tok); err != nil {
		c.Log.Warnf("DCS lock acquisition for token %d failed: %v", tok, err)
		return err
	}
	return nil
}

// RetuneOscillator runs spec §4.6's full retune: computes the new
// program, writes it through the I²C gateway byte-5-first (per spec §8
// scenario 6), then resets every ROC link so they re-lock at the new
// rate. On a no-op retune (within 30ppm) neither the I²C write nor the
// reset happens.
func (c *Card) RetuneOscillator(pair cardreg.IICBusPair, fTarget, fCurrent float64, current oscillator.Program) (oscillator.Program, error) {
	newProgram, noop, err := oscillator.Retune(fTarget, fCurrent, current)
	if err != nil {
		return oscillator.Program{}, err
	}
	if noop {
		c.Log.Debugf("oscillator retune to %.2fHz is a no-op, within 30ppm of current", fTarget)
		return newProgram, nil
	}
	c.Log.Debugf("reprogramming oscillator: target=%.2fHz current=%.2fHz", fTarget, fCurrent)
	word, err := newProgram.Encode()
	if err != nil {
		return oscillator.Program{}, err
	}
	if err := writeOscillatorWord(c.Gateway, pair, word); err != nil {
		c.Log.Warnf("oscillator reprogram I2C write failed: %v", err)
		return oscillator.Program{}, err
	}
	if err := c.ResetAllLinks(); err != nil {
		return oscillator.Program{}, err
	}
	return newProgram, nil
}

// writeOscillatorWord sends word's 6 bytes over pair, most-significant
// byte (byte 5) first, one I²C "go"-bit transaction per byte, matching
// spec §8 scenario 6's "emit the program bytes in the order (byte5
// first)." Each transaction's low word packs the byte's position (used by
// the card's I²C bridge as a sub-address) in its upper 8 bits and the
// data byte in its low 8 bits — an assumption of this package, in the
// same way cardreg's address map is.
func writeOscillatorWord(gw *dtcreg.Dev, pair cardreg.IICBusPair, word uint64) error {
	for i := 5; i >= 0; i-- {
		b := byte(word >> (8 * uint(i)))
		low := uint32(i)<<8 | uint32(b)
		if err := cardreg.IICWrite(gw, pair, low, 0); err != nil {
			return err
		}
	}
	return nil
}
