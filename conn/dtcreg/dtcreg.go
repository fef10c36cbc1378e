// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dtcreg implements the uniform register read/write/write-with-
// readback path of spec §4.5: the Register Gateway. It is protocol-level
// and card-agnostic — it knows nothing about which addresses exist or what
// they mean; devices/cardreg supplies the address map and the per-register
// VerifyRule table.
package dtcreg

import (
	"fmt"
	"time"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcerr"
)

// readRetries and readRetryDelay mirror mu2edev::read_register's 5-try,
// 10ms-sleep loop around a transient negative ioctl return (supplemented
// per SPEC_FULL §4 item 2 — not in spec.md's distillation).
const (
	readRetries   = 5
	readRetryDelay = 10 * time.Millisecond
)

// goBitPollInterval and goBitPollMax bound the self-clearing "go" bit poll
// of spec §4.5 ("poll the same register at 1ms until the bit clears").
const (
	goBitPollInterval = time.Millisecond
	goBitPollMax      = 1000
)

// RawIO is the register-level I/O a Dev is built on, satisfied by
// *host/chardev.Handle.
type RawIO interface {
	ReadRegister(addr uint16) (uint32, error)
	WriteRegister(addr uint16, v uint32) error
}

// VerifyMode selects how WriteChecked validates a write's readback.
type VerifyMode int

const (
	// VerifyFull compares the full 32-bit readback.
	VerifyFull VerifyMode = iota
	// VerifyMask compares only the bits set in VerifyRule.Mask.
	VerifyMask
	// VerifyGoBitPoll polls bit 0 until it clears before comparing with
	// bit 0 masked out, for self-clearing I²C "go" registers.
	VerifyGoBitPoll
	// VerifySkip performs the write with no readback comparison at all,
	// optionally sleeping VerifyRule.Settle first (cable-delay control and
	// other registers needing a settle time before they read back sanely).
	VerifySkip
)

// VerifyRule is the per-register "don't-care-bit" rule of spec §4.5's
// table.
type VerifyRule struct {
	Mode   VerifyMode
	Mask   uint32        // meaningful for VerifyMask and VerifyGoBitPoll
	Settle time.Duration // meaningful for VerifySkip
}

// Dev is the Register Gateway: a RawIO plus the verify-rule table for the
// address space it fronts.
type Dev struct {
	IO RawIO
	// Rules maps a register address to its VerifyRule. Addresses absent
	// from the map default to VerifyFull, matching §4.5's "Mismatch is a
	// fatal I/O error" default for the common case.
	Rules map[uint16]VerifyRule
	// FirmwareDesignDate is included in a RegisterVerifyMismatch
	// diagnostic, per spec §7.
	FirmwareDesignDate string
}

// NewDev returns a Dev wrapping io with the given per-register rules.
func NewDev(io RawIO, rules map[uint16]VerifyRule, firmwareDesignDate string) *Dev {
	return &Dev{IO: io, Rules: rules, FirmwareDesignDate: firmwareDesignDate}
}

func (d *Dev) ruleFor(addr uint16) VerifyRule {
	if r, ok := d.Rules[addr]; ok {
		return r
	}
	return VerifyRule{Mode: VerifyFull}
}

// Read reads addr, retrying up to readRetries times on a transient I/O
// error before surfacing dtcerr.IOError.
func (d *Dev) Read(addr uint16) (uint32, error) {
	var lastErr error
	for i := 0; i < readRetries; i++ {
		v, err := d.IO.ReadRegister(addr)
		if err == nil {
			return v, nil
		}
		lastErr = err
		time.Sleep(readRetryDelay)
	}
	return 0, dtcerr.Wrap(dtcerr.IOError, "dtcreg.Dev.Read", "register read failed after 5 attempts", lastErr)
}

// Write performs a plain write with no readback.
func (d *Dev) Write(addr uint16, v uint32) error {
	if err := d.IO.WriteRegister(addr, v); err != nil {
		return dtcerr.Wrap(dtcerr.IOError, "dtcreg.Dev.Write", "register write failed", err)
	}
	return nil
}

// ReadRegister is Read under the RawIO method name, so a *Dev can be passed
// wherever a plain register reader/writer is expected (conn/linkstate).
func (d *Dev) ReadRegister(addr uint16) (uint32, error) {
	return d.Read(addr)
}

// WriteRegister is Write under the RawIO method name.
func (d *Dev) WriteRegister(addr uint16, v uint32) error {
	return d.Write(addr, v)
}

// WriteChecked writes v to addr, then applies addr's VerifyRule: a masked
// readback compare, a self-clearing-bit poll first, or no readback at all.
// A masked mismatch is a fatal dtcerr.RegisterVerifyMismatch carrying the
// address, written value, and readback value.
func (d *Dev) WriteChecked(addr uint16, v uint32) error {
	if err := d.Write(addr, v); err != nil {
		return err
	}
	rule := d.ruleFor(addr)

	switch rule.Mode {
	case VerifySkip:
		if rule.Settle > 0 {
			time.Sleep(rule.Settle)
		}
		return nil
	case VerifyGoBitPoll:
		for i := 0; i < goBitPollMax; i++ {
			rb, err := d.Read(addr)
			if err != nil {
				return err
			}
			if rb&0x1 == 0 {
				break
			}
			time.Sleep(goBitPollInterval)
		}
		return d.compare(addr, v, rule.Mask)
	case VerifyMask:
		return d.compare(addr, v, rule.Mask)
	default:
		return d.compare(addr, v, 0xFFFFFFFF)
	}
}

func (d *Dev) compare(addr uint16, written, mask uint32) error {
	rb, err := d.Read(addr)
	if err != nil {
		return err
	}
	if rb&mask != written&mask {
		return dtcerr.New(dtcerr.RegisterVerifyMismatch, "dtcreg.Dev.WriteChecked",
			fmt.Sprintf("addr=0x%04x written=0x%08x readback=0x%08x mask=0x%08x firmware design date=%s",
				addr, written, rb, mask, d.FirmwareDesignDate))
	}
	return nil
}
