// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package linkstate implements the per-link and broadcast SERDES/PLL
// reset-and-wait state machine of spec §4.4. It is generic over any
// register Gateway; devices/cardreg supplies the actual addresses and
// masks for the CFO/DTC register map.
package linkstate

import (
	"time"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcerr"
)

// maxPollIterations bounds the reset-done poll per spec §4.4.
const maxPollIterations = 100

// defaultReadyTimeout is WaitForLinkReady's timeout unless overridden.
const defaultReadyTimeout = 1 * time.Second

// statusPrintInterval is how often WaitForLinkReady's status callback, if
// any, is invoked while waiting.
const statusPrintInterval = 5 * time.Second

// Gateway is the minimal register access a reset sequence needs.
type Gateway interface {
	ReadRegister(addr uint16) (uint32, error)
	WriteRegister(addr uint16, v uint32) error
}

// ResetSpec describes one reset-and-poll sequence: set resetMask bits at
// resetAddr, clear them, then poll doneAddr until (value & doneMask) ==
// expectDone or maxPollIterations is exceeded.
type ResetSpec struct {
	ResetAddr    uint16
	ResetMask    uint32
	DoneAddr     uint16
	DoneMask     uint32
	ExpectDone   uint32
	PollInterval time.Duration
}

// Reset runs one reset-and-wait sequence. Used for TX-only, RX-only,
// PLL-only, full per-link resets, and the broadcast 6-bit ROC variant
// (DoneMask/ExpectDone == 0x3F) — they all share this shape per spec §4.4.
func Reset(gw Gateway, spec ResetSpec) error {
	if spec.PollInterval <= 0 {
		spec.PollInterval = time.Millisecond
	}
	if err := setBits(gw, spec.ResetAddr, spec.ResetMask); err != nil {
		return err
	}
	if err := clearBits(gw, spec.ResetAddr, spec.ResetMask); err != nil {
		return err
	}
	for i := 0; i < maxPollIterations; i++ {
		v, err := gw.ReadRegister(spec.DoneAddr)
		if err != nil {
			return dtcerr.Wrap(dtcerr.IOError, "linkstate.Reset", "reading reset-done register", err)
		}
		if v&spec.DoneMask == spec.ExpectDone {
			return nil
		}
		time.Sleep(spec.PollInterval)
	}
	return dtcerr.New(dtcerr.IOError, "linkstate.Reset", "reset-done never observed within 100 poll iterations")
}

// BroadcastSpec describes the non-polling "reset everything and sleep a
// fixed settle time" variant used by ResetAllSERDESPlls/ResetAllSERDESTx
// in the original (supplemented per SPEC_FULL §4 item 5 — not named in
// spec.md's distillation but present in original_source and kept here).
type BroadcastSpec struct {
	ResetAddr uint16
	ResetMask uint32
	Settle    time.Duration
}

// ResetAllPLLs sets, then clears, the broadcast PLL reset mask and sleeps
// the settle time rather than polling a done register.
func ResetAllPLLs(gw Gateway, spec BroadcastSpec) error {
	return resetBroadcast(gw, spec)
}

// ResetAllTX sets, then clears, the broadcast TX reset mask and sleeps the
// settle time rather than polling a done register.
func ResetAllTX(gw Gateway, spec BroadcastSpec) error {
	return resetBroadcast(gw, spec)
}

func resetBroadcast(gw Gateway, spec BroadcastSpec) error {
	if err := setBits(gw, spec.ResetAddr, spec.ResetMask); err != nil {
		return err
	}
	if err := clearBits(gw, spec.ResetAddr, spec.ResetMask); err != nil {
		return err
	}
	time.Sleep(spec.Settle)
	return nil
}

// ReadySpec describes WaitForLinkReady's positive-check poll: all of
// readyMask's bits must be set at statusAddr.
type ReadySpec struct {
	StatusAddr   uint16
	ReadyMask    uint32
	Timeout      time.Duration // 0 uses defaultReadyTimeout
	PollInterval time.Duration // 0 uses 10ms
}

// WaitForLinkReady polls (PLL_locked & RX_reset_done & TX_reset_done &
// CDR_locked) until all are set or the timeout elapses, per spec §4.4. If
// onStatus is non-nil it is called roughly every 5s while waiting (the
// original's print-progress habit); it may be nil.
func WaitForLinkReady(gw Gateway, spec ReadySpec, onStatus func(elapsed time.Duration)) error {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	poll := spec.PollInterval
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	lastPrint := time.Now()
	start := time.Now()
	for {
		v, err := gw.ReadRegister(spec.StatusAddr)
		if err != nil {
			return dtcerr.Wrap(dtcerr.IOError, "linkstate.WaitForLinkReady", "reading link status register", err)
		}
		if v&spec.ReadyMask == spec.ReadyMask {
			return nil
		}
		if !time.Now().Before(deadline) {
			return dtcerr.New(dtcerr.Timeout, "linkstate.WaitForLinkReady", "link did not become ready before timeout")
		}
		if onStatus != nil && time.Since(lastPrint) >= statusPrintInterval {
			onStatus(time.Since(start))
			lastPrint = time.Now()
		}
		time.Sleep(poll)
	}
}

func setBits(gw Gateway, addr uint16, mask uint32) error {
	return readModifyWrite(gw, addr, mask, true)
}

func clearBits(gw Gateway, addr uint16, mask uint32) error {
	return readModifyWrite(gw, addr, mask, false)
}

func readModifyWrite(gw Gateway, addr uint16, mask uint32, set bool) error {
	v, err := gw.ReadRegister(addr)
	if err != nil {
		return dtcerr.Wrap(dtcerr.IOError, "linkstate.readModifyWrite", "reading register before reset bit update", err)
	}
	if set {
		v |= mask
	} else {
		v &^= mask
	}
	if err := gw.WriteRegister(addr, v); err != nil {
		return dtcerr.Wrap(dtcerr.IOError, "linkstate.readModifyWrite", "writing reset bit update", err)
	}
	return nil
}
