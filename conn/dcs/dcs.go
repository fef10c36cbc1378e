// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dcs implements the two-level mutual-exclusion protocol guarding
// the DCS (Device Control Service) channel: spec §4.3.
//
// The original keys its process-wide gate on std::thread::id. Go gives
// goroutines no public, stable identity, so the gate is keyed instead on an
// explicit Token the caller obtains once — typically one per logical
// "owner" of a *cfo.CFO/*dtc.DTC (a goroutine, a request context, or a
// whole single-threaded program). Re-entrant Acquire by the same Token is
// a no-op, exactly like same-thread re-entry in the original. This is a
// deliberate redesign, not a guess — see DESIGN.md.
package dcs

import (
	"sync"
	"time"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcerr"
)

// Token identifies the logical owner of a DCS lock acquisition.
type Token uint64

const zeroToken Token = 0

// pollInterval and budget match spec §4.3's 100µs poll granularity and
// 1000ms acquisition budget.
const (
	pollInterval = 100 * time.Microsecond
	budget       = 1000 * time.Millisecond
)

// Locker is the driver-level half of the lock: a kernel ioctl
// (DCS_LOCK/DCS_RELEASE per-open-file mutual exclusion). A driver that
// doesn't support locking is expected to always report acquired.
type Locker interface {
	DCSLock() error
	DCSRelease() error
}

// Lock is the in-process gate described in spec §4.3's "thread-local
// gate" plus the driver-level Locker it wraps.
type Lock struct {
	mu     sync.Mutex
	holder Token
	driver Locker
}

// New returns a Lock wrapping the given driver-level Locker.
func New(driver Locker) *Lock {
	return &Lock{driver: driver}
}

// Acquire acquires the lock for tok. Re-entry by the same tok is a no-op.
// A different tok busy-waits at pollInterval granularity up to budget, then
// force-releases and returns a dtcerr.LockTimeout.
func (l *Lock) Acquire(tok Token) error {
	if tok == zeroToken {
		return dtcerr.New(dtcerr.IOError, "dcs.Lock.Acquire", "zero Token is not a valid owner")
	}
	l.mu.Lock()
	if l.holder == tok {
		l.mu.Unlock()
		return nil
	}
	deadline := time.Now().Add(budget)
	for l.holder != zeroToken {
		if !time.Now().Before(deadline) {
			// Force-release both levels and raise, per spec §4.3.
			l.holder = zeroToken
			l.mu.Unlock()
			_ = l.driver.DCSRelease()
			return dtcerr.New(dtcerr.LockTimeout, "dcs.Lock.Acquire", "timed out waiting for the DCS lock held by another owner")
		}
		l.mu.Unlock()
		time.Sleep(pollInterval)
		l.mu.Lock()
	}
	if err := l.driver.DCSLock(); err != nil {
		l.mu.Unlock()
		return dtcerr.Wrap(dtcerr.LockTimeout, "dcs.Lock.Acquire", "driver DCS_LOCK failed", err)
	}
	l.holder = tok
	l.mu.Unlock()
	return nil
}

// Release releases the lock held by tok. Releasing a lock not held by tok
// is a programming error and returns an error without touching the
// driver.
func (l *Lock) Release(tok Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != tok {
		return dtcerr.New(dtcerr.IOError, "dcs.Lock.Release", "Token does not hold the DCS lock")
	}
	l.holder = zeroToken
	return l.driver.DCSRelease()
}

// Held reports whether tok currently holds the lock. Every DCS-channel
// operation (read_data, read_release, write_data, release_all on the DCS
// channel) must check this before touching the device, per spec §4.3.
func (l *Lock) Held(tok Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == tok && tok != zeroToken
}
