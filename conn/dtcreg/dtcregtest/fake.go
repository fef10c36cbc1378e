// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dtcregtest implements a fake dtcreg.RawIO for unit tests, in the
// style of conn/conntest's Record/Playback fakes.
package dtcregtest

import "sync"

// Fake is an in-memory register bank. FailReads, if positive, causes that
// many consecutive ReadRegister calls to return Err before succeeding,
// letting tests exercise dtcreg.Dev.Read's retry loop.
type Fake struct {
	mu        sync.Mutex
	Regs      map[uint16]uint32
	FailReads int
	Err       error
	Writes    []Write
}

// Write records one WriteRegister call.
type Write struct {
	Addr uint16
	Val  uint32
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{Regs: map[uint16]uint32{}}
}

// ReadRegister implements dtcreg.RawIO.
func (f *Fake) ReadRegister(addr uint16) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailReads > 0 {
		f.FailReads--
		return 0, f.Err
	}
	return f.Regs[addr], nil
}

// WriteRegister implements dtcreg.RawIO.
func (f *Fake) WriteRegister(addr uint16, v uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Regs[addr] = v
	f.Writes = append(f.Writes, Write{Addr: addr, Val: v})
	return nil
}
