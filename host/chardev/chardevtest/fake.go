// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package chardevtest implements fakes standing in for a real
// host/chardev.Handle and host/chardev.Mapping in unit tests, in the
// style of conn/conntest's fakes.
package chardevtest

import (
	"sync"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dmabuf"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcerr"
)

// Handle is a fake register bank plus DCS lock, satisfying dtcreg.RawIO and
// dcs.Locker without any real device file.
type Handle struct {
	mu         sync.Mutex
	Regs       map[uint16]uint32
	FailReads  int
	ReadErr    error
	Locked     bool
	LockErr    error
	ReleaseErr error
	Version    string
	VersionErr error
	DumpText   string
	DumpErr    error
	DumpCalls  int
}

// NewHandle returns an empty fake Handle reporting a non-blank driver
// version by default, so NewCard's version handshake succeeds unless a
// test opts into failing it.
func NewHandle() *Handle {
	return &Handle{Regs: map[uint16]uint32{}, Version: "fake-1.0"}
}

// DriverVersion implements carddev.NewCard's version-handshake dependency.
func (h *Handle) DriverVersion() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.VersionErr != nil {
		return "", h.VersionErr
	}
	return h.Version, nil
}

// Dump implements carddev.Dumper, standing in for the real DUMP ioctl.
func (h *Handle) Dump() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.DumpCalls++
	if h.DumpErr != nil {
		return "", h.DumpErr
	}
	return h.DumpText, nil
}

// ReadRegister implements dtcreg.RawIO.
func (h *Handle) ReadRegister(addr uint16) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailReads > 0 {
		h.FailReads--
		return 0, h.ReadErr
	}
	return h.Regs[addr], nil
}

// WriteRegister implements dtcreg.RawIO.
func (h *Handle) WriteRegister(addr uint16, v uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Regs[addr] = v
	return nil
}

// DCSLock implements dcs.Locker.
func (h *Handle) DCSLock() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.LockErr != nil {
		return h.LockErr
	}
	h.Locked = true
	return nil
}

// DCSRelease implements dcs.Locker.
func (h *Handle) DCSRelease() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ReleaseErr != nil {
		return h.ReleaseErr
	}
	h.Locked = false
	return nil
}

// Mapping is a fake dmabuf.Reader/Releaser/Writer backed by a queue of
// pre-loaded buffers, standing in for a real host/chardev.Mapping.
type Mapping struct {
	mu       sync.Mutex
	Pending  [][]byte // raw bytes fed to ReadData, in order
	Released []int    // recorded ReleaseBuffers(n) calls
	Written  [][]byte // recorded WriteData(payload) calls
	WriteErr error
	pos      int
}

// NewMapping returns a Mapping that will yield raw in order, then report
// no further data (a zero Buffer, nil error) once exhausted.
func NewMapping(raw ...[]byte) *Mapping {
	return &Mapping{Pending: raw}
}

// ReadData implements dmabuf.Reader.
func (m *Mapping) ReadData() (dmabuf.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos >= len(m.Pending) {
		return dmabuf.Buffer{}, nil
	}
	raw := m.Pending[m.pos]
	m.pos++
	if raw == nil {
		return dmabuf.Buffer{}, dtcerr.New(dtcerr.IOError, "chardevtest.Mapping.ReadData", "simulated read failure")
	}
	return dmabuf.NewBuffer(raw)
}

// ReleaseBuffers implements dmabuf.Releaser.
func (m *Mapping) ReleaseBuffers(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Released = append(m.Released, n)
	return nil
}

// WriteData implements dmabuf.Writer.
func (m *Mapping) WriteData(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	cp := append([]byte(nil), payload...)
	m.Written = append(m.Written, cp)
	return nil
}
