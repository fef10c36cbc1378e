// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cardreg

import (
	"testing"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcreg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfClearingIO simulates firmware that clears an I2C "go" bit on the
// read immediately following the write that set it, so goBitPoll tests
// don't have to wait out the full 1000-iteration budget.
// orOnRead adds bits to a register's readback that the host never wrote.
type selfClearingIO struct {
	regs     map[uint16]uint32
	orOnRead map[uint16]uint32
}

func newSelfClearingIO() *selfClearingIO {
	return &selfClearingIO{regs: map[uint16]uint32{}, orOnRead: map[uint16]uint32{}}
}

func (s *selfClearingIO) ReadRegister(addr uint16) (uint32, error) {
	v := s.regs[addr]
	if Rules[addr].Mode == dtcreg.VerifyGoBitPoll {
		s.regs[addr] = v &^ 0x1
	}
	return v | s.orOnRead[addr], nil
}

func (s *selfClearingIO) WriteRegister(addr uint16, v uint32) error {
	s.regs[addr] = v
	return nil
}

func TestControlRegisterMasksResetBit(t *testing.T) {
	io := newSelfClearingIO()
	gw := NewGateway(io, "2023-01-01")
	require.NoError(t, gw.WriteChecked(Control, 0x00000005))

	io.orOnRead[Control] = 0x80000000 // firmware reports write-only bit 31 set on readback
	require.NoError(t, gw.WriteChecked(Control, 0x00000005))
}

func TestCableDelayControlSkipsReadback(t *testing.T) {
	io := newSelfClearingIO()
	gw := NewGateway(io, "2023-01-01")
	io.orOnRead[CableDelayControl] = 0xFFFF0000 // would fail any real compare
	require.NoError(t, gw.WriteChecked(CableDelayControl, 0x1234))
}

func TestLinkIDMaskCoversExpectedBits(t *testing.T) {
	assert.Equal(t, uint32(1), LinkROC0.Mask())
	assert.Equal(t, uint32(1<<5), LinkROC5.Mask())
	assert.Equal(t, AllLinksMask, LinkAll.Mask())
	assert.Equal(t, uint32(0x3F|1<<6|1<<7), AllLinksMask)
}

func TestIICWriteThenReadRoundTrip(t *testing.T) {
	io := newSelfClearingIO()
	gw := NewGateway(io, "2023-01-01")

	require.NoError(t, IICWrite(gw, SERDESClockIICBus, 0xAB000000, 0x00000000))

	// Simulate the read transaction's low-word result being staged by
	// firmware before the go-bit is cleared on readback.
	io.regs[SERDESClockIICBus.Low] = 0x0000007F
	v, err := IICRead(gw, SERDESClockIICBus, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7F), v)
}

func TestRulesDefaultAddressesUseFullCompare(t *testing.T) {
	io := newSelfClearingIO()
	gw := dtcreg.NewDev(io, Rules, "2023-01-01")
	require.NoError(t, gw.WriteChecked(LinkEnable, 0x3F))
	v, err := gw.Read(LinkEnable)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x3F), v)
}
