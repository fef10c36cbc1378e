// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package linkstate

import (
	"testing"
	"time"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is an in-memory register bank. doneAfter simulates firmware
// that reports reset-done only after a number of polls have elapsed.
type fakeGateway struct {
	regs      map[uint16]uint32
	doneAfter int
	reads     int
	doneAddr  uint16
	doneValue uint32
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{regs: map[uint16]uint32{}}
}

func (f *fakeGateway) ReadRegister(addr uint16) (uint32, error) {
	if addr == f.doneAddr {
		f.reads++
		if f.reads > f.doneAfter {
			return f.doneValue, nil
		}
		return 0, nil
	}
	return f.regs[addr], nil
}

func (f *fakeGateway) WriteRegister(addr uint16, v uint32) error {
	f.regs[addr] = v
	return nil
}

func TestResetSucceedsOnceDoneBitSettles(t *testing.T) {
	gw := newFakeGateway()
	gw.doneAddr = 0x9138
	gw.doneValue = 0x1
	gw.doneAfter = 2

	err := Reset(gw, ResetSpec{
		ResetAddr:    0x9118,
		ResetMask:    0x1,
		DoneAddr:     0x9138,
		DoneMask:     0x1,
		ExpectDone:   0x1,
		PollInterval: time.Microsecond,
	})
	require.NoError(t, err)
	// reset bit set then cleared: final value at ResetAddr has the bit clear.
	assert.Equal(t, uint32(0), gw.regs[0x9118]&0x1)
}

func TestResetFailsAfter100Iterations(t *testing.T) {
	gw := newFakeGateway()
	gw.doneAddr = 0x9138
	gw.doneValue = 0x1
	gw.doneAfter = 1000 // never settles within the poll budget

	err := Reset(gw, ResetSpec{
		ResetAddr:    0x9118,
		ResetMask:    0x1,
		DoneAddr:     0x9138,
		DoneMask:     0x1,
		ExpectDone:   0x1,
		PollInterval: time.Microsecond,
	})
	require.Error(t, err)
	assert.True(t, dtcerr.Of(err, dtcerr.IOError))
}

func TestResetBroadcastExpectsSixBitPattern(t *testing.T) {
	gw := newFakeGateway()
	gw.doneAddr = 0x9138
	gw.doneValue = 0x3F
	gw.doneAfter = 0

	err := Reset(gw, ResetSpec{
		ResetAddr:  0x9118,
		ResetMask:  0x3F,
		DoneAddr:   0x9138,
		DoneMask:   0x3F,
		ExpectDone: 0x3F,
	})
	require.NoError(t, err)
}

func TestResetAllPLLsDoesNotPoll(t *testing.T) {
	gw := newFakeGateway()
	err := ResetAllPLLs(gw, BroadcastSpec{
		ResetAddr: 0x9118,
		ResetMask: 0xFF,
		Settle:    time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), gw.regs[0x9118]&0xFF)
}

func TestWaitForLinkReadySucceeds(t *testing.T) {
	gw := newFakeGateway()
	gw.doneAddr = 0x9200
	gw.doneValue = 0xF
	gw.doneAfter = 1

	err := WaitForLinkReady(gw, ReadySpec{
		StatusAddr:   0x9200,
		ReadyMask:    0xF,
		Timeout:      time.Second,
		PollInterval: time.Microsecond,
	}, nil)
	require.NoError(t, err)
}

func TestWaitForLinkReadyTimesOut(t *testing.T) {
	gw := newFakeGateway()
	gw.doneAddr = 0x9200
	gw.doneValue = 0xF
	gw.doneAfter = 1 << 30

	err := WaitForLinkReady(gw, ReadySpec{
		StatusAddr:   0x9200,
		ReadyMask:    0xF,
		Timeout:      20 * time.Millisecond,
		PollInterval: time.Millisecond,
	}, nil)
	require.Error(t, err)
	assert.True(t, dtcerr.Of(err, dtcerr.Timeout))
}
