// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package carddev

import (
	"testing"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dcs"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/subevent"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/devices/cardreg"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/host/chardev/chardevtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordBytes(tag subevent.EventWindowTag) []byte {
	rec := make([]byte, 56) // RecordSize(48) + padSize(8)
	rec[0] = byte(tag >> 40)
	rec[1] = byte(tag >> 32)
	rec[2] = byte(tag >> 24)
	rec[3] = byte(tag >> 16)
	rec[4] = byte(tag >> 8)
	rec[5] = byte(tag)
	return rec
}

// buildBuffer constructs a raw DMA buffer: 8-byte header (meta-size,
// host-index placeholder) followed by the given records' wire bytes.
func buildBuffer(metaSize uint32, tags ...subevent.EventWindowTag) []byte {
	raw := make([]byte, 8)
	raw[0] = byte(metaSize)
	raw[1] = byte(metaSize >> 8)
	raw[2] = byte(metaSize >> 16)
	raw[3] = byte(metaSize >> 24)
	for _, tag := range tags {
		raw = append(raw, recordBytes(tag)...)
	}
	return raw
}

func TestGetDataSingleRecordScenario1(t *testing.T) {
	io := chardevtest.NewHandle()
	daq := chardevtest.NewMapping(buildBuffer(57, 42))
	card, err := NewCard("test0", io, daq, 0)
	require.NoError(t, err)

	records, err := card.GetData(42, true)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, subevent.EventWindowTag(42), records[0].Tag)
}

func TestGetDataThreeAscendingRecordsScenario2(t *testing.T) {
	io := chardevtest.NewHandle()
	daq := chardevtest.NewMapping(buildBuffer(169, 100, 101, 102))
	card, err := NewCard("test0", io, daq, 0)
	require.NoError(t, err)

	records, err := card.GetData(100, true)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, subevent.EventWindowTag(100), records[0].Tag)
	assert.Equal(t, subevent.EventWindowTag(101), records[1].Tag)
	assert.Equal(t, subevent.EventWindowTag(102), records[2].Tag)
}

func TestGetDataDuplicateTagIsFatalScenario3(t *testing.T) {
	io := chardevtest.NewHandle()
	daq := chardevtest.NewMapping(buildBuffer(2*56+1, 50, 50))
	card, err := NewCard("test0", io, daq, 0)
	require.NoError(t, err)

	_, err = card.GetData(50, true)
	require.Error(t, err)
}

// A data-corruption raise must fire the DUMP diagnostic hook first,
// mirroring the original's device_.spy() call inside each GetData catch
// block (spec.md Design Notes row on try/catch around device_.spy()).
func TestGetDataCorruptionDumpsDiagnostics(t *testing.T) {
	io := chardevtest.NewHandle()
	io.DumpText = "engine state: stalled"
	daq := chardevtest.NewMapping(buildBuffer(2*56+1, 50, 50))
	card, err := NewCard("test0", io, daq, 0)
	require.NoError(t, err)

	_, err = card.GetData(50, true)
	require.Error(t, err)
	assert.Equal(t, 1, io.DumpCalls)
}

// An I/O failure on acquisition must also dump before returning.
func TestGetDataAcquireErrorDumpsDiagnostics(t *testing.T) {
	io := chardevtest.NewHandle()
	daq := chardevtest.NewMapping(nil) // ReadData returns a simulated failure
	card, err := NewCard("test0", io, daq, 0)
	require.NoError(t, err)

	_, err = card.GetData(1, true)
	require.Error(t, err)
	assert.Equal(t, 1, io.DumpCalls)
}

// Scenario 4: a tag-match miss rewinds instead of discarding the buffer,
// and a later matchExact=false call returns the same records.
func TestGetDataTagMismatchRewindsThenSucceedsScenario4(t *testing.T) {
	io := chardevtest.NewHandle()
	daq := chardevtest.NewMapping(buildBuffer(57, 5))
	card, err := NewCard("test0", io, daq, 0)
	require.NoError(t, err)

	records, err := card.GetData(7, true)
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = card.GetData(0, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, subevent.EventWindowTag(5), records[0].Tag)
	assert.Empty(t, daq.Released, "a rewound buffer must not be released")
}

func TestGetDataReleasesPriorBuffersOnNextCall(t *testing.T) {
	io := chardevtest.NewHandle()
	daq := chardevtest.NewMapping(buildBuffer(57, 1), buildBuffer(57, 2))
	card, err := NewCard("test0", io, daq, 0)
	require.NoError(t, err)

	_, err = card.GetData(1, true)
	require.NoError(t, err)
	assert.Empty(t, daq.Released)

	_, err = card.GetData(2, true)
	require.NoError(t, err)
	require.Len(t, daq.Released, 1)
	assert.Equal(t, 1, daq.Released[0])
}

func TestNewCardVersionMismatchIsFatal(t *testing.T) {
	io := chardevtest.NewHandle()
	io.Regs[cardreg.FirmwareDesignVersion] = 0xAAAA
	daq := chardevtest.NewMapping()
	_, err := NewCard("test0", io, daq, 0xBBBB)
	require.Error(t, err)
}

func TestNewCardVersionMatchSucceeds(t *testing.T) {
	io := chardevtest.NewHandle()
	io.Regs[cardreg.FirmwareDesignVersion] = 0xBBBB
	daq := chardevtest.NewMapping()
	_, err := NewCard("test0", io, daq, 0xBBBB)
	require.NoError(t, err)
}

func TestDCSChannelOpsRejectUnheldLock(t *testing.T) {
	io := chardevtest.NewHandle()
	card, err := NewCard("test0", io, chardevtest.NewMapping(), 0)
	require.NoError(t, err)
	card.AttachDCSChannel(chardevtest.NewMapping(), chardevtest.NewMapping())

	tok := dcs.Token(1)
	_, err = card.ReadDCS(tok)
	assert.Error(t, err, "read_data must assert the lock before touching the device")
	assert.Error(t, card.WriteDCS(tok, []byte("x")))
	assert.Error(t, card.ReadReleaseDCS(tok))
	assert.Error(t, card.ReleaseAllDCS(tok))
}

func TestDCSChannelOpsRequireAttachment(t *testing.T) {
	io := chardevtest.NewHandle()
	card, err := NewCard("test0", io, chardevtest.NewMapping(), 0)
	require.NoError(t, err)

	tok := dcs.Token(1)
	require.NoError(t, card.DCS.Acquire(tok))
	_, err = card.ReadDCS(tok)
	assert.Error(t, err)
}

func TestWriteDCSThenReadDCSRoundTrip(t *testing.T) {
	io := chardevtest.NewHandle()
	card, err := NewCard("test0", io, chardevtest.NewMapping(), 0)
	require.NoError(t, err)

	write := chardevtest.NewMapping()
	read := chardevtest.NewMapping(buildBuffer(8, 0))
	card.AttachDCSChannel(read, write)

	tok := dcs.Token(7)
	require.NoError(t, card.DCS.Acquire(tok))
	require.NoError(t, card.WriteDCS(tok, []byte("set gain 3")))
	require.Len(t, write.Written, 1)
	assert.Equal(t, []byte("set gain 3"), write.Written[0])

	payload, err := card.ReadDCS(tok)
	require.NoError(t, err)
	assert.NotNil(t, payload)

	require.NoError(t, card.ReadReleaseDCS(tok))
	require.Len(t, read.Released, 1)
}
