// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package subevent parses the sub-event records a CFO or DTC card writes
// into a DMA buffer's live region. It is a pure function over bytes: it
// knows nothing about ioctls, mmap, or the DMA ring, so it is trivial to
// unit test with hand-built buffers.
package subevent

import (
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcerr"
)

// RecordSize is the fixed size, in bytes, of one sub-event header.
const RecordSize = 48

// padSize is the tlast padding trailing every record on the wire.
const padSize = 8

const chunkSize = RecordSize + padSize

// impossibleMetaSize is the saturated meta-byte-count the firmware is
// documented to never produce; the reference implementation treats it as
// an impossible, fatal value. See spec §9 Open Questions.
const impossibleMetaSize = 0x10000

// EventWindowTag is the 48-bit, big-endian-on-the-wire identifier that
// demultiplexes sub-events.
type EventWindowTag uint64

// noPreviousTag is the sentinel "previous tag" used before the first
// record of a buffer, so that any legitimate tag (including 0) compares
// strictly greater.
const noPreviousTag EventWindowTag = 1<<64 - 1

// Record is one sub-event header, decoded from the wire's 48-byte POD
// layout. Raw holds the header verbatim for callers that need fields
// beyond the tag.
type Record struct {
	Tag EventWindowTag
	Raw [RecordSize]byte
}

func decodeRecord(b []byte) Record {
	tag := EventWindowTag(b[0])<<40 | EventWindowTag(b[1])<<32 | EventWindowTag(b[2])<<24 |
		EventWindowTag(b[3])<<16 | EventWindowTag(b[4])<<8 | EventWindowTag(b[5])
	var r Record
	r.Tag = tag
	copy(r.Raw[:], b[:RecordSize])
	return r
}

// Parse walks payload (a DMA buffer's live region, starting right after
// the 8-byte buffer header) and extracts the sub-event records it
// contains, per spec §4.2's algorithm. metaBufferSize is the buffer's
// full, untruncated meta-byte-count (Buffer.MetaBufferSize()).
//
// Returns dtcerr.DataCorruption if metaBufferSize is the impossible
// saturated value 0x10000, if a record's tag does not strictly increase
// over the previous one, if metaBufferSize-1 is not an exact multiple of
// (RecordSize+padSize), or if payload is shorter than the records
// metaBufferSize claims.
func Parse(payload []byte, metaBufferSize uint32) ([]Record, error) {
	if metaBufferSize == impossibleMetaSize {
		return nil, dtcerr.New(dtcerr.DataCorruption, "subevent.Parse", "meta buffer size saturated at 0x10000")
	}
	if metaBufferSize == 0 {
		return nil, nil
	}

	remaining := int64(metaBufferSize) - 1
	var records []Record
	prev := noPreviousTag
	offset := 0
	for remaining >= RecordSize {
		remaining -= padSize
		if offset+RecordSize > len(payload) {
			return nil, dtcerr.New(dtcerr.DataCorruption, "subevent.Parse", "buffer shorter than the record it claims to hold")
		}
		rec := decodeRecord(payload[offset:])
		if prev != noPreviousTag && rec.Tag <= prev {
			return nil, dtcerr.New(dtcerr.DataCorruption, "subevent.Parse", "event-window tag did not strictly increase")
		}
		prev = rec.Tag
		offset += chunkSize
		remaining -= RecordSize
		records = append(records, rec)
	}
	if remaining != 0 {
		return nil, dtcerr.New(dtcerr.DataCorruption, "subevent.Parse", "truncated trailing record")
	}
	return records, nil
}
