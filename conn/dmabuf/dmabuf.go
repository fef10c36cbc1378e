// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dmabuf implements the DMA ring manager: bookkeeping over the
// kernel-mapped buffers a host.chardev.Handle hands out, independent of how
// those buffers were obtained. It knows nothing about ioctls or mmap; it
// operates purely on the Buffer/Reader/Releaser abstractions so it can be
// unit tested without a device.
package dmabuf

import (
	"encoding/binary"
	"unsafe"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcerr"
)

// Buffer is a view over one kernel-mapped DMA slot. Byte layout, fixed by
// the driver: bytes [0:4) are a card-authored meta-byte-count (only the
// low 16 bits are meaningful), bytes [4:8) are a host-stamped buffer index
// used to detect stale redeliveries, and the payload begins at byte 8.
//
// Buffer never copies; it aliases the caller's slice.
type Buffer struct {
	b []byte
}

// NewBuffer wraps b as a Buffer. b must be at least 8 bytes.
func NewBuffer(b []byte) (Buffer, error) {
	if len(b) < 8 {
		return Buffer{}, dtcerr.New(dtcerr.DataCorruption, "dmabuf.NewBuffer", "buffer shorter than the 8-byte header")
	}
	return Buffer{b: b}, nil
}

// IsZero reports whether this is the zero Buffer, the convention used by
// Reader.ReadData to signal a timeout (no buffer available).
func (b Buffer) IsZero() bool {
	return b.b == nil
}

// MetaBufferSize returns the card-authored live-region size, the full
// 4-byte header field. subevent.Parse consumes this value directly; it is
// the one place the saturated 0x10000 value (impossible per firmware,
// fatal per spec) can actually be observed, since it does not fit in 16
// bits.
func (b Buffer) MetaBufferSize() uint32 {
	return binary.LittleEndian.Uint32(b.b[0:4])
}

// BufferByteCount returns the meta-byte-count truncated to its low 16
// bits, matching the DMA Ring Manager's buffer_byte_count(index) accessor
// in spec §4.1 (distinct from MetaBufferSize, which the parser uses).
func (b Buffer) BufferByteCount() uint16 {
	return uint16(b.MetaBufferSize())
}

// Index returns the host-stamped buffer index from bytes [4:8).
func (b Buffer) Index() uint32 {
	return binary.LittleEndian.Uint32(b.b[4:8])
}

// StampIndex writes v into bytes [4:8).
func (b Buffer) StampIndex(v uint32) {
	binary.LittleEndian.PutUint32(b.b[4:8], v)
}

// Payload returns the live region starting at byte 8.
func (b Buffer) Payload() []byte {
	return b.b[8:]
}

// sameAddr reports whether b and o alias the same underlying memory,
// i.e. the driver handed back the same ring slot. Comparing by address
// rather than by content is required: a legitimately fresh buffer can
// carry the exact same bytes as a stale one.
func (b Buffer) sameAddr(o Buffer) bool {
	if len(b.b) == 0 || len(o.b) == 0 {
		return false
	}
	return unsafe.Pointer(&b.b[0]) == unsafe.Pointer(&o.b[0])
}

// Reader supplies fresh DMA buffers. A zero Buffer with a nil error means
// the read timed out; a non-nil error means an I/O failure.
type Reader interface {
	ReadData() (Buffer, error)
}

// Releaser returns ownership of the front n held buffers to the driver.
type Releaser interface {
	ReleaseBuffers(n int) error
}

// Writer hands a host-composed payload to the driver for transmission on
// an H2C channel, the DCS channel's write_data (spec §4.3).
type Writer interface {
	WriteData(payload []byte) error
}

const noOffset = -1

// Ring is the per-(channel,direction) host-side bookkeeping of spec §3's
// RingState: the queue of buffers acknowledged from the driver but not yet
// released, and the position within the back buffer currently being read.
type Ring struct {
	held          []Buffer
	currentOffset  int // offset into held[len-1]'s raw bytes, or noOffset
	lastOffset     int
	bufferIndex    uint32
	pendingRelease bool // records from the held buffer(s) were delivered to the caller and await release
}

// NewRing returns an empty Ring.
func NewRing() *Ring {
	return &Ring{currentOffset: noOffset, lastOffset: noOffset}
}

// CurrentBufferIndex preserves the documented dual meaning of the original
// DMAInfo::GetCurrentBuffer: when buffers are held it returns the held
// queue length (the original conflates "index" and "release count" here
// unconditionally, regardless of whether a read pointer is set); when the
// queue is empty it returns -1 if no read pointer is set, -2 otherwise.
// This accessor is not consulted by GetData's own release bookkeeping,
// which uses ReleasePending and its delivered flag instead, so the
// conflation preserved here does not decide what gets released.
func (r *Ring) CurrentBufferIndex() int {
	if n := len(r.held); n > 0 {
		return n
	}
	if r.currentOffset == noOffset {
		return -1
	}
	return -2
}

// BufferByteCount returns the meta-byte-count of the held buffer at index,
// or 0 if index is out of range.
func (r *Ring) BufferByteCount(index int) uint16 {
	if index < 0 || index >= len(r.held) {
		return 0
	}
	return r.held[index].BufferByteCount()
}

// Release returns the front n held buffers to the driver and advances the
// driver's software index by n.
func (r *Ring) Release(rel Releaser, n int) error {
	if n <= 0 {
		return nil
	}
	if n > len(r.held) {
		return dtcerr.New(dtcerr.IOError, "dmabuf.Ring.Release", "release count exceeds held buffers")
	}
	if err := rel.ReleaseBuffers(n); err != nil {
		return dtcerr.Wrap(dtcerr.IOError, "dmabuf.Ring.Release", "driver rejected release", err)
	}
	r.held = r.held[n:]
	if len(r.held) == 0 {
		r.pendingRelease = false
		r.currentOffset = noOffset
	}
	return nil
}

// ReleaseAll releases every held buffer; a no-op if none are held.
func (r *Ring) ReleaseAll(rel Releaser) error {
	if len(r.held) == 0 {
		return nil
	}
	return r.Release(rel, len(r.held))
}

// ReleasePending releases every held buffer whose records were actually
// delivered to the caller on a previous call (see MarkDelivered). A
// rewound (tag-mismatch) call never marks delivery, so this is a no-op on
// the following call, letting the same buffer be reparsed instead of
// discarded — this is the "split cleanly" resolution of the
// CurrentBufferIndex dual-meaning open question: CurrentBufferIndex keeps
// the original's exact accessor semantics, but GetData's own release
// trigger is this explicit, unambiguous flag instead.
func (r *Ring) ReleasePending(rel Releaser) error {
	if !r.pendingRelease {
		return nil
	}
	return r.ReleaseAll(rel)
}

// AcquireFresh fetches the next DMA buffer when nothing is currently being
// read. It implements spec §4.1's fresh-buffer acquisition: a timeout
// (zero Buffer, nil error from reader) is not an error; a redelivery of the
// same ring slot with an unchanged stamped index releases it and reports
// no data; otherwise the buffer is stamped, queued, and made current.
func (r *Ring) AcquireFresh(reader Reader, rel Releaser) (acquired bool, err error) {
	buf, err := reader.ReadData()
	if err != nil {
		return false, err
	}
	if buf.IsZero() {
		return false, nil
	}
	if n := len(r.held); n > 0 && buf.sameAddr(r.held[n-1]) && r.bufferIndex > 0 && buf.Index() == r.bufferIndex-1 {
		if err := r.Release(rel, 1); err != nil {
			return false, err
		}
		r.currentOffset = noOffset
		r.pendingRelease = false
		return false, nil
	}
	buf.StampIndex(r.bufferIndex)
	r.bufferIndex++
	r.held = append(r.held, buf)
	r.currentOffset = 8
	r.lastOffset = 8
	r.pendingRelease = false
	return true, nil
}

// Current returns the buffer currently being read and whether one exists.
func (r *Ring) Current() (Buffer, bool) {
	if len(r.held) == 0 || r.currentOffset == noOffset {
		return Buffer{}, false
	}
	return r.held[len(r.held)-1], true
}

// Rewind resets the current read position to where it was before the last
// parse, so the same buffer's records can be re-served on the next call
// instead of being dropped (spec §4.2 step 3, tag-mismatch case).
func (r *Ring) Rewind() {
	r.currentOffset = r.lastOffset
}

// MarkDelivered flags the current buffer's records as having actually
// reached the caller, so ReleasePending will release it on the next call.
func (r *Ring) MarkDelivered() {
	r.pendingRelease = true
}

// NullReadPtr forces the next call to fetch a fresh buffer, per spec §4.2
// step 4 (error recovery) and §4.7 (corruption/IO/wrong-packet-type).
func (r *Ring) NullReadPtr() {
	r.currentOffset = noOffset
	r.pendingRelease = false
}
