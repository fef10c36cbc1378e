// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dmabuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves a fixed queue of buffers (or errors), mimicking the
// kernel's read_data ioctl.
type fakeReader struct {
	bufs []Buffer
	errs []error
	i    int
}

func (f *fakeReader) ReadData() (Buffer, error) {
	if f.i >= len(f.bufs) {
		return Buffer{}, nil
	}
	b, err := f.bufs[f.i], f.errs[f.i]
	f.i++
	return b, err
}

type fakeReleaser struct {
	released []int
}

func (f *fakeReleaser) ReleaseBuffers(n int) error {
	f.released = append(f.released, n)
	return nil
}

func newTestBuffer(t *testing.T, meta uint16, payload int) Buffer {
	raw := make([]byte, 8+payload)
	raw[0] = byte(meta)
	raw[1] = byte(meta >> 8)
	b, err := NewBuffer(raw)
	require.NoError(t, err)
	return b
}

func TestRingCurrentBufferIndexEmpty(t *testing.T) {
	r := NewRing()
	assert.Equal(t, -1, r.CurrentBufferIndex())
}

func TestRingAcquireFreshStampsAndQueues(t *testing.T) {
	r := NewRing()
	b := newTestBuffer(t, 57, 56)
	reader := &fakeReader{bufs: []Buffer{b}, errs: []error{nil}}
	rel := &fakeReleaser{}

	acquired, err := r.AcquireFresh(reader, rel)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, 1, r.CurrentBufferIndex())
	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, uint32(0), cur.Index())
}

func TestRingAcquireFreshTimeout(t *testing.T) {
	r := NewRing()
	reader := &fakeReader{}
	rel := &fakeReleaser{}
	acquired, err := r.AcquireFresh(reader, rel)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, -1, r.CurrentBufferIndex())
}

func TestRingRedeliveredBufferAutoReleases(t *testing.T) {
	r := NewRing()
	raw := make([]byte, 16)
	b, err := NewBuffer(raw)
	require.NoError(t, err)
	reader := &fakeReader{bufs: []Buffer{b, b}, errs: []error{nil, nil}}
	rel := &fakeReleaser{}

	acquired, err := r.AcquireFresh(reader, rel)
	require.NoError(t, err)
	require.True(t, acquired)

	// Second read returns the exact same slot with the same stamped index:
	// the driver redelivered stale data.
	acquired, err = r.AcquireFresh(reader, rel)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, []int{1}, rel.released)
	assert.Equal(t, -1, r.CurrentBufferIndex())
}

func TestRingReleasePendingOnlyWhenDelivered(t *testing.T) {
	r := NewRing()
	b := newTestBuffer(t, 57, 56)
	reader := &fakeReader{bufs: []Buffer{b}, errs: []error{nil}}
	rel := &fakeReleaser{}

	_, err := r.AcquireFresh(reader, rel)
	require.NoError(t, err)

	// Not yet marked delivered (e.g. a matchExact rewind) — no release.
	require.NoError(t, r.ReleasePending(rel))
	assert.Empty(t, rel.released)

	r.MarkDelivered()
	require.NoError(t, r.ReleasePending(rel))
	assert.Equal(t, []int{1}, rel.released)
}

func TestRingReleaseAllNoopWhenEmpty(t *testing.T) {
	r := NewRing()
	rel := &fakeReleaser{}
	require.NoError(t, r.ReleaseAll(rel))
	assert.Empty(t, rel.released)
}

func TestRingRewindPreservesOffset(t *testing.T) {
	r := NewRing()
	b := newTestBuffer(t, 57, 56)
	reader := &fakeReader{bufs: []Buffer{b}, errs: []error{nil}}
	rel := &fakeReleaser{}
	_, err := r.AcquireFresh(reader, rel)
	require.NoError(t, err)

	r.Rewind()
	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, uint16(57), cur.BufferByteCount())
}

func TestBufferTooShort(t *testing.T) {
	_, err := NewBuffer(make([]byte, 4))
	require.Error(t, err)
}
