// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dcs

import (
	"sync"
	"testing"
	"time"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu         sync.Mutex
	lockCalls  int
	relCalls   int
	lockErr    error
}

func (f *fakeDriver) DCSLock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockCalls++
	return f.lockErr
}

func (f *fakeDriver) DCSRelease() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relCalls++
	return nil
}

func TestLockReentrantSameToken(t *testing.T) {
	d := &fakeDriver{}
	l := New(d)
	require.NoError(t, l.Acquire(1))
	require.NoError(t, l.Acquire(1)) // re-entry, must be a no-op
	assert.Equal(t, 1, d.lockCalls)
	assert.True(t, l.Held(1))
}

func TestLockZeroTokenRejected(t *testing.T) {
	l := New(&fakeDriver{})
	err := l.Acquire(0)
	require.Error(t, err)
}

func TestLockReleaseByWrongTokenFails(t *testing.T) {
	d := &fakeDriver{}
	l := New(d)
	require.NoError(t, l.Acquire(1))
	err := l.Release(2)
	require.Error(t, err)
	assert.True(t, l.Held(1))
}

// Scenario 5 from spec §8: thread A acquires, thread B contends and blocks,
// A releases before B's budget expires, B then acquires.
func TestLockContentionHandoff(t *testing.T) {
	d := &fakeDriver{}
	l := New(d)
	require.NoError(t, l.Acquire(1))

	var bErr error
	done := make(chan struct{})
	go func() {
		bErr = l.Acquire(2)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Release(1))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("token 2 never acquired the lock")
	}
	require.NoError(t, bErr)
	assert.True(t, l.Held(2))
}

func TestLockTimeoutForcesRelease(t *testing.T) {
	d := &fakeDriver{}
	l := New(d)
	require.NoError(t, l.Acquire(1))

	start := time.Now()
	err := l.Acquire(2)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, dtcerr.Of(err, dtcerr.LockTimeout))
	assert.GreaterOrEqual(t, elapsed, budget)
	assert.False(t, l.Held(1))
	assert.GreaterOrEqual(t, d.relCalls, 1)
}
