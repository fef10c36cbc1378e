// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !linux

package chardev

import (
	"os"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcerr"
)

type otherImpl struct{}

func newPlatformImpl(f *os.File) (platformImpl, error) {
	return nil, dtcerr.New(dtcerr.IOError, "chardev.Open", "the mu2e character device driver is Linux-only")
}

func (otherImpl) ioctl(req uintptr, arg uintptr) error {
	return dtcerr.New(dtcerr.IOError, "chardev", "not supported on this platform")
}

func (otherImpl) mmap(offset int64, length int) ([]byte, error) {
	return nil, dtcerr.New(dtcerr.IOError, "chardev", "not supported on this platform")
}

func (otherImpl) munmap(b []byte) error {
	return dtcerr.New(dtcerr.IOError, "chardev", "not supported on this platform")
}

func (h *Handle) ioctlPtr(req int, arg interface{}) error {
	return dtcerr.New(dtcerr.IOError, "chardev", "not supported on this platform")
}
