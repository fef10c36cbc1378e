// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build linux

package chardev

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

type linuxImpl struct {
	fd uintptr
}

func newPlatformImpl(f *os.File) (platformImpl, error) {
	return &linuxImpl{fd: f.Fd()}, nil
}

// ioctl mirrors host/sysfs's ioctl(f, op, arg) wrapper, upgraded from raw
// syscall.Syscall to golang.org/x/sys/unix per the domain stack.
func (l *linuxImpl) ioctl(req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, l.fd, req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func (l *linuxImpl) mmap(offset int64, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	return unix.Mmap(int(l.fd), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (l *linuxImpl) munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

// ioctlPtr issues an ioctl whose argument is a pointer to req, used for the
// struct-carrying ioctls (GET_INFO, REG_ACCESS, DUMP, GET_VERSION).
func (h *Handle) ioctlPtr(req int, arg interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ptr := reqPointer(arg)
	return h.impl.ioctl(uintptr(req), uintptr(ptr))
}

func reqPointer(arg interface{}) unsafe.Pointer {
	switch v := arg.(type) {
	case *rawInfo:
		return unsafe.Pointer(v)
	case *rawRegAccess:
		return unsafe.Pointer(v)
	case *rawDump:
		return unsafe.Pointer(v)
	case *rawVersion:
		return unsafe.Pointer(v)
	default:
		panic("chardev: unsupported ioctl argument type")
	}
}
