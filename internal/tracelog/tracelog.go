// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package tracelog is a thin github.com/sirupsen/logrus wrapper tagging
// every line with the owning device's UID, standing in for the original's
// TRACE/DEV_TLOG/CFO_TLOG macros (SPEC_FULL §1.1's ambient logging
// section).
package tracelog

import "github.com/sirupsen/logrus"

// Logger logs on behalf of one CFO or DTC card instance.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger tagging every line with uid (typically the device
// file path or card index).
func New(uid string) *Logger {
	return &Logger{entry: logrus.WithField("device", uid)}
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Warnf logs at warning level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}
