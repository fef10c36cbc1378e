// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config reads the environment-variable configuration surface of
// spec §6 into an explicit struct, per spec §9's redesign note ("global
// CFOLIB_*/DTCLIB_* env reads" -> "explicit config struct built from
// env/args in a thin layer above the core; core takes the struct"). It
// uses only the standard library: there is nothing domain-specific here
// for a third-party library to add value over os.Getenv/strconv.
package config

import (
	"os"
	"strconv"
)

// SimMode selects the simulator substitute spec §6 names; it is read here
// for completeness but acted on only by the CLI/simulator shim that spec.md
// explicitly places out of scope.
type SimMode int

const (
	SimDisabled SimMode = iota
	SimLoopback
	SimTracker
	SimROCEmulator
)

// Config is the resolved environment configuration for one CFO or DTC
// process.
type Config struct {
	SimEnable           SimMode
	DTCIndex            int
	CFOIndex            int
	DebugWriteFilePath  string
}

// FromEnvironment reads DTCLIB_SIM_ENABLE, DTCLIB_DTC, DTCLIB_CFO, and
// DTCLIB_DEBUG_WRITE_FILE_PATH, defaulting card indices to 0 and sim mode
// to Disabled when unset or unparsable.
func FromEnvironment() Config {
	return Config{
		SimEnable:          parseSimMode(os.Getenv("DTCLIB_SIM_ENABLE")),
		DTCIndex:           parseIndex(os.Getenv("DTCLIB_DTC")),
		CFOIndex:           parseIndex(os.Getenv("DTCLIB_CFO")),
		DebugWriteFilePath: os.Getenv("DTCLIB_DEBUG_WRITE_FILE_PATH"),
	}
}

func parseIndex(s string) int {
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

func parseSimMode(s string) SimMode {
	switch s {
	case "Loopback":
		return SimLoopback
	case "Tracker":
		return SimTracker
	case "ROCEmulator":
		return SimROCEmulator
	default:
		return SimDisabled
	}
}
