// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package oscillator computes Si570-family oscillator reprogramming
// values: spec §4.6's HSDIV/N1/RFREQ recomputation for a target output
// frequency. It is pure math with no I/O; devices/carddev writes the
// resulting Program over the I²C gateway (via cardreg.IICWrite) and resets
// the affected SERDES links afterward.
package oscillator

import (
	"math"

	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcerr"
)

// Frequency bounds and no-op threshold from spec §4.6.
const (
	fMin       = 4.85e9 // Hz
	fMax       = 5.67e9 // Hz
	noopPPM    = 30e-6
	rfreqScale = 1 << 28 // Q10.28 fixed point, matching the Si570 RFREQ layout
)

// hsdivEncode/hsdivDecode mirror CFO_Registers::EncodeHighSpeedDivider_ /
// DecodeHighSpeedDivider_: the allowed HSDIV set {4,5,6,7,9,11} does not
// encode contiguously into its 3-bit field.
var hsdivEncode = map[int]uint8{4: 0, 5: 1, 6: 2, 7: 3, 9: 5, 11: 7}
var hsdivDecode = map[uint8]int{0: 4, 1: 5, 2: 6, 3: 7, 5: 9, 7: 11}

// hsdivSearchOrder is the candidate order spec §4.6 step 4 names.
var hsdivSearchOrder = []int{11, 9, 7, 6, 5, 4}

// Program is the 48-bit HSDIV|N1|RFREQ oscillator word of spec §3.
type Program struct {
	HSDIV int     // one of {4,5,6,7,9,11}
	N1    int     // 1, or an even integer in [2,128]
	RFREQ float64 // fractional VCO frequency multiplier, > 0
}

// Validate reports whether p satisfies spec §8 invariant 5: HSDIV in the
// allowed set, N1 == 1 or even in [2,128], RFREQ > 0.
func (p Program) Validate() error {
	if _, ok := hsdivEncode[p.HSDIV]; !ok {
		return dtcerr.New(dtcerr.IOError, "oscillator.Program.Validate", "HSDIV outside the allowed set {4,5,6,7,9,11}")
	}
	if p.N1 != 1 && (p.N1 < 2 || p.N1 > 128 || p.N1%2 != 0) {
		return dtcerr.New(dtcerr.IOError, "oscillator.Program.Validate", "N1 must be 1 or an even integer in [2,128]")
	}
	if p.RFREQ <= 0 {
		return dtcerr.New(dtcerr.IOError, "oscillator.Program.Validate", "RFREQ must be positive")
	}
	return nil
}

// Encode packs p into the 48-bit wire word, byte5-first order when later
// split into bytes for the I²C gateway (spec §8 scenario 6).
func (p Program) Encode() (uint64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	hs := hsdivEncode[p.HSDIV]
	n1 := uint64(p.N1 - 1)
	rfreq := uint64(math.Round(p.RFREQ*rfreqScale)) & (1<<38 - 1)
	word := uint64(hs&0x7)<<45 | (n1&0x7F)<<38 | rfreq
	return word, nil
}

// Decode unpacks a 48-bit wire word into a Program.
func Decode(word uint64) (Program, error) {
	hsCode := uint8((word >> 45) & 0x7)
	n1Code := uint8((word >> 38) & 0x7F)
	rfreqFixed := word & (1<<38 - 1)

	hs, ok := hsdivDecode[hsCode]
	if !ok {
		return Program{}, dtcerr.New(dtcerr.IOError, "oscillator.Decode", "encoded HSDIV field does not map to a known divider")
	}
	p := Program{
		HSDIV: hs,
		N1:    int(n1Code) + 1,
		RFREQ: float64(rfreqFixed) / rfreqScale,
	}
	if err := p.Validate(); err != nil {
		return Program{}, err
	}
	return p, nil
}

// Retune computes the new oscillator Program for fTarget given the
// current output frequency fCurrent and its decoded Program, per spec
// §4.6. noop is true when fTarget is within 30ppm of fCurrent, in which
// case the returned Program equals current and the caller should skip the
// I²C write and SERDES reset entirely.
func Retune(fTarget, fCurrent float64, current Program) (p Program, noop bool, err error) {
	if math.Abs(fTarget-fCurrent) < noopPPM*fTarget {
		return current, true, nil
	}
	if err := current.Validate(); err != nil {
		return Program{}, false, err
	}

	fXTAL := fCurrent * float64(current.HSDIV) * float64(current.N1) / current.RFREQ

	for _, hsdiv := range hsdivSearchOrder {
		n1, ok := smallestN1(hsdiv, fTarget)
		if !ok {
			continue
		}
		fDCO := float64(hsdiv) * float64(n1) * fTarget
		if fDCO <= fMax {
			newP := Program{HSDIV: hsdiv, N1: n1, RFREQ: fDCO / fXTAL}
			if err := newP.Validate(); err != nil {
				return Program{}, false, err
			}
			return newP, false, nil
		}
	}
	return Program{}, false, dtcerr.New(dtcerr.IOError, "oscillator.Retune", "no HSDIV/N1 combination keeps f_dco within [4.85GHz, 5.67GHz]; no program written")
}

// smallestN1 finds the smallest legal N1 (1, or even in [2,128]) such that
// hsdiv * N1 * fTarget >= fMin, per spec §4.6 step 4.
func smallestN1(hsdiv int, fTarget float64) (int, bool) {
	if float64(hsdiv)*fTarget >= fMin {
		return 1, true
	}
	for n1 := 2; n1 <= 128; n1 += 2 {
		if float64(hsdiv)*float64(n1)*fTarget >= fMin {
			return n1, true
		}
	}
	return 0, false
}
