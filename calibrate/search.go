// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package calibrate

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

// search is the state of one successive-approximation run. It starts with
// only the most significant bit set and is discarded when the run ends.
type search struct {
	index     int
	mask      gpio.GPIOValue
	candidate gpio.GPIOValue
}

func newSearch(bits int) search {
	m := gpio.GPIOValue(1) << (bits - 1)
	return search{index: bits - 1, mask: m, candidate: m}
}

// next moves to the next lower bit and sets it in the candidate. It returns
// false once bit 0 has been decided.
func (s *search) next() bool {
	if s.index == 0 {
		return false
	}
	s.index--
	s.mask >>= 1
	s.candidate |= s.mask
	return true
}

// Result describes one completed calibration run.
type Result struct {
	// Value is the resolved port value. It is also the last value written to
	// the port.
	Value gpio.GPIOValue
	// Bits is the width of the search.
	Bits int
	// Kept has a bit set for every trial bit the feedback confirmed.
	Kept gpio.GPIOValue
	// Retracted has a bit set for every trial bit that was cleared.
	Retracted gpio.GPIOValue

	trials [MaxBits]gpio.GPIOValue
}

// Trials returns the value written to the port at each step, most
// significant bit first. The commit write is not included.
func (r Result) Trials() []gpio.GPIOValue {
	return r.trials[:r.Bits]
}

func (r Result) String() string {
	digits := (r.Bits + 3) / 4
	return fmt.Sprintf("0x%0*x (kept=%0*b)", digits, uint64(r.Value), r.Bits, uint64(r.Kept))
}

// decide records the trial on the port and applies the keep/clear decision
// for the bit under test.
func (r *Result) decide(s *search, keep bool) {
	r.trials[r.Bits-1-s.index] = s.candidate
	if keep {
		r.Kept |= s.mask
		return
	}
	r.Retracted |= s.mask
	s.candidate &^= s.mask
}

// Resolve runs a successive-approximation search of the given width against
// decide without touching any hardware. decide receives each trial value and
// returns true to keep the bit under test.
//
// Resolve is the reference for what an Engine leaves on its value port when
// the feedback follows decide.
func Resolve(bits int, decide func(trial gpio.GPIOValue) bool) (Result, error) {
	if bits < 1 || bits > MaxBits {
		return Result{}, fmt.Errorf("%w: %d", ErrBits, bits)
	}
	r := Result{Bits: bits}
	s := newSearch(bits)
	for {
		r.decide(&s, decide(s.candidate))
		if !s.next() {
			break
		}
	}
	r.Value = s.candidate
	return r, nil
}
