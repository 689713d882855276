// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package calibrate implements a successive-approximation output calibration
// engine. The engine drives an N-bit parallel output port, typically wired to
// a DAC or resistor ladder feeding an external comparator, and resolves the
// port value one bit at a time from the most significant bit down, keeping a
// bit only when the comparator's feedback bit confirms it.
//
// A calibration run is gated by a trigger input and bracketed by a status
// output:
//
//	wait for trigger -> status high -> N trial writes -> commit -> status low
//
// Each trial is framed by two settle delays: one before the write so that
// downstream hardware has stabilized, one after it so that the feedback path
// (port -> comparator -> feedback pin) has propagated before the sample. A
// full search therefore takes 2 * SettleDelay * N.
//
// The resolved value is always written to the port once more after the last
// bit has been decided. The last trial on the port predates the final
// decision, so without the commit write the port would be one LSB high
// whenever the least significant trial is rejected.
//
// All hardware access goes through periph.io interfaces, so any gpio.PinIn,
// gpio.PinOut or gpio.Group implementation may be used, including the
// simulated rig in package sim.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
)

const (
	// DefaultBits is the width of the search.
	DefaultBits = 8
	// MaxBits is the widest search supported.
	MaxBits = 16
	// DefaultSettleDelay is the hold time before each write and before each
	// feedback sample.
	DefaultSettleDelay = 10 * time.Microsecond

	// DiagnosticReads is the number of values the diagnostic sweep collects.
	DiagnosticReads = 8
)

var (
	ErrBits   = errors.New("calibrate: bit width out of range")
	ErrNoPort = errors.New("calibrate: required port not set")
)

// Port is a parallel output port. Bit 0 of value is the least significant bit
// of the candidate. Only bits set in mask are modified. Every gpio.Group
// satisfies Port.
type Port interface {
	Out(value, mask gpio.GPIOValue) error
}

// GroupReader is a parallel input port. Every gpio.Group satisfies
// GroupReader.
type GroupReader interface {
	Read(mask gpio.GPIOValue) (gpio.GPIOValue, error)
}

// Polarity selects how the feedback bit is interpreted.
type Polarity int

const (
	// KeepOnHigh keeps the bit under test when the feedback reads High. The
	// comparator asserts feedback while the trial is at or below its target.
	KeepOnHigh Polarity = iota
	// KeepOnLow keeps the bit under test when the feedback reads Low. The
	// comparator asserts feedback when the trial is too high.
	KeepOnLow
)

func (p Polarity) String() string {
	switch p {
	case KeepOnHigh:
		return "KeepOnHigh"
	case KeepOnLow:
		return "KeepOnLow"
	}
	return fmt.Sprintf("Polarity(%d)", int(p))
}

// Keep reports whether the feedback level confirms the trial bit.
func (p Polarity) Keep(l gpio.Level) bool {
	if p == KeepOnLow {
		return l == gpio.Low
	}
	return l == gpio.High
}

// Ports is the hardware the engine owns. Status and Value are written only by
// the engine. Trigger, Feedback and Diagnostic are only read.
//
// Pin direction must already be configured.
type Ports struct {
	// Status is asserted High for the duration of a calibration run. It is
	// usually one bit of a wider port; only that bit is written.
	Status gpio.PinOut
	// Value is the N-bit port the candidate is written to.
	Value Port
	// Trigger gates each run. A run starts when it reads Opts.Release.
	Trigger gpio.PinIn
	// Feedback is the comparator output sampled once per bit.
	Feedback gpio.PinIn
	// Diagnostic is optional. When set, Run reads it DiagnosticReads times
	// before entering the loop. The values do not influence the search.
	Diagnostic GroupReader
}

// Opts holds the timing and policy options for the engine.
type Opts struct {
	// Bits is the width of the search. Zero selects DefaultBits.
	Bits int
	// SettleDelay is held before each trial write and again before each
	// feedback sample.
	SettleDelay time.Duration
	// PollInterval is the pause between trigger polls. Zero spins.
	PollInterval time.Duration
	// Polarity selects how the feedback bit is interpreted.
	Polarity Polarity
	// Release is the trigger level that starts a run. The zero value, Low,
	// starts a run once the trigger is no longer asserted.
	Release gpio.Level
	// Clock is used for every delay. Nil selects the real clock.
	Clock clockwork.Clock
	// OnResult, if set, is called by Run after each completed run.
	OnResult func(Result)
}

// DefaultOpts is the configuration used when New is called with nil options.
var DefaultOpts = Opts{
	Bits:        DefaultBits,
	SettleDelay: DefaultSettleDelay,
	Polarity:    KeepOnHigh,
	Release:     gpio.Low,
}

// Engine is a successive-approximation calibration engine.
//
// An Engine runs on a single goroutine. Only Last and Diagnostics may be
// called concurrently with Run.
type Engine struct {
	ports Ports
	opts  Opts
	clock clockwork.Clock
	mask  gpio.GPIOValue

	mu      sync.Mutex
	last    Result
	scratch [DiagnosticReads]gpio.GPIOValue
}

// New returns an Engine driving ports. If opts is nil, DefaultOpts is used.
func New(ports Ports, opts *Opts) (*Engine, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.Bits == 0 {
		o.Bits = DefaultBits
	}
	if o.Bits < 1 || o.Bits > MaxBits {
		return nil, fmt.Errorf("%w: %d", ErrBits, o.Bits)
	}
	if o.SettleDelay < 0 || o.PollInterval < 0 {
		return nil, errors.New("calibrate: negative delay")
	}
	switch {
	case ports.Status == nil:
		return nil, fmt.Errorf("%w: status", ErrNoPort)
	case ports.Value == nil:
		return nil, fmt.Errorf("%w: value", ErrNoPort)
	case ports.Trigger == nil:
		return nil, fmt.Errorf("%w: trigger", ErrNoPort)
	case ports.Feedback == nil:
		return nil, fmt.Errorf("%w: feedback", ErrNoPort)
	}
	e := &Engine{
		ports: ports,
		opts:  o,
		clock: o.Clock,
		mask:  gpio.GPIOValue(1)<<o.Bits - 1,
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	return e, nil
}

// AwaitTrigger busy-polls the trigger until it reads the release level. There
// is no timeout; it returns early only if ctx is cancelled.
func (e *Engine) AwaitTrigger(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.ports.Trigger.Read() == e.opts.Release {
			return nil
		}
		if e.opts.PollInterval > 0 {
			e.clock.Sleep(e.opts.PollInterval)
		} else {
			runtime.Gosched()
		}
	}
}

// RunCalibration performs one complete calibration run and returns its
// result. On return the value port holds Result.Value and the status pin is
// deasserted.
func (e *Engine) RunCalibration() (res Result, err error) {
	if err = e.ports.Status.Out(gpio.High); err != nil {
		return res, fmt.Errorf("calibrate: status: %w", err)
	}
	defer func() {
		if serr := e.ports.Status.Out(gpio.Low); serr != nil && err == nil {
			err = fmt.Errorf("calibrate: status: %w", serr)
		}
	}()

	res.Bits = e.opts.Bits
	s := newSearch(e.opts.Bits)
	for {
		e.clock.Sleep(e.opts.SettleDelay)
		if err = e.write(s.candidate); err != nil {
			return res, err
		}
		e.clock.Sleep(e.opts.SettleDelay)
		res.decide(&s, e.opts.Polarity.Keep(e.ports.Feedback.Read()))
		if !s.next() {
			break
		}
	}
	if err = e.write(s.candidate); err != nil {
		return res, err
	}
	res.Value = s.candidate

	e.mu.Lock()
	e.last = res
	e.mu.Unlock()
	return res, nil
}

// Run performs the diagnostic sweep, if configured, and then repeats
// AwaitTrigger and RunCalibration until ctx is cancelled or a port fails.
func (e *Engine) Run(ctx context.Context) error {
	if e.ports.Diagnostic != nil {
		if err := e.sweep(); err != nil {
			return err
		}
	}
	for {
		if err := e.AwaitTrigger(ctx); err != nil {
			return err
		}
		res, err := e.RunCalibration()
		if err != nil {
			return err
		}
		if e.opts.OnResult != nil {
			e.opts.OnResult(res)
		}
	}
}

// Last returns the result of the most recent completed run.
func (e *Engine) Last() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Diagnostics returns the values collected by the diagnostic sweep.
func (e *Engine) Diagnostics() [DiagnosticReads]gpio.GPIOValue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scratch
}

// SearchDuration returns the time spent in settle delays during one run.
func (e *Engine) SearchDuration() time.Duration {
	return 2 * e.opts.SettleDelay * time.Duration(e.opts.Bits)
}

// Bits returns the width of the search.
func (e *Engine) Bits() int {
	return e.opts.Bits
}

func (e *Engine) String() string {
	return fmt.Sprintf("calibrate{bits=%d, settle=%s, %s}", e.opts.Bits, e.opts.SettleDelay, e.opts.Polarity)
}

func (e *Engine) write(v gpio.GPIOValue) error {
	if err := e.ports.Value.Out(v, e.mask); err != nil {
		return fmt.Errorf("calibrate: value: %w", err)
	}
	return nil
}

func (e *Engine) sweep() error {
	var buf [DiagnosticReads]gpio.GPIOValue
	for ix := range buf {
		v, err := e.ports.Diagnostic.Read(0)
		if err != nil {
			return fmt.Errorf("calibrate: diagnostic: %w", err)
		}
		buf[ix] = v
	}
	e.mu.Lock()
	e.scratch = buf
	e.mu.Unlock()
	return nil
}

var _ fmt.Stringer = &Engine{}
