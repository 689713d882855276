// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sim provides a simulated calibration rig: an N-bit output port
// feeding a threshold comparator, plus the status, trigger and feedback lines
// of a calibration controller.
//
// Every port access is recorded as an Event so that tests can check the order
// of writes and samples, in the same spirit as the conntest recorders.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// Mode selects the comparator behaviour.
type Mode int

const (
	// AtOrBelow asserts feedback while the port value is at or below the
	// threshold.
	AtOrBelow Mode = iota
	// Above asserts feedback while the port value is above the threshold.
	Above
)

func (m Mode) String() string {
	switch m {
	case AtOrBelow:
		return "AtOrBelow"
	case Above:
		return "Above"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Op identifies a recorded port access.
type Op int

const (
	OpValue Op = iota
	OpStatus
	OpTrigger
	OpFeedback
	OpDiagnostic
)

var opNames = [...]string{"Value", "Status", "Trigger", "Feedback", "Diagnostic"}

func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Event is one recorded port access.
type Event struct {
	Op Op
	// Value is the value on the output port after the access.
	Value gpio.GPIOValue
	// Level is the level written or read for single-bit accesses.
	Level gpio.Level
	// Status is the status line level after the access.
	Status gpio.Level
}

var (
	errInput = errors.New("sim: pin is an input")
	errPWM   = errors.New("sim: PWM not supported")
)

// Rig is a simulated calibration target. The zero value is not usable, use
// New.
type Rig struct {
	// Threshold is the comparator reference, in port counts.
	Threshold gpio.GPIOValue
	// Mode selects when the comparator asserts feedback.
	Mode Mode
	// Respond, if set, replaces the comparator. It receives the value on the
	// port and returns the feedback level. It may call the Rig's methods.
	Respond func(value gpio.GPIOValue) gpio.Level
	// Trigger, if set, supplies the trigger level for the n-th poll, starting
	// at 0. Otherwise the level set with SetTrigger is returned. It may call
	// the Rig's methods.
	Trigger func(poll int) gpio.Level
	// Diagnostic is the value returned by the diagnostic port.
	Diagnostic gpio.GPIOValue

	mu      sync.Mutex
	name    string
	width   int
	value   gpio.GPIOValue
	status  gpio.Level
	trigger gpio.Level
	polls   int
	events  []Event

	port     *Port
	diag     *diagPort
	pins     []*Pin
	statusP  *Pin
	triggerP *Pin
	feedback *Pin
}

// New returns a Rig with an output port of width bits comparing against
// threshold. The trigger starts released (Low).
func New(width int, threshold gpio.GPIOValue) *Rig {
	r := &Rig{Threshold: threshold, name: "SIM", width: width}
	r.port = &Port{rig: r}
	r.pins = make([]*Pin, width)
	for ix := range width {
		r.pins[ix] = &Pin{rig: r, role: roleBit, number: ix, name: fmt.Sprintf("%s_D%d", r.name, ix)}
	}
	r.port.pins = r.pins
	r.statusP = &Pin{rig: r, role: roleStatus, number: width, name: r.name + "_STATUS"}
	r.triggerP = &Pin{rig: r, role: roleTrigger, number: width + 1, name: r.name + "_TRIGGER"}
	r.feedback = &Pin{rig: r, role: roleFeedback, number: width + 2, name: r.name + "_FEEDBACK"}
	r.diag = &diagPort{rig: r}
	return r
}

// Port returns the N-bit output port.
func (r *Rig) Port() *Port {
	return r.port
}

// StatusPin returns the status output.
func (r *Rig) StatusPin() *Pin {
	return r.statusP
}

// TriggerPin returns the trigger input.
func (r *Rig) TriggerPin() *Pin {
	return r.triggerP
}

// FeedbackPin returns the comparator output.
func (r *Rig) FeedbackPin() *Pin {
	return r.feedback
}

// DiagnosticPort returns an input port unrelated to the calibration that
// always reads Diagnostic.
func (r *Rig) DiagnosticPort() interface {
	Read(mask gpio.GPIOValue) (gpio.GPIOValue, error)
} {
	return r.diag
}

// SetTrigger sets the level returned by trigger polls when Trigger is nil.
func (r *Rig) SetTrigger(l gpio.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trigger = l
}

// Value returns the value currently on the output port.
func (r *Rig) Value() gpio.GPIOValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Status returns the current status line level.
func (r *Rig) Status() gpio.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Events returns a copy of the recorded events.
func (r *Rig) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Reset clears the recorded events and the trigger poll count.
func (r *Rig) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.polls = 0
}

// Compare returns the feedback level the comparator produces for value.
func (r *Rig) Compare(value gpio.GPIOValue) gpio.Level {
	if r.Respond != nil {
		return r.Respond(value)
	}
	if r.Mode == Above {
		return gpio.Level(value > r.Threshold)
	}
	return gpio.Level(value <= r.Threshold)
}

func (r *Rig) String() string {
	return fmt.Sprintf("%s{width=%d, threshold=%d, %s}", r.name, r.width, r.Threshold, r.Mode)
}

// record must be called with mu held.
func (r *Rig) record(op Op, l gpio.Level) {
	r.events = append(r.events, Event{Op: op, Value: r.value, Level: l, Status: r.status})
}

func (r *Rig) write(value, mask gpio.GPIOValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := gpio.GPIOValue(1)<<r.width - 1
	mask &= all
	r.value = (r.value &^ mask) | (value & mask)
	r.record(OpValue, gpio.Low)
}

func (r *Rig) setStatus(l gpio.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = l
	r.record(OpStatus, l)
}

// The callbacks run without mu held so that they can use the Rig.
func (r *Rig) pollTrigger() gpio.Level {
	r.mu.Lock()
	l, n := r.trigger, r.polls
	r.polls++
	r.mu.Unlock()
	if r.Trigger != nil {
		l = r.Trigger(n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(OpTrigger, l)
	return l
}

func (r *Rig) sample() gpio.Level {
	l := r.Compare(r.Value())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(OpFeedback, l)
	return l
}

type diagPort struct {
	rig *Rig
}

func (d *diagPort) Read(mask gpio.GPIOValue) (gpio.GPIOValue, error) {
	d.rig.mu.Lock()
	defer d.rig.mu.Unlock()
	d.rig.record(OpDiagnostic, gpio.Low)
	if mask == 0 {
		return d.rig.Diagnostic, nil
	}
	return d.rig.Diagnostic & mask, nil
}
