// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package port adapts periph.io pins and groups into the ports used by a
// calibration engine.
//
// Parallel turns a list of GPIO pins into a gpio.Group, so that a set of host
// pins can carry the N-bit candidate. Bit exposes a single bit of a wider
// gpio.Group as a pin, for a status or trigger line that shares a port with
// other signals. Tee copies every write to several ports, for example a real
// port and a terminal view of it.
package port

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GermanBionicSystems/sarcal/calibrate"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/pin"
)

var (
	ErrNoPins     = errors.New("port: no pins")
	ErrTooWide    = errors.New("port: too many pins")
	ErrPinUnknown = errors.New("port: pin not found")
)

const maxWidth = 64

// Parallel is a gpio.Group built from individual GPIO pins. Bit 0 of a value
// is the first pin.
type Parallel struct {
	name string
	pins []gpio.PinIO
}

// NewParallel returns a Parallel port over pins.
func NewParallel(name string, pins ...gpio.PinIO) (*Parallel, error) {
	if len(pins) == 0 {
		return nil, ErrNoPins
	}
	if len(pins) > maxWidth {
		return nil, fmt.Errorf("%w: %d", ErrTooWide, len(pins))
	}
	for ix, p := range pins {
		if p == nil {
			return nil, fmt.Errorf("%w: bit %d", ErrPinUnknown, ix)
		}
	}
	return &Parallel{name: name, pins: pins}, nil
}

// FromRegistry returns a Parallel port over the pins registered in gpioreg
// under names, least significant bit first.
func FromRegistry(name string, names ...string) (*Parallel, error) {
	pins := make([]gpio.PinIO, len(names))
	for ix, n := range names {
		pins[ix] = gpioreg.ByName(n)
		if pins[ix] == nil {
			return nil, fmt.Errorf("%w: %q", ErrPinUnknown, n)
		}
	}
	return NewParallel(name, pins...)
}

// Width returns the number of pins.
func (p *Parallel) Width() int {
	return len(p.pins)
}

// Pins returns the pins that make up the port.
func (p *Parallel) Pins() []pin.Pin {
	result := make([]pin.Pin, len(p.pins))
	for ix, gp := range p.pins {
		result[ix] = gp
	}
	return result
}

// ByOffset returns the pin carrying bit offset.
func (p *Parallel) ByOffset(offset int) pin.Pin {
	if offset < 0 || offset >= len(p.pins) {
		return nil
	}
	return p.pins[offset]
}

// ByName returns the pin with the given name, or nil.
func (p *Parallel) ByName(name string) pin.Pin {
	for _, gp := range p.pins {
		if gp.Name() == name {
			return gp
		}
	}
	return nil
}

// ByNumber returns the pin with the given GPIO number, or nil.
func (p *Parallel) ByNumber(number int) pin.Pin {
	for _, gp := range p.pins {
		if gp.Number() == number {
			return gp
		}
	}
	return nil
}

// Out drives the pins selected by mask. A zero mask selects every pin.
func (p *Parallel) Out(value, mask gpio.GPIOValue) error {
	if mask == 0 {
		mask = p.all()
	}
	for ix, gp := range p.pins {
		bit := gpio.GPIOValue(1) << ix
		if mask&bit == 0 {
			continue
		}
		if err := gp.Out(value&bit != 0); err != nil {
			return fmt.Errorf("port: %s: %w", gp, err)
		}
	}
	return nil
}

// Read returns the level of the pins selected by mask. A zero mask selects
// every pin.
func (p *Parallel) Read(mask gpio.GPIOValue) (gpio.GPIOValue, error) {
	if mask == 0 {
		mask = p.all()
	}
	result := gpio.GPIOValue(0)
	for ix, gp := range p.pins {
		bit := gpio.GPIOValue(1) << ix
		if mask&bit != 0 && gp.Read() {
			result |= bit
		}
	}
	return result, nil
}

// WaitForEdge is not available for a Parallel port.
func (p *Parallel) WaitForEdge(timeout time.Duration) (int, gpio.Edge, error) {
	return 0, gpio.NoEdge, gpio.ErrGroupFeatureNotImplemented
}

// Halt releases the pins. The port cannot be used afterwards.
func (p *Parallel) Halt() error {
	var errs []error
	for _, gp := range p.pins {
		if err := gp.Halt(); err != nil {
			errs = append(errs, err)
		}
	}
	p.pins = nil
	return errors.Join(errs...)
}

func (p *Parallel) String() string {
	names := make([]string, len(p.pins))
	for ix, gp := range p.pins {
		names[ix] = gp.Name()
	}
	return p.name + "[ " + strings.Join(names, " ") + " ]"
}

func (p *Parallel) all() gpio.GPIOValue {
	if len(p.pins) == maxWidth {
		return ^gpio.GPIOValue(0)
	}
	return gpio.GPIOValue(1)<<len(p.pins) - 1
}

// Tee returns a port that writes every value to each of ports in order. All
// ports are written even if one fails; the errors are joined.
func Tee(ports ...calibrate.Port) calibrate.Port {
	return tee(ports)
}

type tee []calibrate.Port

func (t tee) Out(value, mask gpio.GPIOValue) error {
	var errs []error
	for _, p := range t {
		if err := p.Out(value, mask); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ gpio.Group = &Parallel{}
