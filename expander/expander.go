// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package expander drives the TI/NXP PCF857X I²C I/O expanders as a mixed
// input/output port. These devices provide 8 pins (PCF8574) or 16 pins
// (PCF8575) of "quasi-bidirectional" input/output.
//
// A calibration controller typically puts its status output and its trigger
// and feedback inputs on one expander port, the same way a microcontroller
// shares one port between a few control lines. The expander then acts as the
// "wider port": writing the status bit must leave the input bits alone.
//
// # Datasheet
//
// https://www.ti.com/lit/ds/symlink/pcf8574.pdf
//
// # Notes
//
// Setting a pin Low turns on an open drain to ground. A pin can only be read
// while it is written High, so every pin put in input mode with In is kept
// High in all later writes. Reads are a plain 8 or 16 bit transfer with no
// register address.
//
// There is an interrupt pin, but it doesn't tell you which pin changed, so
// edge detection is not supported.
package expander

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/pin"
)

// Variant represents the actual chip model.
type Variant string

const (
	PCF8574 Variant = "PCF8574"
	PCF8575 Variant = "PCF8575"

	DefaultAddress uint16 = 0x20
)

var (
	ErrNotImplemented = errors.New("expander: not implemented")
	errVariant        = errors.New("expander: invalid variant")
)

// Dev is a PCF857x device.
type Dev struct {
	// The pins exposed by the device. For PCF8574, this will be 8 pins, and
	// 16 pins for the PCF8575.
	Pins     []gpio.PinIO
	mask     gpio.GPIOValue
	width    int
	chipType Variant

	mu     sync.Mutex
	d      *i2c.Dev
	value  gpio.GPIOValue
	inputs gpio.GPIOValue
	primed bool
	regs   []string
}

// New creates a new PCF857x expander and registers its pins in gpioreg under
// names of the form PCF8574_20_GPIO3.
func New(bus i2c.Bus, address uint16, chip Variant) (*Dev, error) {
	dev := &Dev{d: &i2c.Dev{Bus: bus, Addr: address}, chipType: chip}
	switch chip {
	case PCF8574:
		dev.width = 8
	case PCF8575:
		dev.width = 16
	default:
		return nil, fmt.Errorf("%w: %q", errVariant, chip)
	}
	dev.mask = gpio.GPIOValue(1)<<dev.width - 1
	dev.Pins = make([]gpio.PinIO, dev.width)
	sDev := dev.String()
	for ix := range dev.width {
		p := &ioPin{dev: dev, number: ix, name: fmt.Sprintf("%s_GPIO%d", sDev, ix)}
		dev.Pins[ix] = p
		if err := gpioreg.Register(p); err == nil {
			dev.regs = append(dev.regs, p.name)
		}
	}
	return dev, nil
}

// Inputs returns the mask of pins in input mode.
func (dev *Dev) Inputs() gpio.GPIOValue {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.inputs
}

// Group returns a gpio.Group made of the specified pin numbers. Bit 0 of a
// group value maps to the first pin number given.
func (dev *Dev) Group(pinNumbers ...int) (*Group, error) {
	gr := &Group{dev: dev, pins: make([]*ioPin, len(pinNumbers))}
	for ix, number := range pinNumbers {
		if number < 0 || number >= len(dev.Pins) {
			return nil, fmt.Errorf("expander: invalid pin %d", number)
		}
		p, ok := dev.Pins[number].(*ioPin)
		if !ok {
			return nil, fmt.Errorf("expander: invalid pin %d", number)
		}
		gr.pins[ix] = p
	}
	return gr, nil
}

// Halt unregisters the pins. The device keeps its last output state.
func (dev *Dev) Halt() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	for _, name := range dev.regs {
		_ = gpioreg.Unregister(name)
	}
	dev.regs = nil
	dev.Pins = make([]gpio.PinIO, 0)
	return nil
}

// setInput puts the pins in mask in input mode and releases them High.
func (dev *Dev) setInput(mask gpio.GPIOValue) error {
	dev.mu.Lock()
	dev.inputs |= mask & dev.mask
	dev.mu.Unlock()
	return dev.write(mask, mask)
}

// read performs the low level i2c read operation from the device.
func (dev *Dev) read(mask gpio.GPIOValue) (gpio.GPIOValue, error) {
	// A pin must be High to be read. If nothing pulls it down, it reads
	// High; if it's pulled down, it reads Low.
	dev.mu.Lock()
	notReleased := mask &^ (dev.inputs | dev.value)
	dev.mu.Unlock()
	if notReleased != 0 {
		if err := dev.write(notReleased, notReleased); err != nil {
			return 0, err
		}
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	r := make([]byte, dev.width/8)
	if err := dev.d.Tx(nil, r); err != nil {
		return 0, fmt.Errorf("expander: %w", err)
	}
	result := gpio.GPIOValue(r[0])
	if len(r) > 1 {
		result |= gpio.GPIOValue(r[1]) << 8
	}
	return result & mask, nil
}

// write performs the low-level write to the device. Input pins are always
// written High. If the resulting value is unchanged the write is skipped.
func (dev *Dev) write(value, mask gpio.GPIOValue) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	wrValue := (dev.value &^ mask) | (value & mask)
	wrValue = (wrValue | dev.inputs) & dev.mask
	if dev.primed && dev.value == wrValue {
		return nil
	}
	w := make([]byte, dev.width/8)
	for ix := range w {
		w[ix] = byte(wrValue >> (ix * 8))
	}
	if err := dev.d.Tx(w, nil); err != nil {
		return fmt.Errorf("expander: %w", err)
	}
	dev.value = wrValue
	dev.primed = true
	return nil
}

func (dev *Dev) String() string {
	return fmt.Sprintf("%s_%x", dev.chipType, dev.d.Addr)
}

// Group is a set of expander pins written or read in one transfer.
type Group struct {
	pins []*ioPin
	dev  *Dev
}

// Pins returns the set of pins that make up this group.
func (gr *Group) Pins() []pin.Pin {
	pins := make([]pin.Pin, len(gr.pins))
	for ix := range gr.pins {
		pins[ix] = gr.pins[ix]
	}
	return pins
}

// devBits converts a group value into device bit positions.
func (gr *Group) devBits(v gpio.GPIOValue) gpio.GPIOValue {
	m := gpio.GPIOValue(0)
	for ix, p := range gr.pins {
		if v&(gpio.GPIOValue(1)<<ix) != 0 {
			m |= gpio.GPIOValue(1) << p.number
		}
	}
	return m
}

func (gr *Group) all() gpio.GPIOValue {
	return gpio.GPIOValue(1)<<len(gr.pins) - 1
}

// ByOffset returns the GPIO pin by offset within the group.
func (gr *Group) ByOffset(offset int) pin.Pin {
	if offset < 0 || offset >= len(gr.pins) {
		return nil
	}
	return gr.pins[offset]
}

// ByName returns the GPIO pin by name.
func (gr *Group) ByName(name string) pin.Pin {
	for _, p := range gr.pins {
		if p.name == name {
			return p
		}
	}
	return nil
}

// ByNumber returns the GPIO pin by its pin number on the device.
func (gr *Group) ByNumber(number int) pin.Pin {
	for _, p := range gr.pins {
		if p.number == number {
			return p
		}
	}
	return nil
}

// Out writes the specified value to the device. Only pins identified by mask
// are modified; a zero mask selects the whole group.
func (gr *Group) Out(value, mask gpio.GPIOValue) error {
	if mask == 0 {
		mask = gr.all()
	}
	return gr.dev.write(gr.devBits(value), gr.devBits(mask))
}

// Read returns the current values of the pins within the group identified by
// mask.
func (gr *Group) Read(mask gpio.GPIOValue) (gpio.GPIOValue, error) {
	if mask == 0 {
		mask = gr.all()
	}
	v, err := gr.dev.read(gr.devBits(mask))
	if err != nil {
		return 0, err
	}
	result := gpio.GPIOValue(0)
	for ix, p := range gr.pins {
		bit := gpio.GPIOValue(1) << ix
		if mask&bit != 0 && v&(gpio.GPIOValue(1)<<p.number) != 0 {
			result |= bit
		}
	}
	return result, nil
}

// WaitForEdge is not supported; the interrupt pin doesn't identify the pin
// that changed.
func (gr *Group) WaitForEdge(timeout time.Duration) (number int, edge gpio.Edge, err error) {
	return 0, gpio.NoEdge, ErrNotImplemented
}

// Halt stops the pin group. It cannot be used after this call.
func (gr *Group) Halt() error {
	gr.pins = nil
	return nil
}

func (gr *Group) String() string {
	s := gr.dev.String() + "[ "
	for _, p := range gr.pins {
		s += fmt.Sprintf("%d ", p.number)
	}
	return s + "]"
}

var _ gpio.Group = &Group{}
