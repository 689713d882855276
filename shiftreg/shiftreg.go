// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package shiftreg drives one or more daisy-chained 74HC595 serial shift
// registers as a parallel output port. Used as an SPI => parallel converter,
// a single register carries an 8-bit calibration candidate and two chained
// registers a 16-bit one.
//
// Every write shifts the whole chain and latches it, so all outputs change at
// the same time. The register is write-only; Read returns the last value
// latched.
//
// # Datasheet
//
// https://www.nexperia.com/product/74HC595D
//
// There's a nice tutorial on the device here:
//
// https://docs.arduino.cc/tutorials/communication/guide-to-shift-out/
package shiftreg

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/pin"
	"periph.io/x/conn/v3/spi"
)

// DefaultName is the name of a chain created without Opts.Name. Registered
// pins are named DefaultName+"_GPO<n>".
const DefaultName = "74HC595"

const (
	pinsPerChip = 8
	maxChips    = 8
)

var (
	ErrNotImplemented = errors.New("shiftreg: not implemented")
	ErrChain          = errors.New("shiftreg: invalid chain length")
)

// Opts configures a register chain.
type Opts struct {
	// Name prefixes the pin names. Defaults to "74HC595".
	Name string
	// Chips is the number of daisy-chained registers. Zero means one.
	Chips int
	// Register adds the pins to gpioreg so they can be looked up by name.
	Register bool
}

// Dev represents a chain of 74HC595 devices.
type Dev struct {
	Pins []gpio.PinOut

	name   string
	width  int
	all    gpio.GPIOValue
	regs   []string
	mu     sync.Mutex
	conn   spi.Conn
	value  gpio.GPIOValue
	primed bool
	buf    []byte
}

// New accepts an spi.Conn and returns a register chain. If opts is nil, a
// single unregistered register is assumed.
func New(conn spi.Conn, opts *Opts) (*Dev, error) {
	o := Opts{}
	if opts != nil {
		o = *opts
	}
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Chips == 0 {
		o.Chips = 1
	}
	if o.Chips < 0 || o.Chips > maxChips {
		return nil, fmt.Errorf("%w: %d", ErrChain, o.Chips)
	}
	width := o.Chips * pinsPerChip
	dev := &Dev{
		name:  o.Name,
		width: width,
		all:   gpio.GPIOValue(1)<<width - 1,
		conn:  conn,
		Pins:  make([]gpio.PinOut, width),
		buf:   make([]byte, o.Chips),
	}
	for ix := range width {
		p := &Pin{number: ix, name: fmt.Sprintf("%s_GPO%d", o.Name, ix), dev: dev}
		dev.Pins[ix] = p
		if o.Register {
			if err := gpioreg.Register(p); err != nil {
				_ = dev.Halt()
				return nil, fmt.Errorf("shiftreg: %w", err)
			}
			dev.regs = append(dev.regs, p.name)
		}
	}
	return dev, nil
}

// write shifts the chain out. Only bits in mask change. The first write
// always goes out so that the outputs match the cached value.
func (dev *Dev) write(value, mask gpio.GPIOValue) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.conn == nil {
		return errors.New("shiftreg: device halted")
	}
	newValue := (dev.value &^ mask) | (value & mask & dev.all)
	if dev.primed && dev.value == newValue {
		return nil
	}
	// The byte for the last register in the chain is shifted first.
	n := len(dev.buf)
	for ix := range n {
		dev.buf[ix] = byte(newValue >> (8 * (n - 1 - ix)))
	}
	if err := dev.conn.Tx(dev.buf, nil); err != nil {
		return fmt.Errorf("shiftreg: %w", err)
	}
	dev.value = newValue
	dev.primed = true
	return nil
}

// Width returns the number of outputs in the chain.
func (dev *Dev) Width() int {
	return dev.width
}

// Value returns the value last latched into the chain.
func (dev *Dev) Value() gpio.GPIOValue {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.value
}

// Group returns a subset of the outputs as a gpio.Group. Bit 0 of a group
// value maps to the first pin number given. With no pin numbers, the group
// covers the whole chain in order.
func (dev *Dev) Group(pins ...int) (*Group, error) {
	if len(pins) == 0 {
		pins = make([]int, dev.width)
		for ix := range pins {
			pins[ix] = ix
		}
	}
	gr := &Group{dev: dev, pins: make([]*Pin, len(pins))}
	for ix, number := range pins {
		if number < 0 || number >= len(dev.Pins) {
			return nil, fmt.Errorf("shiftreg: invalid pin %d", number)
		}
		p, ok := dev.Pins[number].(*Pin)
		if !ok {
			return nil, fmt.Errorf("shiftreg: invalid pin %d", number)
		}
		gr.pins[ix] = p
	}
	return gr, nil
}

// Halt unregisters the pins and disables the device. The outputs keep their
// last latched value.
func (dev *Dev) Halt() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	for _, name := range dev.regs {
		_ = gpioreg.Unregister(name)
	}
	dev.regs = nil
	dev.Pins = make([]gpio.PinOut, 0)
	dev.conn = nil
	return nil
}

func (dev *Dev) String() string {
	return dev.name
}

// Group implements gpio.Group and writes several outputs in one transaction.
type Group struct {
	dev  *Dev
	pins []*Pin
}

// Pins returns the outputs of the group.
func (gr *Group) Pins() []pin.Pin {
	result := make([]pin.Pin, len(gr.pins))
	for ix, p := range gr.pins {
		result[ix] = p
	}
	return result
}

// ByOffset returns the pin at offset within the group.
func (gr *Group) ByOffset(offset int) pin.Pin {
	if offset < 0 || offset >= len(gr.pins) {
		return nil
	}
	return gr.pins[offset]
}

// ByName returns the pin with the given name, or nil.
func (gr *Group) ByName(name string) pin.Pin {
	for _, p := range gr.pins {
		if p.name == name {
			return p
		}
	}
	return nil
}

// ByNumber returns the pin with the given number in the chain, or nil.
func (gr *Group) ByNumber(number int) pin.Pin {
	for _, p := range gr.pins {
		if p.number == number {
			return p
		}
	}
	return nil
}

// devBits maps a group value onto chain bit positions.
func (gr *Group) devBits(v gpio.GPIOValue) gpio.GPIOValue {
	result := gpio.GPIOValue(0)
	for ix, p := range gr.pins {
		if v&(gpio.GPIOValue(1)<<ix) != 0 {
			result |= gpio.GPIOValue(1) << p.number
		}
	}
	return result
}

// Out writes value to the chain. Only pins identified by mask are modified; a
// zero mask selects the whole group.
func (gr *Group) Out(value, mask gpio.GPIOValue) error {
	if mask == 0 {
		mask = gpio.GPIOValue(1)<<len(gr.pins) - 1
	}
	return gr.dev.write(gr.devBits(value), gr.devBits(mask))
}

// Read returns the latched value of the group's pins. The register has no
// read-back path, so this is the value last written.
func (gr *Group) Read(mask gpio.GPIOValue) (gpio.GPIOValue, error) {
	if mask == 0 {
		mask = gpio.GPIOValue(1)<<len(gr.pins) - 1
	}
	latched := gr.dev.Value()
	result := gpio.GPIOValue(0)
	for ix, p := range gr.pins {
		bit := gpio.GPIOValue(1) << ix
		if mask&bit != 0 && latched&(gpio.GPIOValue(1)<<p.number) != 0 {
			result |= bit
		}
	}
	return result, nil
}

// WaitForEdge is not available for this device.
func (gr *Group) WaitForEdge(timeout time.Duration) (int, gpio.Edge, error) {
	return 0, gpio.NoEdge, ErrNotImplemented
}

// Halt frees the group's resources and prevents it from being used again.
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
