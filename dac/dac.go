// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dac drives one channel of a Microchip MCP4725 or MCP4728 12-bit
// digital to analog converter as a calibration value port. A port narrower
// than 12 bits is aligned on the MSB of the code, so that the search always
// spans the whole output range. The output voltage follows after the settle
// time of the converter.
//
// Codes are sent with the "fast write" command. Once a calibration is done,
// Save writes the code to the converter's EEPROM so that it is restored at
// power-up.
//
// # Datasheets
//
// # MCP4725
//
// https://ww1.microchip.com/downloads/en/devicedoc/22039d.pdf
//
// # MCP4728
//
// https://www.digikey.com/htmldatasheets/production/623709/0/0/1/mcp4728.html
package dac

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// Variant represents the model of the device.
type Variant string

const (
	MCP4725 Variant = "MCP4725"
	MCP4728 Variant = "MCP4728"

	// Bits is the resolution of the converter.
	Bits = 12
	// DefaultAddress is the default I²C address for MCP472x devices.
	DefaultAddress uint16 = 0x60

	maxCount     = 1<<Bits - 1
	channels4728 = 4
)

const (
	cmdWriteWithSave4725 byte = 0x60
	cmdSingleSave4728    byte = 0x58
	cmdInternalRef       byte = 0x80
)

var (
	errInvalidVariant = errors.New("dac: invalid variant")
	errChannel        = errors.New("dac: invalid channel")
	errHalted         = errors.New("dac: device halted")
	errBits           = errors.New("dac: invalid port width")
)

// Opts configures the converter.
type Opts struct {
	// Channel is the output used, 0 to 3 on a MCP4728. Always 0 on a MCP4725.
	Channel int
	// VRef is the full scale voltage, used by Potential. The MCP4725 uses VCC.
	VRef physic.ElectricPotential
	// InternalRef selects the 2.048V reference of the MCP4728 when saving.
	InternalRef bool
	// Bits is the width of the port, 1 to 12. Zero means 12. Port bit 0 maps
	// to code bit 12-Bits; the lower code bits stay 0.
	Bits int
}

// Dev is one output of a MCP472x used as a 12-bit port.
type Dev struct {
	d       i2c.Dev
	variant Variant
	channel int
	vRef    physic.ElectricPotential
	intRef  bool
	shift   int
	all     gpio.GPIOValue

	mu     sync.Mutex
	codes  []uint16
	halted bool
}

// New returns a converter on bus. If opts is nil, channel 0 with a 3.3V
// reference is used.
func New(bus i2c.Bus, addr uint16, variant Variant, opts *Opts) (*Dev, error) {
	o := Opts{VRef: 3300 * physic.MilliVolt}
	if opts != nil {
		o = *opts
	}
	if o.Bits == 0 {
		o.Bits = Bits
	}
	if o.Bits < 1 || o.Bits > Bits {
		return nil, fmt.Errorf("%w %d", errBits, o.Bits)
	}
	d := &Dev{
		d:       i2c.Dev{Bus: bus, Addr: addr},
		variant: variant,
		channel: o.Channel,
		vRef:    o.VRef,
		intRef:  o.InternalRef,
		shift:   Bits - o.Bits,
		all:     gpio.GPIOValue(1)<<o.Bits - 1,
	}
	switch variant {
	case MCP4725:
		if o.Channel != 0 {
			return nil, fmt.Errorf("%w %d", errChannel, o.Channel)
		}
		d.codes = make([]uint16, 1)
	case MCP4728:
		if o.Channel < 0 || o.Channel >= channels4728 {
			return nil, fmt.Errorf("%w %d", errChannel, o.Channel)
		}
		d.codes = make([]uint16, channels4728)
	default:
		return nil, fmt.Errorf("%w: %q", errInvalidVariant, variant)
	}
	return d, nil
}

// Out sets the port bits selected by mask; a zero mask selects the whole
// port. Other channels of a MCP4728 keep their last code.
func (d *Dev) Out(value, mask gpio.GPIOValue) error {
	if mask == 0 {
		mask = d.all
	}
	mask = (mask & d.all) << d.shift
	value <<= d.shift
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return errHalted
	}
	code := uint16((gpio.GPIOValue(d.codes[d.channel]) &^ mask) | (value & mask))
	// Fast write: two bytes per channel, power-down bits left at 0 (normal).
	w := make([]byte, 2*len(d.codes))
	for ix := range d.codes {
		c := d.codes[ix]
		if ix == d.channel {
			c = code
		}
		w[2*ix] = byte(c>>8) & 0x0f
		w[2*ix+1] = byte(c)
	}
	if err := d.d.Tx(w, nil); err != nil {
		return fmt.Errorf("dac: %w", err)
	}
	d.codes[d.channel] = code
	return nil
}

// Read returns the port value last written, masked.
func (d *Dev) Read(mask gpio.GPIOValue) (gpio.GPIOValue, error) {
	if mask == 0 {
		mask = d.all
	}
	return gpio.GPIOValue(d.Code()) >> d.shift & mask, nil
}

// Code returns the 12-bit code last written to the channel.
func (d *Dev) Code() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.codes[d.channel]
}

// Potential converts a code to the output voltage.
func (d *Dev) Potential(code uint16) physic.ElectricPotential {
	return d.vRef * physic.ElectricPotential(code) / maxCount
}

// Save writes the current code to the output register and to the EEPROM.
func (d *Dev) Save() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return errHalted
	}
	code := d.codes[d.channel]
	var w []byte
	if d.variant == MCP4725 {
		w = []byte{cmdWriteWithSave4725, byte(code >> 4), byte(code<<4) & 0xf0}
	} else {
		b := byte(code>>8) & 0x0f
		if d.intRef {
			b |= cmdInternalRef
		}
		w = []byte{cmdSingleSave4728 | byte(d.channel<<1), b, byte(code)}
	}
	if err := d.d.Tx(w, nil); err != nil {
		return fmt.Errorf("dac: error writing to device: %w", err)
	}
	return nil
}

// Halt implements conn.Resource. The output keeps its value.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted = true
	return nil
}

// String returns the variant name and channel.
func (d *Dev) String() string {
	return fmt.Sprintf("%s_%x.%d", d.variant, d.d.Addr, d.channel)
}
