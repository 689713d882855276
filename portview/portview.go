// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package portview mirrors a calibration output port on the terminal using
// ANSI color codes. Each bit is one colored block, most significant bit on
// the left, preceded by a block for the status line and followed by the
// value in hex.
//
// Useful to watch a search converge while the real hardware is not wired
// yet, or next to it.
package portview

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"sync"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/gpio"
)

// Opts represents the options available for the view.
type Opts struct {
	// Bits is the port width. Zero means 8.
	Bits int
	// W is where the view is drawn. Nil means stdout.
	W       io.Writer
	Palette *ansi256.Palette
	// On and Off are the colors of set and clear bits, Busy the color of the
	// asserted status line.
	On, Off, Busy color.NRGBA

	_ struct{}
}

// DefaultOpts are green bits, dark gray background and an amber status.
var DefaultOpts = Opts{
	Bits: 8,
	On:   color.NRGBA{0x00, 0xc0, 0x00, 0xff},
	Off:  color.NRGBA{0x20, 0x20, 0x20, 0xff},
	Busy: color.NRGBA{0xff, 0xa0, 0x00, 0xff},
}

// Dev is a terminal view of an output port. It implements calibrate.Port.
type Dev struct {
	w       io.Writer
	bits    int
	palette ansi256.Palette
	on      string
	off     string
	busy    string

	mu     sync.Mutex
	value  gpio.GPIOValue
	status gpio.Level
	buf    bytes.Buffer
}

// New returns a Dev. If opts is nil, DefaultOpts is used.
func New(opts *Opts) *Dev {
	if opts == nil {
		opts = &DefaultOpts
	}
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	d := &Dev{
		w:       opts.W,
		bits:    opts.Bits,
		palette: *p,
	}
	if d.w == nil {
		d.w = colorable.NewColorableStdout()
	}
	if d.bits <= 0 {
		d.bits = 8
	}
	d.on = d.palette.Block(opts.On)
	d.off = d.palette.Block(opts.Off)
	d.busy = d.palette.Block(opts.Busy)
	return d
}

func (d *Dev) String() string {
	return fmt.Sprintf("PortView[%d]", d.bits)
}

// Out updates the bits selected by mask and redraws the view.
func (d *Dev) Out(value, mask gpio.GPIOValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mask == 0 {
		mask = gpio.GPIOValue(1)<<d.bits - 1
	}
	d.value = (d.value &^ mask) | (value & mask)
	return d.refresh()
}

// Status returns a pin that forwards to p and mirrors every level written
// on the view's status block.
func (d *Dev) Status(p gpio.PinOut) gpio.PinOut {
	return &statusPin{PinOut: p, d: d}
}

// Value returns the value shown.
func (d *Dev) Value() gpio.GPIOValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value
}

// Halt implements conn.Resource.
//
// It resets the terminal colors and ends the line.
func (d *Dev) Halt() error {
	_, err := d.w.Write([]byte("\033[0m\n"))
	return err
}

// refresh must be called with mu held.
func (d *Dev) refresh() error {
	d.buf.Reset()
	_, _ = d.buf.WriteString("\r\033[0m")
	if d.status {
		_, _ = d.buf.WriteString(d.busy)
	} else {
		_, _ = d.buf.WriteString(d.off)
	}
	_, _ = d.buf.WriteString("\033[0m ")
	for ix := d.bits - 1; ix >= 0; ix-- {
		if d.value&(gpio.GPIOValue(1)<<ix) != 0 {
			_, _ = d.buf.WriteString(d.on)
		} else {
			_, _ = d.buf.WriteString(d.off)
		}
	}
	_, _ = fmt.Fprintf(&d.buf, "\033[0m 0x%0*x", (d.bits+3)/4, uint64(d.value))
	_, err := d.buf.WriteTo(d.w)
	return err
}

type statusPin struct {
	gpio.PinOut
	d *Dev
}

func (s *statusPin) Out(l gpio.Level) error {
	if err := s.PinOut.Out(l); err != nil {
		return err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.status = l
	return s.d.refresh()
}

var _ fmt.Stringer = &Dev{}
