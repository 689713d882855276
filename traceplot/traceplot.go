// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package traceplot draws the trial values of one calibration run. Each step
// is a marker at the value written to the port, green when the bit under test
// was kept and red when it was retracted; the resolved value is a horizontal
// line.
package traceplot

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/GermanBionicSystems/sarcal/calibrate"
	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// Opts controls the size and colors of the plot.
type Opts struct {
	W, H      int
	Margin    float64
	Kept      color.Color
	Retracted color.Color
	Resolved  color.Color
}

// DefaultOpts is a 640x360 plot on a white background.
var DefaultOpts = Opts{
	W:         640,
	H:         360,
	Margin:    40,
	Kept:      color.NRGBA{0x00, 0x90, 0x00, 0xff},
	Retracted: color.NRGBA{0xd0, 0x00, 0x00, 0xff},
	Resolved:  color.NRGBA{0x20, 0x40, 0xc0, 0xff},
}

var errEmpty = errors.New("traceplot: result has no trials")

// Render draws res. If opts is nil, DefaultOpts is used.
func Render(res calibrate.Result, opts *Opts) (image.Image, error) {
	dc, err := draw(res, opts)
	if err != nil {
		return nil, err
	}
	return dc.Image(), nil
}

// WritePNG draws res and encodes it as PNG to w.
func WritePNG(w io.Writer, res calibrate.Result, opts *Opts) error {
	dc, err := draw(res, opts)
	if err != nil {
		return err
	}
	if err := dc.EncodePNG(w); err != nil {
		return fmt.Errorf("traceplot: %w", err)
	}
	return nil
}

// SavePNG draws res into the PNG file at path.
func SavePNG(path string, res calibrate.Result, opts *Opts) error {
	dc, err := draw(res, opts)
	if err != nil {
		return err
	}
	if err := dc.SavePNG(path); err != nil {
		return fmt.Errorf("traceplot: %w", err)
	}
	return nil
}

func draw(res calibrate.Result, opts *Opts) (*gg.Context, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	trials := res.Trials()
	if len(trials) == 0 {
		return nil, errEmpty
	}
	w, h, m := float64(opts.W), float64(opts.H), opts.Margin
	full := float64(uint64(1)<<res.Bits - 1)
	// One column per trial plus one for the commit write.
	steps := float64(len(trials))
	x := func(step int) float64 { return m + (w-2*m)*float64(step)/steps }
	y := func(v float64) float64 { return h - m - (h-2*m)*v/full }

	dc := gg.NewContext(opts.W, opts.H)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetFontFace(basicfont.Face7x13)

	// Axes.
	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(1)
	dc.DrawLine(m, h-m, w-m, h-m)
	dc.DrawLine(m, m, m, h-m)
	dc.Stroke()
	dc.DrawStringAnchored("0", m-4, h-m, 1, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%d", uint64(full)), m-4, m, 1, 0.5)

	// Resolved value.
	dc.SetColor(opts.Resolved)
	dc.SetDash(4, 4)
	dc.DrawLine(m, y(float64(res.Value)), w-m, y(float64(res.Value)))
	dc.Stroke()
	dc.SetDash()
	dc.DrawStringAnchored(res.String(), w-m, y(float64(res.Value))-4, 1, 1)

	// Search path.
	dc.SetRGB(0.6, 0.6, 0.6)
	for ix := range trials {
		next := float64(res.Value)
		if ix+1 < len(trials) {
			next = float64(trials[ix+1])
		}
		dc.DrawLine(x(ix), y(float64(trials[ix])), x(ix+1), y(next))
	}
	dc.Stroke()

	for ix, v := range trials {
		bit := res.Bits - 1 - ix
		if res.Kept&(1<<bit) != 0 {
			dc.SetColor(opts.Kept)
		} else {
			dc.SetColor(opts.Retracted)
		}
		dc.DrawCircle(x(ix), y(float64(v)), 4)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(fmt.Sprintf("b%d", bit), x(ix), h-m+4, 0.5, 1)
	}
	dc.SetColor(opts.Resolved)
	dc.DrawCircle(x(len(trials)), y(float64(res.Value)), 4)
	dc.Fill()
	return dc, nil
}
