// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package board wires the calibration ports described by a config.Config.
//
// Host pins are looked up in gpioreg, so host.Init() must have been called
// first. An I²C expander, when configured, is opened before the pins are
// looked up so that its pins can be named like any other GPIO.
//
// With the shiftreg backend, the status line can sit on a spare output of the
// chain, either as "74HC595.<n>" or by its registered name "74HC595_GPO<n>".
package board

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/GermanBionicSystems/sarcal/calibrate"
	"github.com/GermanBionicSystems/sarcal/config"
	"github.com/GermanBionicSystems/sarcal/dac"
	"github.com/GermanBionicSystems/sarcal/expander"
	"github.com/GermanBionicSystems/sarcal/port"
	"github.com/GermanBionicSystems/sarcal/portview"
	"github.com/GermanBionicSystems/sarcal/shiftreg"
	"github.com/GermanBionicSystems/sarcal/sim"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

var (
	errPinNotFound = errors.New("board: pin not found")
	errChainBit    = errors.New("board: invalid shift register output")
)

type halter interface {
	Halt() error
}

// Board is the set of ports handed to the engine, plus the resources behind
// them.
type Board struct {
	Ports calibrate.Ports
	// Rig is set when the board is simulated.
	Rig *sim.Rig
	// View is set when the terminal view is enabled.
	View *portview.Dev
	// DAC is set when the value port is a MCP472x.
	DAC *dac.Dev

	bits    int
	chain   *shiftreg.Dev
	halts   []halter
	closers []io.Closer
}

// Opts holds the overrides that don't come from the configuration file.
type Opts struct {
	// ViewW receives the terminal view. Nil means stdout.
	ViewW io.Writer
}

// New builds the board described by cfg. The configuration must be valid.
func New(cfg *config.Config, opts *Opts) (b *Board, err error) {
	if opts == nil {
		opts = &Opts{}
	}
	b = &Board{bits: cfg.Bits}
	defer func() {
		if err != nil {
			_ = b.Close()
			b = nil
		}
	}()
	if cfg.Sim.Enabled {
		err = b.simulate(cfg)
	} else {
		err = b.hardware(cfg)
	}
	if err != nil {
		return
	}
	if cfg.View {
		b.View = portview.New(&portview.Opts{
			Bits: cfg.Bits,
			W:    opts.ViewW,
			On:   portview.DefaultOpts.On,
			Off:  portview.DefaultOpts.Off,
			Busy: portview.DefaultOpts.Busy,
		})
		b.Ports.Value = port.Tee(b.Ports.Value, b.View)
		b.Ports.Status = b.View.Status(b.Ports.Status)
		b.halts = append(b.halts, b.View)
	}
	return b, nil
}

// Idle drives the value port to 0 and deasserts the status line.
func (b *Board) Idle() error {
	mask := gpio.GPIOValue(1)<<b.bits - 1
	if err := b.Ports.Value.Out(0, mask); err != nil {
		return fmt.Errorf("board: idle: %w", err)
	}
	if err := b.Ports.Status.Out(gpio.Low); err != nil {
		return fmt.Errorf("board: idle: %w", err)
	}
	return nil
}

// Close halts the devices and closes the buses they use.
func (b *Board) Close() error {
	var errs []error
	for ix := len(b.halts) - 1; ix >= 0; ix-- {
		errs = append(errs, b.halts[ix].Halt())
	}
	for ix := len(b.closers) - 1; ix >= 0; ix-- {
		errs = append(errs, b.closers[ix].Close())
	}
	b.halts = nil
	b.closers = nil
	return errors.Join(errs...)
}

func (b *Board) String() string {
	if b.Rig != nil {
		return b.Rig.String()
	}
	return fmt.Sprintf("Board{value=%s}", b.Ports.Value)
}

func (b *Board) simulate(cfg *config.Config) error {
	mode, err := cfg.SimMode()
	if err != nil {
		return err
	}
	release, err := cfg.ReleaseLevel()
	if err != nil {
		return err
	}
	b.Rig = sim.New(cfg.Bits, gpio.GPIOValue(cfg.Sim.Threshold))
	b.Rig.Mode = mode
	b.Rig.SetTrigger(release)
	b.Ports = calibrate.Ports{
		Status:     b.Rig.StatusPin(),
		Value:      b.Rig.Port(),
		Trigger:    b.Rig.TriggerPin(),
		Feedback:   b.Rig.FeedbackPin(),
		Diagnostic: b.Rig.DiagnosticPort(),
	}
	return nil
}

func (b *Board) hardware(cfg *config.Config) error {
	var exp *expander.Dev
	if cfg.Expander != nil {
		bus, err := i2creg.Open(cfg.Expander.Bus)
		if err != nil {
			return fmt.Errorf("board: %w", err)
		}
		b.closers = append(b.closers, bus)
		if exp, err = expander.New(bus, cfg.Expander.Address, expander.Variant(cfg.Expander.Variant)); err != nil {
			return fmt.Errorf("board: %w", err)
		}
		b.halts = append(b.halts, exp)
	}

	value, err := b.valuePort(cfg, exp)
	if err != nil {
		return err
	}
	status, err := b.output("status", cfg.Pins.Status)
	if err != nil {
		return err
	}
	trigger, err := b.input("trigger", cfg.Pins.Trigger)
	if err != nil {
		return err
	}
	feedback, err := b.input("feedback", cfg.Pins.Feedback)
	if err != nil {
		return err
	}
	b.Ports = calibrate.Ports{
		Status:   status,
		Value:    value,
		Trigger:  trigger,
		Feedback: feedback,
	}

	if len(cfg.Pins.Diagnostic) != 0 {
		diag, err := port.FromRegistry("DIAG", cfg.Pins.Diagnostic...)
		if err != nil {
			return fmt.Errorf("board: diagnostic: %w", err)
		}
		for _, p := range cfg.Pins.Diagnostic {
			if _, err := b.input("diagnostic", p); err != nil {
				return err
			}
		}
		b.Ports.Diagnostic = diag
	}
	return nil
}

func (b *Board) valuePort(cfg *config.Config, exp *expander.Dev) (calibrate.Port, error) {
	switch cfg.Value.Backend {
	case config.BackendGPIO:
		p, err := port.FromRegistry("VALUE", cfg.Value.Pins...)
		if err != nil {
			return nil, fmt.Errorf("board: value: %w", err)
		}
		b.halts = append(b.halts, p)
		return p, nil
	case config.BackendShiftReg:
		sp, err := spireg.Open(cfg.Value.SPI.Port)
		if err != nil {
			return nil, fmt.Errorf("board: value: %w", err)
		}
		b.closers = append(b.closers, sp)
		c, err := sp.Connect(physic.Frequency(cfg.Value.SPI.Hz)*physic.Hertz, spi.Mode0, 8)
		if err != nil {
			return nil, fmt.Errorf("board: value: %w", err)
		}
		chips := cfg.Value.SPI.Chips
		if chips == 0 {
			chips = (cfg.Bits + 7) / 8
		}
		dev, err := shiftreg.New(c, &shiftreg.Opts{Chips: chips, Register: namesChain(cfg)})
		if err != nil {
			return nil, fmt.Errorf("board: value: %w", err)
		}
		b.chain = dev
		b.halts = append(b.halts, dev)
		pins := make([]int, cfg.Bits)
		for ix := range pins {
			pins[ix] = ix
		}
		return dev.Group(pins...)
	case config.BackendDAC:
		bus, err := i2creg.Open(cfg.Value.DAC.Bus)
		if err != nil {
			return nil, fmt.Errorf("board: value: %w", err)
		}
		b.closers = append(b.closers, bus)
		dev, err := dac.New(bus, cfg.Value.DAC.Address, dac.Variant(cfg.Value.DAC.Variant), &dac.Opts{
			Channel:     cfg.Value.DAC.Channel,
			VRef:        physic.ElectricPotential(cfg.Value.DAC.VRef) * physic.MilliVolt,
			InternalRef: cfg.Value.DAC.InternalRef,
			Bits:        cfg.Bits,
		})
		if err != nil {
			return nil, fmt.Errorf("board: value: %w", err)
		}
		b.DAC = dev
		b.halts = append(b.halts, dev)
		return dev, nil
	case config.BackendExpander:
		if exp == nil {
			return nil, errors.New("board: value: no expander configured")
		}
		return exp.Group(cfg.Value.Offsets...)
	}
	return nil, fmt.Errorf("board: unknown value backend %q", cfg.Value.Backend)
}

// output looks up the status line.
func (b *Board) output(role, name string) (gpio.PinIO, error) {
	if n, ok := chainBit(name); ok {
		if b.chain == nil {
			return nil, fmt.Errorf("%w: %s %q without a shift register chain", errChainBit, role, name)
		}
		if n < b.bits {
			return nil, fmt.Errorf("%w: %s %q is a value bit", errChainBit, role, name)
		}
		all, err := b.chain.Group()
		if err != nil {
			return nil, err
		}
		p, err := port.NewBit(all, n)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", errChainBit, role, err)
		}
		return p, nil
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s %q", errPinNotFound, role, name)
	}
	return p, nil
}

// input looks up an input pin and puts it in input mode. The pull is left to
// the board.
func (b *Board) input(role, name string) (gpio.PinIO, error) {
	if _, ok := chainBit(name); ok {
		return nil, fmt.Errorf("%w: %s %q, the chain has no inputs", errChainBit, role, name)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s %q", errPinNotFound, role, name)
	}
	if err := p.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("board: %s: %w", role, err)
	}
	return p, nil
}

// chainBit parses "74HC595.<n>".
func chainBit(name string) (int, bool) {
	s, ok := strings.CutPrefix(name, shiftreg.DefaultName+".")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// namesChain reports whether the status line is a registered chain output.
func namesChain(cfg *config.Config) bool {
	return strings.HasPrefix(cfg.Pins.Status, shiftreg.DefaultName+"_GPO")
}
