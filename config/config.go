// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config loads the calibration controller settings from YAML.
//
// A missing file yields Default(). Fields left out of a file keep their
// default value. Durations are written as Go duration strings ("10us",
// "1ms"); "poll_interval: 0s" makes the trigger wait spin.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/GermanBionicSystems/sarcal/calibrate"
	"github.com/GermanBionicSystems/sarcal/sim"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/gpio"
)

// Value port backends.
const (
	BackendGPIO     = "gpio"
	BackendShiftReg = "shiftreg"
	BackendExpander = "expander"
	BackendDAC      = "dac"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid")

// Config represents the controller configuration.
type Config struct {
	Bits         int           `yaml:"bits"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Polarity is "keep_on_high" or "keep_on_low".
	Polarity string `yaml:"polarity"`
	// Release is the trigger level that starts a run, "low" or "high".
	Release string `yaml:"release"`
	// Runs stops the controller after that many runs. Zero runs forever.
	Runs int `yaml:"runs"`

	Pins     PinsConfig      `yaml:"pins"`
	Value    ValueConfig     `yaml:"value"`
	Expander *ExpanderConfig `yaml:"expander,omitempty"`
	Sim      SimConfig       `yaml:"sim"`
	View     bool            `yaml:"view"`
	// Plot is the PNG file the last run is drawn into. Empty disables it.
	Plot string `yaml:"plot,omitempty"`
}

// PinsConfig names the single-bit lines. Names are looked up in gpioreg, so
// expander pins ("PCF8574_20_GPIO0") can be used once an expander is
// configured.
type PinsConfig struct {
	Status   string `yaml:"status"`
	Trigger  string `yaml:"trigger"`
	Feedback string `yaml:"feedback"`
	// Diagnostic lists the pins read by the start-up sweep. Optional. They are
	// put in input mode, so they can't be any of the lines above nor a value
	// pin.
	Diagnostic []string `yaml:"diagnostic,omitempty"`
}

// ValueConfig selects the N-bit candidate port.
type ValueConfig struct {
	Backend string `yaml:"backend"`
	// Pins are the gpioreg names of the port bits, LSB first (gpio backend).
	Pins []string `yaml:"pins,omitempty"`
	// Offsets are the expander pin numbers of the port bits, LSB first
	// (expander backend).
	Offsets []int     `yaml:"offsets,omitempty"`
	SPI     SPIConfig `yaml:"spi"`
	DAC     DACConfig `yaml:"dac"`
}

// SPIConfig describes the 74HC595 chain of the shiftreg backend.
type SPIConfig struct {
	// Port is the spireg name. Empty selects the first port.
	Port  string `yaml:"port"`
	Hz    int64  `yaml:"hz"`
	Chips int    `yaml:"chips"`
}

// DACConfig describes the MCP472x converter of the dac backend.
type DACConfig struct {
	// Bus is the i2creg name. Empty selects the first bus.
	Bus     string `yaml:"bus"`
	Address uint16 `yaml:"address"`
	// Variant is "MCP4725" or "MCP4728".
	Variant string `yaml:"variant"`
	Channel int    `yaml:"channel"`
	// VRef is the full scale output in millivolts. With fewer than 12 bits,
	// the value port drives the top bits of the code.
	VRef        int  `yaml:"vref_mv"`
	InternalRef bool `yaml:"internal_ref"`
	// Save stores every resolved code in the converter's EEPROM.
	Save bool `yaml:"save"`
}

// ExpanderConfig describes a PCF857x on the I²C bus.
type ExpanderConfig struct {
	// Bus is the i2creg name. Empty selects the first bus.
	Bus     string `yaml:"bus"`
	Address uint16 `yaml:"address"`
	// Variant is "PCF8574" or "PCF8575".
	Variant string `yaml:"variant"`
}

// SimConfig replaces the hardware with a simulated comparator.
type SimConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Threshold uint64 `yaml:"threshold"`
	// Mode is "at_or_below" or "above".
	Mode string `yaml:"mode"`
}

// Default returns the 8-bit wiring of the reference board: an 8-bit parallel
// value port, a status output and trigger/feedback inputs on host GPIOs.
func Default() *Config {
	return &Config{
		Bits:         calibrate.DefaultBits,
		SettleDelay:  calibrate.DefaultSettleDelay,
		PollInterval: 100 * time.Microsecond,
		Polarity:     "keep_on_high",
		Release:      "low",
		Pins: PinsConfig{
			Status:   "GPIO17",
			Trigger:  "GPIO27",
			Feedback: "GPIO22",
		},
		Value: ValueConfig{
			Backend: BackendGPIO,
			Pins:    []string{"GPIO5", "GPIO6", "GPIO12", "GPIO13", "GPIO16", "GPIO19", "GPIO20", "GPIO26"},
			SPI:     SPIConfig{Hz: 1000000},
			DAC:     DACConfig{Address: 0x60, Variant: "MCP4725", VRef: 3300},
		},
		Sim: SimConfig{
			Threshold: 200,
			Mode:      "at_or_below",
		},
	}
}

// Load loads the configuration from a YAML file. If the file doesn't exist,
// the defaults are returned.
func Load(filename string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", filename, err)
	}
	cfg.ensureDefaults()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to marshal: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", filename, err)
	}
	return nil
}

// ensureDefaults fills fields that a file set to their zero value. A zero
// PollInterval is kept.
func (c *Config) ensureDefaults() {
	def := Default()
	if c.Bits == 0 {
		c.Bits = def.Bits
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.Polarity == "" {
		c.Polarity = def.Polarity
	}
	if c.Release == "" {
		c.Release = def.Release
	}
	if c.Value.Backend == "" {
		c.Value.Backend = def.Value.Backend
	}
	if c.Value.SPI.Hz == 0 {
		c.Value.SPI.Hz = def.Value.SPI.Hz
	}
	if c.Value.DAC.Address == 0 {
		c.Value.DAC.Address = def.Value.DAC.Address
	}
	if c.Value.DAC.Variant == "" {
		c.Value.DAC.Variant = def.Value.DAC.Variant
	}
	if c.Value.DAC.VRef == 0 {
		c.Value.DAC.VRef = def.Value.DAC.VRef
	}
	if c.Sim.Mode == "" {
		c.Sim.Mode = def.Sim.Mode
	}
	if c.Expander != nil {
		if c.Expander.Address == 0 {
			c.Expander.Address = 0x20
		}
		if c.Expander.Variant == "" {
			c.Expander.Variant = "PCF8574"
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Bits < 1 || c.Bits > calibrate.MaxBits {
		return fmt.Errorf("%w bits %d, must be 1..%d", ErrInvalid, c.Bits, calibrate.MaxBits)
	}
	if c.SettleDelay < 0 || c.PollInterval < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalid)
	}
	if c.Runs < 0 {
		return fmt.Errorf("%w runs %d", ErrInvalid, c.Runs)
	}
	if _, err := c.PolarityValue(); err != nil {
		return err
	}
	if _, err := c.ReleaseLevel(); err != nil {
		return err
	}
	if c.Sim.Enabled {
		if _, err := c.SimMode(); err != nil {
			return err
		}
		if c.Sim.Threshold >= uint64(1)<<c.Bits {
			return fmt.Errorf("%w sim threshold %d for %d bits", ErrInvalid, c.Sim.Threshold, c.Bits)
		}
		return nil
	}
	if c.Pins.Status == "" || c.Pins.Trigger == "" || c.Pins.Feedback == "" {
		return fmt.Errorf("%w: status, trigger and feedback pins are required", ErrInvalid)
	}
	if err := c.validateDiagnostic(); err != nil {
		return err
	}
	if c.Expander != nil && c.Expander.Variant != "PCF8574" && c.Expander.Variant != "PCF8575" {
		return fmt.Errorf("%w expander variant %q", ErrInvalid, c.Expander.Variant)
	}
	switch c.Value.Backend {
	case BackendGPIO:
		if len(c.Value.Pins) != c.Bits {
			return fmt.Errorf("%w: %d value pins for %d bits", ErrInvalid, len(c.Value.Pins), c.Bits)
		}
	case BackendShiftReg:
		chips := c.Value.SPI.Chips
		if chips == 0 {
			chips = (c.Bits + 7) / 8
		}
		if c.Bits > chips*8 {
			return fmt.Errorf("%w: %d chips can't hold %d bits", ErrInvalid, chips, c.Bits)
		}
	case BackendExpander:
		if c.Expander == nil {
			return fmt.Errorf("%w: expander backend needs an expander section", ErrInvalid)
		}
		if len(c.Value.Offsets) != c.Bits {
			return fmt.Errorf("%w: %d value offsets for %d bits", ErrInvalid, len(c.Value.Offsets), c.Bits)
		}
	case BackendDAC:
		if c.Bits > 12 {
			return fmt.Errorf("%w: the DAC has 12 bits, not %d", ErrInvalid, c.Bits)
		}
		switch c.Value.DAC.Variant {
		case "MCP4725":
			if c.Value.DAC.Channel != 0 {
				return fmt.Errorf("%w: MCP4725 has a single channel", ErrInvalid)
			}
		case "MCP4728":
			if c.Value.DAC.Channel < 0 || c.Value.DAC.Channel > 3 {
				return fmt.Errorf("%w DAC channel %d", ErrInvalid, c.Value.DAC.Channel)
			}
		default:
			return fmt.Errorf("%w DAC variant %q", ErrInvalid, c.Value.DAC.Variant)
		}
	default:
		return fmt.Errorf("%w value backend %q", ErrInvalid, c.Value.Backend)
	}
	return nil
}

// validateDiagnostic rejects diagnostic pins that are also driven or sampled
// by the search.
func (c *Config) validateDiagnostic() error {
	used := map[string]string{
		c.Pins.Status:   "status",
		c.Pins.Trigger:  "trigger",
		c.Pins.Feedback: "feedback",
	}
	if c.Value.Backend == BackendGPIO {
		for _, p := range c.Value.Pins {
			used[p] = "value"
		}
	}
	seen := map[string]bool{}
	for _, p := range c.Pins.Diagnostic {
		if role, ok := used[p]; ok {
			return fmt.Errorf("%w: diagnostic pin %q is the %s pin", ErrInvalid, p, role)
		}
		if seen[p] {
			return fmt.Errorf("%w: diagnostic pin %q listed twice", ErrInvalid, p)
		}
		seen[p] = true
	}
	return nil
}

// PolarityValue parses Polarity.
func (c *Config) PolarityValue() (calibrate.Polarity, error) {
	switch strings.ToLower(c.Polarity) {
	case "keep_on_high", "":
		return calibrate.KeepOnHigh, nil
	case "keep_on_low":
		return calibrate.KeepOnLow, nil
	}
	return 0, fmt.Errorf("%w polarity %q", ErrInvalid, c.Polarity)
}

// ReleaseLevel parses Release.
func (c *Config) ReleaseLevel() (gpio.Level, error) {
	switch strings.ToLower(c.Release) {
	case "low", "":
		return gpio.Low, nil
	case "high":
		return gpio.High, nil
	}
	return gpio.Low, fmt.Errorf("%w release level %q", ErrInvalid, c.Release)
}

// SimMode parses Sim.Mode.
func (c *Config) SimMode() (sim.Mode, error) {
	switch strings.ToLower(c.Sim.Mode) {
	case "at_or_below", "":
		return sim.AtOrBelow, nil
	case "above":
		return sim.Above, nil
	}
	return 0, fmt.Errorf("%w sim mode %q", ErrInvalid, c.Sim.Mode)
}

// EngineOpts converts the timing and polarity settings to calibrate.Opts.
func (c *Config) EngineOpts() (calibrate.Opts, error) {
	opts := calibrate.DefaultOpts
	pol, err := c.PolarityValue()
	if err != nil {
		return opts, err
	}
	rel, err := c.ReleaseLevel()
	if err != nil {
		return opts, err
	}
	opts.Bits = c.Bits
	opts.SettleDelay = c.SettleDelay
	opts.PollInterval = c.PollInterval
	opts.Polarity = pol
	opts.Release = rel
	return opts, nil
}
