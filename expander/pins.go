// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package expander

import (
	"log"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

type ioPin struct {
	dev    *Dev
	number int
	name   string
}

func (pin *ioPin) bit() gpio.GPIOValue {
	return gpio.GPIOValue(1) << pin.number
}

func (pin *ioPin) DefaultPull() gpio.Pull {
	return gpio.Float
}

func (pin *ioPin) Function() string {
	if pin.dev.Inputs()&pin.bit() != 0 {
		return "In"
	}
	return "Out"
}

func (pin *ioPin) Halt() error {
	return nil
}

// In puts the pin in input mode. The chip has a weak internal pull-up and
// no pull-down; pull and edge are ignored.
func (pin *ioPin) In(pull gpio.Pull, edge gpio.Edge) error {
	return pin.dev.setInput(pin.bit())
}

func (pin *ioPin) Name() string {
	return pin.name
}

func (pin *ioPin) Number() int {
	return pin.number
}

func (pin *ioPin) Out(l gpio.Level) error {
	value := gpio.GPIOValue(0)
	if l {
		value = pin.bit()
	}
	return pin.dev.write(value, pin.bit())
}

func (pin *ioPin) Pull() gpio.Pull {
	return gpio.Float
}

// Read returns the pin level. A failed transfer is logged and read as Low.
func (pin *ioPin) Read() gpio.Level {
	value, err := pin.dev.read(pin.bit())
	if err != nil {
		log.Println(err)
		return gpio.Low
	}
	return value&pin.bit() != 0
}

func (pin *ioPin) PWM(duty gpio.Duty, f physic.Frequency) error {
	return ErrNotImplemented
}

func (pin *ioPin) String() string {
	return pin.name
}

func (pin *ioPin) WaitForEdge(timeout time.Duration) bool {
	return false
}

var _ gpio.PinIO = &ioPin{}
