// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package shiftreg

import (
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Pin is one output of the chain. It also implements gpio.PinIn so that it
// can be registered in gpioreg; reads return the latched level.
type Pin struct {
	dev    *Dev
	name   string
	number int
}

// Halt implements conn.Resource.
func (pin *Pin) Halt() error {
	return nil
}

// Name returns the name of the GPIO pin.
func (pin *Pin) Name() string {
	return pin.name
}

// Number returns the position of the pin in the chain.
func (pin *Pin) Number() int {
	return pin.number
}

// Deprecated: returns "Out"
func (pin *Pin) Function() string {
	return "Out"
}

// Out latches l onto the pin. The other outputs keep their level.
func (pin *Pin) Out(l gpio.Level) error {
	mask := gpio.GPIOValue(1) << pin.number
	v := gpio.GPIOValue(0)
	if l {
		v = mask
	}
	return pin.dev.write(v, mask)
}

// In fails; the outputs can't be turned into inputs.
func (pin *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	return ErrNotImplemented
}

// Read returns the latched level of the pin.
func (pin *Pin) Read() gpio.Level {
	return pin.dev.Value()&(gpio.GPIOValue(1)<<pin.number) != 0
}

func (pin *Pin) WaitForEdge(timeout time.Duration) bool {
	return false
}

func (pin *Pin) Pull() gpio.Pull {
	return gpio.PullNoChange
}

func (pin *Pin) DefaultPull() gpio.Pull {
	return gpio.PullNoChange
}

// Not implemented.
func (pin *Pin) PWM(duty gpio.Duty, f physic.Frequency) error {
	return ErrNotImplemented
}

func (pin *Pin) String() string {
	return pin.name
}

var _ gpio.PinIO = &Pin{}
