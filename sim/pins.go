// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sim

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/pin"
)

type role int

const (
	roleBit role = iota
	roleStatus
	roleTrigger
	roleFeedback
)

// Pin is one line of the rig.
type Pin struct {
	rig    *Rig
	role   role
	number int
	name   string
}

func (p *Pin) String() string {
	return p.name
}

// Halt implements conn.Resource.
func (p *Pin) Halt() error {
	return nil
}

// Name returns the name of the pin.
func (p *Pin) Name() string {
	return p.name
}

// Number returns the number of the pin.
func (p *Pin) Number() int {
	return p.number
}

// Deprecated: returns "In" or "Out".
func (p *Pin) Function() string {
	if p.role == roleTrigger || p.role == roleFeedback {
		return "In"
	}
	return "Out"
}

// In is accepted on every pin. The rig doesn't model pulls or edges.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	return nil
}

// Read returns the pin level. Trigger and feedback reads are recorded.
func (p *Pin) Read() gpio.Level {
	switch p.role {
	case roleTrigger:
		return p.rig.pollTrigger()
	case roleFeedback:
		return p.rig.sample()
	case roleStatus:
		return p.rig.Status()
	}
	v := p.rig.Value()
	return gpio.Level(v&(gpio.GPIOValue(1)<<p.number) != 0)
}

func (p *Pin) WaitForEdge(timeout time.Duration) bool {
	return false
}

func (p *Pin) Pull() gpio.Pull {
	return gpio.Float
}

func (p *Pin) DefaultPull() gpio.Pull {
	return gpio.Float
}

// Out drives the status line or a single bit of the output port.
func (p *Pin) Out(l gpio.Level) error {
	switch p.role {
	case roleStatus:
		p.rig.setStatus(l)
		return nil
	case roleBit:
		mask := gpio.GPIOValue(1) << p.number
		v := gpio.GPIOValue(0)
		if l {
			v = mask
		}
		p.rig.write(v, mask)
		return nil
	}
	return fmt.Errorf("%w: %s", errInput, p.name)
}

func (p *Pin) PWM(duty gpio.Duty, f physic.Frequency) error {
	return errPWM
}

// Port is the rig's N-bit output port. It implements gpio.Group.
type Port struct {
	rig  *Rig
	pins []*Pin
}

// Pins returns the data pins, least significant first.
func (p *Port) Pins() []pin.Pin {
	pins := make([]pin.Pin, len(p.pins))
	for ix := range p.pins {
		pins[ix] = p.pins[ix]
	}
	return pins
}

func (p *Port) ByOffset(offset int) pin.Pin {
	if offset < 0 || offset >= len(p.pins) {
		return nil
	}
	return p.pins[offset]
}

func (p *Port) ByName(name string) pin.Pin {
	for _, dp := range p.pins {
		if dp.name == name {
			return dp
		}
	}
	return nil
}

func (p *Port) ByNumber(number int) pin.Pin {
	return p.ByOffset(number)
}

// Out writes value to the port. Only bits in mask are modified; a zero mask
// selects every bit.
func (p *Port) Out(value, mask gpio.GPIOValue) error {
	if mask == 0 {
		mask = gpio.GPIOValue(1)<<len(p.pins) - 1
	}
	p.rig.write(value, mask)
	return nil
}

// Read returns the value on the port ANDed with mask. Reads are not
// recorded.
func (p *Port) Read(mask gpio.GPIOValue) (gpio.GPIOValue, error) {
	v := p.rig.Value()
	if mask == 0 {
		return v, nil
	}
	return v & mask, nil
}

func (p *Port) WaitForEdge(timeout time.Duration) (int, gpio.Edge, error) {
	return 0, gpio.NoEdge, gpio.ErrGroupFeatureNotImplemented
}

func (p *Port) Halt() error {
	return nil
}

func (p *Port) String() string {
	return fmt.Sprintf("%s[%d]", p.rig.name, len(p.pins))
}

var _ gpio.PinIO = &Pin{}
var _ gpio.Group = &Port{}
