// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package port

import (
	"errors"
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Bit is one bit of a wider gpio.Group used as a pin. Writes touch only that
// bit of the group.
type Bit struct {
	group  gpio.Group
	offset int
	name   string
}

// NewBit returns the bit at offset within group.
func NewBit(group gpio.Group, offset int) (*Bit, error) {
	if group == nil {
		return nil, ErrNoPins
	}
	if offset < 0 || offset >= len(group.Pins()) {
		return nil, fmt.Errorf("port: bit offset %d out of range", offset)
	}
	name := fmt.Sprintf("%s.%d", group, offset)
	if p := group.ByOffset(offset); p != nil {
		name = p.Name()
	}
	return &Bit{group: group, offset: offset, name: name}, nil
}

func (b *Bit) mask() gpio.GPIOValue {
	return gpio.GPIOValue(1) << b.offset
}

func (b *Bit) String() string {
	return b.name
}

// Halt implements conn.Resource. The group is left untouched.
func (b *Bit) Halt() error {
	return nil
}

func (b *Bit) Name() string {
	return b.name
}

// Number returns the offset of the bit within the group.
func (b *Bit) Number() int {
	return b.offset
}

// Deprecated: returns "In/Out".
func (b *Bit) Function() string {
	return "In/Out"
}

// In is a no-op; the direction of the group's pins is set when the group is
// created.
func (b *Bit) In(pull gpio.Pull, edge gpio.Edge) error {
	if edge != gpio.NoEdge {
		return errors.New("port: edge detection not supported on a group bit")
	}
	return nil
}

// Read returns the level of the bit. A failed group read is logged and
// reported as Low.
func (b *Bit) Read() gpio.Level {
	v, err := b.group.Read(b.mask())
	if err != nil {
		log.Println(err)
		return gpio.Low
	}
	return v&b.mask() != 0
}

func (b *Bit) WaitForEdge(timeout time.Duration) bool {
	return false
}

func (b *Bit) Pull() gpio.Pull {
	return gpio.PullNoChange
}

func (b *Bit) DefaultPull() gpio.Pull {
	return gpio.PullNoChange
}

// Out writes l to the bit.
func (b *Bit) Out(l gpio.Level) error {
	v := gpio.GPIOValue(0)
	if l {
		v = b.mask()
	}
	return b.group.Out(v, b.mask())
}

func (b *Bit) PWM(duty gpio.Duty, f physic.Frequency) error {
	return gpio.ErrGroupFeatureNotImplemented
}

var _ gpio.PinIO = &Bit{}
