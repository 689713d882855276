// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package expander

import (
	"errors"
	"strings"
	"testing"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestBasic(t *testing.T) {
	bus := &i2ctest.Playback{}
	dev, err := New(bus, 0x21, PCF8575)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Halt()
	if len(dev.Pins) != 16 {
		t.Errorf("expected 16 GPIO pins. Found %d", len(dev.Pins))
	}
	pin := dev.Pins[1]
	if !strings.HasPrefix(pin.Name(), dev.String()) {
		t.Errorf("Expected pin.Name()=%s to start with dev.String()=%s", pin.Name(), dev.String())
	}
	if pin.Name() != pin.String() {
		t.Error("pin.Name()!=pin.String()")
	}
	if e := pin.PWM(10, 10); !errors.Is(e, ErrNotImplemented) {
		t.Errorf("PWM() expected ErrNotImplemented. Received %#v", e)
	}
	if pin.Halt() != nil {
		t.Error("expected nil on pin.Halt()")
	}
	for ix, p := range dev.Pins {
		if p.Number() != ix {
			t.Errorf("pin.Number() does not match ordinal position %d! Found %d", ix, p.Number())
		}
		if gpioreg.ByName(p.Name()) == nil {
			t.Errorf("pin %s not found in gpioreg", p.Name())
		}
	}
	if _, err := New(bus, 0x22, Variant("PCF9999")); err == nil {
		t.Error("expected error for unknown variant")
	}
}

// Status on bit 0, trigger on bit 1 and feedback on bit 2 of one PCF8574.
// Writing the status bit must keep both inputs released High.
func TestControlPort(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: 0x20, W: []byte{0x02}},
		{Addr: 0x20, W: []byte{0x06}},
		{Addr: 0x20, W: []byte{0x07}},
		{Addr: 0x20, R: []byte{0xfd}},
		{Addr: 0x20, W: []byte{0x06}},
		{Addr: 0x20, R: []byte{0x04}},
	}}
	dev, err := New(bus, DefaultAddress, PCF8574)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Halt()
	status, trigger, feedback := dev.Pins[0], dev.Pins[1], dev.Pins[2]
	if err := trigger.In(gpio.Float, gpio.NoEdge); err != nil {
		t.Fatal(err)
	}
	if err := feedback.In(gpio.Float, gpio.NoEdge); err != nil {
		t.Fatal(err)
	}
	if dev.Inputs() != 0x06 {
		t.Errorf("expected inputs 0x06, found %#x", dev.Inputs())
	}
	if trigger.Function() != "In" || status.Function() != "Out" {
		t.Error("Function() doesn't reflect the pin direction")
	}
	if err := status.Out(gpio.High); err != nil {
		t.Fatal(err)
	}
	// Already High, so the same value doesn't go out twice.
	if err := status.Out(gpio.High); err != nil {
		t.Fatal(err)
	}
	if trigger.Read() != gpio.Low {
		t.Error("expected trigger Low")
	}
	if err := status.Out(gpio.Low); err != nil {
		t.Fatal(err)
	}
	gr, err := dev.Group(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	v, err := gr.Read(0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x2 {
		t.Errorf("expected feedback set and trigger clear (0x2), found %#x", v)
	}
	if err := bus.Close(); err != nil {
		t.Error(err)
	}
}

func TestGroup(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: 0x23, W: []byte{0x34, 0x12}},
		{Addr: 0x23, W: []byte{0x34, 0x02}},
	}}
	dev, err := New(bus, 0x23, PCF8575)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Halt()
	numbers := make([]int, 16)
	for ix := range numbers {
		numbers[ix] = ix
	}
	gr, err := dev.Group(numbers...)
	if err != nil {
		t.Fatal(err)
	}
	if err := gr.Out(0x1234, 0); err != nil {
		t.Fatal(err)
	}
	// Only the upper nibble is selected.
	if err := gr.Out(0x0000, 0xf000); err != nil {
		t.Fatal(err)
	}
	for offset, p := range gr.Pins() {
		if gr.ByOffset(offset) != p || gr.ByName(p.Name()) != p || gr.ByNumber(p.Number()) != p {
			t.Errorf("lookup failed for %s", p)
		}
	}
	if gr.ByOffset(16) != nil || gr.ByName("x") != nil || gr.ByNumber(99) != nil {
		t.Error("expected nil for unknown pins")
	}
	if len(gr.String()) == 0 {
		t.Error("group.String() didn't return a value")
	}
	if _, _, err := gr.WaitForEdge(0); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("WaitForEdge() expected ErrNotImplemented, received %v", err)
	}
	if _, err := dev.Group(16); err == nil {
		t.Error("expected error for pin 16")
	}
	if err := gr.Halt(); err != nil {
		t.Error(err)
	}
	if err := bus.Close(); err != nil {
		t.Error(err)
	}
}

func TestBusError(t *testing.T) {
	bus := &i2ctest.Playback{DontPanic: true}
	dev, _ := New(bus, 0x24, PCF8574)
	defer dev.Halt()
	if err := dev.Pins[0].Out(gpio.High); err == nil || !strings.HasPrefix(err.Error(), "expander:") {
		t.Errorf("expected wrapped bus error, received %v", err)
	}
	if dev.Pins[3].Read() != gpio.Low {
		t.Error("a failed read should report Low")
	}
}
