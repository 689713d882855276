// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package shiftreg

import (
	"log"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

func Example() {
	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}
	// Open the SPI Bus
	pc, err := spireg.Open("")
	if err != nil {
		log.Fatal(err)
	}
	defer pc.Close()
	conn, err := pc.Connect(physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		log.Fatal(err)
	}
	// Two chained registers make a 16 bit port.
	dev, err := New(conn, &Opts{Chips: 2})
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Halt()
	gr, _ := dev.Group()
	for i := range 1 << 16 {
		if err := gr.Out(gpio.GPIOValue(i), 0); err != nil {
			log.Fatal(err)
		}
	}
}
