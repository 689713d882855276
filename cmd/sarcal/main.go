// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// sarcal runs a successive-approximation calibration controller.
//
// It waits for the trigger to be released, searches the output code that
// makes the comparator flip, one bit at a time from the MSB, and leaves the
// resolved code on the value port. Then it waits for the next trigger.
//
// Usage:
//
//	sarcal -config sarcal.yaml
//	sarcal -sim -threshold 200 -runs 1 -view
//	sarcal -dry-run -threshold 77 -plot trace.png
//	sarcal -sim -bits 10 -threshold 500 -write-config sim.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GermanBionicSystems/sarcal/board"
	"github.com/GermanBionicSystems/sarcal/calibrate"
	"github.com/GermanBionicSystems/sarcal/config"
	"github.com/GermanBionicSystems/sarcal/sim"
	"github.com/GermanBionicSystems/sarcal/traceplot"
	"github.com/golang/glog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
)

var (
	configPath = flag.String("config", "sarcal.yaml", "configuration file; defaults are used if it doesn't exist")
	runs       = flag.Int("runs", 0, "stop after that many runs; 0 runs forever")
	simulate   = flag.Bool("sim", false, "use a simulated comparator instead of the hardware")
	threshold  = flag.Uint64("threshold", 200, "comparator threshold of the simulation, in port counts")
	view       = flag.Bool("view", false, "mirror the output port on the terminal")
	plot       = flag.String("plot", "", "draw the last run into this PNG file")
	dryRun     = flag.Bool("dry-run", false, "resolve -threshold against the simulated comparator and print the trace")
	bits       = flag.Int("bits", 0, "width of the value port; overrides the file")
	writeCfg   = flag.String("write-config", "", "write the effective configuration to this file and exit")
)

func main() {
	flag.Parse()
	if err := mainImpl(); err != nil {
		glog.Exitf("sarcal: %v", err)
	}
	glog.Flush()
}

func mainImpl() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// Flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "runs":
			cfg.Runs = *runs
		case "sim":
			cfg.Sim.Enabled = *simulate
		case "threshold":
			cfg.Sim.Threshold = *threshold
		case "view":
			cfg.View = *view
		case "plot":
			cfg.Plot = *plot
		case "bits":
			cfg.Bits = *bits
		}
	})
	if *dryRun {
		cfg.Sim.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *writeCfg != "" {
		if err := cfg.Save(*writeCfg); err != nil {
			return err
		}
		glog.Infof("configuration written to %s", *writeCfg)
		return nil
	}
	opts, err := cfg.EngineOpts()
	if err != nil {
		return err
	}
	if *dryRun {
		return resolve(cfg, opts.Polarity)
	}
	if !cfg.Sim.Enabled {
		if _, err := host.Init(); err != nil {
			return err
		}
	}

	b, err := board.New(cfg, nil)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.Idle(); err != nil {
		return err
	}
	glog.Infof("board %s, %d bits, settle %s", b, cfg.Bits, cfg.SettleDelay)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var e *calibrate.Engine
	n := 0
	opts.OnResult = func(res calibrate.Result) {
		n++
		glog.Infof("run %d: %s", n, res)
		if glog.V(2) {
			logTrials(res)
		}
		if n == 1 && b.Ports.Diagnostic != nil {
			glog.V(1).Infof("diagnostic sweep: %#x", e.Diagnostics())
		}
		if cfg.Plot != "" {
			if err := traceplot.SavePNG(cfg.Plot, res, nil); err != nil {
				glog.Warningf("plot: %v", err)
			}
		}
		if b.DAC != nil {
			glog.V(1).Infof("%s: %s", b.DAC, b.DAC.Potential(b.DAC.Code()))
			if cfg.Value.DAC.Save {
				if err := b.DAC.Save(); err != nil {
					glog.Warningf("save: %v", err)
				}
			}
		}
		if cfg.Runs > 0 && n >= cfg.Runs {
			cancel()
		}
	}
	if e, err = calibrate.New(b.Ports, &opts); err != nil {
		return err
	}
	glog.V(1).Infof("%s, search takes %s", e, e.SearchDuration())
	if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// resolve runs the search against the simulated comparator without any port.
func resolve(cfg *config.Config, pol calibrate.Polarity) error {
	mode, err := cfg.SimMode()
	if err != nil {
		return err
	}
	rig := sim.New(cfg.Bits, gpio.GPIOValue(cfg.Sim.Threshold))
	rig.Mode = mode
	res, err := calibrate.Resolve(cfg.Bits, func(trial gpio.GPIOValue) bool {
		return pol.Keep(rig.Compare(trial))
	})
	if err != nil {
		return err
	}
	for ix, trial := range res.Trials() {
		bit := res.Bits - 1 - ix
		fmt.Printf("bit %2d  trial %#0*x  %s\n", bit, 2+(cfg.Bits+3)/4, trial, verdict(res, bit))
	}
	fmt.Println(res)
	if cfg.Plot != "" {
		return traceplot.SavePNG(cfg.Plot, res, nil)
	}
	return nil
}

func logTrials(res calibrate.Result) {
	for ix, trial := range res.Trials() {
		bit := res.Bits - 1 - ix
		glog.Infof("  bit %d: trial %#x %s", bit, trial, verdict(res, bit))
	}
}

func verdict(res calibrate.Result, bit int) string {
	if res.Kept&(gpio.GPIOValue(1)<<bit) != 0 {
		return "kept"
	}
	return "retracted"
}
