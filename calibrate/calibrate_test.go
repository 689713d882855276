// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package calibrate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GermanBionicSystems/sarcal/sim"
	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// stepClock returns from Sleep immediately and remembers, for every call, how
// many events the rig had recorded at that point.
type stepClock struct {
	clockwork.Clock
	rig *sim.Rig

	mu    sync.Mutex
	slept []time.Duration
	marks []int
}

func (c *stepClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	if c.rig != nil {
		c.marks = append(c.marks, len(c.rig.Events()))
	}
}

func getEngine(t *testing.T, rig *sim.Rig, opts *Opts) *Engine {
	o := DefaultOpts
	if opts != nil {
		o = *opts
	}
	if o.Clock == nil {
		o.Clock = &stepClock{rig: rig}
	}
	ports := Ports{
		Status:   rig.StatusPin(),
		Value:    rig.Port(),
		Trigger:  rig.TriggerPin(),
		Feedback: rig.FeedbackPin(),
	}
	e, err := New(ports, &o)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestNew(t *testing.T) {
	rig := sim.New(8, 0)
	full := Ports{Status: rig.StatusPin(), Value: rig.Port(), Trigger: rig.TriggerPin(), Feedback: rig.FeedbackPin()}

	e, err := New(full, nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.Bits() != DefaultBits {
		t.Errorf("expected %d bits, found %d", DefaultBits, e.Bits())
	}
	if e.SearchDuration() != 2*DefaultSettleDelay*DefaultBits {
		t.Errorf("unexpected search duration %s", e.SearchDuration())
	}
	if len(e.String()) == 0 {
		t.Error("String() failure")
	}

	e, err = New(full, &Opts{SettleDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if e.Bits() != DefaultBits {
		t.Errorf("zero Bits should select %d, found %d", DefaultBits, e.Bits())
	}

	for _, bits := range []int{-1, MaxBits + 1} {
		if _, err := New(full, &Opts{Bits: bits}); !errors.Is(err, ErrBits) {
			t.Errorf("bits=%d expected ErrBits, received %v", bits, err)
		}
	}
	if _, err := New(full, &Opts{SettleDelay: -time.Second}); err == nil {
		t.Error("expected error for negative settle delay")
	}

	missing := []Ports{
		{Value: rig.Port(), Trigger: rig.TriggerPin(), Feedback: rig.FeedbackPin()},
		{Status: rig.StatusPin(), Trigger: rig.TriggerPin(), Feedback: rig.FeedbackPin()},
		{Status: rig.StatusPin(), Value: rig.Port(), Feedback: rig.FeedbackPin()},
		{Status: rig.StatusPin(), Value: rig.Port(), Trigger: rig.TriggerPin()},
	}
	for ix, ports := range missing {
		if _, err := New(ports, nil); !errors.Is(err, ErrNoPort) {
			t.Errorf("ports[%d] expected ErrNoPort, received %v", ix, err)
		}
	}
}

// Every threshold in range must resolve to itself, and the value must be on
// the port when RunCalibration returns.
func TestConvergence(t *testing.T) {
	tests := []struct {
		name     string
		mode     sim.Mode
		polarity Polarity
	}{
		{"KeepOnHigh", sim.AtOrBelow, KeepOnHigh},
		{"KeepOnLow", sim.Above, KeepOnLow},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rig := sim.New(8, 0)
			rig.Mode = test.mode
			opts := DefaultOpts
			opts.Polarity = test.polarity
			e := getEngine(t, rig, &opts)
			for threshold := range 256 {
				rig.Threshold = gpio.GPIOValue(threshold)
				res, err := e.RunCalibration()
				if err != nil {
					t.Fatal(err)
				}
				if res.Value != gpio.GPIOValue(threshold) {
					t.Errorf("threshold %d resolved to %d", threshold, res.Value)
				}
				if v := rig.Value(); v != res.Value {
					t.Errorf("threshold %d: port holds %d, result is %d", threshold, v, res.Value)
				}
				ref, _ := Resolve(8, func(trial gpio.GPIOValue) bool { return trial <= gpio.GPIOValue(threshold) })
				if ref.Value != res.Value || ref.Kept != res.Kept {
					t.Errorf("threshold %d: reference %s, engine %s", threshold, ref, res)
				}
			}
		})
	}
}

// A threshold beyond the port range saturates at full scale.
func TestConvergence_saturate(t *testing.T) {
	rig := sim.New(4, 1000)
	opts := DefaultOpts
	opts.Bits = 4
	e := getEngine(t, rig, &opts)
	res, err := e.RunCalibration()
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 0x0f || rig.Value() != 0x0f {
		t.Errorf("expected 0x0f, found result=%#x port=%#x", res.Value, rig.Value())
	}
}

func TestScenario200(t *testing.T) {
	rig := sim.New(8, 200)
	e := getEngine(t, rig, nil)
	res, err := e.RunCalibration()
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 200 {
		t.Errorf("expected 200, found %d", res.Value)
	}
	// bits 7, 6 and 3 kept; 5, 4, 2, 1 and 0 retracted.
	if res.Kept != 0xc8 {
		t.Errorf("expected kept 0b11001000, found %08b", res.Kept)
	}
	if res.Retracted != 0x37 {
		t.Errorf("expected retracted 0b00110111, found %08b", res.Retracted)
	}
	expected := []gpio.GPIOValue{128, 192, 224, 208, 200, 204, 202, 201}
	trials := res.Trials()
	if len(trials) != len(expected) {
		t.Fatalf("expected %d trials, found %d", len(expected), len(trials))
	}
	for ix := range expected {
		if trials[ix] != expected[ix] {
			t.Errorf("trial %d expected %d, found %d", ix, expected[ix], trials[ix])
		}
	}
	if rig.Value() != 200 {
		t.Errorf("port holds %d at return, expected 200", rig.Value())
	}
	if res.String() != "0xc8 (kept=11001000)" {
		t.Errorf("unexpected String() %q", res.String())
	}
}

func TestIdempotent(t *testing.T) {
	rig := sim.New(8, 77)
	e := getEngine(t, rig, nil)
	first, err := e.RunCalibration()
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.RunCalibration()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("repeated runs differ: %s then %s", first, second)
	}
	if e.Last() != second {
		t.Errorf("Last() returned %s, expected %s", e.Last(), second)
	}
}

// For every possible sequence of per-bit feedback, the port must hold the
// final candidate when the run ends, never the last trial.
func TestNoStaleWrite(t *testing.T) {
	for seq := range 256 {
		rig := sim.New(8, 0)
		sample := 0
		rig.Respond = func(gpio.GPIOValue) gpio.Level {
			l := gpio.Level(seq&(0x80>>sample) != 0)
			sample++
			return l
		}
		e := getEngine(t, rig, nil)
		res, err := e.RunCalibration()
		if err != nil {
			t.Fatal(err)
		}
		if res.Value != gpio.GPIOValue(seq) {
			t.Errorf("sequence %08b resolved to %08b", seq, res.Value)
		}
		if rig.Value() != res.Value {
			t.Errorf("sequence %08b: port holds %08b, candidate is %08b", seq, rig.Value(), res.Value)
		}
		last := res.Trials()[7]
		if seq&1 == 0 && last == res.Value {
			t.Errorf("sequence %08b: last trial %08b should differ from the resolved value", seq, last)
		}
		events := rig.Events()
		var lastWrite sim.Event
		for _, ev := range events {
			if ev.Op == sim.OpValue {
				lastWrite = ev
			}
		}
		if lastWrite.Value != res.Value {
			t.Errorf("sequence %08b: last port write was %08b", seq, lastWrite.Value)
		}
	}
}

func TestTriggerGating(t *testing.T) {
	const held = 5
	rig := sim.New(8, 42)
	rig.Trigger = func(poll int) gpio.Level {
		return gpio.Level(poll < held)
	}
	opts := DefaultOpts
	opts.PollInterval = time.Millisecond
	clock := &stepClock{rig: rig}
	opts.Clock = clock
	e := getEngine(t, rig, &opts)

	if err := e.AwaitTrigger(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RunCalibration(); err != nil {
		t.Fatal(err)
	}
	events := rig.Events()
	released := -1
	for ix, ev := range events {
		if ev.Op == sim.OpTrigger && ev.Level == gpio.Low {
			released = ix
			break
		}
		if ev.Op == sim.OpValue || ev.Op == sim.OpStatus {
			t.Fatalf("event %d: %s written while the trigger was held", ix, ev.Op)
		}
	}
	if released != held {
		t.Errorf("expected release on poll %d, found %d", held, released)
	}
	polls := 0
	for _, d := range clock.slept {
		if d == opts.PollInterval {
			polls++
		}
	}
	if polls != held {
		t.Errorf("expected %d poll intervals, found %d", held, polls)
	}
}

func TestTriggerRelease_high(t *testing.T) {
	rig := sim.New(8, 42)
	rig.SetTrigger(gpio.High)
	opts := DefaultOpts
	opts.Release = gpio.High
	e := getEngine(t, rig, &opts)
	if err := e.AwaitTrigger(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestAwaitTrigger_cancel(t *testing.T) {
	rig := sim.New(8, 0)
	rig.SetTrigger(gpio.High)
	opts := DefaultOpts
	opts.PollInterval = time.Millisecond
	opts.Clock = clockwork.NewRealClock()
	e := getEngine(t, rig, &opts)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.AwaitTrigger(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, received %v", err)
	}
	for _, ev := range rig.Events() {
		if ev.Op != sim.OpTrigger {
			t.Fatalf("unexpected %s event while waiting for the trigger", ev.Op)
		}
	}
}

func TestStatusBracket(t *testing.T) {
	rig := sim.New(8, 133)
	e := getEngine(t, rig, nil)
	if rig.Status() != gpio.Low {
		t.Fatal("status asserted before any run")
	}
	for range 2 {
		rig.Reset()
		if _, err := e.RunCalibration(); err != nil {
			t.Fatal(err)
		}
		events := rig.Events()
		if len(events) != 2*8+3 {
			t.Fatalf("expected %d events, found %d", 2*8+3, len(events))
		}
		first, last := events[0], events[len(events)-1]
		if first.Op != sim.OpStatus || first.Level != gpio.High {
			t.Errorf("first event should assert status, found %#v", first)
		}
		if last.Op != sim.OpStatus || last.Level != gpio.Low {
			t.Errorf("last event should deassert status, found %#v", last)
		}
		for ix, ev := range events[1 : len(events)-1] {
			if ev.Op == sim.OpStatus {
				t.Errorf("event %d: unexpected status write", ix+1)
			}
			if ev.Status != gpio.High {
				t.Errorf("event %d: %s while status was low", ix+1, ev.Op)
			}
		}
		if rig.Status() != gpio.Low {
			t.Error("status left asserted after the run")
		}
	}
}

// Each trial write and each feedback sample must be preceded by a settle
// delay, and nothing else may sleep during a run.
func TestSettleDelays(t *testing.T) {
	rig := sim.New(8, 99)
	opts := DefaultOpts
	opts.SettleDelay = 7 * time.Microsecond
	clock := &stepClock{rig: rig}
	opts.Clock = clock
	e := getEngine(t, rig, &opts)
	if _, err := e.RunCalibration(); err != nil {
		t.Fatal(err)
	}
	if len(clock.slept) != 2*8 {
		t.Fatalf("expected %d delays, found %d", 2*8, len(clock.slept))
	}
	var total time.Duration
	for ix, d := range clock.slept {
		total += d
		if d != opts.SettleDelay {
			t.Errorf("delay %d: expected %s, found %s", ix, opts.SettleDelay, d)
		}
	}
	if total != e.SearchDuration() {
		t.Errorf("delays add up to %s, SearchDuration() is %s", total, e.SearchDuration())
	}
	events := rig.Events()
	for ix, mark := range clock.marks {
		// The status write is event 0, then write/sample pairs.
		if mark != ix+1 {
			t.Errorf("delay %d happened after %d events, expected %d", ix, mark, ix+1)
			continue
		}
		want := sim.OpValue
		if ix%2 == 1 {
			want = sim.OpFeedback
		}
		if events[mark].Op != want {
			t.Errorf("delay %d should precede a %s, found %s", ix, want, events[mark].Op)
		}
	}
}

func TestRun(t *testing.T) {
	rig := sim.New(8, 17)
	rig.Diagnostic = 0x5a
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var results []Result
	opts := DefaultOpts
	opts.OnResult = func(r Result) {
		results = append(results, r)
		if len(results) == 3 {
			cancel()
		}
	}
	opts.Clock = &stepClock{}
	ports := Ports{
		Status:     rig.StatusPin(),
		Value:      rig.Port(),
		Trigger:    rig.TriggerPin(),
		Feedback:   rig.FeedbackPin(),
		Diagnostic: rig.DiagnosticPort(),
	}
	e, err := New(ports, &opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, received %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 runs, found %d", len(results))
	}
	for ix, r := range results {
		if r.Value != 17 {
			t.Errorf("run %d resolved to %d", ix, r.Value)
		}
	}
	for ix, v := range e.Diagnostics() {
		if v != 0x5a {
			t.Errorf("diagnostic %d expected 0x5a, found %#x", ix, v)
		}
	}
	events := rig.Events()
	for ix := range DiagnosticReads {
		if events[ix].Op != sim.OpDiagnostic {
			t.Errorf("event %d expected a diagnostic read, found %s", ix, events[ix].Op)
		}
	}
	for ix, ev := range events[DiagnosticReads:] {
		if ev.Op == sim.OpDiagnostic {
			t.Errorf("event %d: diagnostic read inside the loop", ix+DiagnosticReads)
		}
	}
}

type failingPort struct {
	err error
}

func (f *failingPort) Out(value, mask gpio.GPIOValue) error {
	return f.err
}

func TestRunCalibration_portError(t *testing.T) {
	status := &gpiotest.Pin{N: "STATUS"}
	trigger := &gpiotest.Pin{N: "TRIGGER"}
	feedback := &gpiotest.Pin{N: "FEEDBACK", L: gpio.High}
	errBus := errors.New("bus fault")
	ports := Ports{Status: status, Value: &failingPort{err: errBus}, Trigger: trigger, Feedback: feedback}
	e, err := New(ports, &Opts{Clock: &stepClock{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.RunCalibration(); !errors.Is(err, errBus) {
		t.Errorf("expected wrapped bus error, received %v", err)
	}
	if status.Read() != gpio.Low {
		t.Error("status left asserted after a failed run")
	}
	ctx := context.Background()
	if err := e.Run(ctx); !errors.Is(err, errBus) {
		t.Errorf("Run() expected wrapped bus error, received %v", err)
	}
}

func TestResolve(t *testing.T) {
	for bits := 1; bits <= 12; bits++ {
		full := 1<<bits - 1
		for _, target := range []int{0, 1, full / 3, full - 1, full} {
			res, err := Resolve(bits, func(trial gpio.GPIOValue) bool { return trial <= gpio.GPIOValue(target) })
			if err != nil {
				t.Fatal(err)
			}
			if res.Value != gpio.GPIOValue(target) {
				t.Errorf("bits=%d target=%d resolved to %d", bits, target, res.Value)
			}
			if res.Kept|res.Retracted != gpio.GPIOValue(full) || res.Kept&res.Retracted != 0 {
				t.Errorf("bits=%d target=%d: kept %b and retracted %b should partition the port", bits, target, res.Kept, res.Retracted)
			}
		}
	}
	if _, err := Resolve(0, nil); !errors.Is(err, ErrBits) {
		t.Errorf("expected ErrBits, received %v", err)
	}
}

func TestPolarity(t *testing.T) {
	if !KeepOnHigh.Keep(gpio.High) || KeepOnHigh.Keep(gpio.Low) {
		t.Error("KeepOnHigh")
	}
	if !KeepOnLow.Keep(gpio.Low) || KeepOnLow.Keep(gpio.High) {
		t.Error("KeepOnLow")
	}
	if KeepOnLow.String() != "KeepOnLow" || Polarity(9).String() != "Polarity(9)" {
		t.Error("Polarity.String()")
	}
}
