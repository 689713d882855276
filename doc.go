// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sarcal is a container for a successive-approximation output
// calibration controller and the port drivers it runs on.
//
// The engine lives in calibrate. Ports are built from periph.io pins (port),
// a 74HC595 chain (shiftreg), a PCF857x expander (expander), a MCP472x
// converter (dac) or a simulated comparator (sim). The command is
// cmd/sarcal.
package sarcal
