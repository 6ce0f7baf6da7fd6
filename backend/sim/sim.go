// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package sim provides an in-process simulated accelerator runtime.
//
// Streams are FIFO work queues drained by one goroutine each and events are
// channel latches, which gives the same ordering guarantees real accelerator
// streams have. Useful for exercising stream-ordered backward execution on
// machines without a GPU, and as the reference implementation of the
// device.Runtime interface.
//
// Example:
//
//	rt := sim.Register(device.CUDA, 2, 4) // 2 devices with 4 streams each
//	defer rt.Close()
//
//	s := rt.Stream(0, 1)
//	s.Run(func() { /* ordered device work */ })
//	s.Synchronize()
package sim

import (
	internalsim "github.com/born-ml/autograd/internal/backend/sim"
)

// Runtime is a simulated device runtime for one device kind.
type Runtime = internalsim.Runtime

// Stream is a simulated stream: a FIFO drained by a single goroutine.
type Stream = internalsim.Stream

// Event is a one-shot latch between streams.
type Event = internalsim.Event

// New creates a runtime with the given number of devices and streams per
// device, without registering it.
var New = internalsim.New

// Register creates a runtime and installs it in the device registry.
var Register = internalsim.Register
