// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package device exposes the device model the engine schedules against:
// device kinds and indices, ordered execution streams with events, and the
// runtime registry accelerator backends install themselves into.
//
// Example:
//
//	rt := sim.Register(device.CUDA, 2, 4) // two simulated devices, 4 streams
//	_ = device.MaxDeviceCount()           // → 2, sizes the engine's workers
package device

import (
	"github.com/born-ml/autograd/internal/device"
)

// Type identifies a kind of compute device.
type Type = device.Type

// Supported device kinds.
const (
	CPU    = device.CPU
	CUDA   = device.CUDA
	Vulkan = device.Vulkan
	Metal  = device.Metal
	WebGPU = device.WebGPU
)

// Device is a concrete device: a kind plus an index within that kind.
type Device = device.Device

// CPUDevice is the canonical CPU device.
var CPUDevice = device.CPUDevice

// Stream is an ordered queue of device work.
type Stream = device.Stream

// Event is a one-shot synchronization marker between streams.
type Event = device.Event

// Runtime is the per-kind device runtime the engine consumes.
type Runtime = device.Runtime

// Register installs the runtime for a device kind.
var Register = device.Register

// Get returns the runtime registered for a kind, or nil.
var Get = device.Get

// MaxDeviceCount returns the maximum device count across registered kinds.
var MaxDeviceCount = device.MaxDeviceCount
