// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the gradient value model used by the autograd
// engine: shapes, data types and the RawTensor container.
//
// RawTensor is deliberately small: the engine treats gradients as opaque
// values with a shape, dtype and device, plus the handful of kernels needed
// to accumulate contributions and validate them against edge metadata
// (same-shape sum, broadcast reduction, dtype cast, NaN scan).
//
// A nil *RawTensor is the "undefined" gradient and is skipped everywhere.
//
// Example:
//
//	seed, _ := tensor.Ones(tensor.Shape{3, 4}, tensor.Float32, device.CPUDevice)
//	reduced, _ := seed.SumTo(tensor.Shape{4}) // sums over axis 0
package tensor

import (
	"github.com/born-ml/autograd/internal/tensor"
)

// Shape represents the dimensions of a tensor.
type Shape = tensor.Shape

// DataType represents runtime type information for tensors.
type DataType = tensor.DataType

// Supported data types.
const (
	Float16 = tensor.Float16
	Float32 = tensor.Float32
	Float64 = tensor.Float64
	Int32   = tensor.Int32
	Int64   = tensor.Int64
	Uint8   = tensor.Uint8
	Bool    = tensor.Bool
)

// RawTensor is the low-level gradient value.
type RawTensor = tensor.RawTensor

// NewRaw creates a new zero-filled RawTensor with the given shape and type.
var NewRaw = tensor.NewRaw

// FromFloat32 creates a Float32 RawTensor from a slice.
var FromFloat32 = tensor.FromFloat32

// FromFloat64 creates a Float64 RawTensor from a slice.
var FromFloat64 = tensor.FromFloat64

// Zeros creates a zero-filled RawTensor.
var Zeros = tensor.Zeros

// Ones creates a RawTensor filled with 1.
var Ones = tensor.Ones

// Full creates a RawTensor filled with a value.
var Full = tensor.Full

// Accumulate returns the element-wise sum of two gradients of equal shape,
// dtype and device.
var Accumulate = tensor.Accumulate
