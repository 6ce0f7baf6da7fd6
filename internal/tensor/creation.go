package tensor

import (
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/born-ml/autograd/internal/device"
)

// FromFloat32 creates a Float32 RawTensor from a slice. The data is copied.
func FromFloat32(data []float32, shape Shape, dev device.Device) (*RawTensor, error) {
	if len(data) != shape.NumElements() {
		return nil, errors.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, shape.NumElements())
	}
	r, err := NewRaw(shape, Float32, dev)
	if err != nil {
		return nil, err
	}
	copy(r.AsFloat32(), data)
	return r, nil
}

// FromFloat64 creates a Float64 RawTensor from a slice. The data is copied.
func FromFloat64(data []float64, shape Shape, dev device.Device) (*RawTensor, error) {
	if len(data) != shape.NumElements() {
		return nil, errors.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, shape.NumElements())
	}
	r, err := NewRaw(shape, Float64, dev)
	if err != nil {
		return nil, err
	}
	copy(r.AsFloat64(), data)
	return r, nil
}

// Zeros creates a zero-filled RawTensor.
func Zeros(shape Shape, dtype DataType, dev device.Device) (*RawTensor, error) {
	return NewRaw(shape, dtype, dev)
}

// Ones creates a RawTensor filled with 1. Only floating-point dtypes are
// supported; gradients are always floats.
func Ones(shape Shape, dtype DataType, dev device.Device) (*RawTensor, error) {
	return Full(shape, dtype, dev, 1.0)
}

// Full creates a RawTensor filled with value.
func Full(shape Shape, dtype DataType, dev device.Device, value float64) (*RawTensor, error) {
	r, err := NewRaw(shape, dtype, dev)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float16:
		bits := float16.Fromfloat32(float32(value)).Bits()
		data := r.AsFloat16()
		for i := range data {
			data[i] = bits
		}
	case Float32:
		data := r.AsFloat32()
		for i := range data {
			data[i] = float32(value)
		}
	case Float64:
		data := r.AsFloat64()
		for i := range data {
			data[i] = value
		}
	default:
		return nil, errors.Errorf("Full: unsupported dtype %s (gradients are floating point)", dtype)
	}
	return r, nil
}
