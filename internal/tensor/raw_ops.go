package tensor

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/born-ml/autograd/internal/device"
)

// at reads element i as float64, converting from the tensor's dtype.
func (r *RawTensor) at(i int) float64 {
	switch r.dtype {
	case Float16:
		return float64(float16.Frombits(r.AsFloat16()[i]).Float32())
	case Float32:
		return float64(r.AsFloat32()[i])
	case Float64:
		return r.AsFloat64()[i]
	default:
		panic("at: non-floating tensor")
	}
}

// setAt writes element i from a float64, converting to the tensor's dtype.
func (r *RawTensor) setAt(i int, v float64) {
	switch r.dtype {
	case Float16:
		r.AsFloat16()[i] = float16.Fromfloat32(float32(v)).Bits()
	case Float32:
		r.AsFloat32()[i] = float32(v)
	case Float64:
		r.AsFloat64()[i] = v
	default:
		panic("setAt: non-floating tensor")
	}
}

// Accumulate returns a + b. Both tensors must agree on shape, dtype and
// device; this is the buffer-slot sum the engine performs when a node
// receives more than one gradient contribution for the same input.
func Accumulate(a, b *RawTensor) (*RawTensor, error) {
	if !a.Shape().Equal(b.Shape()) {
		return nil, errors.Errorf("cannot accumulate gradients of shapes %v and %v", a.Shape(), b.Shape())
	}
	if a.DType() != b.DType() {
		return nil, errors.Errorf("cannot accumulate gradients of dtypes %s and %s", a.DType(), b.DType())
	}
	if a.Device() != b.Device() {
		return nil, errors.Errorf("cannot accumulate gradients on devices %s and %s", a.Device(), b.Device())
	}
	if !a.DType().IsFloatingPoint() {
		return nil, errors.Errorf("cannot accumulate non-floating gradient of dtype %s", a.DType())
	}

	out, err := NewRaw(a.Shape(), a.DType(), a.Device())
	if err != nil {
		return nil, err
	}
	// Fast paths for the common dtypes; float16 goes through conversion.
	switch a.DType() {
	case Float32:
		av, bv, ov := a.AsFloat32(), b.AsFloat32(), out.AsFloat32()
		for i := range ov {
			ov[i] = av[i] + bv[i]
		}
	case Float64:
		av, bv, ov := a.AsFloat64(), b.AsFloat64(), out.AsFloat64()
		for i := range ov {
			ov[i] = av[i] + bv[i]
		}
	default:
		for i := 0; i < out.NumElements(); i++ {
			out.setAt(i, a.at(i)+b.at(i))
		}
	}
	return out, nil
}

// SumTo reduces r by summation to the target shape. The target must satisfy
// target.ExpandableTo(r.Shape()): broadcast dimensions (size 1 or missing on
// the left) are summed out.
func (r *RawTensor) SumTo(target Shape) (*RawTensor, error) {
	if !r.DType().IsFloatingPoint() {
		return nil, errors.Errorf("SumTo: non-floating tensor of dtype %s", r.DType())
	}
	if r.Shape().Equal(target) {
		return r.Clone(), nil
	}
	if !target.ExpandableTo(r.Shape()) {
		return nil, errors.Errorf("SumTo: shape %v is not reducible to %v", r.Shape(), target)
	}

	out, err := NewRaw(target, r.DType(), r.Device())
	if err != nil {
		return nil, err
	}

	src := r.Shape()
	offset := len(src) - len(target) // leading source axes summed out entirely
	outStrides := target.ComputeStrides()

	coords := make([]int, len(src))
	for i := 0; i < r.NumElements(); i++ {
		// Map source coordinates onto the target, collapsing broadcast axes.
		outIdx := 0
		for a := 0; a < len(target); a++ {
			if target[a] != 1 {
				outIdx += coords[offset+a] * outStrides[a]
			}
		}
		out.setAt(outIdx, out.at(outIdx)+r.at(i))

		// Advance row-major coordinates.
		for a := len(src) - 1; a >= 0; a-- {
			coords[a]++
			if coords[a] < src[a] {
				break
			}
			coords[a] = 0
		}
	}
	return out, nil
}

// CastTo converts r to the given floating-point dtype. Returns a shallow
// clone when the dtype already matches.
func (r *RawTensor) CastTo(dtype DataType) (*RawTensor, error) {
	if r.DType() == dtype {
		return r.Clone(), nil
	}
	if !r.DType().IsFloatingPoint() || !dtype.IsFloatingPoint() {
		return nil, errors.Errorf("CastTo: unsupported cast %s -> %s", r.DType(), dtype)
	}
	out, err := NewRaw(r.Shape(), dtype, r.Device())
	if err != nil {
		return nil, err
	}
	for i := 0; i < r.NumElements(); i++ {
		out.setAt(i, r.at(i))
	}
	return out, nil
}

// HasNaN scans the tensor for NaN values. Used by anomaly mode.
func (r *RawTensor) HasNaN() bool {
	if !r.DType().IsFloatingPoint() {
		return false
	}
	for i := 0; i < r.NumElements(); i++ {
		if math.IsNaN(r.at(i)) {
			return true
		}
	}
	return false
}

// ToDevice returns a copy of r placed on dev. Data layout is unchanged; only
// the device label differs. The engine itself does not move gradients between
// devices: validation rejects a gradient on the wrong device.
func (r *RawTensor) ToDevice(dev device.Device) *RawTensor {
	if r.device == dev {
		return r.Clone()
	}
	out := r.Clone()
	out.device = dev
	return out
}
