// Package tensor provides the gradient value model for the autograd engine:
// shapes, data types and the RawTensor container, together with the small
// set of kernels the engine needs to accumulate and validate gradients.
package tensor

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types. Float16 is stored as raw bits and converted through
// github.com/x448/float16.
const (
	Float16 DataType = iota
	Float32
	Float64
	Int32
	Int64
	Uint8
	Bool
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8, Bool:
		return 1
	default:
		panic("unknown data type")
	}
}

// IsFloatingPoint reports whether the data type is a float type. Gradients
// must be floating point.
func (dt DataType) IsFloatingPoint() bool {
	switch dt {
	case Float16, Float32, Float64:
		return true
	default:
		return false
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}
