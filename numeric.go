package haste

import (
	"math"
	"unsafe"
)

// Float is the working floating-point type of a kernel instantiation. All
// arithmetic inside a kernel stays in this type; there is no mixed-precision
// accumulation.
type Float interface {
	~float32 | ~float64
}

// elemSize returns the size in bytes of T.
func elemSize[T Float]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

// devSlice returns a typed view of n elements of device memory.
func devSlice[T Float](d DevicePtr, n int) []T {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*T)(d.ptr), n)
}

// elemOffset advances a device pointer by n elements of T.
func elemOffset[T Float](d DevicePtr, n int) DevicePtr {
	return d.Offset(n * elemSize[T]())
}

// sigmoid computes 1 / (1 + exp(-x)).
func sigmoid[T Float](x T) T {
	return T(1.0 / (1.0 + math.Exp(-float64(x))))
}

// tanhf computes tanh(x).
func tanhf[T Float](x T) T {
	return T(math.Tanh(float64(x)))
}

// dSigmoid is the sigmoid derivative expressed in terms of the activation
// value v = sigmoid(x). The backward kernels evaluate derivatives at cached
// activations, never by finite differencing.
func dSigmoid[T Float](v T) T {
	return v * (1 - v)
}

// dTanh is the tanh derivative in terms of the activation value v = tanh(x).
func dTanh[T Float](v T) T {
	return 1 - v*v
}

// rsqrt computes 1 / sqrt(x).
func rsqrt[T Float](x T) T {
	return T(1.0 / math.Sqrt(float64(x)))
}

// nextPow2 returns the smallest power of two >= n (n >= 1).
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
