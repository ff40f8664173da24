// Package haste configuration constants.
package haste

// Thread and block dimensions.
const (
	// Default block size for pointwise kernels.
	DefaultBlockSize = 256

	// Lane count for block-granular reduction kernels. Must be a power of
	// two so the halving tree terminates at lane 0.
	ReductionBlockSize = 256

	// Pending-task queue depth per stream.
	streamQueueDepth = 1024
)

// Memory pool parameters.
const (
	// Memory alignment for allocations (cache line).
	MemoryAlignment = 64
)

// Numerical constants.
const (
	// Epsilon added to the variance before the inverse square root in the
	// normalization kernel.
	LayerNormEpsilon = 1e-5
)
