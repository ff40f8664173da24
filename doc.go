// Package haste provides fused forward and backward kernels for recurrent
// neural-network cells (GRU, LSTM, and layer-normalized LSTM) on a
// CUDA-style CPU execution runtime.
//
// The package replaces a naive per-timestep chain of generic matrix-multiply
// and elementwise launches with purpose-built drivers: the input-to-gates
// product for the whole sequence is issued as one batched GEMM that can run
// on a side stream, while the inherently sequential hidden-to-gates leg and
// the fused gate kernel share a single ordered stream, so no host-side
// synchronization is needed between timesteps. Training-mode drivers retain
// the activations the matching backward driver needs to reconstruct exact
// gradients; the backward drivers replay the recurrence in reverse and
// produce gradients for weights, biases, inputs, and initial state.
//
// Example usage:
//
//	ctx := haste.NewContext()
//	stream := ctx.NewStream()
//	handle := haste.NewBlasHandle(stream)
//
//	fwd, err := haste.NewGRUForward[float32](false, batch, input, hidden, handle)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fwd.Run(steps, W, R, bx, br, x, h, haste.DevicePtr{}, tmpWx, tmpRh, 0, haste.DevicePtr{})
//	if err := stream.Synchronize(); err != nil {
//		log.Fatal(err)
//	}
//
// All buffers are allocated by the caller through the Context; the drivers
// never allocate or free device memory themselves.
package haste
