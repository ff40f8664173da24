package haste

// LayerNormBackward reconstructs layer-norm gradients from the cached
// per-row statistics. Recomputing the statistics here is forbidden: a
// different floating-point reduction order would introduce gradient error,
// so the forward cache is the single source of truth.
type LayerNormBackward[T Float] struct {
	batchSize  int
	hiddenSize int
	stream     *Stream
}

// NewLayerNormBackward creates a backward pass matching a forward pass of
// the same shape.
func NewLayerNormBackward[T Float](batchSize, hiddenSize int, stream *Stream) (*LayerNormBackward[T], error) {
	if batchSize <= 0 || hiddenSize <= 0 {
		return nil, NewShapeError("LayerNormBackward", "non-positive shape batch=%d hidden=%d", batchSize, hiddenSize)
	}
	if stream == nil {
		return nil, NewInvalidArgError("LayerNormBackward", "nil stream")
	}
	return &LayerNormBackward[T]{
		batchSize:  batchSize,
		hiddenSize: hiddenSize,
		stream:     stream,
	}, nil
}

// Run launches the backward kernels.
//
// alpha: per-feature scale, (hiddenSize). x: the forward input,
// (batchSize, hiddenSize). cache: the forward (mean, invstd) rows.
// dy: upstream gradient, same shape as x. dx: input gradient output.
// dalpha, dbeta: per-feature parameter gradients, accumulated (+=) so that
// repeated per-timestep calls sum into the same buffers; either may be null.
func (b *LayerNormBackward[T]) Run(alpha, x, cache, dy, dx, dalpha, dbeta DevicePtr) {
	batch, hidden := b.batchSize, b.hiddenSize
	stride := reductionLanes(hidden)

	// Input gradient, one block per row:
	// dx_i = invstd * (dxhat_i - mean(dxhat) - xhat_i * mean(dxhat*xhat))
	// with dxhat = dy * alpha and xhat reconstructed from the cache.
	LaunchBlocks(b.stream, func(blockIdx Dim3) {
		row := blockIdx.X
		xs := devSlice[T](x, batch*hidden)[row*hidden : (row+1)*hidden]
		dys := devSlice[T](dy, batch*hidden)[row*hidden : (row+1)*hidden]
		dxs := devSlice[T](dx, batch*hidden)[row*hidden : (row+1)*hidden]
		as := devSlice[T](alpha, hidden)
		cs := devSlice[T](cache, batch*2)
		mean := cs[row*2+0]
		invstd := cs[row*2+1]

		shared := make([]T, stride)

		// Reduce sum of dxhat.
		for lane := 0; lane < stride; lane++ {
			sum := T(0)
			for i := lane; i < hidden; i += stride {
				sum += dys[i] * as[i]
			}
			shared[lane] = sum
		}
		reduceTree(shared, stride)

		sumDxhat := shared[0]
		// Scratch reuse below must not begin before the read above.

		// Reduce sum of dxhat * xhat.
		for lane := 0; lane < stride; lane++ {
			sum := T(0)
			for i := lane; i < hidden; i += stride {
				xhat := (xs[i] - mean) * invstd
				sum += dys[i] * as[i] * xhat
			}
			shared[lane] = sum
		}
		reduceTree(shared, stride)

		meanDxhat := sumDxhat / T(hidden)
		meanDxhatXhat := shared[0] / T(hidden)

		for i := 0; i < hidden; i++ {
			xhat := (xs[i] - mean) * invstd
			dxs[i] = invstd * (dys[i]*as[i] - meanDxhat - xhat*meanDxhatXhat)
		}
	}, Dim3{X: batch, Y: 1, Z: 1})

	if dalpha.IsNil() && dbeta.IsNil() {
		return
	}

	// Parameter gradients, one thread per feature column.
	grid, block := grid1D(hidden)
	Launch(b.stream, func(tid ThreadID) {
		j := tid.Global()
		if j >= hidden {
			return
		}
		xs := devSlice[T](x, batch*hidden)
		dys := devSlice[T](dy, batch*hidden)
		cs := devSlice[T](cache, batch*2)

		var sumAlpha, sumBeta T
		for row := 0; row < batch; row++ {
			g := dys[row*hidden+j]
			xhat := (xs[row*hidden+j] - cs[row*2+0]) * cs[row*2+1]
			sumAlpha += g * xhat
			sumBeta += g
		}
		if !dalpha.IsNil() {
			devSlice[T](dalpha, hidden)[j] += sumAlpha
		}
		if !dbeta.IsNil() {
			devSlice[T](dbeta, hidden)[j] += sumBeta
		}
	}, grid, block)
}
