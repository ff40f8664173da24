package haste

// Row-wise layer normalization. One block normalizes one batch row; lanes
// within the block stride across the feature dimension and reduce through a
// shared scratch region sized to the lane count. The statistics are computed
// with a two-pass scheme (sum for the mean, then sum of squared deviations
// for the variance). The extra pass costs one more barrier but is more
// robust than the naive sum/sum-of-squares formulation.

// LayerNormForward computes y = (x - mean) / sqrt(var + eps) * alpha + beta
// per batch row, retaining (mean, invstd) per row for the backward pass.
type LayerNormForward[T Float] struct {
	batchSize  int
	hiddenSize int
	stream     *Stream
}

// NewLayerNormForward creates a forward pass over (batchSize, hiddenSize)
// rows, issuing its kernel on the given stream.
func NewLayerNormForward[T Float](batchSize, hiddenSize int, stream *Stream) (*LayerNormForward[T], error) {
	if batchSize <= 0 || hiddenSize <= 0 {
		return nil, NewShapeError("LayerNormForward", "non-positive shape batch=%d hidden=%d", batchSize, hiddenSize)
	}
	if stream == nil {
		return nil, NewInvalidArgError("LayerNormForward", "nil stream")
	}
	return &LayerNormForward[T]{
		batchSize:  batchSize,
		hiddenSize: hiddenSize,
		stream:     stream,
	}, nil
}

// Run launches the normalization kernel.
//
// alpha, beta: per-feature scale and shift, (hiddenSize). beta may be null,
// in which case no shift is applied (used for the gate-path norms).
// x: input (batchSize, hiddenSize). y: output, same shape.
// cache: per-row (mean, invstd), (batchSize, 2). May be null in inference
// mode when no backward pass will follow.
func (f *LayerNormForward[T]) Run(alpha, beta, x, y, cache DevicePtr) {
	batch, hidden := f.batchSize, f.hiddenSize
	stride := reductionLanes(hidden)

	LaunchBlocks(f.stream, func(blockIdx Dim3) {
		b := blockIdx.X
		xs := devSlice[T](x, batch*hidden)[b*hidden : (b+1)*hidden]
		ys := devSlice[T](y, batch*hidden)[b*hidden : (b+1)*hidden]
		as := devSlice[T](alpha, hidden)
		var bs []T
		if !beta.IsNil() {
			bs = devSlice[T](beta, hidden)
		}

		shared := make([]T, stride)

		// Pass 1: reduce the sum to obtain the mean.
		for lane := 0; lane < stride; lane++ {
			sum := T(0)
			for i := lane; i < hidden; i += stride {
				sum += xs[i]
			}
			shared[lane] = sum
		}
		reduceTree(shared, stride)

		mean := shared[0] / T(hidden)
		// The mean read above must complete before the scratch region is
		// written again below; the phase boundary here is that barrier.

		// Pass 2: reduce the sum of squared deviations.
		for lane := 0; lane < stride; lane++ {
			sumsq := T(0)
			for i := lane; i < hidden; i += stride {
				diff := xs[i] - mean
				sumsq += diff * diff
			}
			shared[lane] = sumsq
		}
		reduceTree(shared, stride)

		invstd := rsqrt(shared[0]/T(hidden) + T(LayerNormEpsilon))

		if bs != nil {
			for i := 0; i < hidden; i++ {
				ys[i] = (xs[i]-mean)*invstd*as[i] + bs[i]
			}
		} else {
			for i := 0; i < hidden; i++ {
				ys[i] = (xs[i] - mean) * invstd * as[i]
			}
		}

		if !cache.IsNil() {
			cs := devSlice[T](cache, batch*2)
			cs[b*2+0] = mean
			cs[b*2+1] = invstd
		}
	}, Dim3{X: batch, Y: 1, Z: 1})
}

// reduceTree folds shared[0:stride] into shared[0] with a halving tree.
// Each halving level is one barrier phase.
func reduceTree[T Float](shared []T, stride int) {
	for s := stride / 2; s > 0; s >>= 1 {
		for lane := 0; lane < s; lane++ {
			shared[lane] += shared[lane+s]
		}
	}
}

// reductionLanes picks the lane count for a row of the given width.
func reductionLanes(hidden int) int {
	if hidden >= ReductionBlockSize {
		return ReductionBlockSize
	}
	return nextPow2(hidden)
}
