package haste

// GRU fused backward pass (BPTT). Consumes the forward activation cache and
// replays the recurrence in reverse; derivatives are evaluated analytically
// at the cached activations, and the hidden-to-gates dependency of the
// forward direction becomes the carried state-gradient recurrence here.

// GRUBackward drives the reverse-time gradient recurrence for a GRU
// sequence previously run in training mode.
type GRUBackward[T Float] struct {
	batchSize  int
	inputSize  int
	hiddenSize int

	handle *BlasHandle
	stream *Stream
}

// NewGRUBackward creates a backward-pass driver matching the shapes of the
// forward pass that produced the caches.
func NewGRUBackward[T Float](batchSize, inputSize, hiddenSize int, handle *BlasHandle) (*GRUBackward[T], error) {
	if err := validateCellShape("GRUBackward", batchSize, inputSize, hiddenSize); err != nil {
		return nil, err
	}
	if handle == nil || handle.Stream() == nil {
		return nil, NewInvalidArgError("GRUBackward", "nil blas handle or stream")
	}
	return &GRUBackward[T]{
		batchSize:  batchSize,
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		handle:     handle,
		stream:     handle.Stream(),
	}, nil
}

// Run computes gradients for the whole sequence.
//
// W, R, bx, br, x: the forward inputs, unchanged. h: the forward hidden
// state history (steps+1, batchSize, hiddenSize). v: the forward activation
// cache (steps, batchSize, 4*hiddenSize). dhNew: gradient of the loss with
// respect to every output state (steps+1, batchSize, hiddenSize).
// dx: input gradient output (steps, batchSize, inputSize). dW, dR, dbx,
// dbr: weight and bias gradient accumulators, added into (callers zero them
// before the first sequence). dh: carried state gradient (batchSize,
// hiddenSize); zero it before the call, read the initial-state gradient
// from it afterwards. dp, dq: scratch (steps, batchSize, 3*hiddenSize)
// each. zoneoutMask: exactly the mask the forward pass used, or null.
func (bp *GRUBackward[T]) Run(steps int, W, R, bx, br, x, h, v, dhNew, dx, dW, dR, dbx, dbr, dh, dp, dq DevicePtr, zoneoutMask DevicePtr) {
	if steps <= 0 {
		bp.stream.setErr(NewShapeError("GRUBackward.Run", "non-positive steps %d", steps))
		return
	}
	b, i, hs := bp.batchSize, bp.inputSize, bp.hiddenSize

	for t := steps - 1; t >= 0; t-- {
		hPrev := elemOffset[T](h, t*b*hs)
		vt := elemOffset[T](v, t*b*gruCacheGates*hs)
		dhNewT := elemOffset[T](dhNew, (t+1)*b*hs)
		dpT := elemOffset[T](dp, t*b*gruGates*hs)
		dqT := elemOffset[T](dq, t*b*gruGates*hs)
		maskT := DevicePtr{}
		if !zoneoutMask.IsNil() {
			maskT = elemOffset[T](zoneoutMask, t*b*hs)
		}

		gruGradKernel[T](bp.stream, b, hs, hPrev, vt, dhNewT, dh, dpT, dqT, maskT)

		// State gradient through the recurrent weights; same stream, so it
		// lands after the pointwise kernel's partial write of dh.
		Gemm(bp.handle, false, true, b, hs, gruGates*hs, T(1), dqT, gruGates*hs, R, gruGates*hs, T(1), dh, hs)

		// Recurrent weight gradient accumulates across every timestep.
		Gemm(bp.handle, true, false, hs, gruGates*hs, b, T(1), hPrev, hs, dqT, gruGates*hs, T(1), dR, gruGates*hs)
	}

	// Once all gate pre-activation gradients are known, back-projecting to
	// the input has no sequential dependency: one batched GEMM each.
	Gemm(bp.handle, false, true, steps*b, i, gruGates*hs, T(1), dp, gruGates*hs, W, gruGates*hs, T(0), dx, i)
	Gemm(bp.handle, true, false, i, gruGates*hs, steps*b, T(1), x, i, dp, gruGates*hs, T(1), dW, gruGates*hs)

	addColumnSums[T](bp.stream, steps*b, gruGates*hs, dp, dbx)
	addColumnSums[T](bp.stream, steps*b, gruGates*hs, dq, dbr)

	// Gradient flowing directly into the initial state.
	addInto[T](bp.stream, b*hs, dh, dhNew)
}

// gruGradKernel reconstructs the local derivatives at one timestep from the
// cached activations and splits the incoming state gradient between the
// gate pre-activations (dp for the input leg, dq for the recurrent leg) and
// the carried gradient dh.
func gruGradKernel[T Float](stream *Stream, batch, hidden int, hPrev, v, dhNew, dh, dp, dq DevicePtr, zoneoutMask DevicePtr) {
	n := batch * hidden
	grid, block := grid1D(n)
	Launch(stream, func(tid ThreadID) {
		idx := tid.Global()
		if idx >= n {
			return
		}
		b := idx / hidden
		j := idx % hidden

		hs := devSlice[T](hPrev, n)
		vs := devSlice[T](v, batch*gruCacheGates*hidden)
		dnew := devSlice[T](dhNew, n)
		dhs := devSlice[T](dh, n)
		dps := devSlice[T](dp, batch*gruGates*hidden)
		dqs := devSlice[T](dq, batch*gruGates*hidden)

		vbase := b * gruCacheGates * hidden
		z := vs[vbase+j]
		r := vs[vbase+hidden+j]
		g := vs[vbase+2*hidden+j]
		q := vs[vbase+3*hidden+j]

		dhTotal := dnew[idx] + dhs[idx]
		carried := T(0)
		if !zoneoutMask.IsNil() {
			// Units that retained the previous value bypass the cell: their
			// gradient flows straight to the previous timestep.
			m := devSlice[T](zoneoutMask, n)[idx]
			carried = (1 - m) * dhTotal
			dhTotal = m * dhTotal
		}

		dg := dhTotal * (1 - z) * dTanh(g)
		dz := dhTotal * (hs[idx] - g) * dSigmoid(z)
		dr := dg * q * dSigmoid(r)

		base := b * gruGates * hidden
		dps[base+j] = dz
		dps[base+hidden+j] = dr
		dps[base+2*hidden+j] = dg

		dqs[base+j] = dz
		dqs[base+hidden+j] = dr
		dqs[base+2*hidden+j] = dg * r

		// Carried gradient through the state blend; the recurrent-weight
		// projection is added by the following GEMM.
		dhs[idx] = dhTotal*z + carried
	}, grid, block)
}
