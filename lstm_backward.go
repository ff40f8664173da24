package haste

// LSTM fused backward pass. The carried gradients of both the hidden and
// cell state form the reverse-time recurrence; gate derivatives are
// evaluated at the cached activations.

// LSTMBackward drives the reverse-time gradient recurrence for an LSTM
// sequence previously run in training mode.
type LSTMBackward[T Float] struct {
	batchSize  int
	inputSize  int
	hiddenSize int

	handle *BlasHandle
	stream *Stream
}

// NewLSTMBackward creates a backward-pass driver matching the forward
// shapes.
func NewLSTMBackward[T Float](batchSize, inputSize, hiddenSize int, handle *BlasHandle) (*LSTMBackward[T], error) {
	if err := validateCellShape("LSTMBackward", batchSize, inputSize, hiddenSize); err != nil {
		return nil, err
	}
	if handle == nil || handle.Stream() == nil {
		return nil, NewInvalidArgError("LSTMBackward", "nil blas handle or stream")
	}
	return &LSTMBackward[T]{
		batchSize:  batchSize,
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		handle:     handle,
		stream:     handle.Stream(),
	}, nil
}

// Run computes gradients for the whole sequence.
//
// W, R, bx, br, x: the forward inputs. h, c: the forward state histories
// (steps+1, batchSize, hiddenSize). v: the forward gate cache
// (steps, batchSize, 4*hiddenSize). dhNew, dcNew: loss gradients with
// respect to every hidden and cell output (steps+1, batchSize, hiddenSize).
// dx: input gradient output. dW, dR, dbx, dbr: gradient accumulators,
// added into. dh, dc: carried state gradients (batchSize, hiddenSize);
// zero before the call, initial-state gradients afterwards. dp: scratch
// (steps, batchSize, 4*hiddenSize). zoneoutMask: the forward mask, or null.
func (bp *LSTMBackward[T]) Run(steps int, W, R, bx, br, x, h, c, v, dhNew, dcNew, dx, dW, dR, dbx, dbr, dh, dc, dp DevicePtr, zoneoutMask DevicePtr) {
	if steps <= 0 {
		bp.stream.setErr(NewShapeError("LSTMBackward.Run", "non-positive steps %d", steps))
		return
	}
	b, i, hs := bp.batchSize, bp.inputSize, bp.hiddenSize

	for t := steps - 1; t >= 0; t-- {
		hPrev := elemOffset[T](h, t*b*hs)
		cPrev := elemOffset[T](c, t*b*hs)
		cNext := elemOffset[T](c, (t+1)*b*hs)
		vt := elemOffset[T](v, t*b*lstmGates*hs)
		dhNewT := elemOffset[T](dhNew, (t+1)*b*hs)
		dcNewT := elemOffset[T](dcNew, (t+1)*b*hs)
		dpT := elemOffset[T](dp, t*b*lstmGates*hs)
		maskT := DevicePtr{}
		if !zoneoutMask.IsNil() {
			maskT = elemOffset[T](zoneoutMask, t*b*hs)
		}

		lstmGradKernel[T](bp.stream, b, hs, cPrev, cNext, vt, dhNewT, dcNewT, dh, dc, dpT, maskT)

		Gemm(bp.handle, false, true, b, hs, lstmGates*hs, T(1), dpT, lstmGates*hs, R, lstmGates*hs, T(1), dh, hs)
		Gemm(bp.handle, true, false, hs, lstmGates*hs, b, T(1), hPrev, hs, dpT, lstmGates*hs, T(1), dR, lstmGates*hs)
	}

	Gemm(bp.handle, false, true, steps*b, i, lstmGates*hs, T(1), dp, lstmGates*hs, W, lstmGates*hs, T(0), dx, i)
	Gemm(bp.handle, true, false, i, lstmGates*hs, steps*b, T(1), x, i, dp, lstmGates*hs, T(1), dW, lstmGates*hs)

	// Both biases enter the same pre-activation, so they share gradients.
	addColumnSums[T](bp.stream, steps*b, lstmGates*hs, dp, dbx)
	addColumnSums[T](bp.stream, steps*b, lstmGates*hs, dp, dbr)

	addInto[T](bp.stream, b*hs, dh, dhNew)
	addInto[T](bp.stream, b*hs, dc, dcNew)
}

// lstmGradKernel reconstructs local derivatives at one timestep and updates
// the carried hidden and cell gradients. Where zoneout retained a unit, the
// gradient bypasses the cell arithmetic and flows straight to the previous
// timestep.
func lstmGradKernel[T Float](stream *Stream, batch, hidden int, cPrev, cNext, v, dhNew, dcNew, dh, dc, dp DevicePtr, zoneoutMask DevicePtr) {
	n := batch * hidden
	grid, block := grid1D(n)
	Launch(stream, func(tid ThreadID) {
		idx := tid.Global()
		if idx >= n {
			return
		}
		b := idx / hidden
		j := idx % hidden

		cps := devSlice[T](cPrev, n)
		cns := devSlice[T](cNext, n)
		vs := devSlice[T](v, batch*lstmGates*hidden)
		dhn := devSlice[T](dhNew, n)
		dcn := devSlice[T](dcNew, n)
		dhs := devSlice[T](dh, n)
		dcs := devSlice[T](dc, n)
		dps := devSlice[T](dp, batch*lstmGates*hidden)

		vbase := b * lstmGates * hidden
		i := vs[vbase+j]
		g := vs[vbase+hidden+j]
		f := vs[vbase+2*hidden+j]
		o := vs[vbase+3*hidden+j]

		dhTotal := dhn[idx] + dhs[idx]
		dcTotal := dcn[idx] + dcs[idx]
		carriedH := T(0)
		carriedC := T(0)
		if !zoneoutMask.IsNil() {
			m := devSlice[T](zoneoutMask, n)[idx]
			carriedH = (1 - m) * dhTotal
			dhTotal = m * dhTotal
			carriedC = (1 - m) * dcTotal
			dcTotal = m * dcTotal
		}

		// cNext holds the carried cell state; for retained units the new
		// cell value was discarded and dhTotal is already zero there.
		tanhC := tanhf(cns[idx])
		do := dhTotal * tanhC * dSigmoid(o)
		dcInner := dcTotal + dhTotal*o*dTanh(tanhC)

		di := dcInner * g * dSigmoid(i)
		dg := dcInner * i * dTanh(g)
		df := dcInner * cps[idx] * dSigmoid(f)

		base := b * lstmGates * hidden
		dps[base+j] = di
		dps[base+hidden+j] = dg
		dps[base+2*hidden+j] = df
		dps[base+3*hidden+j] = do

		dcs[idx] = dcInner*f + carriedC
		dhs[idx] = carriedH
	}, grid, block)
}
