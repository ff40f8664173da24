package haste

// Layer-normalized LSTM, fused forward pass. Normalization is applied to
// the input-to-gates product (gain gamma[0]), the hidden-to-gates product
// (gain gamma[1]), and the new cell state before the output tanh (gain
// gammaH, shift betaH). The single bias vector is added after the two gate
// norms, since a pre-norm bias would be cancelled by the mean subtraction.

// LayerNormLSTMCache aggregates the activations the backward pass needs.
// All buffers are caller-allocated; the stats caches hold the per-row
// (mean, invstd) pairs of the three normalizations; the backward pass reuses
// them rather than recomputing, which would change the reduction order and
// corrupt gradients.
type LayerNormLSTMCache struct {
	ActWx   DevicePtr // (steps, batch, 4*hidden): raw input-to-gates products
	ActRh   DevicePtr // (steps, batch, 4*hidden): raw hidden-to-gates products
	CellAct DevicePtr // (steps, batch, hidden): pre-normalization cell states
	V       DevicePtr // (steps, batch, 4*hidden): post-activation gates

	WxStats   DevicePtr // (steps, batch, 2)
	RhStats   DevicePtr // (steps, batch, 2)
	CellStats DevicePtr // (steps, batch, 2)
}

func (c *LayerNormLSTMCache) complete() bool {
	return !c.ActWx.IsNil() && !c.ActRh.IsNil() && !c.CellAct.IsNil() && !c.V.IsNil() &&
		!c.WxStats.IsNil() && !c.RhStats.IsNil() && !c.CellStats.IsNil()
}

// LayerNormLSTMForward drives the layer-normalized LSTM recurrence,
// embedding the normalization kernel in the gate path.
type LayerNormLSTMForward[T Float] struct {
	training   bool
	batchSize  int
	inputSize  int
	hiddenSize int

	handle    *BlasHandle
	stream    *Stream
	auxStream *Stream

	lnGates *LayerNormForward[T] // rows of width 4*hidden, both gate legs
	lnCell  *LayerNormForward[T] // rows of width hidden, cell output
}

// NewLayerNormLSTMForward creates a forward-pass driver.
func NewLayerNormLSTMForward[T Float](training bool, batchSize, inputSize, hiddenSize int, handle *BlasHandle) (*LayerNormLSTMForward[T], error) {
	if err := validateCellShape("LayerNormLSTMForward", batchSize, inputSize, hiddenSize); err != nil {
		return nil, err
	}
	if handle == nil || handle.Stream() == nil {
		return nil, NewInvalidArgError("LayerNormLSTMForward", "nil blas handle or stream")
	}
	stream := handle.Stream()
	lnGates, err := NewLayerNormForward[T](batchSize, lstmGates*hiddenSize, stream)
	if err != nil {
		return nil, err
	}
	lnCell, err := NewLayerNormForward[T](batchSize, hiddenSize, stream)
	if err != nil {
		return nil, err
	}
	return &LayerNormLSTMForward[T]{
		training:   training,
		batchSize:  batchSize,
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		handle:     handle,
		stream:     stream,
		lnGates:    lnGates,
		lnCell:     lnCell,
	}, nil
}

// SetAuxStream directs the bulk input-to-gates GEMM issued by Run to a
// separate stream; the recurrence stream waits on it via an event.
func (fp *LayerNormLSTMForward[T]) SetAuxStream(s *Stream) {
	fp.auxStream = s
}

// Run executes the full sequence.
//
// W (inputSize, 4*hiddenSize), R (hiddenSize, 4*hiddenSize), b
// (4*hiddenSize). gamma: (2, 4*hiddenSize), row 0 the input-leg gain and
// row 1 the recurrent-leg gain. gammaH, betaH: (hiddenSize) cell-output
// norm parameters. x: (steps, batchSize, inputSize). h, c: state histories
// (steps+1, batchSize, hiddenSize) with index 0 the initial states.
//
// In training mode cache must be fully populated and tmpWx/tmpRh/tmpCell
// are unused (pass null); in inference mode cache is nil and tmpWx
// (steps, batchSize, 4*hiddenSize), tmpRh (batchSize, 4*hiddenSize) and
// tmpCell (batchSize, hiddenSize) provide the equivalent scratch. normWx,
// normRh (batchSize, 4*hiddenSize) and normC (batchSize, hiddenSize) are
// per-timestep scratch in both modes. zoneoutMask:
// (steps, batchSize, hiddenSize) when zoneoutProb > 0 in training mode.
func (fp *LayerNormLSTMForward[T]) Run(steps int, W, R, b, gamma, gammaH, betaH, x, h, c DevicePtr, cache *LayerNormLSTMCache, tmpWx, tmpRh, tmpCell, normWx, normRh, normC DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) {
	if steps <= 0 {
		fp.stream.setErr(NewShapeError("LayerNormLSTMForward.Run", "non-positive steps %d", steps))
		return
	}
	if fp.training && (cache == nil || !cache.complete()) {
		fp.stream.setErr(NewInvalidArgError("LayerNormLSTMForward.Run", "training mode requires a complete activation cache"))
		return
	}
	if fp.training && zoneoutProb > 0 && zoneoutMask.IsNil() {
		fp.stream.setErr(NewInvalidArgError("LayerNormLSTMForward.Run", "training mode with zoneout requires a pre-sampled mask"))
		return
	}
	if !fp.training && (tmpWx.IsNil() || tmpRh.IsNil() || tmpCell.IsNil()) {
		fp.stream.setErr(NewInvalidArgError("LayerNormLSTMForward.Run", "inference mode requires tmpWx, tmpRh and tmpCell scratch"))
		return
	}
	bs, is, hs := fp.batchSize, fp.inputSize, fp.hiddenSize
	gh := lstmGates * hs

	wx := tmpWx
	if fp.training {
		wx = cache.ActWx
	}

	// Bulk input-to-gates product for the whole sequence; in training mode
	// it doubles as the raw-activation cache for the backward norms.
	wxStream := fp.stream
	if fp.auxStream != nil {
		wxStream = fp.auxStream
	}
	fp.handle.SetStream(wxStream)
	Gemm(fp.handle, false, false, steps*bs, gh, is, T(1), x, is, W, gh, T(0), wx, gh)
	fp.handle.SetStream(fp.stream)
	if wxStream != fp.stream {
		fp.stream.WaitEvent(wxStream.Record())
	}

	gammaX := gamma
	gammaR := elemOffset[T](gamma, gh)

	for t := 0; t < steps; t++ {
		hPrev := elemOffset[T](h, t*bs*hs)
		hNext := elemOffset[T](h, (t+1)*bs*hs)
		cPrev := elemOffset[T](c, t*bs*hs)
		cNext := elemOffset[T](c, (t+1)*bs*hs)
		wxT := elemOffset[T](wx, t*bs*gh)

		rhT := tmpRh
		cellT := tmpCell
		gatesT := normWx // dead after the gate kernel, reused for gates
		var wxStatsT, rhStatsT, cellStatsT, maskT DevicePtr
		if fp.training {
			rhT = elemOffset[T](cache.ActRh, t*bs*gh)
			cellT = elemOffset[T](cache.CellAct, t*bs*hs)
			gatesT = elemOffset[T](cache.V, t*bs*gh)
			wxStatsT = elemOffset[T](cache.WxStats, t*bs*2)
			rhStatsT = elemOffset[T](cache.RhStats, t*bs*2)
			cellStatsT = elemOffset[T](cache.CellStats, t*bs*2)
		}
		if !zoneoutMask.IsNil() {
			maskT = elemOffset[T](zoneoutMask, t*bs*hs)
		}

		Gemm(fp.handle, false, false, bs, gh, hs, T(1), hPrev, hs, R, gh, T(0), rhT, gh)

		fp.lnGates.Run(gammaX, DevicePtr{}, wxT, normWx, wxStatsT)
		fp.lnGates.Run(gammaR, DevicePtr{}, rhT, normRh, rhStatsT)

		lnLstmGateKernel[T](fp.stream, bs, hs, normWx, normRh, b, cPrev, gatesT, cellT)

		fp.lnCell.Run(gammaH, betaH, cellT, normC, cellStatsT)

		lnLstmOutputKernel[T](fp.stream, bs, hs, gatesT, normC, cellT, hPrev, cPrev, hNext, cNext, zoneoutProb, maskT)
	}
}

// lnLstmGateKernel computes the gate activations from the two normalized
// legs plus bias, and the raw new cell state. Gates land in gates (which
// may alias normWx: each thread reads its own positions before writing).
func lnLstmGateKernel[T Float](stream *Stream, batch, hidden int, normWx, normRh, bias, cPrev, gates, cellOut DevicePtr) {
	n := batch * hidden
	grid, block := grid1D(n)
	Launch(stream, func(tid ThreadID) {
		idx := tid.Global()
		if idx >= n {
			return
		}
		b := idx / hidden
		j := idx % hidden

		nwx := devSlice[T](normWx, batch*lstmGates*hidden)
		nrh := devSlice[T](normRh, batch*lstmGates*hidden)
		bs := devSlice[T](bias, lstmGates*hidden)
		cp := devSlice[T](cPrev, n)
		gs := devSlice[T](gates, batch*lstmGates*hidden)
		co := devSlice[T](cellOut, n)

		base := b * lstmGates * hidden
		i := sigmoid(nwx[base+j] + nrh[base+j] + bs[j])
		g := tanhf(nwx[base+hidden+j] + nrh[base+hidden+j] + bs[hidden+j])
		f := sigmoid(nwx[base+2*hidden+j] + nrh[base+2*hidden+j] + bs[2*hidden+j])
		o := sigmoid(nwx[base+3*hidden+j] + nrh[base+3*hidden+j] + bs[3*hidden+j])

		co[idx] = f*cp[idx] + i*g

		gs[base+j] = i
		gs[base+hidden+j] = g
		gs[base+2*hidden+j] = f
		gs[base+3*hidden+j] = o
	}, grid, block)
}

// lnLstmOutputKernel produces the hidden state from the normalized cell
// state and applies zoneout to both states.
func lnLstmOutputKernel[T Float](stream *Stream, batch, hidden int, gates, normC, cellRaw, hPrev, cPrev, hOut, cOut DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) {
	n := batch * hidden
	grid, block := grid1D(n)
	Launch(stream, func(tid ThreadID) {
		idx := tid.Global()
		if idx >= n {
			return
		}
		b := idx / hidden
		j := idx % hidden

		gs := devSlice[T](gates, batch*lstmGates*hidden)
		nc := devSlice[T](normC, n)
		cr := devSlice[T](cellRaw, n)
		hp := devSlice[T](hPrev, n)
		cp := devSlice[T](cPrev, n)
		ho := devSlice[T](hOut, n)
		co := devSlice[T](cOut, n)

		o := gs[b*lstmGates*hidden+3*hidden+j]
		hNew := o * tanhf(nc[idx])
		cNew := cr[idx]

		if zoneoutProb > 0 {
			if !zoneoutMask.IsNil() {
				m := devSlice[T](zoneoutMask, n)[idx]
				hNew = m*hNew + (1-m)*hp[idx]
				cNew = m*cNew + (1-m)*cp[idx]
			} else {
				hNew = (1-zoneoutProb)*hNew + zoneoutProb*hp[idx]
				cNew = (1-zoneoutProb)*cNew + zoneoutProb*cp[idx]
			}
		}
		ho[idx] = hNew
		co[idx] = cNew
	}, grid, block)
}
