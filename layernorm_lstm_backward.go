package haste

// Layer-normalized LSTM, fused backward pass. Each timestep inverts the
// forward chain in order: cell-output norm, gate arithmetic, then the two
// gate-leg norms, with the carried hidden and cell gradients threading the
// reverse recurrence. All three norm backwards read the cached (mean,
// invstd) statistics instead of recomputing them.

// LayerNormLSTMGrads groups the gradient outputs of a backward run. DW, DR,
// DB, DGamma, DGammaH and DBetaH are accumulators, added into. DH and DC are
// the carried state gradients (batch, hidden): zero before the call, the
// initial-state gradients afterwards.
type LayerNormLSTMGrads struct {
	DX DevicePtr // (steps, batch, input)
	DW DevicePtr // (input, 4*hidden)
	DR DevicePtr // (hidden, 4*hidden)
	DB DevicePtr // (4*hidden)

	DGamma  DevicePtr // (2, 4*hidden)
	DGammaH DevicePtr // (hidden)
	DBetaH  DevicePtr // (hidden)

	DH DevicePtr // (batch, hidden)
	DC DevicePtr // (batch, hidden)
}

func (g *LayerNormLSTMGrads) complete() bool {
	return !g.DX.IsNil() && !g.DW.IsNil() && !g.DR.IsNil() && !g.DB.IsNil() &&
		!g.DGamma.IsNil() && !g.DGammaH.IsNil() && !g.DBetaH.IsNil() &&
		!g.DH.IsNil() && !g.DC.IsNil()
}

// LayerNormLSTMScratch holds the caller-allocated workspace of a backward
// run. DAct and DWx span the sequence because the input back-projection runs
// as one batched GEMM after the reverse loop; the rest is per-timestep.
type LayerNormLSTMScratch struct {
	DAct DevicePtr // (steps, batch, 4*hidden): gate pre-activation gradients
	DWx  DevicePtr // (steps, batch, 4*hidden): input-leg gradients
	DRh  DevicePtr // (batch, 4*hidden): recurrent-leg gradients

	DNormC   DevicePtr // (batch, hidden): gradient at the normalized cell
	DCellRaw DevicePtr // (batch, hidden): gradient at the raw cell state
	DCellVis DevicePtr // (batch, hidden): zoneout-visible part of the cell gradient
}

func (s *LayerNormLSTMScratch) complete() bool {
	return !s.DAct.IsNil() && !s.DWx.IsNil() && !s.DRh.IsNil() &&
		!s.DNormC.IsNil() && !s.DCellRaw.IsNil() && !s.DCellVis.IsNil()
}

// LayerNormLSTMBackward drives the reverse-time gradient recurrence for a
// layer-normalized LSTM sequence previously run in training mode.
type LayerNormLSTMBackward[T Float] struct {
	batchSize  int
	inputSize  int
	hiddenSize int

	handle *BlasHandle
	stream *Stream

	lnGates *LayerNormBackward[T]
	lnCell  *LayerNormBackward[T]
}

// NewLayerNormLSTMBackward creates a backward-pass driver matching the
// forward shapes.
func NewLayerNormLSTMBackward[T Float](batchSize, inputSize, hiddenSize int, handle *BlasHandle) (*LayerNormLSTMBackward[T], error) {
	if err := validateCellShape("LayerNormLSTMBackward", batchSize, inputSize, hiddenSize); err != nil {
		return nil, err
	}
	if handle == nil || handle.Stream() == nil {
		return nil, NewInvalidArgError("LayerNormLSTMBackward", "nil blas handle or stream")
	}
	stream := handle.Stream()
	lnGates, err := NewLayerNormBackward[T](batchSize, lstmGates*hiddenSize, stream)
	if err != nil {
		return nil, err
	}
	lnCell, err := NewLayerNormBackward[T](batchSize, hiddenSize, stream)
	if err != nil {
		return nil, err
	}
	return &LayerNormLSTMBackward[T]{
		batchSize:  batchSize,
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		handle:     handle,
		stream:     stream,
		lnGates:    lnGates,
		lnCell:     lnCell,
	}, nil
}

// Run computes gradients for the whole sequence.
//
// W, R, b, gamma, gammaH, betaH, x: the forward inputs. h, c: the forward
// state histories (steps+1, batchSize, hiddenSize). cache: the forward
// activation cache. dhNew, dcNew: loss gradients with respect to every
// hidden and cell output (steps+1, batchSize, hiddenSize). zoneoutMask: the
// forward mask, or null.
func (bp *LayerNormLSTMBackward[T]) Run(steps int, W, R, b, gamma, gammaH, betaH, x, h, c DevicePtr, cache *LayerNormLSTMCache, dhNew, dcNew DevicePtr, grads *LayerNormLSTMGrads, scratch *LayerNormLSTMScratch, zoneoutMask DevicePtr) {
	if steps <= 0 {
		bp.stream.setErr(NewShapeError("LayerNormLSTMBackward.Run", "non-positive steps %d", steps))
		return
	}
	if cache == nil || !cache.complete() {
		bp.stream.setErr(NewInvalidArgError("LayerNormLSTMBackward.Run", "incomplete activation cache"))
		return
	}
	if grads == nil || !grads.complete() {
		bp.stream.setErr(NewInvalidArgError("LayerNormLSTMBackward.Run", "incomplete gradient outputs"))
		return
	}
	if scratch == nil || !scratch.complete() {
		bp.stream.setErr(NewInvalidArgError("LayerNormLSTMBackward.Run", "incomplete scratch workspace"))
		return
	}
	bs, is, hs := bp.batchSize, bp.inputSize, bp.hiddenSize
	gh := lstmGates * hs

	gammaX := gamma
	gammaR := elemOffset[T](gamma, gh)
	dgammaX := grads.DGamma
	dgammaR := elemOffset[T](grads.DGamma, gh)

	for t := steps - 1; t >= 0; t-- {
		hPrev := elemOffset[T](h, t*bs*hs)
		cPrev := elemOffset[T](c, t*bs*hs)
		wxT := elemOffset[T](cache.ActWx, t*bs*gh)
		rhT := elemOffset[T](cache.ActRh, t*bs*gh)
		cellT := elemOffset[T](cache.CellAct, t*bs*hs)
		vt := elemOffset[T](cache.V, t*bs*gh)
		wxStatsT := elemOffset[T](cache.WxStats, t*bs*2)
		rhStatsT := elemOffset[T](cache.RhStats, t*bs*2)
		cellStatsT := elemOffset[T](cache.CellStats, t*bs*2)
		dhNewT := elemOffset[T](dhNew, (t+1)*bs*hs)
		dcNewT := elemOffset[T](dcNew, (t+1)*bs*hs)
		dactT := elemOffset[T](scratch.DAct, t*bs*gh)
		dWxT := elemOffset[T](scratch.DWx, t*bs*gh)
		maskT := DevicePtr{}
		if !zoneoutMask.IsNil() {
			maskT = elemOffset[T](zoneoutMask, t*bs*hs)
		}

		// Output side: route zoneout, differentiate h = o*tanh(normC), and
		// stage the output-gate gradient.
		lnLstmOutputGradKernel[T](bp.stream, bs, hs, cellT, cellStatsT, gammaH, betaH, vt, dhNewT, dcNewT, grads.DH, grads.DC, dactT, scratch.DNormC, scratch.DCellVis, maskT)

		// Through the cell-output norm; the visible part of the next-step
		// cell gradient joins past the norm, at the raw cell state.
		bp.lnCell.Run(gammaH, cellT, cellStatsT, scratch.DNormC, scratch.DCellRaw, grads.DGammaH, grads.DBetaH)

		lnLstmGateGradKernel[T](bp.stream, bs, hs, cPrev, vt, scratch.DCellRaw, scratch.DCellVis, grads.DC, dactT, maskT)

		// The two gate legs share the pre-activation gradient.
		bp.lnGates.Run(gammaX, wxT, wxStatsT, dactT, dWxT, dgammaX, DevicePtr{})
		bp.lnGates.Run(gammaR, rhT, rhStatsT, dactT, scratch.DRh, dgammaR, DevicePtr{})

		Gemm(bp.handle, false, true, bs, hs, gh, T(1), scratch.DRh, gh, R, gh, T(1), grads.DH, hs)
		Gemm(bp.handle, true, false, hs, gh, bs, T(1), hPrev, hs, scratch.DRh, gh, T(1), grads.DR, gh)
	}

	Gemm(bp.handle, false, true, steps*bs, is, gh, T(1), scratch.DWx, gh, W, gh, T(0), grads.DX, is)
	Gemm(bp.handle, true, false, is, gh, steps*bs, T(1), x, is, scratch.DWx, gh, T(1), grads.DW, gh)

	// The bias enters after both norms, so its gradient is the plain column
	// sum of the gate pre-activation gradients.
	addColumnSums[T](bp.stream, steps*bs, gh, scratch.DAct, grads.DB)

	addInto[T](bp.stream, bs*hs, grads.DH, dhNew)
	addInto[T](bp.stream, bs*hs, grads.DC, dcNew)
}

// lnLstmOutputGradKernel differentiates the output half of a timestep. It
// splits the incoming state gradients by the zoneout mask, reconstructs the
// normalized cell value from the cached statistics, and writes the gradient
// at the normalized cell (dNormC), the visible cell gradient (dCellVis), the
// output-gate pre-activation gradient (dact block 3), and the carried parts
// into dh and dc.
func lnLstmOutputGradKernel[T Float](stream *Stream, batch, hidden int, cellAct, cellStats, gammaH, betaH, v, dhNew, dcNew, dh, dc, dact, dNormC, dCellVis DevicePtr, zoneoutMask DevicePtr) {
	n := batch * hidden
	grid, block := grid1D(n)
	Launch(stream, func(tid ThreadID) {
		idx := tid.Global()
		if idx >= n {
			return
		}
		b := idx / hidden
		j := idx % hidden

		ca := devSlice[T](cellAct, n)
		st := devSlice[T](cellStats, batch*2)
		gam := devSlice[T](gammaH, hidden)
		bet := devSlice[T](betaH, hidden)
		vs := devSlice[T](v, batch*lstmGates*hidden)
		dhn := devSlice[T](dhNew, n)
		dcn := devSlice[T](dcNew, n)
		dhs := devSlice[T](dh, n)
		dcs := devSlice[T](dc, n)
		da := devSlice[T](dact, batch*lstmGates*hidden)
		dnc := devSlice[T](dNormC, n)
		dcv := devSlice[T](dCellVis, n)

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

		mean := st[b*2]
		invstd := st[b*2+1]
		normC := (ca[idx]-mean)*invstd*gam[j] + bet[j]
		tanhC := tanhf(normC)

		o := vs[b*lstmGates*hidden+3*hidden+j]
		da[b*lstmGates*hidden+3*hidden+j] = dhTotal * tanhC * dSigmoid(o)
		dnc[idx] = dhTotal * o * dTanh(tanhC)

		dcv[idx] = dcTotal
		dcs[idx] = carriedC
		dhs[idx] = carriedH
	}, grid, block)
}

// lnLstmGateGradKernel differentiates the cell arithmetic once the gradient
// at the raw cell state is known: dCellRaw carries the hidden-path part
// (through the norm) and dCellVis the next-step part (past it). Writes the
// i, g, f pre-activation gradients and folds the forget path into dc.
func lnLstmGateGradKernel[T Float](stream *Stream, batch, hidden int, cPrev, v, dCellRaw, dCellVis, dc, dact DevicePtr, zoneoutMask DevicePtr) {
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
		vs := devSlice[T](v, batch*lstmGates*hidden)
		dcr := devSlice[T](dCellRaw, n)
		dcv := devSlice[T](dCellVis, n)
		dcs := devSlice[T](dc, n)
		da := devSlice[T](dact, batch*lstmGates*hidden)

		vbase := b * lstmGates * hidden
		i := vs[vbase+j]
		g := vs[vbase+hidden+j]
		f := vs[vbase+2*hidden+j]

		dcRaw := dcr[idx] + dcv[idx]

		da[vbase+j] = dcRaw * g * dSigmoid(i)
		da[vbase+hidden+j] = dcRaw * i * dTanh(g)
		da[vbase+2*hidden+j] = dcRaw * cps[idx] * dSigmoid(f)

		dcs[idx] += dcRaw * f
	}, grid, block)
}
