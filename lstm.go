package haste

// LSTM cell, fused forward pass. Weight matrices carry four concatenated
// gate blocks in i,g,f,o order (input, candidate, forget, output). Both
// bias vectors enter the shared gate pre-activation, so the hidden-to-gates
// product is accumulated directly into the input-to-gates buffer instead of
// using a separate scratch matrix.
const lstmGates = 4

// LSTMForward drives the LSTM recurrence over time.
type LSTMForward[T Float] struct {
	training   bool
	batchSize  int
	inputSize  int
	hiddenSize int

	handle    *BlasHandle
	stream    *Stream
	auxStream *Stream
}

// NewLSTMForward creates a forward-pass driver.
func NewLSTMForward[T Float](training bool, batchSize, inputSize, hiddenSize int, handle *BlasHandle) (*LSTMForward[T], error) {
	if err := validateCellShape("LSTMForward", batchSize, inputSize, hiddenSize); err != nil {
		return nil, err
	}
	if handle == nil || handle.Stream() == nil {
		return nil, NewInvalidArgError("LSTMForward", "nil blas handle or stream")
	}
	return &LSTMForward[T]{
		training:   training,
		batchSize:  batchSize,
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		handle:     handle,
		stream:     handle.Stream(),
	}, nil
}

// SetAuxStream directs the bulk input-to-gates GEMM issued by Run to a
// separate stream; the recurrence stream waits on it via an event.
func (fp *LSTMForward[T]) SetAuxStream(s *Stream) {
	fp.auxStream = s
}

// Iterate advances the recurrence by one timestep.
//
// W (inputSize, 4*hiddenSize), R (hiddenSize, 4*hiddenSize), bx, br
// (4*hiddenSize). x: input slice (batchSize, inputSize). h, c: previous
// states (batchSize, hiddenSize); hOut, cOut: new states, may alias. v:
// training cache slice (batchSize, 4*hiddenSize) of post-activation gates,
// null in inference. tmpWx: scratch (batchSize, 4*hiddenSize); the
// hidden-to-gates product is summed into it. zoneoutMask: retention mask
// applied to both hidden and cell state.
func (fp *LSTMForward[T]) Iterate(W, R, bx, br, x, h, hOut, c, cOut, v, tmpWx DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) {
	if !fp.checkCall("LSTMForward.Iterate", v, zoneoutProb, zoneoutMask) {
		return
	}
	b, i, hs := fp.batchSize, fp.inputSize, fp.hiddenSize
	Gemm(fp.handle, false, false, b, lstmGates*hs, i, T(1), x, i, W, lstmGates*hs, T(0), tmpWx, lstmGates*hs)
	fp.iterate(R, bx, br, h, hOut, c, cOut, v, tmpWx, zoneoutProb, zoneoutMask)
}

// Run executes the full sequence.
//
// x: (steps, batchSize, inputSize). h, c: state histories
// (steps+1, batchSize, hiddenSize) with index 0 holding the initial states;
// written slices must not be overwritten before the backward pass. v:
// (steps, batchSize, 4*hiddenSize) in training mode. tmpWx: scratch
// (steps, batchSize, 4*hiddenSize). zoneoutMask:
// (steps, batchSize, hiddenSize) when used.
func (fp *LSTMForward[T]) Run(steps int, W, R, bx, br, x, h, c, v, tmpWx DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) {
	if steps <= 0 {
		fp.stream.setErr(NewShapeError("LSTMForward.Run", "non-positive steps %d", steps))
		return
	}
	if !fp.checkCall("LSTMForward.Run", v, zoneoutProb, zoneoutMask) {
		return
	}
	b, i, hs := fp.batchSize, fp.inputSize, fp.hiddenSize

	wxStream := fp.stream
	if fp.auxStream != nil {
		wxStream = fp.auxStream
	}
	fp.handle.SetStream(wxStream)
	Gemm(fp.handle, false, false, steps*b, lstmGates*hs, i, T(1), x, i, W, lstmGates*hs, T(0), tmpWx, lstmGates*hs)
	fp.handle.SetStream(fp.stream)
	if wxStream != fp.stream {
		fp.stream.WaitEvent(wxStream.Record())
	}

	for t := 0; t < steps; t++ {
		hPrev := elemOffset[T](h, t*b*hs)
		hNext := elemOffset[T](h, (t+1)*b*hs)
		cPrev := elemOffset[T](c, t*b*hs)
		cNext := elemOffset[T](c, (t+1)*b*hs)
		vt := DevicePtr{}
		if !v.IsNil() {
			vt = elemOffset[T](v, t*b*lstmGates*hs)
		}
		maskT := DevicePtr{}
		if !zoneoutMask.IsNil() {
			maskT = elemOffset[T](zoneoutMask, t*b*hs)
		}
		wxT := elemOffset[T](tmpWx, t*b*lstmGates*hs)
		fp.iterate(R, bx, br, hPrev, hNext, cPrev, cNext, vt, wxT, zoneoutProb, maskT)
	}
}

func (fp *LSTMForward[T]) iterate(R, bx, br, h, hOut, c, cOut, v, tmpWx DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) {
	b, hs := fp.batchSize, fp.hiddenSize
	// Accumulation mode sums the hidden-to-gates leg into the precomputed
	// input-to-gates product.
	Gemm(fp.handle, false, false, b, lstmGates*hs, hs, T(1), h, hs, R, lstmGates*hs, T(1), tmpWx, lstmGates*hs)
	lstmCellKernel[T](fp.stream, b, hs, tmpWx, bx, br, h, hOut, c, cOut, v, zoneoutProb, zoneoutMask)
}

func (fp *LSTMForward[T]) checkCall(op string, v DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) bool {
	if fp.training && v.IsNil() {
		fp.stream.setErr(NewInvalidArgError(op, "training mode requires the activation cache"))
		return false
	}
	if fp.training && zoneoutProb > 0 && zoneoutMask.IsNil() {
		fp.stream.setErr(NewInvalidArgError(op, "training mode with zoneout requires a pre-sampled mask"))
		return false
	}
	return true
}

// lstmCellKernel is the fused gate kernel: bias add, activations, cell and
// hidden updates, optional zoneout, and the training cache write.
func lstmCellKernel[T Float](stream *Stream, batch, hidden int, act, bx, br, h, hOut, c, cOut, v DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) {
	n := batch * hidden
	grid, block := grid1D(n)
	Launch(stream, func(tid ThreadID) {
		idx := tid.Global()
		if idx >= n {
			return
		}
		b := idx / hidden
		j := idx % hidden

		as := devSlice[T](act, batch*lstmGates*hidden)
		bxs := devSlice[T](bx, lstmGates*hidden)
		brs := devSlice[T](br, lstmGates*hidden)
		hs := devSlice[T](h, n)
		ho := devSlice[T](hOut, n)
		cs := devSlice[T](c, n)
		co := devSlice[T](cOut, n)

		base := b * lstmGates * hidden
		i := sigmoid(as[base+j] + bxs[j] + brs[j])
		g := tanhf(as[base+hidden+j] + bxs[hidden+j] + brs[hidden+j])
		f := sigmoid(as[base+2*hidden+j] + bxs[2*hidden+j] + brs[2*hidden+j])
		o := sigmoid(as[base+3*hidden+j] + bxs[3*hidden+j] + brs[3*hidden+j])

		cPrev := cs[idx]
		cNew := f*cPrev + i*g
		hNew := o * tanhf(cNew)

		if !v.IsNil() {
			vs := devSlice[T](v, batch*lstmGates*hidden)
			vbase := b * lstmGates * hidden
			vs[vbase+j] = i
			vs[vbase+hidden+j] = g
			vs[vbase+2*hidden+j] = f
			vs[vbase+3*hidden+j] = o
		}

		if zoneoutProb > 0 {
			hPrev := hs[idx]
			if !zoneoutMask.IsNil() {
				m := devSlice[T](zoneoutMask, n)[idx]
				hNew = m*hNew + (1-m)*hPrev
				cNew = m*cNew + (1-m)*cPrev
			} else {
				hNew = (1-zoneoutProb)*hNew + zoneoutProb*hPrev
				cNew = (1-zoneoutProb)*cNew + zoneoutProb*cPrev
			}
		}
		ho[idx] = hNew
		co[idx] = cNew
	}, grid, block)
}
