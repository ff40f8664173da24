package haste

// GRU cell, fused forward pass. The weight matrices carry three concatenated
// gate blocks in z,r,candidate order; the reset gate is applied to the
// recurrent candidate term after the matrix multiply (the 1406.1078v1
// formulation, same as cuDNN). Input and recurrent biases are kept separate
// because only the recurrent one participates in the candidate's reset
// product.
const (
	gruGates = 3
	// Entries per unit in the training activation cache: z, r, g, and the
	// recurrent candidate pre-activation q = Rh_g + br_g.
	gruCacheGates = 4
)

// GRUForward drives the GRU recurrence over time. A driver is constructed
// once per sequence with fixed shapes and mode; timesteps advance strictly
// forward, either one Iterate call at a time or via Run for the whole
// sequence.
type GRUForward[T Float] struct {
	training   bool
	batchSize  int
	inputSize  int
	hiddenSize int

	handle    *BlasHandle
	stream    *Stream
	auxStream *Stream
}

// NewGRUForward creates a forward-pass driver. In training mode every
// Iterate/Run call must supply the activation cache v; inference mode runs
// with minimal memory and leaves v null.
func NewGRUForward[T Float](training bool, batchSize, inputSize, hiddenSize int, handle *BlasHandle) (*GRUForward[T], error) {
	if err := validateCellShape("GRUForward", batchSize, inputSize, hiddenSize); err != nil {
		return nil, err
	}
	if handle == nil || handle.Stream() == nil {
		return nil, NewInvalidArgError("GRUForward", "nil blas handle or stream")
	}
	return &GRUForward[T]{
		training:   training,
		batchSize:  batchSize,
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		handle:     handle,
		stream:     handle.Stream(),
	}, nil
}

// SetAuxStream directs the bulk input-to-gates GEMM issued by Run to a
// separate stream. That product has no sequential dependency, so it can run
// ahead of the recurrence; the recurrence stream waits on it via an event,
// never on the host.
func (fp *GRUForward[T]) SetAuxStream(s *Stream) {
	fp.auxStream = s
}

// Iterate advances the recurrence by one timestep.
//
// W: input weights (inputSize, 3*hiddenSize). R: recurrent weights
// (hiddenSize, 3*hiddenSize). bx, br: input and recurrent biases
// (3*hiddenSize). x: this timestep's input slice (batchSize, inputSize).
// h: previous hidden state (batchSize, hiddenSize). hOut: new hidden state;
// may alias h. v: training activation cache slice for this timestep
// (batchSize, 4*hiddenSize), null in inference. tmpWx, tmpRh: scratch
// (batchSize, 3*hiddenSize) each. zoneoutMask: per-unit retention mask
// (batchSize, hiddenSize), required in training mode when zoneoutProb > 0.
//
// The call does not block; failures surface on the stream at the next
// synchronization.
func (fp *GRUForward[T]) Iterate(W, R, bx, br, x, h, hOut, v, tmpWx, tmpRh DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) {
	if !fp.checkCall("GRUForward.Iterate", v, zoneoutProb, zoneoutMask) {
		return
	}
	b, i, hs := fp.batchSize, fp.inputSize, fp.hiddenSize
	Gemm(fp.handle, false, false, b, gruGates*hs, i, T(1), x, i, W, gruGates*hs, T(0), tmpWx, gruGates*hs)
	fp.iterate(R, bx, br, h, hOut, v, tmpWx, tmpRh, zoneoutProb, zoneoutMask)
}

// Run executes the full sequence of steps timesteps.
//
// x: the whole input sequence (steps, batchSize, inputSize). h: the hidden
// state history (steps+1, batchSize, hiddenSize) with h[0] holding the
// initial state; slice t+1 is written at timestep t and must not be
// overwritten afterwards, the backward pass depends on it. v: activation
// cache (steps, batchSize, 4*hiddenSize) in training mode. tmpWx: scratch
// (steps, batchSize, 3*hiddenSize); tmpRh: scratch
// (batchSize, 3*hiddenSize). zoneoutMask: (steps, batchSize, hiddenSize)
// when used.
func (fp *GRUForward[T]) Run(steps int, W, R, bx, br, x, h, v, tmpWx, tmpRh DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) {
	if steps <= 0 {
		fp.stream.setErr(NewShapeError("GRUForward.Run", "non-positive steps %d", steps))
		return
	}
	if !fp.checkCall("GRUForward.Run", v, zoneoutProb, zoneoutMask) {
		return
	}
	b, i, hs := fp.batchSize, fp.inputSize, fp.hiddenSize

	// The input-to-gates product for all timesteps at once: it has no
	// sequential dependency, so it is one batched GEMM instead of steps
	// small ones. Only the hidden-to-gates leg is inherently sequential.
	wxStream := fp.stream
	if fp.auxStream != nil {
		wxStream = fp.auxStream
	}
	fp.handle.SetStream(wxStream)
	Gemm(fp.handle, false, false, steps*b, gruGates*hs, i, T(1), x, i, W, gruGates*hs, T(0), tmpWx, gruGates*hs)
	fp.handle.SetStream(fp.stream)
	if wxStream != fp.stream {
		fp.stream.WaitEvent(wxStream.Record())
	}

	for t := 0; t < steps; t++ {
		hPrev := elemOffset[T](h, t*b*hs)
		hNext := elemOffset[T](h, (t+1)*b*hs)
		vt := DevicePtr{}
		if !v.IsNil() {
			vt = elemOffset[T](v, t*b*gruCacheGates*hs)
		}
		maskT := DevicePtr{}
		if !zoneoutMask.IsNil() {
			maskT = elemOffset[T](zoneoutMask, t*b*hs)
		}
		wxT := elemOffset[T](tmpWx, t*b*gruGates*hs)
		fp.iterate(R, bx, br, hPrev, hNext, vt, wxT, tmpRh, zoneoutProb, maskT)
	}
}

// iterate issues the sequential leg of one timestep: the hidden-to-gates
// GEMM followed by the fused gate kernel, both on the recurrence stream so
// ordering needs no host-side synchronization.
func (fp *GRUForward[T]) iterate(R, bx, br, h, hOut, v, tmpWx, tmpRh DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) {
	b, hs := fp.batchSize, fp.hiddenSize
	Gemm(fp.handle, false, false, b, gruGates*hs, hs, T(1), h, hs, R, gruGates*hs, T(0), tmpRh, gruGates*hs)
	gruCellKernel[T](fp.stream, b, hs, tmpWx, tmpRh, bx, br, h, hOut, v, zoneoutProb, zoneoutMask)
}

// checkCall validates per-call invariants shared by Iterate and Run.
func (fp *GRUForward[T]) checkCall(op string, v DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) bool {
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

// gruCellKernel is the fused gate kernel: bias add, activations, state
// blend, optional zoneout, and the training cache write, in a single pass
// over (batch, hidden).
func gruCellKernel[T Float](stream *Stream, batch, hidden int, Wx, Rh, bx, br, h, hOut, v DevicePtr, zoneoutProb T, zoneoutMask DevicePtr) {
	n := batch * hidden
	grid, block := grid1D(n)
	Launch(stream, func(tid ThreadID) {
		idx := tid.Global()
		if idx >= n {
			return
		}
		b := idx / hidden
		j := idx % hidden

		wx := devSlice[T](Wx, batch*gruGates*hidden)
		rh := devSlice[T](Rh, batch*gruGates*hidden)
		bxs := devSlice[T](bx, gruGates*hidden)
		brs := devSlice[T](br, gruGates*hidden)
		hs := devSlice[T](h, n)
		ho := devSlice[T](hOut, n)

		base := b * gruGates * hidden
		zi := base + j
		ri := base + hidden + j
		gi := base + 2*hidden + j

		z := sigmoid(wx[zi] + rh[zi] + bxs[j] + brs[j])
		r := sigmoid(wx[ri] + rh[ri] + bxs[hidden+j] + brs[hidden+j])
		q := rh[gi] + brs[2*hidden+j]
		g := tanhf(wx[gi] + bxs[2*hidden+j] + r*q)

		hPrev := hs[idx]
		hNew := z*hPrev + (1-z)*g

		if !v.IsNil() {
			vs := devSlice[T](v, batch*gruCacheGates*hidden)
			vbase := b * gruCacheGates * hidden
			vs[vbase+j] = z
			vs[vbase+hidden+j] = r
			vs[vbase+2*hidden+j] = g
			vs[vbase+3*hidden+j] = q
		}

		if zoneoutProb > 0 {
			if !zoneoutMask.IsNil() {
				m := devSlice[T](zoneoutMask, n)[idx]
				hNew = m*hNew + (1-m)*hPrev
			} else {
				// Inference blends by expectation.
				hNew = (1-zoneoutProb)*hNew + zoneoutProb*hPrev
			}
		}
		ho[idx] = hNew
	}, grid, block)
}
