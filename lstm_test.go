package haste

import (
	"math"
	"math/rand/v2"
	"testing"
)

type lstmFixture struct {
	ctx    *Context
	handle *BlasHandle

	steps, batch, input, hidden int

	W, R, bx, br, x, h, c, v, tmpWx DevicePtr
}

func newLSTMFixture(t *testing.T, steps, batch, input, hidden int, seed uint64) *lstmFixture {
	t.Helper()
	ctx := NewContext()
	t.Cleanup(ctx.Destroy)

	f := &lstmFixture{
		ctx:    ctx,
		handle: NewBlasHandle(ctx.DefaultStream()),
		steps:  steps, batch: batch, input: input, hidden: hidden,
	}
	f.W = MallocOrFail(t, ctx, input*4*hidden*4)
	f.R = MallocOrFail(t, ctx, hidden*4*hidden*4)
	f.bx = MallocOrFail(t, ctx, 4*hidden*4)
	f.br = MallocOrFail(t, ctx, 4*hidden*4)
	f.x = MallocOrFail(t, ctx, steps*batch*input*4)
	f.h = MallocOrFail(t, ctx, (steps+1)*batch*hidden*4)
	f.c = MallocOrFail(t, ctx, (steps+1)*batch*hidden*4)
	f.v = MallocOrFail(t, ctx, steps*batch*4*hidden*4)
	f.tmpWx = MallocOrFail(t, ctx, steps*batch*4*hidden*4)

	f.h.Zero()
	f.c.Zero()
	rng := rand.New(rand.NewPCG(seed, 7))
	for _, p := range []DevicePtr{f.W, f.R, f.bx, f.br, f.x} {
		s := p.Float32()
		for i := range s {
			s[i] = rng.Float32()*0.4 - 0.2
		}
	}
	return f
}

// refLSTMStep computes one LSTM timestep on the host in float64.
func refLSTMStep(W, R, bx, br, x, h, c []float64, batch, input, hidden int) (hOut, cOut []float64) {
	hOut = make([]float64, batch*hidden)
	cOut = make([]float64, batch*hidden)
	sig := func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	for b := 0; b < batch; b++ {
		for j := 0; j < hidden; j++ {
			act := make([]float64, 4)
			for gate := 0; gate < 4; gate++ {
				col := gate*hidden + j
				sum := bx[col] + br[col]
				for k := 0; k < input; k++ {
					sum += x[b*input+k] * W[k*4*hidden+col]
				}
				for k := 0; k < hidden; k++ {
					sum += h[b*hidden+k] * R[k*4*hidden+col]
				}
				act[gate] = sum
			}
			i := sig(act[0])
			g := math.Tanh(act[1])
			fg := sig(act[2])
			o := sig(act[3])
			cNew := fg*c[b*hidden+j] + i*g
			cOut[b*hidden+j] = cNew
			hOut[b*hidden+j] = o * math.Tanh(cNew)
		}
	}
	return hOut, cOut
}

func TestLSTMForwardReference(t *testing.T) {
	f := newLSTMFixture(t, 3, 2, 3, 4, 10)

	fwd, err := NewLSTMForward[float32](false, f.batch, f.input, f.hidden, f.handle)
	if err != nil {
		t.Fatalf("NewLSTMForward: %v", err)
	}
	fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, f.c, DevicePtr{}, f.tmpWx, 0, DevicePtr{})
	SynchronizeOrFail(t, f.ctx)

	toF64 := func(p DevicePtr) []float64 {
		s := p.Float32()
		out := make([]float64, len(s))
		for i, v := range s {
			out[i] = float64(v)
		}
		return out
	}
	W, R, bx, br := toF64(f.W), toF64(f.R), toF64(f.bx), toF64(f.br)

	b, in, hs := f.batch, f.input, f.hidden
	h := make([]float64, b*hs)
	c := make([]float64, b*hs)
	for step := 0; step < f.steps; step++ {
		x := toF64(f.x)[step*b*in : (step+1)*b*in]
		h, c = refLSTMStep(W, R, bx, br, x, h, c, b, in, hs)

		gotH := f.h.Float32()[(step+1)*b*hs : (step+2)*b*hs]
		gotC := f.c.Float32()[(step+1)*b*hs : (step+2)*b*hs]
		for i := range h {
			if math.Abs(float64(gotH[i])-h[i]) > 1e-5 {
				t.Fatalf("step %d: h[%d] = %v, want %v", step, i, gotH[i], h[i])
			}
			if math.Abs(float64(gotC[i])-c[i]) > 1e-5 {
				t.Fatalf("step %d: c[%d] = %v, want %v", step, i, gotC[i], c[i])
			}
		}
	}
}

func TestLSTMForwardDeterminism(t *testing.T) {
	run := func() []float32 {
		f := newLSTMFixture(t, 5, 3, 4, 16, 11)
		fwd, err := NewLSTMForward[float32](false, f.batch, f.input, f.hidden, f.handle)
		if err != nil {
			t.Fatalf("NewLSTMForward: %v", err)
		}
		fwd.SetAuxStream(f.ctx.NewStream())
		fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, f.c, DevicePtr{}, f.tmpWx, 0, DevicePtr{})
		SynchronizeOrFail(t, f.ctx)
		out := append([]float32(nil), f.h.Float32()...)
		return append(out, f.c.Float32()...)
	}

	a := run()
	b := run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("state[%d] differs across identical runs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestLSTMIterateMatchesRun(t *testing.T) {
	f := newLSTMFixture(t, 4, 2, 3, 8, 12)

	fwd, err := NewLSTMForward[float32](true, f.batch, f.input, f.hidden, f.handle)
	if err != nil {
		t.Fatalf("NewLSTMForward: %v", err)
	}
	fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, f.c, f.v, f.tmpWx, 0, DevicePtr{})
	SynchronizeOrFail(t, f.ctx)
	wantH := append([]float32(nil), f.h.Float32()...)
	wantC := append([]float32(nil), f.c.Float32()...)

	b, in, hs := f.batch, f.input, f.hidden
	h2 := MallocOrFail(t, f.ctx, (f.steps+1)*b*hs*4)
	c2 := MallocOrFail(t, f.ctx, (f.steps+1)*b*hs*4)
	stepWx := MallocOrFail(t, f.ctx, b*4*hs*4)
	defer func() {
		for _, p := range []DevicePtr{h2, c2, stepWx} {
			f.ctx.Free(p)
		}
	}()
	h2.Zero()
	c2.Zero()

	for step := 0; step < f.steps; step++ {
		xT := elemOffset[float32](f.x, step*b*in)
		vT := elemOffset[float32](f.v, step*b*4*hs)
		fwd.Iterate(f.W, f.R, f.bx, f.br, xT,
			elemOffset[float32](h2, step*b*hs), elemOffset[float32](h2, (step+1)*b*hs),
			elemOffset[float32](c2, step*b*hs), elemOffset[float32](c2, (step+1)*b*hs),
			vT, stepWx, 0, DevicePtr{})
	}
	SynchronizeOrFail(t, f.ctx)

	tol := DefaultTolerance()
	for i := range wantH {
		if !Float32NearEqual(wantH[i], h2.Float32()[i], tol) {
			t.Fatalf("h[%d]: Run %v vs Iterate %v", i, wantH[i], h2.Float32()[i])
		}
		if !Float32NearEqual(wantC[i], c2.Float32()[i], tol) {
			t.Fatalf("c[%d]: Run %v vs Iterate %v", i, wantC[i], c2.Float32()[i])
		}
	}
}

func TestLSTMZoneoutZeroProbMatchesPlain(t *testing.T) {
	f := newLSTMFixture(t, 3, 2, 3, 8, 14)

	fwd, err := NewLSTMForward[float32](true, f.batch, f.input, f.hidden, f.handle)
	if err != nil {
		t.Fatalf("NewLSTMForward: %v", err)
	}

	n := f.batch * f.hidden
	h0 := make([]float32, n)
	c0 := make([]float32, n)
	for i := range h0 {
		h0[i] = float32(i%5)*0.1 - 0.2
		c0[i] = float32(i%3)*0.2 - 0.2
	}
	run := func(prob float32, mask DevicePtr) (hist, cHist []float32) {
		f.h.Zero()
		f.c.Zero()
		copy(f.h.Float32(), h0)
		copy(f.c.Float32(), c0)
		fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, f.c, f.v, f.tmpWx, prob, mask)
		SynchronizeOrFail(t, f.ctx)
		return append([]float32(nil), f.h.Float32()...),
			append([]float32(nil), f.c.Float32()...)
	}

	baseH, baseC := run(0, DevicePtr{})

	ones := MallocOrFail(t, f.ctx, f.steps*n*4)
	defer f.ctx.Free(ones)
	for i := range ones.Float32() {
		ones.Float32()[i] = 1
	}

	// Probability zero must take the plain path bit for bit, with or
	// without a mask present; an all-ones mask must do the same.
	for _, tc := range []struct {
		name string
		prob float32
		mask DevicePtr
	}{
		{"zero prob with mask", 0, ones},
		{"all-ones mask", 0.5, ones},
	} {
		gotH, gotC := run(tc.prob, tc.mask)
		for i := range baseH {
			if gotH[i] != baseH[i] {
				t.Fatalf("%s: h[%d] = %v, want exactly %v", tc.name, i, gotH[i], baseH[i])
			}
			if gotC[i] != baseC[i] {
				t.Fatalf("%s: c[%d] = %v, want exactly %v", tc.name, i, gotC[i], baseC[i])
			}
		}
	}
}

func TestLSTMZoneoutRetainsBothStates(t *testing.T) {
	f := newLSTMFixture(t, 3, 2, 3, 8, 13)

	h0 := f.h.Float32()[:f.batch*f.hidden]
	c0 := f.c.Float32()[:f.batch*f.hidden]
	for i := range h0 {
		h0[i] = 0.25
		c0[i] = -0.5
	}

	mask := MallocOrFail(t, f.ctx, f.steps*f.batch*f.hidden*4)
	defer f.ctx.Free(mask)
	mask.Zero()

	fwd, err := NewLSTMForward[float32](true, f.batch, f.input, f.hidden, f.handle)
	if err != nil {
		t.Fatalf("NewLSTMForward: %v", err)
	}
	fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, f.c, f.v, f.tmpWx, 0.3, mask)
	SynchronizeOrFail(t, f.ctx)

	n := f.batch * f.hidden
	for step := 1; step <= f.steps; step++ {
		hSlice := f.h.Float32()[step*n : (step+1)*n]
		cSlice := f.c.Float32()[step*n : (step+1)*n]
		for i := 0; i < n; i++ {
			if hSlice[i] != h0[i] {
				t.Fatalf("step %d: h[%d] = %v, want retained %v", step, i, hSlice[i], h0[i])
			}
			if cSlice[i] != c0[i] {
				t.Fatalf("step %d: c[%d] = %v, want retained %v", step, i, cSlice[i], c0[i])
			}
		}
	}
}
