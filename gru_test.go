package haste

import (
	"math/rand/v2"
	"testing"
)

type gruFixture struct {
	ctx    *Context
	handle *BlasHandle

	steps, batch, input, hidden int

	W, R, bx, br, x, h, v, tmpWx, tmpRh DevicePtr
}

func newGRUFixture(t *testing.T, steps, batch, input, hidden int, seed uint64) *gruFixture {
	t.Helper()
	ctx := NewContext()
	t.Cleanup(ctx.Destroy)

	f := &gruFixture{
		ctx:    ctx,
		handle: NewBlasHandle(ctx.DefaultStream()),
		steps:  steps, batch: batch, input: input, hidden: hidden,
	}
	f.W = MallocOrFail(t, ctx, input*3*hidden*4)
	f.R = MallocOrFail(t, ctx, hidden*3*hidden*4)
	f.bx = MallocOrFail(t, ctx, 3*hidden*4)
	f.br = MallocOrFail(t, ctx, 3*hidden*4)
	f.x = MallocOrFail(t, ctx, steps*batch*input*4)
	f.h = MallocOrFail(t, ctx, (steps+1)*batch*hidden*4)
	f.v = MallocOrFail(t, ctx, steps*batch*4*hidden*4)
	f.tmpWx = MallocOrFail(t, ctx, steps*batch*3*hidden*4)
	f.tmpRh = MallocOrFail(t, ctx, batch*3*hidden*4)

	f.h.Zero()
	rng := rand.New(rand.NewPCG(seed, 99))
	for _, p := range []DevicePtr{f.W, f.R, f.bx, f.br, f.x} {
		s := p.Float32()
		for i := range s {
			s[i] = rng.Float32()*0.4 - 0.2
		}
	}
	return f
}

func TestGRUForwardZeroWeights(t *testing.T) {
	f := newGRUFixture(t, 4, 2, 3, 8, 1)
	for _, p := range []DevicePtr{f.W, f.R, f.bx, f.br} {
		p.Zero()
	}

	fwd, err := NewGRUForward[float32](false, f.batch, f.input, f.hidden, f.handle)
	if err != nil {
		t.Fatalf("NewGRUForward: %v", err)
	}
	fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, DevicePtr{}, f.tmpWx, f.tmpRh, 0, DevicePtr{})
	SynchronizeOrFail(t, f.ctx)

	// With all weights zero: z = 0.5, g = tanh(0) = 0, so h stays at zero.
	for i, v := range f.h.Float32() {
		if v != 0 {
			t.Fatalf("h[%d] = %v, want 0", i, v)
		}
	}
}

func TestGRUForwardDeterminism(t *testing.T) {
	run := func() []float32 {
		f := newGRUFixture(t, 6, 3, 5, 16, 2)
		fwd, err := NewGRUForward[float32](false, f.batch, f.input, f.hidden, f.handle)
		if err != nil {
			t.Fatalf("NewGRUForward: %v", err)
		}
		fwd.SetAuxStream(f.ctx.NewStream())
		fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, DevicePtr{}, f.tmpWx, f.tmpRh, 0, DevicePtr{})
		SynchronizeOrFail(t, f.ctx)
		return append([]float32(nil), f.h.Float32()...)
	}

	a := run()
	b := run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("h[%d] differs across identical runs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestGRUIterateMatchesRun(t *testing.T) {
	f := newGRUFixture(t, 5, 2, 4, 8, 3)

	fwd, err := NewGRUForward[float32](true, f.batch, f.input, f.hidden, f.handle)
	if err != nil {
		t.Fatalf("NewGRUForward: %v", err)
	}
	fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, f.v, f.tmpWx, f.tmpRh, 0, DevicePtr{})
	SynchronizeOrFail(t, f.ctx)
	want := append([]float32(nil), f.h.Float32()...)

	// Replay one Iterate call at a time into a second history.
	b, i, hs := f.batch, f.input, f.hidden
	h2 := MallocOrFail(t, f.ctx, (f.steps+1)*b*hs*4)
	defer f.ctx.Free(h2)
	h2.Zero()
	stepWx := MallocOrFail(t, f.ctx, b*3*hs*4)
	defer f.ctx.Free(stepWx)

	for step := 0; step < f.steps; step++ {
		xT := elemOffset[float32](f.x, step*b*i)
		hPrev := elemOffset[float32](h2, step*b*hs)
		hNext := elemOffset[float32](h2, (step+1)*b*hs)
		vT := elemOffset[float32](f.v, step*b*4*hs)
		fwd.Iterate(f.W, f.R, f.bx, f.br, xT, hPrev, hNext, vT, stepWx, f.tmpRh, 0, DevicePtr{})
	}
	SynchronizeOrFail(t, f.ctx)

	got := h2.Float32()
	tol := DefaultTolerance()
	for i := range want {
		if !Float32NearEqual(want[i], got[i], tol) {
			t.Fatalf("h[%d]: Run %v vs Iterate %v", i, want[i], got[i])
		}
	}
}

func TestGRUZoneoutRetainAll(t *testing.T) {
	f := newGRUFixture(t, 4, 2, 3, 8, 4)

	// Seed a nonzero initial state.
	h0 := f.h.Float32()[:f.batch*f.hidden]
	for i := range h0 {
		h0[i] = float32(i%5)*0.1 - 0.2
	}

	mask := MallocOrFail(t, f.ctx, f.steps*f.batch*f.hidden*4)
	defer f.ctx.Free(mask)
	mask.Zero() // retain everything

	fwd, err := NewGRUForward[float32](true, f.batch, f.input, f.hidden, f.handle)
	if err != nil {
		t.Fatalf("NewGRUForward: %v", err)
	}
	fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, f.v, f.tmpWx, f.tmpRh, 0.5, mask)
	SynchronizeOrFail(t, f.ctx)

	// Every timestep must carry the initial state unchanged.
	hist := f.h.Float32()
	for step := 1; step <= f.steps; step++ {
		slice := hist[step*f.batch*f.hidden : (step+1)*f.batch*f.hidden]
		for i := range slice {
			if slice[i] != h0[i] {
				t.Fatalf("step %d: h[%d] = %v, want retained %v", step, i, slice[i], h0[i])
			}
		}
	}
}

func TestGRUZoneoutZeroProbMatchesPlain(t *testing.T) {
	f := newGRUFixture(t, 4, 2, 3, 8, 7)

	fwd, err := NewGRUForward[float32](true, f.batch, f.input, f.hidden, f.handle)
	if err != nil {
		t.Fatalf("NewGRUForward: %v", err)
	}

	h0 := make([]float32, f.batch*f.hidden)
	for i := range h0 {
		h0[i] = float32(i%7)*0.1 - 0.3
	}
	run := func(prob float32, mask DevicePtr) []float32 {
		f.h.Zero()
		copy(f.h.Float32(), h0)
		fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, f.v, f.tmpWx, f.tmpRh, prob, mask)
		SynchronizeOrFail(t, f.ctx)
		return append([]float32(nil), f.h.Float32()...)
	}

	base := run(0, DevicePtr{})

	ones := MallocOrFail(t, f.ctx, f.steps*f.batch*f.hidden*4)
	defer f.ctx.Free(ones)
	for i := range ones.Float32() {
		ones.Float32()[i] = 1
	}

	// Probability zero must take the plain path bit for bit, with or
	// without a mask present; an all-ones mask must do the same.
	for _, tc := range []struct {
		name string
		got  []float32
	}{
		{"zero prob with mask", run(0, ones)},
		{"all-ones mask", run(0.5, ones)},
	} {
		for i := range base {
			if tc.got[i] != base[i] {
				t.Fatalf("%s: h[%d] = %v, want exactly %v", tc.name, i, tc.got[i], base[i])
			}
		}
	}
}

func TestGRUZoneoutInferenceBlend(t *testing.T) {
	f := newGRUFixture(t, 1, 2, 3, 8, 5)
	h0 := f.h.Float32()[:f.batch*f.hidden]
	for i := range h0 {
		h0[i] = 0.3
	}

	fwd, err := NewGRUForward[float32](false, f.batch, f.input, f.hidden, f.handle)
	if err != nil {
		t.Fatalf("NewGRUForward: %v", err)
	}
	// Probability 1 means the expectation blend keeps the previous state.
	fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, DevicePtr{}, f.tmpWx, f.tmpRh, 1, DevicePtr{})
	SynchronizeOrFail(t, f.ctx)

	out := f.h.Float32()[f.batch*f.hidden : 2*f.batch*f.hidden]
	for i := range out {
		if out[i] != h0[i] {
			t.Fatalf("h[%d] = %v, want %v (zoneout prob 1 keeps previous state)", i, out[i], h0[i])
		}
	}
}

func TestGRUTrainingRequiresCache(t *testing.T) {
	f := newGRUFixture(t, 2, 2, 3, 4, 6)
	stream := f.ctx.NewStream()
	handle := NewBlasHandle(stream)

	fwd, err := NewGRUForward[float32](true, f.batch, f.input, f.hidden, handle)
	if err != nil {
		t.Fatalf("NewGRUForward: %v", err)
	}
	fwd.Run(f.steps, f.W, f.R, f.bx, f.br, f.x, f.h, DevicePtr{}, f.tmpWx, f.tmpRh, 0, DevicePtr{})
	if err := stream.Synchronize(); !IsInvalidArgError(err) {
		t.Fatalf("Synchronize = %v, want invalid argument error for missing cache", err)
	}
}

func TestGRUShapeValidation(t *testing.T) {
	ctx := NewContext()
	defer ctx.Destroy()
	handle := NewBlasHandle(ctx.DefaultStream())

	if _, err := NewGRUForward[float32](false, 0, 3, 4, handle); !IsInvalidArgError(err) {
		t.Errorf("batch 0 = %v, want invalid argument error", err)
	}
	if _, err := NewGRUForward[float32](false, 2, -1, 4, handle); !IsInvalidArgError(err) {
		t.Errorf("negative input = %v, want invalid argument error", err)
	}
	if _, err := NewGRUForward[float32](false, 2, 3, 4, nil); !IsInvalidArgError(err) {
		t.Errorf("nil handle = %v, want invalid argument error", err)
	}
}
