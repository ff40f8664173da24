package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dendisuhubdy/haste"
)

type benchResult struct {
	nsPerOp float64
	gflops  float64
}

// runCase allocates one problem, runs the requested cell for the configured
// iteration count, and reports per-iteration timing. Training cases time a
// full forward/backward pair.
func runCase(c CaseConfig) (benchResult, error) {
	ctx := haste.NewContext()
	defer ctx.Destroy()

	switch c.Cell {
	case "gru":
		return benchGRU(ctx, c)
	case "lstm":
		return benchLSTM(ctx, c)
	case "layernorm_lstm":
		return benchLayerNormLSTM(ctx, c)
	}
	return benchResult{}, fmt.Errorf("unknown cell %q", c.Cell)
}

// alloc grabs elems float32 values of device memory, zero-filled.
func alloc(ctx *haste.Context, elems int) (haste.DevicePtr, error) {
	p, err := ctx.Malloc(elems * 4)
	if err != nil {
		return haste.DevicePtr{}, err
	}
	p.Zero()
	return p, nil
}

func fillUniform(p haste.DevicePtr, rng *rand.Rand) {
	s := p.Float32()
	for i := range s {
		s[i] = rng.Float32()*0.2 - 0.1
	}
}

func benchGRU(ctx *haste.Context, c CaseConfig) (benchResult, error) {
	T, B, I, H := c.Steps, c.Batch, c.Input, c.Hidden
	rng := rand.New(rand.NewPCG(42, 0))

	handle := haste.NewBlasHandle(ctx.DefaultStream())
	fwd, err := haste.NewGRUForward[float32](c.Training, B, I, H, handle)
	if err != nil {
		return benchResult{}, err
	}

	var bufs []haste.DevicePtr
	grab := func(elems int) haste.DevicePtr {
		p, aerr := alloc(ctx, elems)
		if aerr != nil && err == nil {
			err = aerr
		}
		bufs = append(bufs, p)
		return p
	}
	defer func() {
		for _, p := range bufs {
			ctx.Free(p)
		}
	}()

	W := grab(I * 3 * H)
	R := grab(H * 3 * H)
	bx := grab(3 * H)
	br := grab(3 * H)
	x := grab(T * B * I)
	h := grab((T + 1) * B * H)
	tmpWx := grab(T * B * 3 * H)
	tmpRh := grab(B * 3 * H)
	var v, mask haste.DevicePtr
	if c.Training {
		v = grab(T * B * 4 * H)
		if c.Zoneout > 0 {
			mask = grab(T * B * H)
		}
	}
	if err != nil {
		return benchResult{}, err
	}
	for _, p := range []haste.DevicePtr{W, R, bx, br, x} {
		fillUniform(p, rng)
	}
	if !mask.IsNil() {
		haste.FillZoneoutMask[float32](mask, T*B*H, c.Zoneout, 7)
	}

	var bwd *haste.GRUBackward[float32]
	var dhNew, dx, dW, dR, dbx, dbr, dh, dp, dq haste.DevicePtr
	if c.Training {
		bwd, err = haste.NewGRUBackward[float32](B, I, H, handle)
		if err != nil {
			return benchResult{}, err
		}
		dhNew = grab((T + 1) * B * H)
		dx = grab(T * B * I)
		dW = grab(I * 3 * H)
		dR = grab(H * 3 * H)
		dbx = grab(3 * H)
		dbr = grab(3 * H)
		dh = grab(B * H)
		dp = grab(T * B * 3 * H)
		dq = grab(T * B * 3 * H)
		if err != nil {
			return benchResult{}, err
		}
		fillUniform(dhNew, rng)
	}

	flops := 2.0 * float64(T*B) * float64(3*H) * float64(I+H)
	if c.Training {
		flops *= 3
	}

	start := time.Now()
	for it := 0; it < c.Iters; it++ {
		fwd.Run(T, W, R, bx, br, x, h, v, tmpWx, tmpRh, float32(c.Zoneout), mask)
		if c.Training {
			for _, p := range []haste.DevicePtr{dW, dR, dbx, dbr, dh} {
				p.Zero()
			}
			bwd.Run(T, W, R, bx, br, x, h, v, dhNew, dx, dW, dR, dbx, dbr, dh, dp, dq, mask)
		}
	}
	if err := ctx.Synchronize(); err != nil {
		return benchResult{}, err
	}
	return report(start, c.Iters, flops), nil
}

func benchLSTM(ctx *haste.Context, c CaseConfig) (benchResult, error) {
	T, B, I, H := c.Steps, c.Batch, c.Input, c.Hidden
	rng := rand.New(rand.NewPCG(42, 1))

	handle := haste.NewBlasHandle(ctx.DefaultStream())
	fwd, err := haste.NewLSTMForward[float32](c.Training, B, I, H, handle)
	if err != nil {
		return benchResult{}, err
	}

	var bufs []haste.DevicePtr
	grab := func(elems int) haste.DevicePtr {
		p, aerr := alloc(ctx, elems)
		if aerr != nil && err == nil {
			err = aerr
		}
		bufs = append(bufs, p)
		return p
	}
	defer func() {
		for _, p := range bufs {
			ctx.Free(p)
		}
	}()

	W := grab(I * 4 * H)
	R := grab(H * 4 * H)
	bx := grab(4 * H)
	br := grab(4 * H)
	x := grab(T * B * I)
	h := grab((T + 1) * B * H)
	cs := grab((T + 1) * B * H)
	tmpWx := grab(T * B * 4 * H)
	var v, mask haste.DevicePtr
	if c.Training {
		v = grab(T * B * 4 * H)
		if c.Zoneout > 0 {
			mask = grab(T * B * H)
		}
	}
	if err != nil {
		return benchResult{}, err
	}
	for _, p := range []haste.DevicePtr{W, R, bx, br, x} {
		fillUniform(p, rng)
	}
	if !mask.IsNil() {
		haste.FillZoneoutMask[float32](mask, T*B*H, c.Zoneout, 7)
	}

	var bwd *haste.LSTMBackward[float32]
	var dhNew, dcNew, dx, dW, dR, dbx, dbr, dh, dc, dp haste.DevicePtr
	if c.Training {
		bwd, err = haste.NewLSTMBackward[float32](B, I, H, handle)
		if err != nil {
			return benchResult{}, err
		}
		dhNew = grab((T + 1) * B * H)
		dcNew = grab((T + 1) * B * H)
		dx = grab(T * B * I)
		dW = grab(I * 4 * H)
		dR = grab(H * 4 * H)
		dbx = grab(4 * H)
		dbr = grab(4 * H)
		dh = grab(B * H)
		dc = grab(B * H)
		dp = grab(T * B * 4 * H)
		if err != nil {
			return benchResult{}, err
		}
		fillUniform(dhNew, rng)
	}

	flops := 2.0 * float64(T*B) * float64(4*H) * float64(I+H)
	if c.Training {
		flops *= 3
	}

	start := time.Now()
	for it := 0; it < c.Iters; it++ {
		fwd.Run(T, W, R, bx, br, x, h, cs, v, tmpWx, float32(c.Zoneout), mask)
		if c.Training {
			for _, p := range []haste.DevicePtr{dW, dR, dbx, dbr, dh, dc} {
				p.Zero()
			}
			bwd.Run(T, W, R, bx, br, x, h, cs, v, dhNew, dcNew, dx, dW, dR, dbx, dbr, dh, dc, dp, mask)
		}
	}
	if err := ctx.Synchronize(); err != nil {
		return benchResult{}, err
	}
	return report(start, c.Iters, flops), nil
}

func benchLayerNormLSTM(ctx *haste.Context, c CaseConfig) (benchResult, error) {
	T, B, I, H := c.Steps, c.Batch, c.Input, c.Hidden
	rng := rand.New(rand.NewPCG(42, 2))

	handle := haste.NewBlasHandle(ctx.DefaultStream())
	fwd, err := haste.NewLayerNormLSTMForward[float32](c.Training, B, I, H, handle)
	if err != nil {
		return benchResult{}, err
	}

	var bufs []haste.DevicePtr
	grab := func(elems int) haste.DevicePtr {
		p, aerr := alloc(ctx, elems)
		if aerr != nil && err == nil {
			err = aerr
		}
		bufs = append(bufs, p)
		return p
	}
	defer func() {
		for _, p := range bufs {
			ctx.Free(p)
		}
	}()

	W := grab(I * 4 * H)
	R := grab(H * 4 * H)
	b := grab(4 * H)
	gamma := grab(2 * 4 * H)
	gammaH := grab(H)
	betaH := grab(H)
	x := grab(T * B * I)
	h := grab((T + 1) * B * H)
	cs := grab((T + 1) * B * H)
	normWx := grab(B * 4 * H)
	normRh := grab(B * 4 * H)
	normC := grab(B * H)

	var cache *haste.LayerNormLSTMCache
	var tmpWx, tmpRh, tmpCell, mask haste.DevicePtr
	if c.Training {
		cache = &haste.LayerNormLSTMCache{
			ActWx:     grab(T * B * 4 * H),
			ActRh:     grab(T * B * 4 * H),
			CellAct:   grab(T * B * H),
			V:         grab(T * B * 4 * H),
			WxStats:   grab(T * B * 2),
			RhStats:   grab(T * B * 2),
			CellStats: grab(T * B * 2),
		}
		if c.Zoneout > 0 {
			mask = grab(T * B * H)
		}
	} else {
		tmpWx = grab(T * B * 4 * H)
		tmpRh = grab(B * 4 * H)
		tmpCell = grab(B * H)
	}
	if err != nil {
		return benchResult{}, err
	}
	for _, p := range []haste.DevicePtr{W, R, b, x} {
		fillUniform(p, rng)
	}
	// Norm gains start at one, like a freshly initialized layer.
	for _, p := range []haste.DevicePtr{gamma, gammaH} {
		s := p.Float32()
		for i := range s {
			s[i] = 1
		}
	}
	if !mask.IsNil() {
		haste.FillZoneoutMask[float32](mask, T*B*H, c.Zoneout, 7)
	}

	var bwd *haste.LayerNormLSTMBackward[float32]
	var dhNew, dcNew haste.DevicePtr
	var grads *haste.LayerNormLSTMGrads
	var scratch *haste.LayerNormLSTMScratch
	if c.Training {
		bwd, err = haste.NewLayerNormLSTMBackward[float32](B, I, H, handle)
		if err != nil {
			return benchResult{}, err
		}
		dhNew = grab((T + 1) * B * H)
		dcNew = grab((T + 1) * B * H)
		grads = &haste.LayerNormLSTMGrads{
			DX:      grab(T * B * I),
			DW:      grab(I * 4 * H),
			DR:      grab(H * 4 * H),
			DB:      grab(4 * H),
			DGamma:  grab(2 * 4 * H),
			DGammaH: grab(H),
			DBetaH:  grab(H),
			DH:      grab(B * H),
			DC:      grab(B * H),
		}
		scratch = &haste.LayerNormLSTMScratch{
			DAct:     grab(T * B * 4 * H),
			DWx:      grab(T * B * 4 * H),
			DRh:      grab(B * 4 * H),
			DNormC:   grab(B * H),
			DCellRaw: grab(B * H),
			DCellVis: grab(B * H),
		}
		if err != nil {
			return benchResult{}, err
		}
		fillUniform(dhNew, rng)
	}

	flops := 2.0 * float64(T*B) * float64(4*H) * float64(I+H)
	if c.Training {
		flops *= 3
	}

	start := time.Now()
	for it := 0; it < c.Iters; it++ {
		fwd.Run(T, W, R, b, gamma, gammaH, betaH, x, h, cs, cache, tmpWx, tmpRh, tmpCell, normWx, normRh, normC, float32(c.Zoneout), mask)
		if c.Training {
			for _, p := range []haste.DevicePtr{grads.DW, grads.DR, grads.DB, grads.DGamma, grads.DGammaH, grads.DBetaH, grads.DH, grads.DC} {
				p.Zero()
			}
			bwd.Run(T, W, R, b, gamma, gammaH, betaH, x, h, cs, cache, dhNew, dcNew, grads, scratch, mask)
		}
	}
	if err := ctx.Synchronize(); err != nil {
		return benchResult{}, err
	}
	return report(start, c.Iters, flops), nil
}

func report(start time.Time, iters int, flopsPerOp float64) benchResult {
	elapsed := time.Since(start)
	nsPerOp := float64(elapsed.Nanoseconds()) / float64(iters)
	return benchResult{
		nsPerOp: nsPerOp,
		gflops:  flopsPerOp / nsPerOp,
	}
}
