package haste

import (
	"math"
	"strings"
	"testing"
)

func TestTolerancePresets(t *testing.T) {
	cases := []struct {
		name    string
		a, b    float32
		strict  bool
		deflt   bool
		relaxed bool
	}{
		{"exact", 1.5, 1.5, true, true, true},
		{"tiny_rel_error", 1.0, 1.0001, false, false, true},
		{"near_zero_abs", 0, 5e-6, false, false, true},
		{"adjacent_ulp", 1.0, math.Nextafter32(1.0, 2.0), true, true, true},
		{"gross_error", 1.0, 2.0, false, false, false},
	}

	strict := StrictTolerance()
	deflt := DefaultTolerance()
	relaxed := RelaxedTolerance()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Float32NearEqual(tc.a, tc.b, strict); got != tc.strict {
				t.Errorf("strict(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.strict)
			}
			if got := Float32NearEqual(tc.a, tc.b, deflt); got != tc.deflt {
				t.Errorf("default(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.deflt)
			}
			if got := Float32NearEqual(tc.a, tc.b, relaxed); got != tc.relaxed {
				t.Errorf("relaxed(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.relaxed)
			}
		})
	}
}

func TestFloat32NearEqualSpecials(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	tol := DefaultTolerance()

	if !Float32NearEqual(nan, nan, tol) {
		t.Error("NaN vs NaN should match when CheckNaN is set")
	}
	if !Float32NearEqual(inf, inf, tol) {
		t.Error("+Inf vs +Inf should match when CheckInf is set")
	}
	if Float32NearEqual(inf, -inf, tol) {
		t.Error("+Inf vs -Inf should not match")
	}
	if Float32NearEqual(nan, 1.0, tol) {
		t.Error("NaN vs finite should not match")
	}
}

func TestFloat32ULPDiff(t *testing.T) {
	if d := Float32ULPDiff(1.0, 1.0); d != 0 {
		t.Errorf("ULP(1,1) = %d, want 0", d)
	}
	next := math.Nextafter32(1.0, 2.0)
	if d := Float32ULPDiff(1.0, next); d != 1 {
		t.Errorf("ULP of adjacent floats = %d, want 1", d)
	}
	if d := Float32ULPDiff(1.0, -1.0); d != math.MaxInt32 {
		t.Errorf("ULP across signs = %d, want MaxInt32", d)
	}
}

func TestVerifyFloat32Array(t *testing.T) {
	tol := DefaultTolerance()

	expected := []float32{1, 2, 3, 4, 5}
	actual := append([]float32(nil), expected...)

	result := VerifyFloat32Array(expected, actual, tol)
	if result.NumErrors != 0 {
		t.Fatalf("identical arrays: %d errors, want 0", result.NumErrors)
	}
	if !result.IsAcceptable(tol) {
		t.Error("identical arrays should be acceptable")
	}
	if !strings.Contains(result.String(), "PASS") {
		t.Errorf("String() = %q, want PASS summary", result.String())
	}

	actual[3] = 4.5
	result = VerifyFloat32Array(expected, actual, tol)
	if result.NumErrors != 1 {
		t.Errorf("NumErrors = %d, want 1", result.NumErrors)
	}
	if result.FirstError != 3 {
		t.Errorf("FirstError = %d, want 3", result.FirstError)
	}
	if result.IsAcceptable(tol) {
		t.Error("half-unit error should not be acceptable")
	}
	if !strings.Contains(result.String(), "FAIL") {
		t.Errorf("String() = %q, want FAIL summary", result.String())
	}

	// Length mismatch reports every element as an error.
	result = VerifyFloat32Array(expected, actual[:3], tol)
	if result.NumErrors != len(expected) {
		t.Errorf("length mismatch NumErrors = %d, want %d", result.NumErrors, len(expected))
	}
}

func TestKernelVerifierLayerNorm(t *testing.T) {
	ctx := NewContext()
	defer ctx.Destroy()

	const batch, hidden = 4, 16

	verifier := KernelVerifier{
		Name: "layernorm",
		Reference: func(input []float32) []float32 {
			x := make([]float64, len(input))
			for i, v := range input {
				x[i] = float64(v)
			}
			alpha := make([]float64, hidden)
			for i := range alpha {
				alpha[i] = 1
			}
			y := refLayerNorm(x, alpha, nil, hidden)
			out := make([]float32, len(y))
			for i, v := range y {
				out[i] = float32(v)
			}
			return out
		},
		Optimized: func(ctx *Context, input DevicePtr) error {
			ln, err := NewLayerNormForward[float32](batch, hidden, ctx.DefaultStream())
			if err != nil {
				return err
			}
			y, err := ctx.Malloc(batch * hidden * 4)
			if err != nil {
				return err
			}
			defer ctx.Free(y)
			alpha, err := ctx.Malloc(hidden * 4)
			if err != nil {
				return err
			}
			defer ctx.Free(alpha)
			for i := range alpha.Float32() {
				alpha.Float32()[i] = 1
			}

			ln.Run(alpha, DevicePtr{}, input, y, DevicePtr{})
			if err := ctx.Synchronize(); err != nil {
				return err
			}
			copy(input.Float32(), y.Float32())
			return nil
		},
		Tolerance: RelaxedTolerance(),
	}

	input := make([]float32, batch*hidden)
	for i := range input {
		input[i] = float32((i*7)%13) - 6
	}

	result, err := verifier.Verify(ctx, input)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.NumErrors != 0 {
		t.Fatalf("kernel disagrees with reference: %s", result.String())
	}
	if !result.IsAcceptable(verifier.Tolerance) {
		t.Errorf("result not acceptable: %s", result.String())
	}
}
