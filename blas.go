package haste

import (
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// BlasHandle represents the shared math context used for all dense
// matrix-multiply work. A handle is bound to exactly one stream at a time;
// every Gemm call is issued on the stream bound at call time. Callers that
// run concurrent drivers must hand each driver its own stream (and rebind or
// use separate handles), mirroring the usual vendor-BLAS discipline.
type BlasHandle struct {
	mu     sync.Mutex
	stream *Stream
}

// NewBlasHandle creates a math-context handle bound to the given stream.
func NewBlasHandle(stream *Stream) *BlasHandle {
	return &BlasHandle{stream: stream}
}

// SetStream rebinds the handle to a different stream. Subsequent Gemm calls
// are issued there.
func (h *BlasHandle) SetStream(s *Stream) {
	h.mu.Lock()
	h.stream = s
	h.mu.Unlock()
}

// Stream returns the currently bound stream.
func (h *BlasHandle) Stream() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stream
}

// Gemm issues C = alpha*op(A)*op(B) + beta*C on the handle's bound stream,
// where op transposes its operand when the corresponding flag is set.
// Matrices are dense row-major with explicit leading dimensions. beta selects
// the accumulation mode: 0 overwrites C, 1 adds into it. The call returns
// immediately; failures surface on the stream at the next synchronization.
func Gemm[T Float](h *BlasHandle, transA, transB bool, m, n, k int, alpha T, a DevicePtr, lda int, b DevicePtr, ldb int, beta T, c DevicePtr, ldc int) {
	h.Stream().Submit(func() {
		gemmNow(transA, transB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
	})
}

// gemmNow performs the multiply synchronously on the calling goroutine.
// Shape violations panic and are converted to execution errors by the
// stream worker.
func gemmNow[T Float](transA, transB bool, m, n, k int, alpha T, a DevicePtr, lda int, b DevicePtr, ldb int, beta T, c DevicePtr, ldc int) {
	if m <= 0 || n <= 0 || k <= 0 {
		panic(NewShapeError("Gemm", "non-positive dimensions m=%d n=%d k=%d", m, n, k))
	}

	aRows, aCols := m, k
	tA := blas.NoTrans
	if transA {
		aRows, aCols = k, m
		tA = blas.Trans
	}
	bRows, bCols := k, n
	tB := blas.NoTrans
	if transB {
		bRows, bCols = n, k
		tB = blas.Trans
	}

	switch alpha := any(alpha).(type) {
	case float32:
		blas32.Gemm(tA, tB, alpha,
			blas32.General{Rows: aRows, Cols: aCols, Stride: lda, Data: devSlice[float32](a, (aRows-1)*lda+aCols)},
			blas32.General{Rows: bRows, Cols: bCols, Stride: ldb, Data: devSlice[float32](b, (bRows-1)*ldb+bCols)},
			any(beta).(float32),
			blas32.General{Rows: m, Cols: n, Stride: ldc, Data: devSlice[float32](c, (m-1)*ldc+n)})
	case float64:
		blas64.Gemm(tA, tB, alpha,
			blas64.General{Rows: aRows, Cols: aCols, Stride: lda, Data: devSlice[float64](a, (aRows-1)*lda+aCols)},
			blas64.General{Rows: bRows, Cols: bCols, Stride: ldb, Data: devSlice[float64](b, (bRows-1)*ldb+bCols)},
			any(beta).(float64),
			blas64.General{Rows: m, Cols: n, Stride: ldc, Data: devSlice[float64](c, (m-1)*ldc+n)})
	}
}
