package haste

// Small shared device kernels used by the drivers.

// addInto accumulates src into dst elementwise: dst[i] += src[i].
func addInto[T Float](stream *Stream, n int, dst, src DevicePtr) {
	grid, block := grid1D(n)
	Launch(stream, func(tid ThreadID) {
		idx := tid.Global()
		if idx >= n {
			return
		}
		devSlice[T](dst, n)[idx] += devSlice[T](src, n)[idx]
	}, grid, block)
}

// addColumnSums accumulates the column sums of a rows-by-cols matrix into
// dst: dst[j] += sum_r src[r*cols+j]. Used for bias gradients, where every
// batch row of every timestep contributes to the same vector.
func addColumnSums[T Float](stream *Stream, rows, cols int, src, dst DevicePtr) {
	grid, block := grid1D(cols)
	Launch(stream, func(tid ThreadID) {
		j := tid.Global()
		if j >= cols {
			return
		}
		s := devSlice[T](src, rows*cols)
		d := devSlice[T](dst, cols)
		sum := T(0)
		for r := 0; r < rows; r++ {
			sum += s[r*cols+j]
		}
		d[j] += sum
	}, grid, block)
}

// validateCellShape checks the common driver shape parameters.
func validateCellShape(op string, batchSize, inputSize, hiddenSize int) error {
	if batchSize <= 0 || inputSize <= 0 || hiddenSize <= 0 {
		return NewShapeError(op, "non-positive shape batch=%d input=%d hidden=%d",
			batchSize, inputSize, hiddenSize)
	}
	return nil
}
