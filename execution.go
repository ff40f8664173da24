package haste

import (
	"runtime"
	"sync"
)

// Launch executes a kernel across a grid of thread blocks on the given
// stream. Control returns immediately; work completes asynchronously in
// submission order relative to other work on the same stream.
func Launch(stream *Stream, fn KernelFunc, grid, block Dim3) {
	gridSize := grid.Size()
	blockSize := block.Size()
	if gridSize == 0 || blockSize == 0 {
		// Empty task keeps stream ordering intact.
		stream.Submit(func() {})
		return
	}

	stream.Submit(func() {
		forEachBlock(gridSize, func(blockID int) {
			blockIdx := linearTo3D(blockID, grid)
			// Threads within a block run sequentially on one worker.
			// This maximizes cache reuse and needs no synchronization.
			for threadID := 0; threadID < blockSize; threadID++ {
				fn(ThreadID{
					BlockIdx:  blockIdx,
					ThreadIdx: linearTo3D(threadID, block),
					BlockDim:  block,
					GridDim:   grid,
				})
			}
		})
	})
}

// LaunchBlocks executes a block-granular kernel: fn is invoked once per
// block, in parallel across blocks. Kernels that need shared scratch and
// barrier phases (tree reductions) use this form.
func LaunchBlocks(stream *Stream, fn BlockFunc, grid Dim3) {
	gridSize := grid.Size()
	if gridSize == 0 {
		stream.Submit(func() {})
		return
	}

	stream.Submit(func() {
		forEachBlock(gridSize, func(blockID int) {
			fn(linearTo3D(blockID, grid))
		})
	})
}

// forEachBlock distributes block IDs across worker goroutines. Each worker
// handles a contiguous run of blocks for cache locality.
func forEachBlock(gridSize int, fn func(blockID int)) {
	numWorkers := runtime.NumCPU()
	if gridSize < numWorkers {
		numWorkers = gridSize
	}
	if numWorkers <= 1 {
		for blockID := 0; blockID < gridSize; blockID++ {
			fn(blockID)
		}
		return
	}

	blocksPerWorker := (gridSize + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for workerID := 0; workerID < numWorkers; workerID++ {
		start := workerID * blocksPerWorker
		end := start + blocksPerWorker
		if end > gridSize {
			end = gridSize
		}
		go func(start, end int) {
			defer wg.Done()
			for blockID := start; blockID < end; blockID++ {
				fn(blockID)
			}
		}(start, end)
	}
	wg.Wait()
}

// linearTo3D converts a linear index to 3D coordinates.
func linearTo3D(linear int, dim Dim3) Dim3 {
	z := linear / (dim.X * dim.Y)
	y := (linear % (dim.X * dim.Y)) / dim.X
	x := linear % dim.X
	return Dim3{X: x, Y: y, Z: z}
}

// grid1D returns a 1D launch configuration covering n elements with the
// default block size.
func grid1D(n int) (grid, block Dim3) {
	grid = Dim3{X: (n + DefaultBlockSize - 1) / DefaultBlockSize, Y: 1, Z: 1}
	block = Dim3{X: DefaultBlockSize, Y: 1, Z: 1}
	return grid, block
}
