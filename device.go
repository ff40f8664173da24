package haste

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Device represents a compute device. Here this is the CPU with its cores;
// each device has a unique ID and capabilities.
type Device struct {
	ID       int    // Unique device identifier
	Name     string // Human-readable device name
	NumCores int    // Number of CPU cores
}

// Context represents an execution context. It owns device memory allocation
// and the streams work is submitted to. A Context must be created before any
// kernel or GEMM launch and should be destroyed when no longer needed.
type Context struct {
	device *Device

	mu       sync.Mutex
	streams  []*Stream
	streamID int32

	memory        *MemoryPool
	defaultStream *Stream
}

// Stream represents an ordered sequence of operations that execute
// asynchronously. Operations within a stream execute in submission order;
// operations in different streams may execute concurrently. The first
// execution failure on a stream poisons it: subsequent work is skipped and
// the error is surfaced by Synchronize.
type Stream struct {
	id    int
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	mu  sync.Mutex
	err error
}

// Event marks a point in a stream's work queue. Another stream can wait on
// it without involving the host, which is how the bulk input-to-gates GEMM
// is ordered before the recurrence without blocking the caller.
type Event struct {
	fired chan struct{}
}

// Dim3 represents 3D dimensions for grid and block configurations.
type Dim3 struct {
	X, Y, Z int
}

// ThreadID identifies a thread's position within the execution hierarchy,
// with the same indexing semantics as blockIdx/threadIdx/blockDim/gridDim.
type ThreadID struct {
	BlockIdx  Dim3
	ThreadIdx Dim3
	BlockDim  Dim3
	GridDim   Dim3
}

// KernelFunc is a function launched as a kernel. Implementations must be
// safe for concurrent invocation from multiple worker goroutines.
type KernelFunc func(tid ThreadID)

// BlockFunc is a kernel executed at block granularity: one invocation owns
// an entire block and iterates its lanes internally. Reduction kernels use
// this form so that a block's shared scratch region is plain local memory
// and barrier points become phase boundaries.
type BlockFunc func(blockIdx Dim3)

// NewContext creates an execution context with a default stream.
func NewContext() *Context {
	ctx := &Context{
		device: &Device{
			ID:       0,
			Name:     "CPU",
			NumCores: runtime.NumCPU(),
		},
		memory: NewMemoryPool(),
	}
	ctx.defaultStream = ctx.NewStream()
	return ctx
}

// Device returns the device this context is bound to.
func (ctx *Context) Device() *Device {
	return ctx.device
}

// NewStream creates a new execution stream owned by this context.
func (ctx *Context) NewStream() *Stream {
	id := int(atomic.AddInt32(&ctx.streamID, 1))
	s := &Stream{
		id:    id,
		tasks: make(chan func(), streamQueueDepth),
		done:  make(chan struct{}),
	}
	go s.worker()

	ctx.mu.Lock()
	ctx.streams = append(ctx.streams, s)
	ctx.mu.Unlock()
	return s
}

// DefaultStream returns the context's default stream.
func (ctx *Context) DefaultStream() *Stream {
	return ctx.defaultStream
}

// Synchronize waits for all streams of this context to drain and returns the
// first execution error observed on any of them.
func (ctx *Context) Synchronize() error {
	ctx.mu.Lock()
	streams := append([]*Stream(nil), ctx.streams...)
	ctx.mu.Unlock()

	var first error
	for _, s := range streams {
		if err := s.Synchronize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Destroy shuts down all streams owned by the context. Outstanding work is
// allowed to finish first.
func (ctx *Context) Destroy() {
	ctx.mu.Lock()
	streams := ctx.streams
	ctx.streams = nil
	ctx.mu.Unlock()

	for _, s := range streams {
		s.Destroy()
	}
}

// worker processes tasks for a stream.
func (s *Stream) worker() {
	for task := range s.tasks {
		s.run(task)
		s.wg.Done()
	}
	close(s.done)
}

// run executes one task, skipping it if the stream is already poisoned and
// converting panics into execution errors.
func (s *Stream) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.setErr(NewExecutionError("Stream", "kernel execution panicked", panicError(r)))
		}
	}()
	if s.Err() == nil {
		task()
	}
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Err returns the first execution error recorded on the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Submit adds a task to the stream's ordered queue.
func (s *Stream) Submit(task func()) {
	s.wg.Add(1)
	s.tasks <- task
}

// Synchronize blocks until all submitted work has completed and returns the
// stream's error state.
func (s *Stream) Synchronize() error {
	s.wg.Wait()
	return s.Err()
}

// Record enqueues an event that fires once all previously submitted work on
// the stream has completed.
func (s *Stream) Record() *Event {
	e := &Event{fired: make(chan struct{})}
	s.Submit(func() {
		close(e.fired)
	})
	return e
}

// WaitEvent makes subsequent work on the stream wait until the event fires.
// The host is not blocked.
func (s *Stream) WaitEvent(e *Event) {
	s.Submit(func() {
		<-e.fired
	})
}

// Destroy drains the stream and stops its worker.
func (s *Stream) Destroy() {
	s.wg.Wait()
	close(s.tasks)
	<-s.done
}

// Global returns the global linear thread index along X.
func (tid ThreadID) Global() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// Size returns the total number of elements.
func (d Dim3) Size() int {
	return d.X * d.Y * d.Z
}
