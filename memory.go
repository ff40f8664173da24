package haste

import (
	"fmt"
	"sync"
	"unsafe"
)

// MemcpyKind specifies the direction of a memory transfer. In the unified
// memory model all directions are plain copies; the kinds are kept for
// call-site clarity.
type MemcpyKind int

const (
	MemcpyHostToHost MemcpyKind = iota
	MemcpyHostToDevice
	MemcpyDeviceToHost
	MemcpyDeviceToDevice
)

// MemoryPool manages device memory allocation with free-list reuse to
// reduce allocation overhead across forward/backward pairs.
type MemoryPool struct {
	mu         sync.Mutex
	allocated  map[uintptr]*allocation
	freeList   []*allocation
	totalAlloc int64
	peakAlloc  int64
}

type allocation struct {
	buf  []byte // keeps the backing array reachable
	ptr  unsafe.Pointer
	size int
	used bool
}

// DevicePtr represents a pointer to a device-resident region. It supports
// byte offsets into the allocation and typed slice views for kernel code.
// The zero value is a null pointer, used for optional buffers.
type DevicePtr struct {
	ptr    unsafe.Pointer
	size   int
	offset int
}

// NewMemoryPool creates a new memory pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		allocated: make(map[uintptr]*allocation),
	}
}

// Malloc allocates device memory of the specified size in bytes, aligned
// for SIMD access.
func (ctx *Context) Malloc(size int) (DevicePtr, error) {
	return ctx.memory.Allocate(size)
}

// Free releases device memory allocated by Malloc. The region may be
// retained in the pool for future allocations.
func (ctx *Context) Free(ptr DevicePtr) error {
	return ctx.memory.Free(ptr)
}

// Memcpy copies size bytes between host slices and device pointers. On this
// runtime every combination is a plain copy; the kind argument documents
// intent at the call site.
func (ctx *Context) Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	dstPtr, err := transferPointer("Memcpy", dst)
	if err != nil {
		return err
	}
	srcPtr, err := transferPointer("Memcpy", src)
	if err != nil {
		return err
	}
	if dstPtr != nil && srcPtr != nil && size > 0 {
		copy(unsafe.Slice((*byte)(dstPtr), size), unsafe.Slice((*byte)(srcPtr), size))
	}
	return nil
}

// transferPointer resolves a Memcpy operand to a raw address.
func transferPointer(op string, v interface{}) (unsafe.Pointer, error) {
	switch x := v.(type) {
	case DevicePtr:
		return x.ptr, nil
	case []byte:
		if len(x) == 0 {
			return nil, nil
		}
		return unsafe.Pointer(&x[0]), nil
	case []float32:
		if len(x) == 0 {
			return nil, nil
		}
		return unsafe.Pointer(&x[0]), nil
	case []float64:
		if len(x) == 0 {
			return nil, nil
		}
		return unsafe.Pointer(&x[0]), nil
	default:
		return nil, NewInvalidArgError(op, fmt.Sprintf("unsupported operand type: %T", v))
	}
}

// Allocate allocates memory from the pool.
func (mp *MemoryPool) Allocate(size int) (DevicePtr, error) {
	if size <= 0 {
		return DevicePtr{}, ErrInvalidSize
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	alignedSize := (size + MemoryAlignment - 1) &^ (MemoryAlignment - 1)

	// Reuse from the free list when a block is large enough.
	for i, alloc := range mp.freeList {
		if alloc.size >= alignedSize {
			mp.freeList = append(mp.freeList[:i], mp.freeList[i+1:]...)
			alloc.used = true
			mp.track(int64(alloc.size))
			return DevicePtr{ptr: alloc.ptr, size: size}, nil
		}
	}

	buf := make([]byte, alignedSize)
	alloc := &allocation{
		buf:  buf,
		ptr:  unsafe.Pointer(&buf[0]),
		size: alignedSize,
		used: true,
	}
	mp.allocated[uintptr(alloc.ptr)] = alloc
	mp.track(int64(alignedSize))

	return DevicePtr{ptr: alloc.ptr, size: size}, nil
}

func (mp *MemoryPool) track(delta int64) {
	mp.totalAlloc += delta
	if mp.totalAlloc > mp.peakAlloc {
		mp.peakAlloc = mp.totalAlloc
	}
}

// Free returns memory to the pool.
func (mp *MemoryPool) Free(ptr DevicePtr) error {
	if ptr.ptr == nil {
		return nil
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	alloc, ok := mp.allocated[uintptr(ptr.ptr)]
	if !ok {
		return NewMemoryError("Free", "pointer not found in allocation pool", nil)
	}
	if !alloc.used {
		return ErrDoubleFree
	}

	alloc.used = false
	mp.freeList = append(mp.freeList, alloc)
	mp.totalAlloc -= int64(alloc.size)
	return nil
}

// Stats returns current and peak allocation in bytes.
func (mp *MemoryPool) Stats() (allocated, peak int64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.totalAlloc, mp.peakAlloc
}

// IsNil reports whether the pointer is null. Optional kernel arguments
// (activation caches, zoneout masks) use null pointers when absent.
func (d DevicePtr) IsNil() bool {
	return d.ptr == nil
}

// Float32 returns a float32 slice view of the device memory.
func (d DevicePtr) Float32() []float32 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*float32)(d.ptr), d.size/4)
}

// Float64 returns a float64 slice view of the device memory.
func (d DevicePtr) Float64() []float64 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*float64)(d.ptr), d.size/8)
}

// Byte returns a byte slice view of the entire region.
func (d DevicePtr) Byte() []byte {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(d.ptr), d.size)
}

// Offset returns a new DevicePtr advanced by the given number of bytes.
// The returned pointer shares the same underlying memory.
func (d DevicePtr) Offset(bytes int) DevicePtr {
	return DevicePtr{
		ptr:    unsafe.Pointer(uintptr(d.ptr) + uintptr(bytes)),
		size:   d.size - bytes,
		offset: d.offset + bytes,
	}
}

// Size returns the size in bytes of the region.
func (d DevicePtr) Size() int {
	return d.size
}

// Zero fills the region with zero bytes.
func (d DevicePtr) Zero() {
	b := d.Byte()
	for i := range b {
		b[i] = 0
	}
}
