// Package devmem models accelerator device allocations with explicit host
// staging. Engines use it to stage device-resident variables through host
// memory before the operator pipeline runs on write, and after it runs on
// read; operators themselves only ever see host-addressable bytes.
//
// The package simulates a device: allocations live in process memory but are
// only reachable through the explicit copy calls, which mirrors the
// discipline a real device runtime imposes.
package devmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rupertnash/adios2/errors"
)

// Buffer is a device-resident allocation. The backing bytes are private;
// data moves in and out only via CopyFromHost/CopyToHost.
type Buffer struct {
	mu    sync.RWMutex
	data  []byte
	freed bool
}

var liveBytes atomic.Int64

// Alloc reserves a device allocation of n bytes.
func Alloc(n int) (*Buffer, error) {
	if n < 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("allocation size %d: %w", n, errors.ErrInvalidArgument),
			"devmem", "Alloc", "size validation")
	}
	liveBytes.Add(int64(n))
	return &Buffer{data: make([]byte, n)}, nil
}

// Size returns the allocation size in bytes.
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// CopyFromHost stages host bytes into the device allocation.
// The source length must match the allocation exactly.
func (b *Buffer) CopyFromHost(src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return errors.WrapInvalid(errors.ErrInvalidState, "devmem", "CopyFromHost", "use after free")
	}
	if len(src) != len(b.data) {
		return errors.WrapInvalid(
			fmt.Errorf("host buffer %d bytes, device allocation %d: %w",
				len(src), len(b.data), errors.ErrShortBuffer),
			"devmem", "CopyFromHost", "size validation")
	}
	copy(b.data, src)
	return nil
}

// CopyToHost stages the device allocation into host bytes.
// The destination length must match the allocation exactly.
func (b *Buffer) CopyToHost(dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.freed {
		return errors.WrapInvalid(errors.ErrInvalidState, "devmem", "CopyToHost", "use after free")
	}
	if len(dst) != len(b.data) {
		return errors.WrapInvalid(
			fmt.Errorf("host buffer %d bytes, device allocation %d: %w",
				len(dst), len(b.data), errors.ErrShortBuffer),
			"devmem", "CopyToHost", "size validation")
	}
	copy(dst, b.data)
	return nil
}

// Free releases the allocation. Further copies fail with ErrInvalidState.
// Free is idempotent.
func (b *Buffer) Free() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.freed {
		liveBytes.Add(int64(-len(b.data)))
		b.freed = true
		b.data = nil
	}
}

// LiveBytes reports the total bytes currently allocated on the simulated
// device, for tests and metrics.
func LiveBytes() int64 {
	return liveBytes.Load()
}
