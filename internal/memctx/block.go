package memctx

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func alignUp(addr uintptr, alignment int) uintptr {
	a := uintptr(alignment)
	return (addr + a - 1) &^ (a - 1)
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// acquireBlock obtains a new Block of exactly size bytes, mapped via
// anonymous mmap when mapped is true (callers set it for sizes at or above
// the mmap threshold and for large objects), otherwise from the heap
// allocator.
func acquireBlock(size int, mapped bool) (*Block, error) {
	b := &Block{size: size, mapped: mapped}
	if mapped {
		mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil, ErrOutOfMemory(fmt.Sprintf("mmap %d bytes: %v", size, err))
		}
		if size >= hugePage2MB {
			_ = unix.Madvise(mem, unix.MADV_HUGEPAGE)
		}
		b.mem = mem
	} else {
		b.mem = make([]byte, size)
	}
	b.base = uintptr(unsafe.Pointer(&b.mem[0]))
	return b, nil
}

// release returns a block's memory to the OS (mapped) or to the garbage
// collector (heap, by dropping the last reference). Heap blocks therefore
// have a no-op release beyond nilling the slice.
func (b *Block) release() error {
	if b.mapped && b.mem != nil {
		if err := unix.Munmap(b.mem); err != nil {
			return fmt.Errorf("memctx: munmap: %w", err)
		}
	}
	b.mem = nil
	return nil
}

const (
	hugePage2MB = 2 * 1024 * 1024
)

// tryBump attempts a lock-free aligned bump allocation from b. Returns the
// aligned base pointer and ok=true on success.
func (b *Block) tryBump(size, alignment int) (uintptr, bool) {
	for {
		cur := b.cursor.Load()
		aligned := alignUp(b.base+uintptr(cur), alignment) - b.base
		end := int64(aligned) + int64(size)
		if end > int64(b.size) {
			return 0, false
		}
		if b.cursor.CompareAndSwap(cur, end) {
			return b.base + uintptr(aligned), true
		}
	}
}
