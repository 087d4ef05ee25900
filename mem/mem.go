// Package mem provides page-aligned buffer allocation for RDMA memory
// registration. Adapters translate registered virtual ranges a page at a
// time, so registering page-aligned buffers avoids wasting translation
// entries on partial head and tail pages, and huge pages cut the entry
// count further for large regions.
package mem

import (
	"os"

	"github.com/nettlelabs/ibverbs-go/verbs"
)

// HugePageSize is the huge page size requested by AllocHuge.
const HugePageSize = 2 << 20

// Buffer is an allocation suitable for memory registration. It is not
// garbage collected; callers must Close it after deregistering any memory
// regions that cover it.
type Buffer struct {
	b    []byte
	free func() error
}

// Bytes returns the backing slice.
func (b *Buffer) Bytes() []byte { return b.b }

// Len returns the allocation length in bytes.
func (b *Buffer) Len() int { return len(b.b) }

// Close releases the allocation. The backing slice must no longer be used.
func (b *Buffer) Close() error {
	if b.free == nil {
		return nil
	}
	free := b.free
	b.free = nil
	b.b = nil
	return free()
}

// Register registers the whole buffer under the protection domain.
func (b *Buffer) Register(pd *verbs.ProtectionDomain, access verbs.AccessFlags) (*verbs.MemoryRegion, error) {
	return pd.RegisterMemory(b.b, access)
}

// Alloc returns a page-aligned anonymous allocation of at least n bytes,
// rounded up to a whole number of pages.
func Alloc(n int) (*Buffer, error) {
	if n <= 0 {
		panic("mem: allocation size must be positive")
	}
	return alloc(roundUp(n, os.Getpagesize()))
}

// AllocHuge returns a huge-page-backed allocation of at least n bytes,
// rounded up to a whole number of huge pages. It falls back to ordinary
// pages when the system has no huge pages available.
func AllocHuge(n int) (*Buffer, error) {
	if n <= 0 {
		panic("mem: allocation size must be positive")
	}
	size := roundUp(n, HugePageSize)
	if b, err := allocHuge(size); err == nil {
		return b, nil
	}
	return alloc(size)
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
