//go:build linux

package mem

import (
	"golang.org/x/sys/unix"
)

func alloc(size int) (*Buffer, error) {
	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return &Buffer{b: b, free: func() error { return unix.Munmap(b) }}, nil
}

func allocHuge(size int) (*Buffer, error) {
	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		return nil, err
	}
	return &Buffer{b: b, free: func() error { return unix.Munmap(b) }}, nil
}
