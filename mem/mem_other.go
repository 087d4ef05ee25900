//go:build !linux

package mem

func alloc(size int) (*Buffer, error) {
	return &Buffer{b: make([]byte, size)}, nil
}

func allocHuge(size int) (*Buffer, error) {
	return &Buffer{b: make([]byte, size)}, nil
}
