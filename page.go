package dirtypatch

import "os"

var sysPageSize = os.Getpagesize()

// PageSize returns the host's native page size.
func PageSize() int {
	return sysPageSize
}

func pageStart(offset int64, pageSize int) int64 {
	return offset &^ int64(pageSize-1)
}

// nextPageBoundary returns the first page boundary strictly after offset.
func nextPageBoundary(offset int64, pageSize int) int64 {
	return (offset | int64(pageSize-1)) + 1
}

// emptySpace is the number of bytes from offset up to the next page
// boundary. A page-aligned offset has none.
func emptySpace(offset int64, pageSize int) int64 {
	ps := int64(pageSize)
	return (ps - offset%ps) % ps
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
