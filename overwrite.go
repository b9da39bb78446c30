package dirtypatch

import (
	"os"

	"github.com/pkg/errors"
)

// Overwriter replaces bytes of a file's cached content in place.
type Overwriter interface {
	Overwrite(f *os.File, offset int64, data []byte) error
}

// OverwriteRequest is one overwrite call: len(Data) bytes at Offset in the
// file at Path. A request never starts on, nor crosses, a page boundary.
type OverwriteRequest struct {
	Path   string
	Offset int64
	Data   []byte
}

func (r OverwriteRequest) end() int64 {
	return r.Offset + int64(len(r.Data))
}

// Check validates the request against the page rules.
func (r OverwriteRequest) Check(pageSize int) error {
	return checkSpan(r.Offset, len(r.Data), pageSize)
}

// checkSpan enforces the two limits of the primitive: it needs the byte
// before offset to pin the page, and it can only append within that page.
func checkSpan(offset int64, length int, pageSize int) error {
	if !isPowerOfTwo(pageSize) {
		return errors.Wrapf(ErrRequestRejected, "page size %d is not a power of two", pageSize)
	}
	if length <= 0 {
		return errors.Wrapf(ErrRequestRejected, "offset %#x: nothing to write", offset)
	}
	if offset <= 0 {
		return errors.Wrapf(ErrRequestRejected, "offset %#x: must be positive", offset)
	}
	if offset%int64(pageSize) == 0 {
		return errors.Wrapf(ErrRequestRejected, "offset %#x: cannot start writing at a page boundary", offset)
	}
	if next := nextPageBoundary(offset, pageSize); offset+int64(length) > next {
		return errors.Wrapf(ErrRequestRejected, "offset %#x: %d bytes cross the page boundary at %#x", offset, length, next)
	}
	return nil
}
