package dirtypatch

import (
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

// CheckELFSite verifies an injection site against the library's program
// headers: the file must be an arm64 ELF, the hook must lie in the file
// contents of an executable segment, and the trampoline must lie in the
// same segment or in the unused tail of its last page, which the loader
// maps executable along with it.
func CheckELFSite(reader io.ReaderAt, h HookDescriptor, trampolineLen int, pageSize int) error {
	exe, err := elf.NewFile(reader)
	if err != nil {
		return errors.Wrapf(ErrConfiguration, "not an ELF file: %v", err)
	}
	defer exe.Close()

	if exe.Machine != elf.EM_AARCH64 {
		return errors.Wrapf(ErrConfiguration, "ELF machine %v, want %v", exe.Machine, elf.EM_AARCH64)
	}

	for _, prog := range exe.Progs {
		if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_X == 0 {
			continue
		}
		start := int64(prog.Off)
		end := start + int64(prog.Filesz)
		if h.HookOffset < start || h.HookOffset+instrLength > end {
			continue
		}
		mappedEnd := nextPageBoundary(end-1, pageSize)
		if h.PayloadOffset < start || h.PayloadOffset+int64(trampolineLen) > mappedEnd {
			return errors.Wrapf(ErrConfiguration, "trampoline [%#x, %#x) outside executable mapping [%#x, %#x)",
				h.PayloadOffset, h.PayloadOffset+int64(trampolineLen), start, mappedEnd)
		}
		return nil
	}
	return errors.Wrapf(ErrConfiguration, "hook %#x is not in an executable segment", h.HookOffset)
}
