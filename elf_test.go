package dirtypatch

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

// writeELF creates a minimal ELF64 with one R+X PT_LOAD covering
// [0, textSize), padded with 0x5a to fileSize. A NOP sits at 0x100.
func writeELF(t *testing.T, path string, machine elf.Machine, textSize, fileSize int) {
	t.Helper()
	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Filesz: uint64(textSize),
		Memsz:  uint64(textSize),
		Align:  testPageSize,
	}
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, &prog); err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{0x5a}, fileSize)
	copy(data, buf.Bytes())
	binary.LittleEndian.PutUint32(data[0x100:], nop)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func openELF(t *testing.T, machine elf.Machine) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lib.so")
	writeELF(t, path, machine, 0x1f00, 3*testPageSize)
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestCheckELFSite(t *testing.T) {
	f := openELF(t, elf.EM_AARCH64)
	h := HookDescriptor{HookOffset: 0x100, PayloadOffset: 0x1f00}

	if err := CheckELFSite(f, h, 64, testPageSize); err != nil {
		t.Errorf("Expected no error but got %v", err)
	}

	outside := h
	outside.PayloadOffset = 0x1fe0
	if err := CheckELFSite(f, outside, 64, testPageSize); !errors.Is(err, ErrConfiguration) {
		t.Errorf("trampoline past mapping: Expected ErrConfiguration but got %v", err)
	}

	notText := h
	notText.HookOffset = 0x2100
	if err := CheckELFSite(f, notText, 64, testPageSize); !errors.Is(err, ErrConfiguration) {
		t.Errorf("hook outside text: Expected ErrConfiguration but got %v", err)
	}
}

func TestCheckELFSiteWrongMachine(t *testing.T) {
	f := openELF(t, elf.EM_X86_64)
	h := HookDescriptor{HookOffset: 0x100, PayloadOffset: 0x1f00}
	if err := CheckELFSite(f, h, 64, testPageSize); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration but got %v", err)
	}
}

func TestCheckELFSiteNotELF(t *testing.T) {
	r := bytes.NewReader(bytes.Repeat([]byte{0xaa}, 4096))
	if err := CheckELFSite(r, HookDescriptor{}, 4, testPageSize); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration but got %v", err)
	}
}
