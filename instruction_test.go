package dirtypatch

import (
	"testing"

	"github.com/pkg/errors"
)

func TestCheckDisplaced(t *testing.T) {
	movable := map[string]uint32{
		"nop":           0xd503201f,
		"mov x0, x1":    0xaa0103e0,
		"stp pre-index": 0xa9bf7bfd,
	}
	for name, inst := range movable {
		if err := CheckDisplaced(inst); err != nil {
			t.Errorf("%v: Expected no error but got %v", name, err)
		}
	}

	pcRelative := map[string]uint32{
		"b":           0x14000010,
		"bl":          0x94000010,
		"b.eq":        0x54000040,
		"cbz":         0xb4000040,
		"adr":         0x10000040,
		"adrp":        0x90000000,
		"ldr literal": 0x58000040,
	}
	for name, inst := range pcRelative {
		if err := CheckDisplaced(inst); !errors.Is(err, ErrConfiguration) {
			t.Errorf("%v: Expected ErrConfiguration but got %v", name, err)
		}
	}
}

func TestDisassemble(t *testing.T) {
	if s := Disassemble(0xd503201f); s == "" || s == "?" {
		t.Errorf("Expected a disassembly of nop but got %q", s)
	}
}
