package dirtypatch

import (
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"
)

func decodedTarget(t *testing.T, from int64, inst uint32) int64 {
	t.Helper()
	decoded, err := arm64asm.Decode(instructionBytes(inst))
	if err != nil {
		t.Fatalf("Decode(%08x): %v", inst, err)
	}
	if decoded.Op != arm64asm.B {
		t.Fatalf("Expected B but got %v", decoded.Op)
	}
	rel, ok := decoded.Args[0].(arm64asm.PCRel)
	if !ok {
		t.Fatalf("Expected PC-relative operand but got %T", decoded.Args[0])
	}
	return from + int64(rel)
}

func TestEncodeBranchForward(t *testing.T) {
	inst := EncodeBranch(0x1000, 0x2000)
	if inst != 0x14000400 {
		t.Errorf("Expected %08x but got %08x", 0x14000400, inst)
	}
	if got := decodedTarget(t, 0x1000, inst); got != 0x2000 {
		t.Errorf("Expected target %#x but got %#x", 0x2000, got)
	}
}

func TestEncodeBranchBackward(t *testing.T) {
	inst := EncodeBranch(0x2000, 0x1000)
	if got := decodedTarget(t, 0x2000, inst); got != 0x1000 {
		t.Errorf("Expected target %#x but got %#x", 0x1000, got)
	}
	d, ok := DecodeBranch(inst)
	if !ok || d != -0x1000 {
		t.Errorf("Expected displacement -0x1000 but got %#x (ok=%v)", d, ok)
	}
}

func TestEncodeBranchRoundTrip(t *testing.T) {
	pairs := [][2]int64{
		{0x5a9dc, 0xa2de0},
		{0xa2ffc, 0x5a9e0},
		{0, 4},
		{0x7fffffc, 0},
		{0, 0x7fffffc},
	}
	for _, p := range pairs {
		d, ok := DecodeBranch(EncodeBranch(p[0], p[1]))
		if !ok {
			t.Fatalf("%#x -> %#x: not decoded as a branch", p[0], p[1])
		}
		if d != p[1]-p[0] {
			t.Errorf("%#x -> %#x: Expected displacement %#x but got %#x", p[0], p[1], p[1]-p[0], d)
		}
		back, _ := DecodeBranch(EncodeBranch(p[1], p[0]))
		if back != -d {
			t.Errorf("%#x <- %#x: Expected displacement %#x but got %#x", p[0], p[1], -d, back)
		}
	}
}

func TestDecodeBranchRejectsOtherInstructions(t *testing.T) {
	for _, inst := range []uint32{0xd503201f, 0x94000010, 0xaa0103e0} {
		if _, ok := DecodeBranch(inst); ok {
			t.Errorf("%08x: Expected not a branch", inst)
		}
	}
}

func TestBranchInRange(t *testing.T) {
	if err := BranchInRange(0x1000, 0x2000); err != nil {
		t.Errorf("Expected no error but got %v", err)
	}
	if err := BranchInRange(0x1002, 0x2000); !errors.Is(err, ErrConfiguration) {
		t.Errorf("misaligned: Expected ErrConfiguration but got %v", err)
	}
	if err := BranchInRange(0, 0x8000000); !errors.Is(err, ErrConfiguration) {
		t.Errorf("too far: Expected ErrConfiguration but got %v", err)
	}
	if err := BranchInRange(0x8000000, 0); err != nil {
		t.Errorf("furthest back: Expected no error but got %v", err)
	}
}

func TestNewHookDescriptor(t *testing.T) {
	site := InjectionSite{HookOffset: 0x1000, PayloadOffset: 0x1f00, FirstInstruction: 0xd503201f}
	h, err := NewHookDescriptor(site, 32, 64)
	if err != nil {
		t.Fatal(err)
	}
	if h.EntryOffset != 0x1f20 || h.ReturnOffset != 0x1f3c {
		t.Errorf("Expected entry 0x1f20 and return 0x1f3c but got %#x and %#x", h.EntryOffset, h.ReturnOffset)
	}
	if got := decodedTarget(t, h.HookOffset, h.BranchIn); got != h.EntryOffset {
		t.Errorf("branch in: Expected %#x but got %#x", h.EntryOffset, got)
	}
	if got := decodedTarget(t, h.ReturnOffset, h.BranchBack); got != h.HookOffset+4 {
		t.Errorf("branch back: Expected %#x but got %#x", h.HookOffset+4, got)
	}
	if h.Original != site.FirstInstruction {
		t.Errorf("Expected original %08x but got %08x", site.FirstInstruction, h.Original)
	}

	if _, err = NewHookDescriptor(site, 64, 64); !errors.Is(err, ErrConfiguration) {
		t.Errorf("entry past end: Expected ErrConfiguration but got %v", err)
	}
	if _, err = NewHookDescriptor(site, 0, 62); !errors.Is(err, ErrConfiguration) {
		t.Errorf("odd length: Expected ErrConfiguration but got %v", err)
	}
}
