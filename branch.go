package dirtypatch

import (
	"github.com/pkg/errors"
)

const (
	instrLength = 4

	// arm64 "B imm26": unconditional PC-relative branch.
	branchOpcode   = uint32(0x14000000)
	branchOpMask   = uint32(0xfc000000)
	branchImmMask  = uint32(0x03ffffff)
	branchImmBits  = 26
	maxBranchReach = int64(1) << (branchImmBits + 1) // +-128 MiB
)

// EncodeBranch returns the B instruction that, placed at from, transfers
// control to to. The displacement is truncated to the immediate field, so
// check BranchInRange first if the addresses are not known to be close.
func EncodeBranch(from, to int64) uint32 {
	return branchOpcode | uint32((to-from)>>2)&branchImmMask
}

// DecodeBranch returns the byte displacement of a B instruction.
func DecodeBranch(inst uint32) (displacement int64, ok bool) {
	if inst&branchOpMask != branchOpcode {
		return 0, false
	}
	imm := int64(inst & branchImmMask)
	if imm&(1<<(branchImmBits-1)) != 0 {
		imm -= 1 << branchImmBits
	}
	return imm << 2, true
}

// BranchInRange reports whether a B at from can reach to.
func BranchInRange(from, to int64) error {
	if from%instrLength != 0 || to%instrLength != 0 {
		return errors.Wrapf(ErrConfiguration, "branch %#x -> %#x: addresses must be %d-byte aligned", from, to, instrLength)
	}
	if d := to - from; d < -maxBranchReach || d >= maxBranchReach {
		return errors.Wrapf(ErrConfiguration, "branch %#x -> %#x: displacement %#x out of range", from, to, d)
	}
	return nil
}

// HookDescriptor holds the addresses and encoded instructions of one hook.
// All addresses are file offsets in the hooked library.
type HookDescriptor struct {
	HookOffset    int64
	PayloadOffset int64
	// EntryOffset is where the trampoline code starts, at or after
	// PayloadOffset.
	EntryOffset int64
	// ReturnOffset is the last word of the trampoline, which branches back.
	ReturnOffset int64

	Original   uint32
	BranchIn   uint32
	BranchBack uint32
}

// NewHookDescriptor derives the branch into the trampoline and the branch
// back to the instruction after the hook.
func NewHookDescriptor(site InjectionSite, entry int, length int) (HookDescriptor, error) {
	if length < instrLength || length%instrLength != 0 {
		return HookDescriptor{}, errors.Wrapf(ErrConfiguration, "trampoline length %d is not a whole number of instructions", length)
	}
	if entry < 0 || entry >= length {
		return HookDescriptor{}, errors.Wrapf(ErrConfiguration, "trampoline entry %d outside image of %d bytes", entry, length)
	}

	h := HookDescriptor{
		HookOffset:    site.HookOffset,
		PayloadOffset: site.PayloadOffset,
		EntryOffset:   site.PayloadOffset + int64(entry),
		ReturnOffset:  site.PayloadOffset + int64(length-instrLength),
		Original:      site.FirstInstruction,
	}
	if err := BranchInRange(h.HookOffset, h.EntryOffset); err != nil {
		return HookDescriptor{}, errors.WithMessage(err, "hook")
	}
	if err := BranchInRange(h.ReturnOffset, h.HookOffset+instrLength); err != nil {
		return HookDescriptor{}, errors.WithMessage(err, "return")
	}
	h.BranchIn = EncodeBranch(h.HookOffset, h.EntryOffset)
	h.BranchBack = EncodeBranch(h.ReturnOffset, h.HookOffset+instrLength)
	return h, nil
}
