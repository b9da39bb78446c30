package dirtypatch

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"
)

func instructionBytes(inst uint32) []byte {
	b := make([]byte, instrLength)
	binary.LittleEndian.PutUint32(b, inst)
	return b
}

// Disassemble renders an arm64 instruction word for logs.
func Disassemble(inst uint32) string {
	decoded, err := arm64asm.Decode(instructionBytes(inst))
	if err != nil {
		return "?"
	}
	return arm64asm.GNUSyntax(decoded)
}

// CheckDisplaced verifies that the instruction overwritten by the hook can
// run unchanged from inside the trampoline. PC-relative instructions would
// compute a different target there.
func CheckDisplaced(inst uint32) error {
	decoded, err := arm64asm.Decode(instructionBytes(inst))
	if err != nil {
		return errors.Wrapf(ErrConfiguration, "displaced instruction %08x: %v", inst, err)
	}
	switch decoded.Op {
	case arm64asm.ADR, arm64asm.ADRP:
		return errors.Wrapf(ErrConfiguration, "displaced instruction %08x (%v) is PC-relative", inst, arm64asm.GNUSyntax(decoded))
	}
	for _, arg := range decoded.Args {
		if arg == nil {
			break
		}
		if _, ok := arg.(arm64asm.PCRel); ok {
			return errors.Wrapf(ErrConfiguration, "displaced instruction %08x (%v) is PC-relative", inst, arm64asm.GNUSyntax(decoded))
		}
	}
	return nil
}
