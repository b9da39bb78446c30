package dirtypatch

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Trampoline is the code image placed in the unused tail of the hooked
// library's executable page. Layout:
//
//	[0, Entry)                 data the code reads (string slots etc.)
//	Entry                      first instruction run by the hook branch
//	Displaced                  4-byte slot for the instruction the hook replaced
//	len(Data)-4                branch back to the instruction after the hook
type Trampoline struct {
	Image
	Entry     int
	Displaced int
}

// Payload is everything that gets written, ready for planning.
type Payload struct {
	Trampoline []byte
	Companion  []byte
	Hook       HookDescriptor
}

// PayloadSpec gathers the inputs of BuildPayload.
type PayloadSpec struct {
	Site            InjectionSite
	Trampoline      *Trampoline
	TrampolineSlots map[string]string
	Companion       *Image
	CompanionSlots  map[string]string
	PageSize        int
}

// BuildPayload fills the string slots of both images, then finishes the
// trampoline with the displaced instruction and the return branch. All
// checks happen here, before any file is touched.
func BuildPayload(spec PayloadSpec) (*Payload, error) {
	t := spec.Trampoline
	if t == nil {
		return nil, errors.Wrap(ErrConfiguration, "no trampoline image")
	}
	if !isPowerOfTwo(spec.PageSize) {
		return nil, errors.Wrapf(ErrConfiguration, "page size %d is not a power of two", spec.PageSize)
	}

	tramp, err := t.Fill(spec.TrampolineSlots)
	if err != nil {
		return nil, errors.WithMessage(err, "trampoline")
	}

	if room := emptySpace(spec.Site.PayloadOffset, spec.PageSize); int64(len(tramp)) > room {
		return nil, errors.Wrapf(ErrConfiguration, "trampoline is %d bytes but only %d are free after %#x",
			len(tramp), room, spec.Site.PayloadOffset)
	}
	if t.Entry < 0 || t.Entry%instrLength != 0 {
		return nil, errors.Wrapf(ErrConfiguration, "trampoline entry %d is not instruction aligned", t.Entry)
	}
	if t.Displaced < t.Entry || t.Displaced+instrLength > len(tramp)-instrLength {
		return nil, errors.Wrapf(ErrConfiguration, "displaced instruction slot %d outside trampoline code [%d, %d)",
			t.Displaced, t.Entry, len(tramp)-instrLength)
	}
	// String slots are data and must end before the code starts.
	for _, s := range t.Slots {
		if s.Offset+s.Width > t.Entry {
			return nil, errors.Wrapf(ErrConfiguration, "slot %q [%d, %d) overlaps trampoline code starting at %d",
				s.Name, s.Offset, s.Offset+s.Width, t.Entry)
		}
	}
	if err = CheckDisplaced(spec.Site.FirstInstruction); err != nil {
		return nil, err
	}

	hook, err := NewHookDescriptor(spec.Site, t.Entry, len(tramp))
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(tramp[t.Displaced:], hook.Original)
	binary.LittleEndian.PutUint32(tramp[len(tramp)-instrLength:], hook.BranchBack)

	p := &Payload{Trampoline: tramp, Hook: hook}
	if spec.Companion != nil {
		if p.Companion, err = spec.Companion.Fill(spec.CompanionSlots); err != nil {
			return nil, errors.WithMessage(err, "companion")
		}
	}
	return p, nil
}
