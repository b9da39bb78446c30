package dirtypatch

import (
	"github.com/pkg/errors"
)

// Region says what an overwrite request installs.
type Region string

const (
	RegionCompanion  Region = "companion"
	RegionTrampoline Region = "trampoline"
	RegionHook       Region = "hook"
)

// PlannedRequest is an OverwriteRequest tagged with the region it belongs to.
type PlannedRequest struct {
	OverwriteRequest
	Region Region
}

// PatchPlan is the ordered list of overwrites that installs a payload.
// Payload regions come first and the hook branch comes last, so the hook
// never points at code that is not there yet.
type PatchPlan struct {
	Requests []PlannedRequest
	Hook     HookDescriptor

	// Skipped lists companion offsets that sit on a page boundary. The
	// primitive cannot write them, so those bytes keep the file's value.
	Skipped []int64
}

// NewPatchPlan lays out the overwrites for payload. The companion image is
// written to companionPath from offset 0, one request per page.
func NewPatchPlan(hookPath, companionPath string, payload *Payload, pageSize int) (*PatchPlan, error) {
	plan := &PatchPlan{Hook: payload.Hook}

	if len(payload.Companion) > 0 {
		if companionPath == "" {
			return nil, errors.Wrap(ErrConfiguration, "companion image without a companion target")
		}
		reqs, skipped := chunkSpan(companionPath, 0, payload.Companion, pageSize)
		for _, r := range reqs {
			plan.Requests = append(plan.Requests, PlannedRequest{OverwriteRequest: r, Region: RegionCompanion})
		}
		plan.Skipped = skipped
	}

	plan.Requests = append(plan.Requests,
		PlannedRequest{
			OverwriteRequest: OverwriteRequest{Path: hookPath, Offset: payload.Hook.PayloadOffset, Data: payload.Trampoline},
			Region:           RegionTrampoline,
		},
		PlannedRequest{
			OverwriteRequest: OverwriteRequest{Path: hookPath, Offset: payload.Hook.HookOffset, Data: instructionBytes(payload.Hook.BranchIn)},
			Region:           RegionHook,
		},
	)

	if err := plan.Validate(pageSize); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate checks every request against the page rules and that no two
// requests on the same file overlap.
func (p *PatchPlan) Validate(pageSize int) error {
	if n := len(p.Requests); n == 0 || p.Requests[n-1].Region != RegionHook {
		return errors.Wrap(ErrConfiguration, "plan must end with the hook branch")
	}
	for i, r := range p.Requests {
		if err := r.Check(pageSize); err != nil {
			return errors.WithMessagef(err, "%v request %d", r.Region, i)
		}
		if r.Region == RegionHook && i != len(p.Requests)-1 {
			return errors.Wrap(ErrConfiguration, "plan has more than one hook branch")
		}
		for _, prev := range p.Requests[:i] {
			if prev.Path == r.Path && prev.Offset < r.end() && r.Offset < prev.end() {
				return errors.Wrapf(ErrConfiguration, "%v request at %#x overlaps %v request at %#x in %v",
					r.Region, r.Offset, prev.Region, prev.Offset, r.Path)
			}
		}
	}
	return nil
}

// chunkSpan splits data, to be written at offset, into requests that each
// stay inside one page. Bytes that fall on a page boundary cannot be
// written and are reported in skipped.
func chunkSpan(path string, offset int64, data []byte, pageSize int) (reqs []OverwriteRequest, skipped []int64) {
	end := offset + int64(len(data))
	for pos := offset; pos < end; {
		if pos%int64(pageSize) == 0 {
			skipped = append(skipped, pos)
			pos++
			continue
		}
		stop := min(nextPageBoundary(pos, pageSize), end)
		reqs = append(reqs, OverwriteRequest{
			Path:   path,
			Offset: pos,
			Data:   data[pos-offset : stop-offset],
		})
		pos = stop
	}
	return
}
