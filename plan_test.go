package dirtypatch

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestChunkSpan(t *testing.T) {
	data := make([]byte, 2*testPageSize+100)
	for i := range data {
		data[i] = byte(i)
	}
	reqs, skipped := chunkSpan("/c.so", 0, data, testPageSize)

	wantOffsets := []int64{1, testPageSize + 1, 2*testPageSize + 1}
	wantLens := []int{testPageSize - 1, testPageSize - 1, 99}
	if len(reqs) != len(wantOffsets) {
		t.Fatalf("Expected %d requests but got %d", len(wantOffsets), len(reqs))
	}
	for i, r := range reqs {
		if r.Offset != wantOffsets[i] || len(r.Data) != wantLens[i] {
			t.Errorf("request %d: Expected %#x/%d but got %#x/%d", i, wantOffsets[i], wantLens[i], r.Offset, len(r.Data))
		}
		if !bytes.Equal(r.Data, data[r.Offset:r.end()]) {
			t.Errorf("request %d: data does not match the image", i)
		}
		if err := r.Check(testPageSize); err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}

	wantSkipped := []int64{0, testPageSize, 2 * testPageSize}
	if len(skipped) != len(wantSkipped) {
		t.Fatalf("Expected skipped %v but got %v", wantSkipped, skipped)
	}
	for i := range skipped {
		if skipped[i] != wantSkipped[i] {
			t.Errorf("Expected skipped %v but got %v", wantSkipped, skipped)
		}
	}
}

func TestChunkSpanUnaligned(t *testing.T) {
	reqs, skipped := chunkSpan("/c.so", 0xff0, make([]byte, 0x20), testPageSize)
	if len(reqs) != 2 || reqs[0].Offset != 0xff0 || len(reqs[0].Data) != 0x10 || reqs[1].Offset != 0x1001 || len(reqs[1].Data) != 0xf {
		t.Errorf("Unexpected chunks %+v", reqs)
	}
	if len(skipped) != 1 || skipped[0] != 0x1000 {
		t.Errorf("Expected skipped [0x1000] but got %v", skipped)
	}
}

func testPayload(t *testing.T, companion []byte) *Payload {
	t.Helper()
	p, err := BuildPayload(PayloadSpec{Site: testSite(), Trampoline: testTrampoline(), PageSize: testPageSize})
	if err != nil {
		t.Fatal(err)
	}
	p.Companion = companion
	return p
}

func TestNewPatchPlanOrder(t *testing.T) {
	plan, err := NewPatchPlan("/hook.so", "/companion.so", testPayload(t, make([]byte, 3*testPageSize)), testPageSize)
	if err != nil {
		t.Fatal(err)
	}
	var regions []Region
	for _, r := range plan.Requests {
		regions = append(regions, r.Region)
	}
	want := []Region{RegionCompanion, RegionCompanion, RegionCompanion, RegionTrampoline, RegionHook}
	if len(regions) != len(want) {
		t.Fatalf("Expected %v but got %v", want, regions)
	}
	for i := range want {
		if regions[i] != want[i] {
			t.Fatalf("Expected %v but got %v", want, regions)
		}
	}
	hook := plan.Requests[len(plan.Requests)-1]
	if hook.Path != "/hook.so" || hook.Offset != 0x100 || len(hook.Data) != 4 {
		t.Errorf("Unexpected hook request %+v", hook)
	}
}

func TestNewPatchPlanWithoutCompanion(t *testing.T) {
	plan, err := NewPatchPlan("/hook.so", "", testPayload(t, nil), testPageSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Requests) != 2 {
		t.Errorf("Expected 2 requests but got %d", len(plan.Requests))
	}

	if _, err = NewPatchPlan("/hook.so", "", testPayload(t, []byte{1, 2, 3}), testPageSize); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration but got %v", err)
	}
}

func TestPlanValidateRejectsOverlap(t *testing.T) {
	p := testPayload(t, nil)
	p.Hook.HookOffset = p.Hook.PayloadOffset + 8
	if _, err := NewPatchPlan("/hook.so", "", p, testPageSize); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration but got %v", err)
	}
}
