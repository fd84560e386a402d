package instr

import (
	"testing"

	"github.com/xyproto/cvm/internal/reloc"
)

// TestConditionBranchTemplate reproduces spec 8's worked example: a
// short-form Jcc widened to rel32, immediately followed by a JMP rel32
// to the fallthrough — "0F 85 TT TT TT TT E9 FF FF FF FF" with the
// placeholder bytes patched later by the relocator.
func TestConditionBranchTemplate(t *testing.T) {
	in := &Instruction{
		Class:             ConditionBranch,
		OriginalOffset:    0x500,
		Size:              2,
		Encode:            []byte{0x75, 0x10}, // JNZ rel8
		TargetOffset:      0x600,
		FallthroughOffset: 0x502,
	}

	tmpl, err := Generate(in)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	want := []byte{0x0f, 0x85, 0, 0, 0, 0, 0xe9, 0, 0, 0, 0}
	if len(tmpl.Bytes) != len(want) {
		t.Fatalf("template length = %d, want %d (%x)", len(tmpl.Bytes), len(want), tmpl.Bytes)
	}
	for i := range want {
		if i == 2 || i == 3 || i == 4 || i == 5 || i == 7 || i == 8 || i == 9 || i == 10 {
			continue // placeholder bytes, patched by the relocator
		}
		if tmpl.Bytes[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x", i, tmpl.Bytes[i], want[i])
		}
	}

	if len(tmpl.Relocs) != 2 {
		t.Fatalf("expected 2 relocations, got %d", len(tmpl.Relocs))
	}
	branch := tmpl.Relocs[0]
	if branch.Kind != reloc.BRANCH || branch.BytePos != 2 || branch.Addend != 0 || branch.Value != 0x600 {
		t.Errorf("branch reloc = %+v", branch)
	}
	fall := tmpl.Relocs[1]
	if fall.Kind != reloc.BRANCH || fall.BytePos != 7 || fall.Addend != 0 || fall.Value != 0x502 {
		t.Errorf("fallthrough reloc = %+v", fall)
	}
}

// TestDirectCallTemplate checks the always-split shared-library form
// (spec 4.1): two shadow-stack half-writes, a split main-stack
// return-address push, then a JMP rel32 to the callee's RBBL.
func TestDirectCallTemplate(t *testing.T) {
	in := &Instruction{
		Class:             DirectCall,
		OriginalOffset:    0x700,
		Size:              5,
		Encode:            []byte{0xe8, 0, 0, 0, 0},
		TargetOffset:      0x800,
		FallthroughOffset: 0x705,
	}

	tmpl, err := Generate(in)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(tmpl.Relocs) != 7 {
		t.Fatalf("expected 7 relocations (2 SS-half-write pairs + 2 org halves + 1 branch), got %d: %+v", len(tmpl.Relocs), tmpl.Relocs)
	}

	kinds := make([]reloc.Kind, len(tmpl.Relocs))
	for i, r := range tmpl.Relocs {
		kinds[i] = r.Kind
	}
	want := []reloc.Kind{reloc.SS, reloc.LOW32_CC, reloc.SS, reloc.HIGH32_CC, reloc.LOW32_ORG, reloc.HIGH32_ORG, reloc.BRANCH}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("reloc[%d].Kind = %v, want %v", i, kinds[i], k)
		}
	}

	branch := tmpl.Relocs[len(tmpl.Relocs)-1]
	if branch.Kind != reloc.BRANCH || branch.Value != 0x800 {
		t.Errorf("final branch reloc = %+v", branch)
	}

	// the template must end in a JMP rel32 (0xe9) to the target.
	if tmpl.Bytes[len(tmpl.Bytes)-5] != 0xe9 {
		t.Errorf("expected trailing JMP rel32 opcode, got %#x", tmpl.Bytes[len(tmpl.Bytes)-5])
	}
}

// TestDirectCallSSRelocationTargetsDisplacementField guards against a
// previously-shipped bug where the SS relocation's BytePos pointed at
// the mov's opcode/ModRM/SIB bytes instead of its disp32 field, which
// made relocation overwrite live instruction bytes instead of patching
// a placeholder displacement.
func TestDirectCallSSRelocationTargetsDisplacementField(t *testing.T) {
	in := &Instruction{
		Class:             DirectCall,
		OriginalOffset:    0x700,
		Size:              5,
		Encode:            []byte{0xe8, 0, 0, 0, 0},
		TargetOffset:      0x800,
		FallthroughOffset: 0x705,
	}

	tmpl, err := Generate(in)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var ssRelocs []reloc.Relocation
	for _, r := range tmpl.Relocs {
		if r.Kind == reloc.SS {
			ssRelocs = append(ssRelocs, r)
		}
	}
	if len(ssRelocs) != 2 {
		t.Fatalf("expected 2 SS relocations, got %d: %+v", len(ssRelocs), ssRelocs)
	}

	for _, r := range ssRelocs {
		// The mov's ModRM/SIB pair (0x84, 0x24) at BytePos-2/BytePos-1
		// marks [rsp+disp32]; BytePos itself must land on the disp32
		// field, right after the opcode+ModRM+SIB prefix and four bytes
		// ahead of the trailing imm32.
		if tmpl.Bytes[r.BytePos-2] != 0x84 || tmpl.Bytes[r.BytePos-1] != 0x24 {
			t.Errorf("SS reloc at %d does not follow a [rsp+disp32] ModRM/SIB pair: % x", r.BytePos, tmpl.Bytes[r.BytePos-3:r.BytePos])
		}
		if r.ByteSize != 4 {
			t.Errorf("SS reloc ByteSize = %d, want 4", r.ByteSize)
		}
	}
}

// TestRetTemplateUsesRSPRelativeIndirectJump guards against a
// previously-shipped bug where the ModRM/SIB pair encoded an absolute
// [disp32] indirect jump instead of an [rsp+disp32] one.
func TestRetTemplateUsesRSPRelativeIndirectJump(t *testing.T) {
	in := &Instruction{Class: Ret, Size: 1}
	tmpl, err := Generate(in)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	want := []byte{0x48, 0x83, 0xc4, 0x08, 0xff, 0xa4, 0x24}
	if len(tmpl.Bytes) < len(want) {
		t.Fatalf("template too short: %x", tmpl.Bytes)
	}
	for i := range want {
		if tmpl.Bytes[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x (full: % x)", i, tmpl.Bytes[i], want[i], tmpl.Bytes)
		}
	}
}

func TestRipRelativeRequires32BitDisplacement(t *testing.T) {
	in := &Instruction{
		Class:         Sequence,
		Encode:        []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0},
		IsRIPRelative: true,
		DispSize:      8,
		DispBytePos:   3,
	}
	if _, err := Generate(in); err == nil {
		t.Fatal("expected Generate to reject a non-32-bit RIP displacement")
	}
}
