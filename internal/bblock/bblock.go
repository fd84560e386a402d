// Package bblock implements BasicBlock as a tagged variant (spec
// design note: "Collapse into tagged variants; the tag drives template
// generation via a dispatch table") and the basic-block templater
// (spec 4.2).
package bblock

import (
	"sort"

	"github.com/xyproto/cvm/internal/cvmerr"
	"github.com/xyproto/cvm/internal/instr"
	"github.com/xyproto/cvm/internal/reloc"
)

// Class mirrors a block's terminator classification.
type Class int

const (
	Sequence Class = iota
	Ret
	DirectCall
	IndirectCall
	DirectJump
	IndirectJump
	ConditionBranch
)

func (c Class) String() string {
	switch c {
	case Sequence:
		return "Sequence"
	case Ret:
		return "Ret"
	case DirectCall:
		return "DirectCall"
	case IndirectCall:
		return "IndirectCall"
	case DirectJump:
		return "DirectJump"
	case IndirectJump:
		return "IndirectJump"
	case ConditionBranch:
		return "ConditionBranch"
	default:
		return "Unknown"
	}
}

// BasicBlock is an ordered sequence of instructions with original
// placement metadata, per spec 3.
type BasicBlock struct {
	Start int // offset in original module
	Size  int

	Class Class

	Target      uint32 // non-zero iff Class implies a fixed branch target
	Fallthrough uint32 // non-zero iff Class allows falling through

	HasPrefix bool // a second entry point exists one byte after Start (lock/repeat prefix)

	IsNopOnly bool
	HasUD2    bool
	HasHLT    bool

	// Instrs is ordered by offset within the block; invariant: never
	// empty.
	Instrs []*instr.Instruction

	// ModuleIndex is the owning module's arena index, not a pointer
	// (design note: "re-express as module-owned arenas with integer
	// indices").
	ModuleIndex int
}

// Validate checks the invariants from spec 3.
func (b *BasicBlock) Validate() *cvmerr.Error {
	if len(b.Instrs) == 0 {
		return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "basic block at %#x has no instructions", b.Start)
	}
	switch b.Class {
	case Sequence:
		// Fallthrough may or may not be set (block may end the module);
		// Target must be zero.
		if b.Target != 0 {
			return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "sequence block at %#x has a target", b.Start)
		}
	case Ret:
		if b.Target != 0 || b.Fallthrough != 0 {
			return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "ret block at %#x has target/fallthrough", b.Start)
		}
	case DirectCall, IndirectCall:
		if b.Fallthrough == 0 {
			return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "call block at %#x has no fallthrough", b.Start)
		}
	case DirectJump:
		if b.Target == 0 {
			return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "direct jump block at %#x has no target", b.Start)
		}
	case IndirectJump:
		// target resolved dynamically; neither field required
	case ConditionBranch:
		if b.Target == 0 || b.Fallthrough == 0 {
			return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "conditional block at %#x missing target/fallthrough", b.Start)
		}
	}
	return nil
}

// Template is the concatenated byte template for an entire block, with
// relocations renumbered to block-local offsets.
type Template struct {
	Bytes  []byte
	Relocs []reloc.Relocation
}

// Generate concatenates instruction templates for the block,
// renumbering each instruction relocation's byte position by the
// current block-template length, then appends a fallthrough JMP or an
// invalid-opcode sentinel (spec 4.2). The final size must fit in 16
// bits.
func Generate(b *BasicBlock) (*Template, *cvmerr.Error) {
	t := &Template{}

	for _, in := range b.Instrs {
		it, err := instr.Generate(in)
		if err != nil {
			return nil, err
		}
		shift := len(t.Bytes)
		t.Bytes = append(t.Bytes, it.Bytes...)
		for _, r := range it.Relocs {
			t.Relocs = append(t.Relocs, r.Rebase(shift))
		}
	}

	switch b.Class {
	case Sequence:
		if b.Fallthrough != 0 {
			pos := len(t.Bytes)
			t.Bytes = append(t.Bytes, 0xe9, 0, 0, 0, 0)
			t.Relocs = append(t.Relocs, reloc.Relocation{
				Kind: reloc.BRANCH, BytePos: pos + 1, ByteSize: 4, Value: int64(b.Fallthrough),
			})
		} else {
			t.Bytes = append(t.Bytes, 0x0f, 0x0b) // UD2 sentinel
		}
	case DirectCall, IndirectCall:
		// the call templates already end in a JMP/dispatch to the
		// callee target; no block-level fallthrough needed here since
		// control never falls through a call site in the cache (the
		// shadow-stack return handles resumption).
	case Ret, DirectJump, IndirectJump:
		// terminator already transfers control unconditionally
	case ConditionBranch:
		// instruction templater already emitted the Jcc+JMP pair
	}

	if len(t.Bytes) > 0xffff {
		return nil, cvmerr.Fatalf(cvmerr.CategoryLayout, "", "block template at %#x exceeds 16-bit size (%d bytes)", b.Start, len(t.Bytes))
	}

	return t, nil
}

// SortByOffset returns blocks ordered by Start, as required before
// scanning for RBBL units (spec 4.3).
func SortByOffset(blocks []*BasicBlock) []*BasicBlock {
	out := make([]*BasicBlock, len(blocks))
	copy(out, blocks)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
