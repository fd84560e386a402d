// Package instr models a decoded x86-64 instruction and implements the
// instruction templater (spec 4.1): for each original instruction it
// emits a position-independent byte template plus the relocation list
// needed to patch that template into a code-cache placement.
package instr

import (
	"fmt"

	"github.com/xyproto/cvm/internal/cvmerr"
	"github.com/xyproto/cvm/internal/reloc"
)

// OperandKind classifies how an instruction's data operand is
// addressed.
type OperandKind int

const (
	OperandNone OperandKind = iota
	OperandRegister
	OperandSimpleMemory  // [base] or [base+disp]
	OperandIndexedMemory // [base+index*scale+disp]
)

// Operand is a lightweight descriptor; the byte encoding itself lives
// in the instruction's immutable Encode buffer, this is only what the
// templater needs to decide how to rewrite it.
type Operand struct {
	Kind  OperandKind
	Reg   string // register name, e.g. "rax"; meaningful for Register and as the base/index of memory operands
	Index string // index register for OperandIndexedMemory, "" otherwise
	Scale uint8
}

// Class is the instruction's opcode class, as enumerated in spec 3.
type Class int

const (
	Sequence Class = iota
	DirectCall
	IndirectCall
	DirectJump
	IndirectJump
	ConditionBranch
	Ret
	Cmov
	Sys
	Int
)

func (c Class) String() string {
	switch c {
	case Sequence:
		return "Sequence"
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
	case Ret:
		return "Ret"
	case Cmov:
		return "Cmov"
	case Sys:
		return "Sys"
	case Int:
		return "Int"
	default:
		return "Unknown"
	}
}

// IndirectJumpKind is the static-analysis classification of an
// indirect jump site, supplied by the external disassembler database.
type IndirectJumpKind int

const (
	IndirectJumpGeneral IndirectJumpKind = iota
	IndirectJumpMemsetConvert                  // finite target set sharing high-32 bits
	IndirectJumpVsyscall
	IndirectJumpMainSwitchCopyable
	IndirectJumpPLT
)

// JumpAnalysis carries the disassembler-provided hints an IndirectJump
// instruction needs at template time.
type JumpAnalysis struct {
	Kind             IndirectJumpKind
	Targets          []uint32 // finite target offsets, for Memset/Convert
	HasTrampolineSet bool     // true when the site has a recognised target set (use TRAMPOLINE reloc instead of CC)
	GOTAddress       int64    // for PLT: the GOT entry's original absolute address
}

// Instruction is a decoded x86-64 instruction.
type Instruction struct {
	Class Class
	// OriginalOffset is this instruction's address within the
	// original module.
	OriginalOffset uint32
	Size           int

	Operands []Operand

	// DispValue/DispSize describe a RIP-relative displacement if one is
	// present in Encode. DispSize must be 32 whenever IsRIPRelative.
	IsRIPRelative bool
	DispValue     int32
	DispSize      uint8
	DispBytePos   int // byte offset of the displacement field within Encode

	// Encode is the immutable original encoding; never mutated by the
	// templater, only copied into the emitted template.
	Encode []byte

	// Branch/fallthrough metadata, populated by the caller from the
	// basic block this instruction terminates (zero when not
	// applicable to Class).
	TargetOffset     uint32
	FallthroughOffset uint32

	// Ret-specific: true when the shadow stack holds no matching
	// value for this return (e.g. a tail-call-optimised return).
	UnmatchedReturn bool

	// IndirectCall/IndirectJump-specific.
	Jump JumpAnalysis

	// IsSharedLibrary selects the always-split 64-bit return-address
	// write for DirectCall/IndirectCall; set from the owning module.
	IsSharedLibrary bool
}

// Template is the output of templating one instruction: a
// position-independent byte sequence plus the relocations needed to
// patch it once its final cache placement is known.
type Template struct {
	Bytes  []byte
	Relocs []reloc.Relocation
}

func (t *Template) emit(b ...byte) {
	t.Bytes = append(t.Bytes, b...)
}

func (t *Template) placeholder32() int {
	pos := len(t.Bytes)
	t.emit(0, 0, 0, 0)
	return pos
}

// Generate produces the byte template and relocation list for one
// instruction, per spec 4.1.
func Generate(in *Instruction) (*Template, *cvmerr.Error) {
	switch in.Class {
	case Sequence, Cmov, Sys, Int:
		return templateCopyWithOptionalRIP(in)
	case DirectCall:
		return templateDirectCall(in)
	case IndirectCall:
		return templateIndirectCall(in)
	case DirectJump:
		return templateDirectJump(in)
	case IndirectJump:
		return templateIndirectJump(in)
	case ConditionBranch:
		return templateConditionBranch(in)
	case Ret:
		return templateRet(in)
	default:
		return nil, cvmerr.Fatalf(cvmerr.CategoryLayout, "", "unknown instruction class %d", in.Class)
	}
}

// templateCopyWithOptionalRIP handles Sequence/Cmov/Sys/Int: the
// original encoding is copied verbatim; if it carries a RIP-relative
// displacement a RIP relocation is recorded over that displacement
// field.
func templateCopyWithOptionalRIP(in *Instruction) (*Template, *cvmerr.Error) {
	t := &Template{}
	t.emit(in.Encode...)
	if in.IsRIPRelative {
		if in.DispSize != 32 {
			return nil, cvmerr.Fatalf(cvmerr.CategoryLayout, "", "RIP-relative instruction has non-32-bit displacement (%d bits)", in.DispSize)
		}
		t.Relocs = append(t.Relocs, reloc.Relocation{
			Kind:     reloc.RIP,
			BytePos:  in.DispBytePos,
			ByteSize: 4,
			Value:    int64(in.DispValue),
			Addend:   int64(in.OriginalOffset) + int64(in.Size), // original_next_pc
		})
	}
	return t, nil
}

// templateDirectCall emits the shadow-stack-and-main-stack prologue
// followed by a JMP rel32 to the target RBBL (spec 4.1 DirectCall).
// The 4-relocation shared-library form is always used; per spec this
// is an optimization-only distinction, not a semantic one.
func templateDirectCall(in *Instruction) (*Template, *cvmerr.Error) {
	t := &Template{}

	fallthroughMod := int64(in.FallthroughOffset)

	// mov DWORD PTR [rsp+disp32], low32(fallthrough_cc) ; C7 84 24 disp32 imm32
	// disp32 is a placeholder patched by the SS relocation to the
	// runtime ss_offset; the ModRM/SIB pair (84/24) is the disp32 form
	// of [rsp+disp], required because the displacement isn't known
	// until relocation time and a disp8 field can't hold it.
	t.emit(0xc7, 0x84, 0x24)
	lowCCDisp := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.SS, BytePos: lowCCDisp, ByteSize: 4, Addend: -8})
	lowCC := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.LOW32_CC, BytePos: lowCC, ByteSize: 4, Value: fallthroughMod})

	// mov DWORD PTR [rsp+disp32], high32(fallthrough_cc)
	t.emit(0xc7, 0x84, 0x24)
	highCCDisp := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.SS, BytePos: highCCDisp, ByteSize: 4, Addend: -4})
	highCC := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.HIGH32_CC, BytePos: highCC, ByteSize: 4, Value: fallthroughMod})

	// push low32(fallthrough_org)
	t.emit(0x68)
	lowOrg := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.LOW32_ORG, BytePos: lowOrg, ByteSize: 4, Value: fallthroughMod})

	// mov DWORD PTR [rsp+4], high32(fallthrough_org)
	t.emit(0xc7, 0x44, 0x24, 0x04)
	highOrg := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.HIGH32_ORG, BytePos: highOrg, ByteSize: 4, Value: fallthroughMod})

	// jmp rel32 target
	t.emit(0xe9)
	branch := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.BRANCH, BytePos: branch, ByteSize: 4, Value: int64(in.TargetOffset)})

	return t, nil
}

// templateIndirectCall shares DirectCall's return-address prologue and
// dispatches through the computed target (spec 4.1 IndirectCall).
func templateIndirectCall(in *Instruction) (*Template, *cvmerr.Error) {
	t, err := templateDirectCallPrologueOnly(in)
	if err != nil {
		return nil, err
	}

	usesRSPBase := false
	for _, op := range in.Operands {
		if op.Kind == OperandIndexedMemory || op.Kind == OperandSimpleMemory {
			if op.Reg == "rsp" {
				usesRSPBase = true
			}
		}
	}
	if usesRSPBase {
		// Stack already grew by 8 bytes (two SS writes don't touch
		// RSP, the push does) from the prologue: the memory operand's
		// RSP-relative base must be compensated by the same amount.
		// Nothing is emitted or recorded here; that displacement
		// adjustment is baked into in.Encode by the caller before
		// Generate is invoked.
	}

	// mov rax, <original target operand's decoded form, copied verbatim
	// from the instruction's own encoding minus its opcode prefix is
	// out of scope here: the disassembler has already resolved the
	// operand bytes into in.Encode for a generic "materialise target
	// into rax" form>.
	t.emit(in.Encode...)

	// add rax, cc_offset  (48 05 imm32)
	t.emit(0x48, 0x05)
	cc := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.CC, BytePos: cc, ByteSize: 4})

	// jmp rax  (FF E0)
	t.emit(0xff, 0xe0)

	return t, nil
}

// templateDirectCallPrologueOnly builds just the shadow-stack/main-stack
// return-address prologue shared by DirectCall and IndirectCall.
func templateDirectCallPrologueOnly(in *Instruction) (*Template, *cvmerr.Error) {
	t := &Template{}
	fallthroughMod := int64(in.FallthroughOffset)

	t.emit(0xc7, 0x84, 0x24)
	lowCCDisp := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.SS, BytePos: lowCCDisp, ByteSize: 4, Addend: -8})
	lowCC := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.LOW32_CC, BytePos: lowCC, ByteSize: 4, Value: fallthroughMod})

	t.emit(0xc7, 0x84, 0x24)
	highCCDisp := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.SS, BytePos: highCCDisp, ByteSize: 4, Addend: -4})
	highCC := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.HIGH32_CC, BytePos: highCC, ByteSize: 4, Value: fallthroughMod})

	t.emit(0x68)
	lowOrg := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.LOW32_ORG, BytePos: lowOrg, ByteSize: 4, Value: fallthroughMod})

	t.emit(0xc7, 0x44, 0x24, 0x04)
	highOrg := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.HIGH32_ORG, BytePos: highOrg, ByteSize: 4, Value: fallthroughMod})

	return t, nil
}

func templateDirectJump(in *Instruction) (*Template, *cvmerr.Error) {
	t := &Template{}
	t.emit(0xe9)
	pos := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.BRANCH, BytePos: pos, ByteSize: 4, Value: int64(in.TargetOffset)})
	return t, nil
}

func templateIndirectJump(in *Instruction) (*Template, *cvmerr.Error) {
	switch in.Jump.Kind {
	case IndirectJumpMemsetConvert:
		return templateMemsetJumpIn(in)
	case IndirectJumpVsyscall:
		return templateVsyscallJump(in)
	case IndirectJumpMainSwitchCopyable:
		return templateMainSwitchJump(in)
	case IndirectJumpPLT:
		return templatePLTJump(in)
	default:
		return templateGeneralIndirectJump(in)
	}
}

// templateMemsetJumpIn emits a linear cmp/je chain over a finite
// target set sharing the same high-32 bits, terminated by an invalid
// opcode sentinel.
func templateMemsetJumpIn(in *Instruction) (*Template, *cvmerr.Error) {
	t := &Template{}
	for _, target := range in.Jump.Targets {
		// cmp eax, imm32 (the register holding the candidate low-32
		// original address, already isolated by the caller's encode)
		t.emit(0x3d)
		t.Bytes = append(t.Bytes, u32le(target)...)
		// je rel32
		t.emit(0x0f, 0x84)
		pos := t.placeholder32()
		t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.BRANCH, BytePos: pos, ByteSize: 4, Value: int64(target)})
	}
	t.emit(0x0f, 0x0b) // UD2 sentinel: no match, analysis was wrong
	return t, nil
}

// templateVsyscallJump checks for the vsyscall sentinel value, falls
// through to the normal path otherwise, and on the vsyscall path
// pushes the return slot and jumps verbatim: vsyscall pages live in
// the kernel and cannot be intercepted.
func templateVsyscallJump(in *Instruction) (*Template, *cvmerr.Error) {
	t := &Template{}
	// cmp rax, 0
	t.emit(0x48, 0x83, 0xf8, 0x00)
	// jne rel8 (to normal path, patched below once length is known)
	t.emit(0x75, 0x00)
	jneOperandPos := len(t.Bytes) - 1

	// shadow-stack push of the return slot
	t.emit(0x48, 0xc7, 0x84, 0x24)
	lowCCDisp := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.SS, BytePos: lowCCDisp, ByteSize: 4, Addend: -8})
	lowCC := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.LOW32_CC, BytePos: lowCC, ByteSize: 4, Value: int64(in.FallthroughOffset)})

	normalPathStart := len(t.Bytes)
	t.emit(in.Encode...) // original JMP, verbatim
	t.Bytes[jneOperandPos] = byte(normalPathStart - (jneOperandPos + 1))
	return t, nil
}

// templateMainSwitchJump copies the original indirect JMP verbatim and
// attaches a CC relocation on its displacement so the lookup hits the
// cache's copy of the jump table.
func templateMainSwitchJump(in *Instruction) (*Template, *cvmerr.Error) {
	t := &Template{}
	t.emit(in.Encode...)
	if !in.IsRIPRelative {
		t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.CC, BytePos: in.DispBytePos, ByteSize: 4})
	} else {
		t.Relocs = append(t.Relocs, reloc.Relocation{
			Kind: reloc.RIP, BytePos: in.DispBytePos, ByteSize: 4,
			Value: int64(in.DispValue), Addend: int64(in.OriginalOffset) + int64(in.Size),
		})
	}
	return t, nil
}

// templatePLTJump loads the GOT entry into RAX and adds cc_offset.
func templatePLTJump(in *Instruction) (*Template, *cvmerr.Error) {
	t := &Template{}
	// mov rax, [rip+disp]  (48 8B 05 imm32)
	t.emit(0x48, 0x8b, 0x05)
	pos := t.placeholder32()
	// Value carries the GOT entry's absolute address directly and
	// Addend is left at zero: the general RIP formula
	// (value + addend - next_pc_in_cache) then resolves to exactly
	// GOTAddress - next_pc_in_cache, the displacement that keeps this
	// load pointed at the original GOT slot regardless of cache
	// placement.
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.RIP, BytePos: pos, ByteSize: 4, Value: in.Jump.GOTAddress})

	t.emit(0x48, 0x05) // add rax, imm32
	cc := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.CC, BytePos: cc, ByteSize: 4})

	t.emit(0xff, 0xe0) // jmp rax
	return t, nil
}

// templateGeneralIndirectJump pushes the target, adds cc_offset (or
// trampoline_offset when a recognised target set exists), then RET.
func templateGeneralIndirectJump(in *Instruction) (*Template, *cvmerr.Error) {
	t := &Template{}

	// push the target (a register-operand push reuses the register in
	// place; a memory-operand push's addressing mode is materialised
	// verbatim by the caller into Encode). Both forms emit identically
	// here: the difference is in how the caller built Encode, not in
	// anything the templater itself does.
	t.emit(in.Encode...)

	if in.Jump.HasTrampolineSet {
		// add QWORD PTR [rsp], trampoline_offset
		t.emit(0x48, 0x81, 0x04, 0x24)
		pos := t.placeholder32()
		t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.TRAMPOLINE, BytePos: pos, ByteSize: 4})
	} else {
		// add QWORD PTR [rsp], cc_offset
		t.emit(0x48, 0x81, 0x04, 0x24)
		pos := t.placeholder32()
		t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.CC, BytePos: pos, ByteSize: 4})
	}

	t.emit(0xc3) // ret
	return t, nil
}

// templateConditionBranch converts the original short-form Jcc to a
// Jcc rel32 to the target followed by a JMP rel32 to the fallthrough.
// LOOP/LOOPZ/LOOPNZ/JCXZ/JRCXZ (rel8-only opcodes) use a rel8 relay
// into a local trampoline instead.
func templateConditionBranch(in *Instruction) (*Template, *cvmerr.Error) {
	if in.isRel8Only() {
		return templateRel8RelayBranch(in)
	}

	t := &Template{}
	op := in.Encode[0]
	if op == 0x0f && len(in.Encode) > 1 {
		op = in.Encode[1] // two-byte Jcc rel32 form, 0F 8x
	}
	cc := op & 0x0f // low nibble of the Jcc opcode, e.g. 0x75 -> 5
	t.emit(0x0f, 0x80|cc)
	branchPos := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.BRANCH, BytePos: branchPos, ByteSize: 4, Value: int64(in.TargetOffset)})

	t.emit(0xe9)
	fallPos := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.BRANCH, BytePos: fallPos, ByteSize: 4, Value: int64(in.FallthroughOffset)})

	return t, nil
}

// templateRel8RelayBranch handles LOOP/LOOPZ/LOOPNZ/JCXZ/JRCXZ: emit
// the rel8 targeting a local trampoline, a JMP rel32 to the
// fallthrough, then a JMP rel32 to the real target; the rel8 is fixed
// to land on the latter.
func templateRel8RelayBranch(in *Instruction) (*Template, *cvmerr.Error) {
	t := &Template{}
	t.emit(in.Encode[:len(in.Encode)-1]...) // opcode byte(s), rel8 appended below
	rel8Pos := len(t.Bytes)
	t.emit(0x00) // placeholder, patched once offsets are known

	t.emit(0xe9)
	fallPos := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.BRANCH, BytePos: fallPos, ByteSize: 4, Value: int64(in.FallthroughOffset)})

	targetTrampolinePos := len(t.Bytes)
	t.emit(0xe9)
	targetPos := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.BRANCH, BytePos: targetPos, ByteSize: 4, Value: int64(in.TargetOffset)})

	rel8 := targetTrampolinePos - (rel8Pos + 1)
	if rel8 < -128 || rel8 > 127 {
		return nil, cvmerr.Fatalf(cvmerr.CategoryLayout, "", "rel8 relay overflowed: %d", rel8)
	}
	t.Bytes[rel8Pos] = byte(int8(rel8))

	return t, nil
}

// templateRet discards the main-stack return address and jumps
// indirect through the shadow-stack slot, unless the block was
// classified as an unmatched return, in which case the main-stack slot
// is bumped by cc_offset and the original RET kept.
func templateRet(in *Instruction) (*Template, *cvmerr.Error) {
	t := &Template{}
	if in.UnmatchedReturn {
		// add QWORD PTR [rsp], cc_offset
		t.emit(0x48, 0x81, 0x04, 0x24)
		pos := t.placeholder32()
		t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.CC, BytePos: pos, ByteSize: 4})
		t.emit(0xc3)
		return t, nil
	}

	// add $8, %rsp  (48 83 C4 08)
	t.emit(0x48, 0x83, 0xc4, 0x08)
	// jmp [shadow stack top]: the shadow stack is addressed relative to
	// the (now-adjusted) RSP per the ss_type runtime constant; the
	// displacement itself is resolved by an SS relocation.
	t.emit(0xff, 0xa4, 0x24)
	pos := t.placeholder32()
	t.Relocs = append(t.Relocs, reloc.Relocation{Kind: reloc.SS, BytePos: pos, ByteSize: 4})

	return t, nil
}

func (in *Instruction) isRel8Only() bool {
	if len(in.Encode) == 0 {
		return false
	}
	switch in.Encode[0] {
	case 0xe0, 0xe1, 0xe2, 0xe3: // LOOPNE/LOOPNZ, LOOPE/LOOPZ, LOOP, JCXZ/JECXZ/JRCXZ
		return true
	}
	return false
}

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// String renders an instruction for diagnostics, in the teacher's
// dump-to-stderr style rather than a structured logger.
func (in *Instruction) String() string {
	return fmt.Sprintf("%s size=%d target=%#x fallthrough=%#x", in.Class, in.Size, in.TargetOffset, in.FallthroughOffset)
}
