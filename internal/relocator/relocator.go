// Package relocator implements the relocator (spec 4.5): it walks the
// arranged layout and patches every relocation — branch, RIP,
// shadow-stack, code-cache, trampoline, main jump-table — to its final
// cache-absolute address. arrange_layout must have completed before
// Relocate starts: the relocator relies on the RBBL-address map the
// arranger populated.
package relocator

import (
	"github.com/xyproto/cvm/internal/cvmerr"
	"github.com/xyproto/cvm/internal/layout"
	"github.com/xyproto/cvm/internal/reloc"
)

// Constants are the per-process runtime values from spec 6.
type Constants struct {
	// CCOffset is the distance between the original code base and the
	// cache base (cache_base - orig_base); may be 32- or 64-bit but is
	// always truncated to its low 32 bits when written, per the CC
	// relocation kind.
	CCOffset int64

	// SSOffset is the displacement from the main RSP to the
	// shadow-stack top (OFFSET model) or from a segment base (SEG /
	// SEG_PP models).
	SSOffset int64
}

// Relocate patches dst (the cache bytes already containing the bytes
// Arrange wrote) in place.
func Relocate(dst []byte, l *layout.Layout, c Constants) *cvmerr.Error {
	for _, e := range l.Entries {
		switch e.Tag {
		case layout.Boundary, layout.InvTramp, layout.TrampJmp8:
			// nothing to patch
		case layout.TrampJmp32:
			if err := relocateTrampJmp32(dst, l, e); err != nil {
				return err
			}
		case layout.MainJmpTable:
			relocateMainJmpTable(dst, l, e)
		case layout.RBBLBody:
			if err := relocateRBBLBody(dst, l, e, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func relocateTrampJmp32(dst []byte, l *layout.Layout, e *layout.Entry) *cvmerr.Error {
	target, ok := l.RBBLAddr[e.TargetOriginalOffset]
	if !ok {
		return cvmerr.Fatalf(cvmerr.CategoryRelocation, "", "trampoline at %#x targets unknown rbbl offset %#x", e.Offset, e.TargetOriginalOffset)
	}
	nextPC := l.CacheBase + uint64(e.Offset) + 5
	value := int32(int64(target) - int64(nextPC))
	writeS32(dst, e.Offset+1, value)
	return nil
}

func relocateMainJmpTable(dst []byte, l *layout.Layout, e *layout.Entry) {
	for i, orig := range e.JumpTableOriginalOffsets {
		addr, ok := l.RBBLAddr[orig]
		if !ok {
			continue // unresolvable entry (e.g. a target outside this module's RBBL set); left as the original offset
		}
		writeU64(dst, e.Offset+i*8, addr)
	}
}

func relocateRBBLBody(dst []byte, l *layout.Layout, e *layout.Entry, c Constants) *cvmerr.Error {
	base := e.Offset
	for _, rel := range e.RBBL.Relocs {
		if rel.BytePos+4 > e.Size {
			// the trailing elided JMP's relocation falls outside the
			// placed (shrunk) body: fallthrough elision means this
			// relocation no longer applies.
			continue
		}
		pos := base + rel.BytePos
		switch rel.Kind {
		case reloc.RIP:
			nextPC := l.CacheBase + uint64(pos) + 4
			value := int32(rel.Value + rel.Addend - int64(nextPC))
			writeS32(dst, pos, value)

		case reloc.BRANCH:
			target, ok := l.RBBLAddr[uint32(rel.Value)]
			if !ok {
				return cvmerr.Fatalf(cvmerr.CategoryRelocation, "", "branch at %#x targets unknown rbbl offset %#x", e.Offset, rel.Value)
			}
			// the displacement is target - next_pc alone; a BRANCH
			// relocation's addend is not applied.
			nextPC := l.CacheBase + uint64(pos) + 4
			value := int32(int64(target) - int64(nextPC))
			writeS32(dst, pos, value)

		case reloc.SS:
			value := int32(c.SSOffset + rel.Addend)
			writeS32(dst, pos, value)

		case reloc.CC:
			value := int32(c.CCOffset + rel.Addend)
			writeS32(dst, pos, value)

		case reloc.LOW32_CC:
			addr, ok := l.RBBLAddr[uint32(rel.Value)]
			if !ok {
				return cvmerr.Fatalf(cvmerr.CategoryRelocation, "", "LOW32_CC at %#x targets unknown rbbl offset %#x", e.Offset, rel.Value)
			}
			writeU32(dst, pos, uint32(addr))

		case reloc.HIGH32_CC:
			addr, ok := l.RBBLAddr[uint32(rel.Value)]
			if !ok {
				return cvmerr.Fatalf(cvmerr.CategoryRelocation, "", "HIGH32_CC at %#x targets unknown rbbl offset %#x", e.Offset, rel.Value)
			}
			writeU32(dst, pos, uint32(addr>>32))

		case reloc.LOW32_ORG:
			writeU32(dst, pos, uint32(rel.Value))

		case reloc.HIGH32_ORG:
			writeU32(dst, pos, uint32(rel.Value>>32))

		case reloc.TRAMPOLINE:
			value := int32(int64(l.TrampolineBase) + rel.Addend)
			writeS32(dst, pos, value)

		case reloc.DEBUG_LOW32, reloc.DEBUG_HIGH32:
			// debug trace buffer wiring is optional (spec 6); no-op
			// when no trace buffer is attached.
		}
	}
	return nil
}

func writeS32(dst []byte, pos int, v int32) {
	writeU32(dst, pos, uint32(v))
}

func writeU32(dst []byte, pos int, v uint32) {
	dst[pos+0] = byte(v)
	dst[pos+1] = byte(v >> 8)
	dst[pos+2] = byte(v >> 16)
	dst[pos+3] = byte(v >> 24)
}

func writeU64(dst []byte, pos int, v uint64) {
	for i := 0; i < 8; i++ {
		dst[pos+i] = byte(v >> (8 * i))
	}
}
