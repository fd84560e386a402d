package engine

import (
	"sync"

	"github.com/xyproto/cvm/internal/cvmerr"
	"github.com/xyproto/cvm/internal/layout"
)

// sigPatchSize is the byte length of the sigreturn-redirect stub
// patch_sigaction_entry builds in the original: two SS-relative
// DWORD-immediate stores (12 bytes apiece, disp32 form) followed by a
// JMP rel32 (5 bytes).
const sigPatchSize = 2*12 + 5

// SigHandler is the engine's record for one registered signal handler
// (spec 3's "signal-handler record: the original handler and
// sigreturn addresses, plus two 'patched' flags"). Patched tracks, per
// cache half, whether the sigreturn-redirect stub has been built for
// that half's current generation; a regeneration wipes cache bytes
// and silently undoes it, so MigrateSigHandlers must notice and
// rebuild it.
type SigHandler struct {
	Signum int

	OriginalPC          uint64 // handler address as the guest registered it
	OriginalSigreturnPC uint64 // sigreturn address as the guest registered it

	// HandlerModule/HandlerOffset identify the protected RBBL the
	// handler resolved to, so its trampoline can be repatched after a
	// cache regeneration. HandlerModule is nil when the handler address
	// never resolved to protected code (pass-through case): nothing to
	// patch, the guest installs OriginalPC verbatim.
	HandlerModule *Module
	HandlerOffset uint32

	// SigreturnModule/SigreturnOffset are the same, for the sigreturn
	// address; SigreturnModule is nil when the sigreturn address isn't
	// itself protected code (the common case — it resolves into
	// libc/vDSO), in which case OriginalSigreturnPC is written
	// unchanged into every cache half's patch stub.
	SigreturnModule *Module
	SigreturnOffset uint32

	TrampolinePC uint64 // the resolved handler body address, per Which
	Which        int    // cache half TrampolinePC was resolved against

	Patched [2]bool
}

type sigRegistry struct {
	mu       sync.Mutex
	handlers map[int]*SigHandler
}

func newSigRegistry() *sigRegistry {
	return &sigRegistry{handlers: make(map[int]*SigHandler)}
}

// HandleSigaction re-registers a guest sigaction(2) call (spec 4.6
// handle_sigaction): it resolves handlerPC into the active cache half
// and returns the trampoline address the caller should actually
// install with the kernel. For every cache half already generated, it
// also patches the handler's fixed entry-point trampoline so it first
// writes the cache-space sigreturn address into the signal-frame
// return slot before jumping to the handler's real cache body (spec 8
// boundary scenario 6) — without this, a signal delivered inside
// protected code would return via the guest's unprotected sigreturn
// address instead of back into the cache.
//
// Pause/Continue bracket this exactly as dlopen/dlclose do: a
// generation cycle must not swap caches mid-registration.
func (e *Engine) HandleSigaction(signum int, handlerPC, sigreturnPC uint64, activeWhich int) (uint64, *cvmerr.Error) {
	e.Pause()
	defer e.Continue()

	if e.sigs == nil {
		e.sigs = newSigRegistry()
	}

	rb, m := e.FindRBBLFromCachePC(handlerPC, activeWhich)

	h := &SigHandler{
		Signum:              signum,
		OriginalPC:          handlerPC,
		OriginalSigreturnPC: sigreturnPC,
		Which:               activeWhich,
	}

	if rb == nil {
		// the handler's PC is not itself protected code (it may be in
		// an unprotected library); the caller installs it verbatim and
		// there is no trampoline to patch.
		h.TrampolinePC = handlerPC
	} else {
		l := m.getLayout(activeWhich)
		addr, ok := l.RBBLAddr[rb.OriginalOffset]
		if !ok {
			return 0, cvmerr.Fatalf(cvmerr.CategoryVariant, m.Name, "sigaction: resolved rbbl has no cache address")
		}
		h.TrampolinePC = addr
		h.HandlerModule = m
		h.HandlerOffset = rb.OriginalOffset

		if sigRB, sigM := e.FindRBBLFromCachePC(sigreturnPC, activeWhich); sigRB != nil {
			h.SigreturnModule = sigM
			h.SigreturnOffset = sigRB.OriginalOffset
		}
	}

	e.sigs.mu.Lock()
	e.sigs.handlers[signum] = h
	e.sigs.mu.Unlock()

	if h.HandlerModule != nil {
		for which := 0; which < 2; which++ {
			if err := e.patchSigaction(h, which); err != nil {
				return 0, err
			}
		}
	}

	return h.TrampolinePC, nil
}

// patchSigaction rebuilds the sigreturn-redirect stub for handler h in
// cache half `which`, if that half already has a generation to patch
// into. Idempotent per generation via h.Patched.
func (e *Engine) patchSigaction(h *SigHandler, which int) *cvmerr.Error {
	if h.HandlerModule == nil {
		return nil
	}
	m := h.HandlerModule
	l := m.getLayout(which)
	if l == nil {
		return nil // this half hasn't been generated yet; patched once it is
	}

	handlerAddr, ok := l.RBBLAddr[h.HandlerOffset]
	if !ok {
		return cvmerr.Fatalf(cvmerr.CategoryVariant, m.Name, "sigaction: handler rbbl missing from half %d", which)
	}

	tramp := findTrampJmp32(l, h.HandlerOffset)
	if tramp == nil {
		// degraded per spec 7 tier 3: the handler's trampoline was
		// scavenged down to an invalid-opcode marker, so there is no
		// plain JMP32 left to redirect.
		e.logf("sigaction: no patchable trampoline for handler at offset %#x in half %d, signal %d left unredirected", h.HandlerOffset, which, h.Signum)
		return nil
	}

	sigreturnAddr := h.OriginalSigreturnPC
	if h.SigreturnModule != nil {
		if sigLayout := h.SigreturnModule.getLayout(which); sigLayout != nil {
			if addr, ok := sigLayout.RBBLAddr[h.SigreturnOffset]; ok {
				sigreturnAddr = addr
			}
		}
	}

	patchOffset, err := m.claimPatchRegion(which, sigPatchSize)
	if err != nil {
		return err
	}

	stub := buildSigreturnStub(l.CacheBase+uint64(patchOffset), sigreturnAddr, handlerAddr, e.SSBase)
	m.writeCacheBytes(which, patchOffset, stub)

	// redirect the trampoline's rel32 at the patch region instead of
	// straight at the handler body; TrampJmp32's own layout (0xe9 at
	// tramp.Offset, rel32 at tramp.Offset+1) is reused here.
	rel32 := int32(int64(l.CacheBase+uint64(patchOffset)) - int64(l.CacheBase+uint64(tramp.Offset)+5))
	m.patchTrampolineRel32(which, tramp.Offset, rel32)

	h.Patched[which] = true
	return nil
}

// findTrampJmp32 locates the TrampJmp32 entry that ultimately lands on
// originalOffset's body, whether or not a TrampJmp8 relay chain
// precedes it: the relay is irrelevant here, since exactly one
// TrampJmp32 slot targets a given fixed RBBL regardless of how many
// rel8 hops lead to it.
func findTrampJmp32(l *layout.Layout, originalOffset uint32) *layout.Entry {
	for _, e := range l.Entries {
		if e.Tag == layout.TrampJmp32 && e.TargetOriginalOffset == originalOffset {
			return e
		}
	}
	return nil
}

// buildSigreturnStub emits the two SS-relative DWORD stores of
// sigreturnAddr's low/high 32 bits into the signal-frame return slot,
// followed by a JMP rel32 to handlerAddr, grounded on
// patch_sigreturn_ss_template. stubAddr is this stub's own cache
// address, needed to resolve the trailing jump's rel32.
func buildSigreturnStub(stubAddr, sigreturnAddr, handlerAddr uint64, ssOffset int64) []byte {
	var b []byte

	emitMovSSImm32 := func(disp int32, imm32 uint32) {
		// mov DWORD PTR [rsp+disp32], imm32
		b = append(b, 0x48, 0xc7, 0x84, 0x24)
		b = append(b, le32(uint32(disp))...)
		b = append(b, le32(imm32)...)
	}

	emitMovSSImm32(int32(ssOffset), uint32(sigreturnAddr))
	emitMovSSImm32(int32(ssOffset)+4, uint32(sigreturnAddr>>32))

	jmpPos := stubAddr + uint64(len(b))
	rel32 := int32(int64(handlerAddr) - int64(jmpPos+5))
	b = append(b, 0xe9)
	b = append(b, le32(uint32(rel32))...)

	return b
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// claimPatchRegion reserves size bytes past the arranged layout's
// UsedEnd cursor for post-hoc patch code ("patched code does not
// exist in the layout map" per the original), grounded on the
// original's cc_used_base cursor.
func (m *Module) claimPatchRegion(which, size int) (int, *cvmerr.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.layouts[which]
	if l == nil {
		return 0, cvmerr.Fatalf(cvmerr.CategoryVariant, m.Name, "claimPatchRegion: half %d has no layout", which)
	}
	start := l.UsedEnd
	if start+size > l.CacheSize {
		return 0, cvmerr.Fatalf(cvmerr.CategoryLayout, m.Name, "cache half %d overflowed placing a sigaction patch region (%d bytes needed, %d available)", which, size, l.CacheSize-start)
	}
	l.UsedEnd = start + size
	return start, nil
}

// writeCacheBytes copies b into cache half `which` at offset.
func (m *Module) writeCacheBytes(which, offset int, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.region.Bytes[which*m.CacheSize+offset:], b)
}

// patchTrampolineRel32 overwrites the rel32 operand of the JMP at a
// TrampJmp32 slot in place; trampOffset is the slot's JMP opcode byte,
// the rel32 follows it at trampOffset+1.
func (m *Module) patchTrampolineRel32(which, trampOffset int, rel32 int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := which*m.CacheSize + trampOffset + 1
	u := uint32(rel32)
	m.region.Bytes[base+0] = byte(u)
	m.region.Bytes[base+1] = byte(u >> 8)
	m.region.Bytes[base+2] = byte(u >> 16)
	m.region.Bytes[base+3] = byte(u >> 24)
}

// MigrateSigHandlers re-resolves every registered signal handler's
// trampoline PC into the newly active cache half, and rebuilds its
// sigreturn-redirect patch there if the new generation hasn't already
// been patched — a fresh generation overwrites whatever was patched
// into the half it replaced.
func (e *Engine) MigrateSigHandlers(newWhich int) {
	if e.sigs == nil {
		return
	}
	e.sigs.mu.Lock()
	hs := make([]*SigHandler, 0, len(e.sigs.handlers))
	for _, h := range e.sigs.handlers {
		hs = append(hs, h)
	}
	e.sigs.mu.Unlock()

	for _, h := range hs {
		if pc, ok := e.TranslatePC(h.TrampolinePC, h.Which); ok {
			h.TrampolinePC = pc
		}
		h.Which = newWhich

		if h.HandlerModule != nil && !h.Patched[newWhich] {
			if err := e.patchSigaction(h, newWhich); err != nil {
				e.logf("sigaction: failed to re-patch signal %d in half %d: %v", h.Signum, newWhich, err)
			}
		}
	}
}
