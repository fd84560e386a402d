package engine

import (
	"testing"

	"github.com/xyproto/cvm/internal/config"
	"github.com/xyproto/cvm/internal/rbbl"
)

func TestHandleSigactionResolvesProtectedHandler(t *testing.T) {
	cfg, _ := config.Parse(nil)
	cfg.Layout.UnitLevelRandomization = false
	e := New(cfg)

	m := moduleWithFakeRegion("libfoo.so", 64, buildTwoBlockStore())
	e.AddModule(m)
	if err := e.GenerateModule(m, 0, 1); err != nil {
		t.Fatalf("generate: %v", err)
	}

	bodyAddr := m.getLayout(0).RBBLAddr[0x20]

	const outsideSigreturn = 0x7fff00002000
	tramp, err := e.HandleSigaction(11, bodyAddr, outsideSigreturn, 0)
	if err != nil {
		t.Fatalf("HandleSigaction: %v", err)
	}
	if tramp != bodyAddr {
		t.Errorf("trampoline = %#x, want the resolved cache address %#x", tramp, bodyAddr)
	}

	h, ok := e.sigs.handlers[11]
	if !ok {
		t.Fatal("expected signal 11 to be registered")
	}
	if h.Which != 0 {
		t.Errorf("recorded handler cache half = %d, want 0", h.Which)
	}
	if h.OriginalSigreturnPC != outsideSigreturn {
		t.Errorf("recorded sigreturn = %#x, want %#x", h.OriginalSigreturnPC, outsideSigreturn)
	}
}

func TestHandleSigactionUnprotectedHandlerPassesThrough(t *testing.T) {
	cfg, _ := config.Parse(nil)
	e := New(cfg)

	m := moduleWithFakeRegion("libfoo.so", 64, buildTwoBlockStore())
	e.AddModule(m)
	if err := e.GenerateModule(m, 0, 1); err != nil {
		t.Fatalf("generate: %v", err)
	}

	const outsideAddr = 0x7fff00001000
	const outsideSigreturn = 0x7fff00002000
	tramp, err := e.HandleSigaction(2, outsideAddr, outsideSigreturn, 0)
	if err != nil {
		t.Fatalf("HandleSigaction: %v", err)
	}
	if tramp != outsideAddr {
		t.Errorf("trampoline = %#x, want the original address passed through unchanged", tramp)
	}

	h := e.sigs.handlers[2]
	if h.HandlerModule != nil {
		t.Error("expected an unprotected handler to record no handler module")
	}
}

func TestMigrateSigHandlersFollowsGenerationSwap(t *testing.T) {
	cfg, _ := config.Parse(nil)
	cfg.Layout.UnitLevelRandomization = false
	e := New(cfg)

	m := moduleWithFakeRegion("libfoo.so", 64, buildTwoBlockStore())
	e.AddModule(m)
	if err := e.GenerateModule(m, 0, 1); err != nil {
		t.Fatalf("generate half 0: %v", err)
	}
	if err := e.GenerateModule(m, 1, 2); err != nil {
		t.Fatalf("generate half 1: %v", err)
	}

	bodyAddr0 := m.getLayout(0).RBBLAddr[0x20]
	bodyAddr1 := m.getLayout(1).RBBLAddr[0x20]

	if _, err := e.HandleSigaction(11, bodyAddr0, 0, 0); err != nil {
		t.Fatalf("HandleSigaction: %v", err)
	}

	e.MigrateSigHandlers(1)

	h := e.sigs.handlers[11]
	if h.TrampolinePC != bodyAddr1 {
		t.Errorf("migrated trampoline = %#x, want %#x", h.TrampolinePC, bodyAddr1)
	}
	if h.Which != 1 {
		t.Errorf("migrated handler half = %d, want 1", h.Which)
	}
}

// buildFixedHandlerStore places its single block as a *fixed* RBBL so
// it gets a real TrampJmp32 entry point (spec 8 scenario 6 assumes a
// fixed handler entry block).
func buildFixedHandlerStore() *rbbl.Store {
	s := rbbl.NewStore()
	s.InsertFixed(rbbl.NewRandomBBL(0x20, true, false, 0, []byte{0xc3}, nil))
	s.BuildUnits()
	return s
}

func TestHandleSigactionPatchesFixedTrampoline(t *testing.T) {
	cfg, _ := config.Parse(nil)
	cfg.Layout.UnitLevelRandomization = false
	e := New(cfg)
	e.SSBase = 0x100

	m := moduleWithFakeRegion("libfoo.so", 256, buildFixedHandlerStore())
	e.AddModule(m)
	if err := e.GenerateModule(m, 0, 1); err != nil {
		t.Fatalf("generate: %v", err)
	}

	l := m.getLayout(0)
	handlerAddr := l.RBBLAddr[0x20]
	trampAddr := l.CacheBase + 0x20 // the fixed trampoline sits at cache_base+H.offset

	const outsideSigreturn = 0x7fff00002000
	tramp, err := e.HandleSigaction(11, trampAddr, outsideSigreturn, 0)
	if err != nil {
		t.Fatalf("HandleSigaction: %v", err)
	}
	if tramp != handlerAddr {
		t.Errorf("trampoline = %#x, want the resolved handler body %#x", tramp, handlerAddr)
	}

	h := e.sigs.handlers[11]
	if h.HandlerModule == nil {
		t.Fatal("expected the fixed handler block to resolve to protected code")
	}
	if !h.Patched[0] {
		t.Fatal("expected cache half 0 to be marked patched")
	}

	cache := m.cacheBytes(0)
	if cache[0x20] != 0xe9 {
		t.Fatalf("trampoline opcode at offset 0x20 = %#x, want 0xe9 (JMP rel32)", cache[0x20])
	}
	rel32 := int32(uint32(cache[0x21]) | uint32(cache[0x22])<<8 | uint32(cache[0x23])<<16 | uint32(cache[0x24])<<24)
	patchAddr := l.CacheBase + uint64(0x20+5) + uint64(rel32)
	if patchAddr == handlerAddr {
		t.Fatal("expected the trampoline to be redirected through a new patch region, not straight at the handler body")
	}

	patchOffset := int(patchAddr - l.CacheBase)
	if cache[patchOffset] != 0xc7 || cache[patchOffset+1] != 0x84 || cache[patchOffset+2] != 0x24 {
		t.Fatalf("patch region does not start with the expected mov DWORD PTR [rsp+disp32], imm32 encoding: % x", cache[patchOffset:patchOffset+3])
	}

	lowDisp := int32(uint32(cache[patchOffset+3]) | uint32(cache[patchOffset+4])<<8 | uint32(cache[patchOffset+5])<<16 | uint32(cache[patchOffset+6])<<24)
	if lowDisp != int32(e.SSBase) {
		t.Errorf("low32 store displacement = %d, want %d", lowDisp, e.SSBase)
	}
	lowImm := uint32(cache[patchOffset+7]) | uint32(cache[patchOffset+8])<<8 | uint32(cache[patchOffset+9])<<16 | uint32(cache[patchOffset+10])<<24
	if lowImm != uint32(outsideSigreturn) {
		t.Errorf("low32 store immediate = %#x, want %#x", lowImm, uint32(outsideSigreturn))
	}

	jmpPos := patchOffset + sigPatchSize - 5
	if cache[jmpPos] != 0xe9 {
		t.Fatalf("patch region does not end with a JMP rel32: opcode = %#x", cache[jmpPos])
	}
	finalRel32 := int32(uint32(cache[jmpPos+1]) | uint32(cache[jmpPos+2])<<8 | uint32(cache[jmpPos+3])<<16 | uint32(cache[jmpPos+4])<<24)
	finalTarget := l.CacheBase + uint64(jmpPos+5) + uint64(finalRel32)
	if finalTarget != handlerAddr {
		t.Errorf("patch region's trailing jump resolves to %#x, want the handler body %#x", finalTarget, handlerAddr)
	}
}
