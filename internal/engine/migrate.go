package engine

import (
	"sync"

	"github.com/xyproto/cvm/internal/layout"
	"github.com/xyproto/cvm/internal/rbbl"
)

// findRBBLFromCachePC locates the RBBL whose body contains cache
// guest address pc within cache half `which`, following one
// trampoline hop when pc lands on a TrampJmp8/TrampJmp32 slot
// (grounded on find_rbbl_from_saddrx's trampoline-chasing case).
func (m *Module) findRBBLFromCachePC(pc uint64, which int) *rbbl.RandomBBL {
	l := m.getLayout(which)
	if l == nil {
		return nil
	}
	base := l.CacheBase
	if pc < base || pc >= base+uint64(l.CacheSize) {
		return nil
	}
	return findInLayout(l, int(pc-base), 0)
}

const maxTrampolineHops = 8

func findInLayout(l *layout.Layout, offset int, hops int) *rbbl.RandomBBL {
	if hops > maxTrampolineHops {
		return nil
	}
	e := l.Find(offset)
	if e == nil {
		return nil
	}
	switch e.Tag {
	case layout.RBBLBody:
		return e.RBBL
	case layout.TrampJmp32, layout.TrampJmp8:
		if e.Offset != offset {
			// not aligned on the trampoline's own entry byte
			return nil
		}
		target, ok := l.RBBLAddr[e.TargetOriginalOffset]
		if !ok {
			return nil
		}
		return findInLayout(l, int(target-l.CacheBase), hops+1)
	default:
		return nil
	}
}

// FindRBBLFromCachePC scans every tracked module for the RBBL owning
// a cache guest address, grounded on find_rbbl_from_all_saddrx.
func (e *Engine) FindRBBLFromCachePC(pc uint64, which int) (*rbbl.RandomBBL, *Module) {
	for _, m := range e.Modules() {
		if rb := m.findRBBLFromCachePC(pc, which); rb != nil {
			return rb, m
		}
	}
	return nil, nil
}

// translatePC maps a PC inside this module's cache half `oldWhich`
// into the corresponding offset of cache half `newWhich`, grounded on
// get_new_pc_from_old: find the RBBL owning the old PC, compute the
// byte offset of the PC within that RBBL's body, and re-apply that
// offset to the RBBL's body address in the new cache.
func (m *Module) translatePC(oldPC uint64, oldWhich, newWhich int) (uint64, bool) {
	oldLayout := m.getLayout(oldWhich)
	newLayout := m.getLayout(newWhich)
	if oldLayout == nil || newLayout == nil {
		return 0, false
	}

	rb := m.findRBBLFromCachePC(oldPC, oldWhich)
	if rb == nil {
		return 0, false
	}

	oldBodyAddr, ok := oldLayout.RBBLAddr[rb.OriginalOffset]
	if !ok {
		return 0, false
	}
	internalOffset := oldPC - oldBodyAddr

	newBodyAddr, ok := newLayout.RBBLAddr[rb.OriginalOffset]
	if !ok {
		return 0, false
	}
	return newBodyAddr + internalOffset, true
}

// TranslatePC migrates a single guest PC from the cache half the
// guest is currently running on to the other half, across every
// tracked module (get_new_pc_from_old_all). It returns ok=false if no
// module's RBBL set owns the address — the caller should leave the PC
// untouched in that case (e.g. it already points into plain,
// unprotected code).
func (e *Engine) TranslatePC(oldPC uint64, oldWhich int) (newPC uint64, ok bool) {
	newWhich := other(oldWhich)
	for _, m := range e.Modules() {
		if pc, found := m.translatePC(oldPC, oldWhich, newWhich); found {
			return pc, true
		}
	}
	return 0, false
}

// TranslateReturnAddresses migrates every return address captured in
// a single shadow stack's slice, in place, leaving zero slots (empty
// frames) untouched. Grounded on patch_new_pc's per-slot loop.
func (e *Engine) TranslateReturnAddresses(addrs []uint64, oldWhich int) {
	for i, a := range addrs {
		if a == 0 {
			continue
		}
		if pc, ok := e.TranslatePC(a, oldWhich); ok {
			addrs[i] = pc
		}
	}
}

// TranslateAllShadowStacks migrates every shadow stack concurrently,
// one goroutine per stack, grounded on patch_new_ra_in_all_ss's
// parallel translation of every attached shadow stack when a new
// generation becomes active.
func (e *Engine) TranslateAllShadowStacks(stacks [][]uint64, oldWhich int) {
	var wg sync.WaitGroup
	for _, s := range stacks {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.TranslateReturnAddresses(s, oldWhich)
		}()
	}
	wg.Wait()
}
