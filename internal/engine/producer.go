package engine

import (
	"runtime"

	"github.com/xyproto/cvm/internal/cvmerr"
)

// Run is the producer loop (spec 4.6): it keeps exactly one cache half
// generated ahead of whichever half the guest is currently consuming,
// regenerating the spent half as soon as it is released. It blocks
// between generations whenever a caller has called Pause, and returns
// once Stop is called.
//
// seed is applied to every generation in this run; callers wanting a
// fresh layout each cycle should vary it between calls, and callers
// wanting the reproducibility property from spec 8 should hold it
// fixed.
func (e *Engine) Run(seed int64) *cvmerr.Error {
	for {
		e.mu.Lock()
		for e.pauseRequested && !e.stopped {
			e.pauseCond.Wait()
		}
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			return nil
		}

		generated := false
		for which := 0; which < 2; which++ {
			if !e.needsGeneration(which) {
				continue
			}
			if err := e.GenerateAll(which, seed); err != nil {
				return err
			}
			generated = true
		}
		if !generated {
			runtime.Gosched()
		}
	}
}

// needsGeneration reports whether cache half `which` has any tracked
// module sitting at StateEmpty — the only state the producer is
// allowed to overwrite (spec 4.6: EMPTY -> GENERATING -> READY ->
// CONSUMED -> EMPTY). A half that is READY or still being CONSUMED by
// the guest must not be regenerated out from under it.
func (e *Engine) needsGeneration(which int) bool {
	for _, m := range e.Modules() {
		if m.getState(which) == StateEmpty {
			return true
		}
	}
	return false
}

// WaitForReady blocks until every tracked module reports cache half
// `which` as READY or CONSUMED, polling the states and yielding with
// runtime.Gosched between polls.
func (e *Engine) WaitForReady(which int) {
	for {
		ready := true
		for _, m := range e.Modules() {
			st := m.getState(which)
			if st != StateReady && st != StateConsumed {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		runtime.Gosched()
	}
}
