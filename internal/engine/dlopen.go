package engine

import (
	"github.com/xyproto/cvm/internal/cvmerr"
	"github.com/xyproto/cvm/internal/rbbl"
	"github.com/xyproto/cvm/internal/shm"
)

// HandleDlopen registers a newly loaded shared library with the
// engine and generates both of its cache halves before returning,
// bracketed by Pause/Continue so the producer loop does not observe a
// half-registered module (spec 4.6). It is idempotent: a module name
// already tracked is returned unchanged rather than regenerated,
// mirroring the original's is_added guard.
func (e *Engine) HandleDlopen(name string, origBase, origSize uint64, cacheSize int, store *rbbl.Store, seed int64) (*Module, *cvmerr.Error) {
	if existing := e.Module(name); existing != nil {
		return existing, nil
	}

	e.Pause()
	defer e.Continue()

	m := NewModule(name, origBase, origSize, cacheSize, store)

	r, err := shm.Open(e.ShmDir, shm.CCPath(e.PID, name), int64(2*cacheSize))
	if err != nil {
		return nil, err
	}
	m.setRegion(r)

	if !e.AddModule(m) {
		// lost a race with a concurrent dlopen of the same name; use
		// whichever copy won.
		return e.Module(name), nil
	}

	for which := 0; which < 2; which++ {
		if err := e.GenerateModule(m, which, seed); err != nil {
			return nil, err
		}
	}

	e.logf("dlopen %s: both cache halves generated", name)
	return m, nil
}

// HandleDlclose unregisters a module and releases its shared-memory
// regions, bracketed by Pause/Continue so in-flight generation for
// this module finishes or never starts before teardown.
func (e *Engine) HandleDlclose(name string) *cvmerr.Error {
	e.Pause()
	defer e.Continue()

	m := e.RemoveModule(name)
	if m == nil {
		return nil // already closed or never opened; dlclose is idempotent
	}

	if m.region != nil {
		if err := m.region.Remove(); err != nil {
			return err
		}
	}
	e.logf("dlclose %s: region released", name)
	return nil
}
