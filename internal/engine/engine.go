package engine

import (
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/xyproto/cvm/internal/config"
	"github.com/xyproto/cvm/internal/cvmerr"
	"github.com/xyproto/cvm/internal/layout"
	"github.com/xyproto/cvm/internal/rbbl"
	"github.com/xyproto/cvm/internal/relocator"
)

// Engine is the single value holding everything the original
// implementation kept in globals: every loaded module's cache state,
// the per-process shadow-stack/cc runtime constants, and the
// cooperative pause/continue signalling the producer loop and
// dlopen/dlclose handlers share.
type Engine struct {
	Verbose bool

	SSType rbbl.ShadowStackType
	SSBase int64 // SSOffset runtime constant (spec 6)
	GSBase int64

	ShmDir string
	DBDir  string
	PID    int

	Layout layout.Options

	mu      sync.RWMutex
	modules map[string]*Module
	order   []string

	pauseRequested bool
	pauseCond      *sync.Cond
	stopped        bool

	sigs *sigRegistry
}

// New builds an Engine from a resolved CLI/environment configuration.
func New(cfg *config.Config) *Engine {
	e := &Engine{
		Verbose: cfg.Verbose,
		SSType:  cfg.SSType,
		ShmDir:  cfg.ShmDir,
		DBDir:   cfg.DBDir,
		PID:     cfg.PID,
		Layout:  cfg.Layout,
		modules: make(map[string]*Module),
	}
	e.pauseCond = sync.NewCond(&e.mu)
	return e
}

func (e *Engine) logf(format string, args ...any) {
	if !e.Verbose {
		return
	}
	fmt.Fprintf(os.Stderr, "cvm: "+format+"\n", args...)
}

// AddModule registers a newly discovered or dlopen'd module. It is a
// no-op (is_added guard, spec 4.6) if the name is already tracked.
func (e *Engine) AddModule(m *Module) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.modules[m.Name]; ok {
		return false
	}
	e.modules[m.Name] = m
	e.order = append(e.order, m.Name)
	return true
}

// RemoveModule drops a module's tracking entry, used by dlclose.
func (e *Engine) RemoveModule(name string) *Module {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.modules[name]
	if !ok {
		return nil
	}
	delete(e.modules, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return m
}

// Module looks up a tracked module by name.
func (e *Engine) Module(name string) *Module {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.modules[name]
}

// Modules returns every tracked module in registration order.
func (e *Engine) Modules() []*Module {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Module, 0, len(e.order))
	for _, n := range e.order {
		out = append(out, e.modules[n])
	}
	return out
}

// Pause asks the producer loop to stop starting new generation work
// and blocks until it has acknowledged (spec 4.6's pause/continue
// bracket around dlopen/dlclose and signal re-registration).
func (e *Engine) Pause() {
	e.mu.Lock()
	e.pauseRequested = true
	e.mu.Unlock()
}

// Continue releases a previously requested pause.
func (e *Engine) Continue() {
	e.mu.Lock()
	e.pauseRequested = false
	e.mu.Unlock()
	e.pauseCond.Broadcast()
}

func (e *Engine) isPaused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pauseRequested
}

// Stop tells the producer loop to exit at its next opportunity.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.pauseCond.Broadcast()
}

func (e *Engine) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// GenerateModule arranges and relocates one cache half of one module,
// the unit of work the producer loop schedules per module per
// generation (spec 4.4 + 4.5 combined under a fixed seed). Same seed,
// same module contents, same module.CacheSize => byte-identical
// output (spec 8's reproducibility property).
func (e *Engine) GenerateModule(m *Module, which int, seed int64) *cvmerr.Error {
	m.setState(which, StateGenerating)

	dst := make([]byte, m.CacheSize)
	rng := rand.New(rand.NewSource(seed))

	if m.region == nil {
		return cvmerr.Fatalf(cvmerr.CategoryVariant, m.Name, "generate: module has no shared-memory region mapped")
	}

	l, err := layout.Arrange(dst, m.CacheBase(which), m.Store, e.Layout, rng)
	if err != nil {
		return err
	}

	consts := relocator.Constants{CCOffset: m.ccOffset(which), SSOffset: e.SSBase}
	if rerr := relocator.Relocate(dst, l, consts); rerr != nil {
		return rerr
	}

	copy(m.cacheBytes(which), dst)

	m.setLayout(which, l)
	m.setState(which, StateReady)
	e.logf("module %s cache %d ready (%d bytes)", m.Name, which, len(dst))
	return nil
}

// GenerateAll regenerates cache half `which` for every tracked module
// concurrently, one goroutine per module, per spec 4.6's per-module
// worker model (grounded on find_dependence_lib_to_init_cvm's
// one-worker-per-module startup).
func (e *Engine) GenerateAll(which int, seed int64) *cvmerr.Error {
	mods := e.Modules()
	var wg sync.WaitGroup
	errs := make([]*cvmerr.Error, len(mods))

	for i, m := range mods {
		wg.Add(1)
		go func(i int, m *Module) {
			defer wg.Done()
			errs[i] = e.GenerateModule(m, which, seed)
		}(i, m)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Consume marks cache half `which` of every module as the active,
// in-use generation: READY -> CONSUMED. A later call to MarkSpent
// transitions CONSUMED -> EMPTY so the producer loop regenerates it.
func (e *Engine) Consume(which int) {
	for _, m := range e.Modules() {
		m.setState(which, StateConsumed)
	}
}

// MarkSpent releases cache half `which` back to EMPTY once the guest
// has fully migrated off it, so the producer loop can refill it. The
// refill overwrites any sigreturn-redirect stub in that half, so every
// signal handler's Patched flag for it is cleared here.
func (e *Engine) MarkSpent(which int) {
	for _, m := range e.Modules() {
		m.setState(which, StateEmpty)
	}
	if e.sigs != nil {
		e.sigs.mu.Lock()
		for _, h := range e.sigs.handlers {
			h.Patched[which] = false
		}
		e.sigs.mu.Unlock()
	}
}
