// Package engine implements the variant controller (spec 4.6): the
// single Engine value that replaces the original's global state,
// owning every loaded module's double-buffered code caches, the
// producer loop that keeps a spare cache generated ahead of
// consumption, PC/return-address migration between caches, signal
// handler re-registration, and dlopen/dlclose bookkeeping.
package engine

import (
	"sync"
	"unsafe"

	"github.com/xyproto/cvm/internal/layout"
	"github.com/xyproto/cvm/internal/rbbl"
	"github.com/xyproto/cvm/internal/shm"
)

// regionBase returns the guest-visible base address of a mapped
// region. The engine and the guest share the same MAP_SHARED mapping,
// so the region's own backing address doubles as its guest address.
func regionBase(r *shm.Region) uint64 {
	if r == nil || len(r.Bytes) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&r.Bytes[0])))
}

// CacheState is one half of a module's double-buffered cache
// generation state machine (spec 4.6): EMPTY -> GENERATING -> READY ->
// CONSUMED -> EMPTY.
type CacheState int

const (
	StateEmpty CacheState = iota
	StateGenerating
	StateReady
	StateConsumed
)

func (s CacheState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateGenerating:
		return "generating"
	case StateReady:
		return "ready"
	case StateConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Module is one loaded executable or shared library tracked by the
// engine: its original load location, its RBBL store, and the single
// 2*CacheSize shared-memory region holding both cache halves back to
// back (spec 3, spec 6's "<pid>-<name>.cc" mapping).
type Module struct {
	Name string

	OrigBase uint64
	OrigSize uint64

	CacheSize int // per-variant size; the region is 2*CacheSize total

	Store *rbbl.Store

	mu      sync.Mutex
	region  *shm.Region
	layouts [2]*layout.Layout
	state   [2]CacheState
}

// NewModule wraps an already-loaded RBBL store with the bookkeeping
// the engine needs to generate and track its two cache halves.
func NewModule(name string, origBase, origSize uint64, cacheSize int, store *rbbl.Store) *Module {
	return &Module{
		Name:      name,
		OrigBase:  origBase,
		OrigSize:  origSize,
		CacheSize: cacheSize,
		Store:     store,
	}
}

// CacheBase returns the guest address of cache half `which` (0 or 1)
// within this module's mapped shared-memory region: the base of the
// region for half 0, CacheSize bytes into it for half 1.
func (m *Module) CacheBase(which int) uint64 {
	if m.region == nil {
		return 0
	}
	return regionBase(m.region) + uint64(which*m.CacheSize)
}

// cacheBytes returns the slice view of cache half `which` within the
// module's mapped region.
func (m *Module) cacheBytes(which int) []byte {
	if m.region == nil {
		return nil
	}
	start := which * m.CacheSize
	return m.region.Bytes[start : start+m.CacheSize]
}

func (m *Module) setRegion(r *shm.Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.region = r
}

func (m *Module) setState(which int, s CacheState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[which] = s
}

func (m *Module) getState(which int) CacheState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[which]
}

func (m *Module) setLayout(which int, l *layout.Layout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layouts[which] = l
}

func (m *Module) getLayout(which int) *layout.Layout {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layouts[which]
}

// ccOffset is the cc_offset runtime constant for this module's cache
// half `which` (spec 6): the distance from the original load base to
// the cache base.
func (m *Module) ccOffset(which int) int64 {
	return int64(m.CacheBase(which)) - int64(m.OrigBase)
}

// other returns the index of the cache half not currently referenced,
// the usual double-buffering complement.
func other(which int) int {
	if which == 0 {
		return 1
	}
	return 0
}
