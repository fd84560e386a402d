package engine

import (
	"testing"

	"github.com/xyproto/cvm/internal/config"
	"github.com/xyproto/cvm/internal/rbbl"
	"github.com/xyproto/cvm/internal/reloc"
	"github.com/xyproto/cvm/internal/shm"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	cfg.Layout.UnitLevelRandomization = false
	return New(cfg)
}

// moduleWithFakeRegion builds a Module backed by a plain in-memory
// region (no real shm_open/mmap), for tests that only exercise layout
// and cache-state bookkeeping.
func moduleWithFakeRegion(name string, cacheSize int, store *rbbl.Store) *Module {
	m := NewModule(name, 0x400000, 0x1000, cacheSize, store)
	m.setRegion(&shm.Region{Bytes: make([]byte, 2*cacheSize)})
	return m
}

func TestCacheBaseAddressesTwoHalves(t *testing.T) {
	m := moduleWithFakeRegion("libfoo.so", 64, rbbl.NewStore())
	base0 := m.CacheBase(0)
	base1 := m.CacheBase(1)
	if base1-base0 != 64 {
		t.Errorf("cache half 1 base = %#x, half 0 base = %#x, want exactly CacheSize apart", base1, base0)
	}
}

func TestOtherTogglesHalf(t *testing.T) {
	if other(0) != 1 || other(1) != 0 {
		t.Fatalf("other(0)=%d other(1)=%d, want 1 and 0", other(0), other(1))
	}
}

func TestAddModuleIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	m1 := moduleWithFakeRegion("libfoo.so", 64, rbbl.NewStore())
	m2 := moduleWithFakeRegion("libfoo.so", 64, rbbl.NewStore())

	if !e.AddModule(m1) {
		t.Fatal("expected first AddModule to succeed")
	}
	if e.AddModule(m2) {
		t.Fatal("expected second AddModule of the same name to be a no-op")
	}
	if e.Module("libfoo.so") != m1 {
		t.Fatal("expected the first registration to win")
	}
}

func TestGenerateModuleProducesReadyLayout(t *testing.T) {
	e := newTestEngine(t)

	store := rbbl.NewStore()
	store.InsertMovable(rbbl.NewRandomBBL(0x10, false, false, 0, []byte{0x90, 0xc3}, nil))
	store.BuildUnits()

	m := moduleWithFakeRegion("libfoo.so", 64, store)
	e.AddModule(m)

	if err := e.GenerateModule(m, 0, 1); err != nil {
		t.Fatalf("GenerateModule: %v", err)
	}

	if m.getState(0) != StateReady {
		t.Fatalf("state = %v, want ready", m.getState(0))
	}
	if m.getLayout(0) == nil {
		t.Fatal("expected a layout to be recorded")
	}
	if m.getState(1) != StateEmpty {
		t.Fatalf("untouched half state = %v, want empty", m.getState(1))
	}
}

func TestGenerateModuleIsReproducibleForTheSameSeed(t *testing.T) {
	e := newTestEngine(t)

	buildStore := func() *rbbl.Store {
		s := rbbl.NewStore()
		s.InsertMovable(rbbl.NewRandomBBL(0x10, false, false, 0x20, []byte{0x90, 0xe9, 0, 0, 0, 0}, []reloc.Relocation{
			{Kind: reloc.BRANCH, BytePos: 2, Addend: -6, Value: 0x20},
		}))
		s.InsertMovable(rbbl.NewRandomBBL(0x20, false, false, 0, []byte{0xc3}, nil))
		s.BuildUnits()
		return s
	}

	m1 := moduleWithFakeRegion("libfoo.so", 64, buildStore())
	m2 := moduleWithFakeRegion("libfoo.so", 64, buildStore())

	if err := e.GenerateModule(m1, 0, 42); err != nil {
		t.Fatalf("GenerateModule m1: %v", err)
	}
	if err := e.GenerateModule(m2, 0, 42); err != nil {
		t.Fatalf("GenerateModule m2: %v", err)
	}

	b1 := m1.cacheBytes(0)
	b2 := m2.cacheBytes(0)
	if len(b1) != len(b2) {
		t.Fatalf("cache sizes differ: %d vs %d", len(b1), len(b2))
	}
	for i := range b1 {
		if b1[i] != b2[i] {
			t.Fatalf("byte %d differs under the same seed: %#x vs %#x", i, b1[i], b2[i])
		}
	}
}

func TestGenerateAllStopsAtFirstError(t *testing.T) {
	e := newTestEngine(t)

	good := rbbl.NewStore()
	good.InsertMovable(rbbl.NewRandomBBL(0x10, false, false, 0, []byte{0xc3}, nil))
	good.BuildUnits()

	bad := rbbl.NewStore()
	bad.InsertMovable(rbbl.NewRandomBBL(0x10, false, false, 0, make([]byte, 128), nil)) // too big for its cache
	bad.BuildUnits()

	e.AddModule(moduleWithFakeRegion("libgood.so", 64, good))
	e.AddModule(moduleWithFakeRegion("libbad.so", 8, bad))

	if err := e.GenerateAll(0, 1); err == nil {
		t.Fatal("expected GenerateAll to surface the oversized module's error")
	}
}

func TestPauseBlocksProducerLoop(t *testing.T) {
	e := newTestEngine(t)
	e.Pause()

	done := make(chan struct{})
	go func() {
		e.Run(1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Run returned while paused and not stopped")
	default:
	}

	e.Stop()
	<-done
}
