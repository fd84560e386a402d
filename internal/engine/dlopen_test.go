package engine

import (
	"testing"

	"github.com/xyproto/cvm/internal/config"
	"github.com/xyproto/cvm/internal/rbbl"
)

func TestHandleDlopenGeneratesBothHalves(t *testing.T) {
	cfg, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	cfg.Layout.UnitLevelRandomization = false
	cfg.ShmDir = t.TempDir()
	e := New(cfg)

	store := rbbl.NewStore()
	store.InsertMovable(rbbl.NewRandomBBL(0x10, false, false, 0, []byte{0x90, 0xc3}, nil))
	store.BuildUnits()

	m, derr := e.HandleDlopen("libfoo.so", 0x400000, 0x1000, 64, store, 1)
	if derr != nil {
		t.Fatalf("HandleDlopen: %v", derr)
	}
	if m.getState(0) != StateReady || m.getState(1) != StateReady {
		t.Fatalf("expected both halves ready, got %v / %v", m.getState(0), m.getState(1))
	}

	if err := e.HandleDlclose("libfoo.so"); err != nil {
		t.Fatalf("HandleDlclose: %v", err)
	}
	if e.Module("libfoo.so") != nil {
		t.Fatal("expected the module to be untracked after dlclose")
	}
}

func TestHandleDlopenIsIdempotent(t *testing.T) {
	cfg, _ := config.Parse(nil)
	cfg.ShmDir = t.TempDir()
	e := New(cfg)

	store := rbbl.NewStore()
	store.InsertMovable(rbbl.NewRandomBBL(0x10, false, false, 0, []byte{0xc3}, nil))
	store.BuildUnits()

	m1, err := e.HandleDlopen("libfoo.so", 0x400000, 0x1000, 64, store, 1)
	if err != nil {
		t.Fatalf("first HandleDlopen: %v", err)
	}
	m2, err := e.HandleDlopen("libfoo.so", 0x500000, 0x2000, 64, store, 2)
	if err != nil {
		t.Fatalf("second HandleDlopen: %v", err)
	}
	if m1 != m2 {
		t.Fatal("expected the second dlopen of the same name to return the existing module")
	}
}

func TestHandleDlcloseIsIdempotent(t *testing.T) {
	cfg, _ := config.Parse(nil)
	e := New(cfg)

	if err := e.HandleDlclose("never-opened.so"); err != nil {
		t.Fatalf("expected dlclose of an unknown module to be a no-op, got %v", err)
	}
}
