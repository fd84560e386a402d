package rbbl

import "testing"

func TestBuildUnitsFixedIsAlwaysSingleton(t *testing.T) {
	s := NewStore()
	// movable 0x1000 falls through to movable 0x1010, but the fixed RBBL
	// below sits between them in offset order, so they do not join a unit.
	s.InsertMovable(NewRandomBBL(0x1000, false, false, 0x1010, []byte{0x90}, nil))
	s.InsertMovable(NewRandomBBL(0x1010, false, false, 0x1020, []byte{0x90}, nil))
	// a fixed RBBL sits in between in address order but must never be
	// absorbed into, or extend, a movable run (init_rbbl_unit).
	s.InsertFixed(NewRandomBBL(0x1008, true, false, 0x1010, []byte{0x90}, nil))
	// the movable RBBL at 0x1010, which the fixed one's LastBranchTarget
	// points at, must NOT be treated as chained from the fixed block;
	// this third movable RBBL chains from 0x1010 instead.
	s.InsertMovable(NewRandomBBL(0x1020, false, false, 0, []byte{0xc3}, nil))

	s.BuildUnits()

	var sawFixedSingleton bool
	for _, u := range s.Units {
		if len(u.Blocks) == 1 && u.Blocks[0].Fixed {
			sawFixedSingleton = true
		}
		if u.Blocks[0].Fixed && len(u.Blocks) != 1 {
			t.Fatalf("fixed rbbl at %#x grouped into a multi-block unit", u.Blocks[0].OriginalOffset)
		}
	}
	if !sawFixedSingleton {
		t.Fatal("expected the fixed rbbl to form its own singleton unit")
	}
}

func TestBuildUnitsChainsMatchingFallthrough(t *testing.T) {
	s := NewStore()
	s.InsertMovable(NewRandomBBL(0x2000, false, false, 0x2010, []byte{0x90}, nil))
	s.InsertMovable(NewRandomBBL(0x2010, false, false, 0, []byte{0xc3}, nil))

	s.BuildUnits()

	if len(s.Units) != 1 {
		t.Fatalf("expected a single chained unit, got %d", len(s.Units))
	}
	if len(s.Units[0].Blocks) != 2 {
		t.Fatalf("expected both movable rbbls in one unit, got %d blocks", len(s.Units[0].Blocks))
	}
}
