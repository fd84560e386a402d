// Package rbbl implements the Random-BBL store: the per-module record
// of RBBLs (fixed vs movable), switch-case target sets, and
// main-executable jump tables (spec 4.3), plus the grouping of RBBLs
// into RBBUs.
package rbbl

import (
	"hash/fnv"
	"sort"

	"github.com/xyproto/cvm/internal/reloc"
)

// RandomBBL is the unit the randomiser schedules (spec 3).
type RandomBBL struct {
	Fingerprint uint64

	OriginalOffset uint32
	Template       []byte
	Relocs         []reloc.Relocation

	// LastBranchTarget is the offset of this RBBL's last branch target,
	// used by the layout arranger's fallthrough-elision optimisation.
	LastBranchTarget uint32

	HasPrefix bool
	Fixed     bool
}

// Fingerprint derives the RBBL's stable identity from its original
// offset, used as a lookup key independent of any particular layout.
func Fingerprint(originalOffset uint32) uint64 {
	h := fnv.New64a()
	var b [4]byte
	b[0] = byte(originalOffset)
	b[1] = byte(originalOffset >> 8)
	b[2] = byte(originalOffset >> 16)
	b[3] = byte(originalOffset >> 24)
	h.Write(b[:])
	return h.Sum64()
}

// NewRandomBBL builds an RBBL from a generated block template.
func NewRandomBBL(originalOffset uint32, fixed, hasPrefix bool, lastBranchTarget uint32, template []byte, relocs []reloc.Relocation) *RandomBBL {
	return &RandomBBL{
		Fingerprint:      Fingerprint(originalOffset),
		OriginalOffset:   originalOffset,
		Template:         append([]byte(nil), template...),
		Relocs:           append([]reloc.Relocation(nil), relocs...),
		LastBranchTarget: lastBranchTarget,
		HasPrefix:        hasPrefix,
		Fixed:            fixed,
	}
}

// Equal reports whether two RBBLs have the same template and
// relocation list, used by the database round-trip test (spec 8).
func (r *RandomBBL) Equal(o *RandomBBL) bool {
	if r.OriginalOffset != o.OriginalOffset || r.Fixed != o.Fixed || r.HasPrefix != o.HasPrefix {
		return false
	}
	if len(r.Template) != len(o.Template) || len(r.Relocs) != len(o.Relocs) {
		return false
	}
	for i := range r.Template {
		if r.Template[i] != o.Template[i] {
			return false
		}
	}
	for i := range r.Relocs {
		if r.Relocs[i] != o.Relocs[i] {
			return false
		}
	}
	return true
}

// RBBU is a maximal run of RBBLs with fallthrough connectivity (spec
// 3): each block's fallthrough equals the next block's entry.
type RBBU struct {
	Blocks []*RandomBBL
}

// Store is the per-module collection described in spec 4.3.
type Store struct {
	Fixed   map[uint32]*RandomBBL
	Movable map[uint32]*RandomBBL

	// SwitchCaseJmpin maps an indirect-jump source offset to its
	// recognised finite target set.
	SwitchCaseJmpin map[uint32][]uint32

	// MainJumpTables maps a switch-case table's offset in the main
	// executable to its entries (original target offsets).
	MainJumpTables map[uint32][]uint32

	Units []*RBBU
}

func NewStore() *Store {
	return &Store{
		Fixed:           make(map[uint32]*RandomBBL),
		Movable:         make(map[uint32]*RandomBBL),
		SwitchCaseJmpin: make(map[uint32][]uint32),
		MainJumpTables:  make(map[uint32][]uint32),
	}
}

func (s *Store) InsertFixed(r *RandomBBL) {
	r.Fixed = true
	s.Fixed[r.OriginalOffset] = r
}

func (s *Store) InsertMovable(r *RandomBBL) {
	r.Fixed = false
	s.Movable[r.OriginalOffset] = r
}

func (s *Store) InsertSwitchCaseJmpin(srcOffset uint32, targets []uint32) {
	s.SwitchCaseJmpin[srcOffset] = append([]uint32(nil), targets...)
}

func (s *Store) InsertMainSwitchCaseJumpTable(offset uint32, entries []uint32) {
	s.MainJumpTables[offset] = append([]uint32(nil), entries...)
}

// AllSorted returns the union of fixed and movable RBBLs in increasing
// offset order, the scan basis for both unit construction and layout.
func (s *Store) AllSorted() []*RandomBBL {
	all := make([]*RandomBBL, 0, len(s.Fixed)+len(s.Movable))
	for _, r := range s.Fixed {
		all = append(all, r)
	}
	for _, r := range s.Movable {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].OriginalOffset < all[j].OriginalOffset })
	return all
}

// BuildUnits scans the union of fixed+movable in increasing offset
// order and breaks a unit whenever the current block's last-branch
// target is not the next block's offset, per spec 4.3. Per
// original_source's init_rbbl_unit, a fixed RBBL is always a singleton
// unit: it can never be permuted as part of a bloc, so it cannot
// absorb or extend a run.
func (s *Store) BuildUnits() {
	all := s.AllSorted()
	s.Units = nil

	var current *RBBU
	for i, r := range all {
		if r.Fixed {
			s.Units = append(s.Units, &RBBU{Blocks: []*RandomBBL{r}})
			current = nil
			continue
		}
		if current == nil {
			current = &RBBU{Blocks: []*RandomBBL{r}}
			s.Units = append(s.Units, current)
			continue
		}
		prev := current.Blocks[len(current.Blocks)-1]
		if prev.LastBranchTarget == r.OriginalOffset && i > 0 {
			current.Blocks = append(current.Blocks, r)
		} else {
			current = &RBBU{Blocks: []*RandomBBL{r}}
			s.Units = append(s.Units, current)
		}
	}
}
