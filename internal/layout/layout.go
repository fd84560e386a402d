// Package layout implements the cache layout arranger (spec 4.4): a
// single pass that produces a disjoint-range map from a fresh cache
// base address, placing fixed trampolines, the switch-case trampoline
// group, the main-executable jump-table copy, and the randomly
// permuted RBBL bodies.
package layout

import (
	"math/rand"
	"sort"

	"github.com/xyproto/cvm/internal/cvmerr"
	"github.com/xyproto/cvm/internal/rbbl"
)

// Tag is the kind of a layout entry, per spec 3's cache layout model.
type Tag int

const (
	Boundary Tag = iota
	InvTramp
	TrampJmp8
	TrampJmp32
	MainJmpTable
	RBBLBody
)

func (t Tag) String() string {
	switch t {
	case Boundary:
		return "BOUNDARY"
	case InvTramp:
		return "INV_TRAMP"
	case TrampJmp8:
		return "TRAMP_JMP8"
	case TrampJmp32:
		return "TRAMP_JMP32"
	case MainJmpTable:
		return "MAIN_JMP_TABLE"
	case RBBLBody:
		return "RBBL_BODY"
	default:
		return "UNKNOWN"
	}
}

// invalidOpcodeByte pads unreachable regions; it never executes, it
// only needs to be a byte DenseLib's disassembler would flag, per spec
// "padding with an undefined-opcode byte".
const invalidOpcodeByte = 0x0f

// Entry is one range of the disjoint cache layout map.
type Entry struct {
	Offset int // byte offset from cache base
	Size   int
	Tag    Tag

	RBBL *rbbl.RandomBBL // set when Tag == RBBLBody

	// TargetOriginalOffset is the still-unresolved original-offset
	// operand baked into a TrampJmp32 slot; the relocator looks it up
	// in the RBBL address map and rewrites the rel32 in place.
	TargetOriginalOffset uint32

	// SecondEntry is the prefix-only entry point, one byte after
	// Offset, or -1 when the RBBL has no lock/repeat prefix.
	SecondEntry int

	// JumpTableOriginalOffsets holds, for a MainJmpTable entry, the
	// original per-slot target offsets the relocator must translate
	// into cache guest addresses.
	JumpTableOriginalOffsets []uint32
}

// Options are the CLI/config toggles from spec 6.
type Options struct {
	UnitLevelRandomization bool
	RBBURange              int
	RBBUPadding            int
	MainSwitchCaseCopy     bool
	TrampolineRecord       bool
}

// DefaultOptions mirrors the teacher's CLI defaults philosophy:
// reasonable, documented, and overridable from the command line.
func DefaultOptions() Options {
	return Options{
		UnitLevelRandomization: true,
		RBBURange:              16,
		RBBUPadding:            0,
		MainSwitchCaseCopy:     true,
		TrampolineRecord:       false,
	}
}

// Layout is the result of one arrangement pass.
type Layout struct {
	CacheBase uint64
	CacheSize int
	Entries   []*Entry // sorted by Offset, disjoint, covering [0, CacheSize)

	// RBBLAddr maps an RBBL's original offset to its body's cache
	// guest address (CacheBase + body offset).
	RBBLAddr map[uint32]uint64

	// TrampolineBase is the cache-relative byte offset of the
	// switch-case trampoline group, returned to TRAMPOLINE relocations.
	TrampolineBase uint64

	// Scavenged records every fixed trampoline that had to be
	// scavenged, for diagnostics (spec 7 tier 3) when
	// Options.TrampolineRecord is set.
	Scavenged []uint32

	// UsedEnd is the highest claimed byte offset after arrangement: the
	// first free byte available for post-hoc patch regions (e.g. the
	// sigaction sigreturn-redirect stub, spec 4.6), grounded on the
	// original's cc_used_base cursor. Patch regions claimed here live
	// outside Entries; they are not part of the arranged layout map.
	UsedEnd int
}

// Find returns the entry covering a cache-relative offset, or nil if
// it falls outside the cache.
func (l *Layout) Find(offset int) *Entry {
	i := sort.Search(len(l.Entries), func(i int) bool {
		e := l.Entries[i]
		return e.Offset+e.Size > offset
	})
	if i >= len(l.Entries) {
		return nil
	}
	e := l.Entries[i]
	if offset < e.Offset || offset >= e.Offset+e.Size {
		return nil
	}
	return e
}

type claimTracker struct {
	claimed []ival // sorted, non-overlapping
	high    int
}

type ival struct{ start, end int }

func (c *claimTracker) claim(start, end int) {
	c.claimed = append(c.claimed, ival{start, end})
	sort.Slice(c.claimed, func(i, j int) bool { return c.claimed[i].start < c.claimed[j].start })
	if end > c.high {
		c.high = end
	}
}

func (c *claimTracker) overlaps(start, end int) bool {
	for _, iv := range c.claimed {
		if start < iv.end && end > iv.start {
			return true
		}
	}
	return false
}

// findBackwardFreeWindow performs the bounded backward scan for a free
// `need`-byte window strictly below `before`, per spec 4.4 step 1.
func (c *claimTracker) findBackwardFreeWindow(before, need, maxScan int) (int, bool) {
	lowerBound := before - maxScan
	if lowerBound < 0 {
		lowerBound = 0
	}
	for start := before - need; start >= lowerBound; start-- {
		if start < 0 {
			break
		}
		if !c.overlaps(start, start+need) {
			return start, true
		}
	}
	return 0, false
}

const maxScavengeScan = 1 << 16
const maxScavengeHops = 8

// Arrange produces a disjoint-range layout into dst (already zeroed or
// otherwise blank memory of len(dst) == cacheSize), per spec 4.4.
func Arrange(dst []byte, cacheBase uint64, store *rbbl.Store, opts Options, rng *rand.Rand) (*Layout, *cvmerr.Error) {
	cacheSize := len(dst)
	l := &Layout{CacheBase: cacheBase, CacheSize: cacheSize, RBBLAddr: make(map[uint32]uint64)}
	ct := &claimTracker{}

	if err := placeFixedTrampolines(dst, l, ct, store, opts); err != nil {
		return nil, err
	}
	if opts.MainSwitchCaseCopy {
		placeMainSwitchCaseTables(dst, l, ct, store)
	}
	if err := placeSwitchCaseTrampolineGroup(dst, l, ct, store); err != nil {
		return nil, err
	}
	if err := placeRBBLBodies(dst, l, ct, store, opts, rng); err != nil {
		return nil, err
	}

	fillBoundaries(l, ct, cacheSize)
	sort.Slice(l.Entries, func(i, j int) bool { return l.Entries[i].Offset < l.Entries[j].Offset })
	l.UsedEnd = ct.high

	return l, nil
}

func writeU32At(dst []byte, pos int, v uint32) {
	dst[pos+0] = byte(v)
	dst[pos+1] = byte(v >> 8)
	dst[pos+2] = byte(v >> 16)
	dst[pos+3] = byte(v >> 24)
}

// placeFixedTrampolines implements spec 4.4 step 1.
func placeFixedTrampolines(dst []byte, l *Layout, ct *claimTracker, store *rbbl.Store, opts Options) *cvmerr.Error {
	fixed := make([]*rbbl.RandomBBL, 0, len(store.Fixed))
	for _, r := range store.Fixed {
		fixed = append(fixed, r)
	}
	sort.Slice(fixed, func(i, j int) bool { return fixed[i].OriginalOffset < fixed[j].OriginalOffset })

	for i, r := range fixed {
		offset := int(r.OriginalOffset)
		next := len(dst)
		if i+1 < len(fixed) {
			next = int(fixed[i+1].OriginalOffset)
		}
		available := next - offset
		if available < 0 {
			return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "fixed rbbls out of order or overlapping at %#x", offset)
		}

		switch {
		case available >= 5:
			if offset+5 > len(dst) {
				return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "fixed trampoline at %#x overflows cache", offset)
			}
			ct.claim(offset, offset+5)
			dst[offset] = 0xe9
			writeU32At(dst, offset+1, r.OriginalOffset)
			l.Entries = append(l.Entries, &Entry{Offset: offset, Size: 5, Tag: TrampJmp32, TargetOriginalOffset: r.OriginalOffset, SecondEntry: -1})

		case available >= 2:
			slot, found := ct.findBackwardFreeWindow(offset, 5, maxScavengeScan)
			if !found {
				// degrade per spec 7: an invalid-opcode marker
				// substitutes for the trampoline that could not be
				// placed; this is the one fatal-sounding condition
				// that degrades rather than aborts.
				ct.claim(offset, next)
				for i := offset; i < next; i++ {
					dst[i] = invalidOpcodeByte
				}
				l.Entries = append(l.Entries, &Entry{Offset: offset, Size: available, Tag: InvTramp, SecondEntry: -1})
				continue
			}
			ct.claim(slot, slot+5)
			dst[slot] = 0xe9
			writeU32At(dst, slot+1, r.OriginalOffset)
			l.Entries = append(l.Entries, &Entry{Offset: slot, Size: 5, Tag: TrampJmp32, TargetOriginalOffset: r.OriginalOffset, SecondEntry: -1})

			ct.claim(offset, offset+2)
			rel8 := slot - (offset + 2)
			if rel8 < -128 || rel8 > 127 {
				return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "scavenged trampoline relay at %#x out of rel8 range", offset)
			}
			dst[offset] = 0xeb
			dst[offset+1] = byte(int8(rel8))
			l.Entries = append(l.Entries, &Entry{Offset: offset, Size: 2, Tag: TrampJmp8, TargetOriginalOffset: r.OriginalOffset, SecondEntry: -1})
			if opts.TrampolineRecord {
				l.Scavenged = append(l.Scavenged, r.OriginalOffset)
			}

		default:
			ct.claim(offset, next)
			for i := offset; i < next; i++ {
				dst[i] = invalidOpcodeByte
			}
			l.Entries = append(l.Entries, &Entry{Offset: offset, Size: available, Tag: InvTramp, SecondEntry: -1})
		}
	}
	return nil
}

// placeMainSwitchCaseTables copies the original table bytes at the
// same offset inside the cache (spec 4.4 step 2); entries are fixed up
// by the relocator once RBBL bodies are placed.
func placeMainSwitchCaseTables(dst []byte, l *Layout, ct *claimTracker, store *rbbl.Store) {
	for offset, entries := range store.MainJumpTables {
		start := int(offset)
		size := len(entries) * 8
		if start+size > len(dst) || ct.overlaps(start, start+size) {
			continue // already reserved by a fixed trampoline; original copy is skipped, the fixed slot takes precedence
		}
		ct.claim(start, start+size)
		for i, e := range entries {
			writeU32At(dst, start+i*8, e)
		}
		l.Entries = append(l.Entries, &Entry{
			Offset: start, Size: size, Tag: MainJmpTable,
			JumpTableOriginalOffsets: append([]uint32(nil), entries...),
			SecondEntry:              -1,
		})
	}
}

// placeSwitchCaseTrampolineGroup reserves a contiguous region just
// after the fixed-trampoline area plus a small gap, and places one
// JMP rel32 per unique switch-case jump-in target (spec 4.4 step 3).
func placeSwitchCaseTrampolineGroup(dst []byte, l *Layout, ct *claimTracker, store *rbbl.Store) *cvmerr.Error {
	const gap = 8

	targetSet := map[uint32]bool{}
	for _, targets := range store.SwitchCaseJmpin {
		for _, t := range targets {
			targetSet[t] = true
		}
	}
	if len(targetSet) == 0 {
		l.TrampolineBase = uint64(ct.high)
		return nil
	}

	targets := make([]uint32, 0, len(targetSet))
	for t := range targetSet {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	base := ct.high + gap
	l.TrampolineBase = uint64(base)

	cursor := base
	for _, t := range targets {
		if cursor+5 > len(dst) {
			return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "switch-case trampoline group overflows cache at %#x", cursor)
		}
		ct.claim(cursor, cursor+5)
		dst[cursor] = 0xe9
		writeU32At(dst, cursor+1, t)
		l.Entries = append(l.Entries, &Entry{Offset: cursor, Size: 5, Tag: TrampJmp32, TargetOriginalOffset: t, SecondEntry: -1})
		cursor += 5
	}
	return nil
}

// placeRBBLBodies permutes and packs the combined fixed+movable RBBL
// list (spec 4.4 step 4).
func placeRBBLBodies(dst []byte, l *Layout, ct *claimTracker, store *rbbl.Store, opts Options, rng *rand.Rand) *cvmerr.Error {
	order := buildPlacementOrder(store, opts, rng)

	cursor := ct.high
	for i, r := range order {
		if opts.RBBUPadding > 0 {
			pad := rng.Intn(opts.RBBUPadding + 1)
			if pad > 0 {
				if cursor+pad > len(dst) {
					return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "padding overflows cache at %#x", cursor)
				}
				ct.claim(cursor, cursor+pad)
				for j := cursor; j < cursor+pad; j++ {
					dst[j] = invalidOpcodeByte
				}
				l.Entries = append(l.Entries, &Entry{Offset: cursor, Size: pad, Tag: InvTramp, SecondEntry: -1})
				cursor += pad
			}
		}

		size := len(r.Template)
		elided := false
		if i+1 < len(order) && r.LastBranchTarget != 0 && r.LastBranchTarget == order[i+1].OriginalOffset && size >= 5 {
			size -= 5
			elided = true
		}

		if cursor+size > len(dst) {
			return cvmerr.Fatalf(cvmerr.CategoryLayout, "", "cache overflow placing rbbl at original offset %#x (cursor=%#x size=%#x cap=%#x)", r.OriginalOffset, cursor, size, len(dst))
		}

		body := r.Template
		if elided {
			body = r.Template[:size]
		}
		copy(dst[cursor:cursor+size], body)

		ct.claim(cursor, cursor+size)
		second := -1
		if r.HasPrefix {
			second = cursor + 1
		}
		l.Entries = append(l.Entries, &Entry{Offset: cursor, Size: size, Tag: RBBLBody, RBBL: r, SecondEntry: second})
		l.RBBLAddr[r.OriginalOffset] = l.CacheBase + uint64(cursor)

		cursor += size
	}
	return nil
}

// buildPlacementOrder permutes the combined RBBL list either at
// block-level (plain Fisher-Yates) or unit-level (Fisher-Yates over
// RBBUs within windows of opts.RBBURange, preserving each unit's
// intra-unit fallthrough order).
func buildPlacementOrder(store *rbbl.Store, opts Options, rng *rand.Rand) []*rbbl.RandomBBL {
	if !opts.UnitLevelRandomization {
		all := store.AllSorted()
		fisherYates(all, rng)
		return all
	}

	units := make([]*rbbl.RBBU, len(store.Units))
	copy(units, store.Units)

	windowSize := opts.RBBURange
	if windowSize <= 0 {
		windowSize = len(units)
	}
	for start := 0; start < len(units); start += windowSize {
		end := start + windowSize
		if end > len(units) {
			end = len(units)
		}
		fisherYatesUnits(units[start:end], rng)
	}

	order := make([]*rbbl.RandomBBL, 0, len(units)*2)
	for _, u := range units {
		order = append(order, u.Blocks...)
	}
	return order
}

func fisherYates(s []*rbbl.RandomBBL, rng *rand.Rand) {
	for i := len(s) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

func fisherYatesUnits(s []*rbbl.RBBU, rng *rand.Rand) {
	for i := len(s) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

// fillBoundaries fills any remaining unclaimed ranges with BOUNDARY
// sentinel entries so the layout map is total over [0, cacheSize).
func fillBoundaries(l *Layout, ct *claimTracker, cacheSize int) {
	sort.Slice(ct.claimed, func(i, j int) bool { return ct.claimed[i].start < ct.claimed[j].start })
	cursor := 0
	for _, iv := range ct.claimed {
		if iv.start > cursor {
			l.Entries = append(l.Entries, &Entry{Offset: cursor, Size: iv.start - cursor, Tag: Boundary, SecondEntry: -1})
		}
		if iv.end > cursor {
			cursor = iv.end
		}
	}
	if cursor < cacheSize {
		l.Entries = append(l.Entries, &Entry{Offset: cursor, Size: cacheSize - cursor, Tag: Boundary, SecondEntry: -1})
	}
}
