// Database serialisation for the per-module store (spec 6). The file
// is a sequence of self-describing segments: each starts with two
// 32-bit little-endian words {seg_type, count} followed by count
// entries. Segments appear in the fixed order 1 (fixed), 0 (movable),
// 2 (switch_case_jmpin), 3 (main_jump_table); the reader rejects
// padding — total file size must equal the sum of segment sizes.
package rbbl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/xyproto/cvm/internal/cvmerr"
	"github.com/xyproto/cvm/internal/reloc"
)

const (
	segMovable         uint32 = 0
	segFixed           uint32 = 1
	segSwitchCaseJmpin uint32 = 2
	segMainJumpTable   uint32 = 3
)

// ShadowStackType selects the database file's suffix, per spec 6.
type ShadowStackType int

const (
	SSOffset ShadowStackType = iota
	SSSeg
	SSSegPP
)

// Suffix returns the database filename suffix for this shadow-stack
// type: ".oss", ".sss", or ".pss".
func (t ShadowStackType) Suffix() string {
	switch t {
	case SSOffset:
		return ".oss"
	case SSSeg:
		return ".sss"
	case SSSegPP:
		return ".pss"
	default:
		return ".oss"
	}
}

// WriteDB serialises the store into the self-describing segment format
// and writes it to w.
func WriteDB(w io.Writer, s *Store) error {
	if err := writeRBBLSegment(w, segFixed, sortedValues(s.Fixed)); err != nil {
		return err
	}
	if err := writeRBBLSegment(w, segMovable, sortedValues(s.Movable)); err != nil {
		return err
	}
	if err := writeJmpinSegment(w, s.SwitchCaseJmpin); err != nil {
		return err
	}
	if err := writeJumpTableSegment(w, s.MainJumpTables); err != nil {
		return err
	}
	return nil
}

func sortedValues(m map[uint32]*RandomBBL) []*RandomBBL {
	out := make([]*RandomBBL, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalOffset < out[j].OriginalOffset })
	return out
}

func writeU32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func writeRBBLSegment(w io.Writer, segType uint32, rbbls []*RandomBBL) error {
	if err := writeU32(w, segType); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(rbbls))); err != nil {
		return err
	}
	for _, r := range rbbls {
		if err := writeRBBL(w, r); err != nil {
			return err
		}
	}
	return nil
}

func writeRBBL(w io.Writer, r *RandomBBL) error {
	fixed := uint8(0)
	if r.Fixed {
		fixed = 1
	}
	hasPrefix := uint8(0)
	if r.HasPrefix {
		hasPrefix = 1
	}
	fields := []any{
		r.OriginalOffset,
		fixed,
		hasPrefix,
		r.LastBranchTarget,
		uint32(len(r.Template)),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(r.Template); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(r.Relocs))); err != nil {
		return err
	}
	for _, rel := range r.Relocs {
		if err := writeRelocation(w, rel); err != nil {
			return err
		}
	}
	return nil
}

func writeRelocation(w io.Writer, rel reloc.Relocation) error {
	fields := []any{
		uint8(rel.Kind),
		uint32(rel.BytePos),
		uint32(rel.ByteSize),
		rel.Addend,
		rel.Value,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func writeJmpinSegment(w io.Writer, m map[uint32][]uint32) error {
	if err := writeU32(w, segSwitchCaseJmpin); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(m))); err != nil {
		return err
	}
	for src, targets := range m {
		if err := writeU32(w, src); err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(targets))); err != nil {
			return err
		}
		for _, t := range targets {
			if err := writeU32(w, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeJumpTableSegment(w io.Writer, m map[uint32][]uint32) error {
	if err := writeU32(w, segMainJumpTable); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(m))); err != nil {
		return err
	}
	for offset, entries := range m {
		if err := writeU32(w, offset); err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(entries))); err != nil {
			return err
		}
		for _, e := range entries {
			if err := writeU32(w, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadDB parses the segment format back into a Store. It rejects any
// trailing bytes: the reader expects exactly four segments in the
// fixed order and no padding.
func ReadDB(r io.Reader) (*Store, *cvmerr.Error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, cvmerr.Fatalf(cvmerr.CategoryDatabase, "", "read database: %v", err)
	}
	br := bytes.NewReader(buf)

	s := NewStore()
	wantOrder := []uint32{segFixed, segMovable, segSwitchCaseJmpin, segMainJumpTable}

	for _, want := range wantOrder {
		segType, count, rerr := readSegHeader(br)
		if rerr != nil {
			return nil, cvmerr.Fatalf(cvmerr.CategoryDatabase, "", "read segment header: %v", rerr)
		}
		if segType != want {
			return nil, cvmerr.Fatalf(cvmerr.CategoryDatabase, "", "segment type mismatch: want %d got %d", want, segType)
		}
		switch segType {
		case segFixed:
			for i := uint32(0); i < count; i++ {
				rb, rerr := readRBBL(br)
				if rerr != nil {
					return nil, cvmerr.Fatalf(cvmerr.CategoryDatabase, "", "read fixed rbbl: %v", rerr)
				}
				s.InsertFixed(rb)
			}
		case segMovable:
			for i := uint32(0); i < count; i++ {
				rb, rerr := readRBBL(br)
				if rerr != nil {
					return nil, cvmerr.Fatalf(cvmerr.CategoryDatabase, "", "read movable rbbl: %v", rerr)
				}
				s.InsertMovable(rb)
			}
		case segSwitchCaseJmpin:
			for i := uint32(0); i < count; i++ {
				src, targets, rerr := readU32Vec(br)
				if rerr != nil {
					return nil, cvmerr.Fatalf(cvmerr.CategoryDatabase, "", "read switch-case jmpin: %v", rerr)
				}
				s.InsertSwitchCaseJmpin(src, targets)
			}
		case segMainJumpTable:
			for i := uint32(0); i < count; i++ {
				offset, entries, rerr := readU32Vec(br)
				if rerr != nil {
					return nil, cvmerr.Fatalf(cvmerr.CategoryDatabase, "", "read main jump table: %v", rerr)
				}
				s.InsertMainSwitchCaseJumpTable(offset, entries)
			}
		}
	}

	if br.Len() != 0 {
		return nil, cvmerr.Fatalf(cvmerr.CategoryDatabase, "", "trailing %d bytes after last segment", br.Len())
	}

	return s, nil
}

func readSegHeader(r io.Reader) (segType, count uint32, err error) {
	if err = binary.Read(r, binary.LittleEndian, &segType); err != nil {
		return
	}
	err = binary.Read(r, binary.LittleEndian, &count)
	return
}

func readU32Vec(r io.Reader) (first uint32, rest []uint32, err error) {
	if err = binary.Read(r, binary.LittleEndian, &first); err != nil {
		return
	}
	var n uint32
	if err = binary.Read(r, binary.LittleEndian, &n); err != nil {
		return
	}
	rest = make([]uint32, n)
	for i := range rest {
		if err = binary.Read(r, binary.LittleEndian, &rest[i]); err != nil {
			return
		}
	}
	return
}

func readRBBL(r io.Reader) (*RandomBBL, error) {
	var originalOffset uint32
	var fixed, hasPrefix uint8
	var lastBranchTarget uint32
	var templateLen uint32

	for _, dst := range []any{&originalOffset, &fixed, &hasPrefix, &lastBranchTarget, &templateLen} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, err
		}
	}

	template := make([]byte, templateLen)
	if _, err := io.ReadFull(r, template); err != nil {
		return nil, err
	}

	var relocCount uint32
	if err := binary.Read(r, binary.LittleEndian, &relocCount); err != nil {
		return nil, err
	}
	relocs := make([]reloc.Relocation, relocCount)
	for i := range relocs {
		rel, err := readRelocation(r)
		if err != nil {
			return nil, err
		}
		relocs[i] = rel
	}

	return &RandomBBL{
		Fingerprint:      Fingerprint(originalOffset),
		OriginalOffset:   originalOffset,
		Template:         template,
		Relocs:           relocs,
		LastBranchTarget: lastBranchTarget,
		HasPrefix:        hasPrefix != 0,
		Fixed:            fixed != 0,
	}, nil
}

func readRelocation(r io.Reader) (reloc.Relocation, error) {
	var kind uint8
	var bytePos, byteSize uint32
	var addend, value int64

	for _, dst := range []any{&kind, &bytePos, &byteSize, &addend, &value} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return reloc.Relocation{}, err
		}
	}
	return reloc.Relocation{
		Kind:     reloc.Kind(kind),
		BytePos:  int(bytePos),
		ByteSize: int(byteSize),
		Addend:   addend,
		Value:    value,
	}, nil
}

// SuffixedPath builds the database path for a module, e.g.
// "/db/libfoo.so.oss".
func SuffixedPath(dbPath string, ssType ShadowStackType) string {
	return fmt.Sprintf("%s%s", dbPath, ssType.Suffix())
}
