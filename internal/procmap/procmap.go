// Package procmap parses a guest process's /proc/<pid>/maps to locate
// code caches, shadow stacks, the original stack, and an optional
// debug trace buffer (spec 4.7, spec 6). This is a best-effort
// discovery mechanism, not a contract: an implementation may instead
// accept cache addresses over the supervisor channel (design note).
package procmap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xyproto/cvm/internal/cvmerr"
)

// Region is one parsed line of /proc/<pid>/maps.
type Region struct {
	Start, End uint64
	Perms      string
	Inode      uint64
	Path       string
}

func (r Region) Executable() bool { return strings.Contains(r.Perms, "x") }
func (r Region) Shared() bool     { return strings.Contains(r.Perms, "s") }

// CacheRegion describes a discovered module code cache: exactly
// 2*cacheSize bytes (two halves, cache 1 then cache 2).
type CacheRegion struct {
	ModuleName string
	Start      uint64
	Size       uint64 // 2 * per-variant cache size
}

// ShadowStackRegion describes a discovered shadow stack mapping.
type ShadowStackRegion struct {
	Name  string
	Start uint64
	Size  uint64
}

// Discovery is everything ParseMaps extracts in one pass.
type Discovery struct {
	Caches       []CacheRegion
	ShadowStacks []ShadowStackRegion
	StackTop     uint64 // top address of the [stack] mapping
	HasStack     bool
	TraceBuffer  *Region // optional .tdb mapping
}

// Parse scans r (typically the contents of /proc/<pid>/maps) per spec
// 6: a module's cache is an executable, shared, non-zero-inode mapping
// whose path contains "<pid>-<name>.cc"; a shadow stack is a shared,
// non-zero-inode mapping ending in ".ss"; the original stack is the
// "[stack]" mapping; a ".tdb" mapping is an optional debug trace
// buffer.
func Parse(r io.Reader, pid int) (*Discovery, *cvmerr.Error) {
	d := &Discovery{}
	scanner := bufio.NewScanner(r)
	pidPrefix := fmt.Sprintf("%d-", pid)

	for scanner.Scan() {
		line := scanner.Text()
		region, ok, err := parseLine(line)
		if err != nil {
			return nil, cvmerr.Recoverablef(cvmerr.CategoryProcMap, "", "unparsable maps line %q: %v", line, err)
		}
		if !ok {
			continue
		}

		switch {
		case region.Path == "[stack]":
			d.StackTop = region.End
			d.HasStack = true

		case region.Executable() && region.Shared() && region.Inode != 0 && strings.Contains(region.Path, pidPrefix) && strings.HasSuffix(region.Path, ".cc"):
			name := moduleNameFromCachePath(region.Path, pidPrefix)
			d.Caches = append(d.Caches, CacheRegion{ModuleName: name, Start: region.Start, Size: region.End - region.Start})

		case region.Shared() && region.Inode != 0 && strings.HasSuffix(region.Path, ".ss"):
			d.ShadowStacks = append(d.ShadowStacks, ShadowStackRegion{Name: region.Path, Start: region.Start, Size: region.End - region.Start})

		case strings.HasSuffix(region.Path, ".tdb"):
			rc := region
			d.TraceBuffer = &rc
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, cvmerr.Fatalf(cvmerr.CategoryProcMap, "", "scan maps: %v", err)
	}
	return d, nil
}

func moduleNameFromCachePath(path, pidPrefix string) string {
	idx := strings.Index(path, pidPrefix)
	if idx < 0 {
		return path
	}
	name := path[idx+len(pidPrefix):]
	name = strings.TrimSuffix(name, ".cc")
	return name
}

// parseLine parses one /proc/<pid>/maps line:
//
//	<start>-<end> <perms> <offset> <dev> <inode> [path]
func parseLine(line string) (Region, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, false, fmt.Errorf("too few fields")
	}
	addrRange := strings.SplitN(fields[0], "-", 2)
	if len(addrRange) != 2 {
		return Region{}, false, fmt.Errorf("malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(addrRange[0], 16, 64)
	if err != nil {
		return Region{}, false, err
	}
	end, err := strconv.ParseUint(addrRange[1], 16, 64)
	if err != nil {
		return Region{}, false, err
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Region{}, false, err
	}
	path := ""
	if len(fields) > 5 {
		path = strings.Join(fields[5:], " ")
	}
	return Region{Start: start, End: end, Perms: fields[1], Inode: inode, Path: path}, true, nil
}
