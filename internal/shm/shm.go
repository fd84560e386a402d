// Package shm wraps the shared-memory primitives the engine needs to
// map code caches and shadow stacks into both its own and the guest's
// address space, in the style of the teacher's filewatcher_unix.go:
// thin syscall wrappers over golang.org/x/sys/unix, errors returned
// rather than panicked.
//
//go:build linux

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/xyproto/cvm/internal/cvmerr"
)

// Region is a MAP_SHARED mapping backed by a file under the shared
// shm directory, mapped read/write/execute so the guest can both read
// the code and (during generation) have it rewritten underneath it.
type Region struct {
	Path  string
	Bytes []byte
	fd    int
}

// Open creates (if necessary) and maps a shared-memory-backed region
// of exactly size bytes at dir/name, per spec 7 tier 1: a failed
// mmap/shm_open/ftruncate is fatal.
func Open(dir, name string, size int64) (*Region, *cvmerr.Error) {
	path := filepath.Join(dir, name)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, cvmerr.Fatalf(cvmerr.CategoryShm, name, "shm_open %s: %v", path, err)
	}

	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, cvmerr.Fatalf(cvmerr.CategoryShm, name, "ftruncate %s to %d: %v", path, size, err)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, cvmerr.Fatalf(cvmerr.CategoryShm, name, "mmap %s (%d bytes): %v", path, size, err)
	}

	return &Region{Path: path, Bytes: data, fd: fd}, nil
}

// Close unmaps the region and releases its file descriptor. The
// backing file is left in place for the next open (e.g. the
// supervisor or a re-attaching guest).
func (r *Region) Close() *cvmerr.Error {
	if err := unix.Munmap(r.Bytes); err != nil {
		return cvmerr.Wrap(cvmerr.LevelFatal, cvmerr.CategoryShm, r.Path, err)
	}
	if err := unix.Close(r.fd); err != nil {
		return cvmerr.Wrap(cvmerr.LevelFatal, cvmerr.CategoryShm, r.Path, err)
	}
	return nil
}

// Remove unmaps the region (best-effort) and deletes its backing file,
// used by handle_dlclose.
func (r *Region) Remove() *cvmerr.Error {
	_ = r.Close()
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		return cvmerr.Wrap(cvmerr.LevelFatal, cvmerr.CategoryShm, r.Path, err)
	}
	return nil
}

// CCPath builds the canonical cache shared-memory filename
// "<pid>-<name>.cc" that procmap.Parse recognises.
func CCPath(pid int, name string) string {
	return fmt.Sprintf("%d-%s.cc", pid, name)
}

// SSPath builds the canonical shadow-stack shared-memory filename.
func SSPath(name string) string {
	return name + ".ss"
}
