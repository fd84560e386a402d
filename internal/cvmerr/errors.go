// Package cvmerr implements the engine's three-tier error model.
//
// Fatal conditions (cache overflow, a failed layout, a corrupt
// database, a failed mmap/shm_open/ftruncate) are never recovered from
// inside the engine: generation code returns a *Error with LevelFatal
// and only cmd/cvm converts that into a process exit. Recoverable and
// Diagnostic errors are reported through the same type but the caller
// is expected to continue.
package cvmerr

import "fmt"

// Level indicates the severity of an error.
type Level int

const (
	LevelDiagnostic Level = iota
	LevelRecoverable
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDiagnostic:
		return "diagnostic"
	case LevelRecoverable:
		return "recoverable"
	case LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Category classifies the subsystem an error originated in.
type Category int

const (
	CategoryDatabase Category = iota
	CategoryLayout
	CategoryRelocation
	CategoryShm
	CategoryProcMap
	CategoryVariant
)

func (c Category) String() string {
	switch c {
	case CategoryDatabase:
		return "database"
	case CategoryLayout:
		return "layout"
	case CategoryRelocation:
		return "relocation"
	case CategoryShm:
		return "shm"
	case CategoryProcMap:
		return "procmap"
	case CategoryVariant:
		return "variant"
	default:
		return "unknown"
	}
}

// Error is the single error sum type returned through the generation
// stack. Replaces the source's FATAL()/ASSERT() exits: the stack
// returns *Error instead of tearing down the process, and only main
// decides whether to terminate.
type Error struct {
	Level    Level
	Category Category
	Module   string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("%s [%s/%s]: %s", e.Msg, e.Level, e.Category, e.Module)
	}
	return fmt.Sprintf("%s [%s/%s]", e.Msg, e.Level, e.Category)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) IsFatal() bool { return e.Level == LevelFatal }

func Fatalf(cat Category, module, format string, args ...any) *Error {
	return &Error{Level: LevelFatal, Category: cat, Module: module, Msg: fmt.Sprintf(format, args...)}
}

func Recoverablef(cat Category, module, format string, args ...any) *Error {
	return &Error{Level: LevelRecoverable, Category: cat, Module: module, Msg: fmt.Sprintf(format, args...)}
}

func Diagnosticf(cat Category, module, format string, args ...any) *Error {
	return &Error{Level: LevelDiagnostic, Category: cat, Module: module, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(level Level, cat Category, module string, err error) *Error {
	return &Error{Level: level, Category: cat, Module: module, Msg: err.Error(), Err: err}
}
