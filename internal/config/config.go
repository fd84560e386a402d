// Package config parses the cvm binary's CLI flags and environment
// defaults (spec 6's "CLI/options consumed"), in the teacher's style:
// flag for command-line parsing (cli.go/main.go), xyproto/env/v2 for
// environment-sourced defaults that flags can override.
package config

import (
	"flag"

	"github.com/xyproto/env/v2"

	"github.com/xyproto/cvm/internal/layout"
	"github.com/xyproto/cvm/internal/rbbl"
)

// Config is the fully resolved engine configuration.
type Config struct {
	PID      int
	DBDir    string
	ShmDir   string
	SSType   rbbl.ShadowStackType
	Verbose  bool
	LibNames []string

	Layout layout.Options
}

// Parse parses args (typically os.Args[1:]) into a Config. Flag
// defaults fall back to environment variables, which fall back to the
// engine's built-in defaults — the same precedence order the teacher
// uses for its build toggles.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("cvm", flag.ContinueOnError)

	defaultDBDir := env.Str("CVM_DB_DIR", "/var/lib/cvm/db")
	defaultShmDir := env.Str("CVM_SHM_DIR", "/dev/shm")
	defaultVerbose := env.Bool("CVM_VERBOSE")

	pid := fs.Int("pid", 0, "pid of the protected process")
	dbDir := fs.String("db-dir", defaultDBDir, "directory containing per-module .oss/.sss/.pss database files")
	shmDir := fs.String("shm-dir", defaultShmDir, "directory backing the engine's shared-memory regions")
	ssType := fs.String("ss-type", "offset", "shadow-stack model: offset, seg, or seg-pp")
	verbose := fs.Bool("verbose", defaultVerbose, "verbose diagnostics")

	unitLevel := fs.Bool("rbbu", true, "randomise at RBBU (unit) level instead of per-block")
	rbbuRange := fs.Int("rbbu-range", 16, "window size for unit-level permutation")
	rbbuPadding := fs.Int("rbbu-padding", 0, "maximum random padding bytes inserted between RBBL bodies")
	mainSwitchCopy := fs.Bool("main-switch-copy", true, "copy main-executable switch-case tables into the cache")
	trampolineRecord := fs.Bool("trampoline-record", false, "log every scavenged fixed-trampoline slot")

	// caller-saved-destroy / jmpin-reg-destroy / jmpin-mem-destroy are
	// named by spec 6 as CLI-visible optimisation toggles from the
	// original design. The instruction templater doesn't currently
	// distinguish these cases (an indirect jump's push site is fully
	// determined by the disassembler-provided Encode bytes regardless
	// of register vs. memory operand), so there is nothing to gate yet;
	// the flags are accepted and parsed for CLI compatibility only.
	_ = fs.Bool("caller-saved-destroy", true, "allow the templater to destroy caller-saved registers when dispatching indirect calls")
	_ = fs.Bool("jmpin-reg-destroy", true, "allow destroying the source register in place for register-operand indirect jumps")
	_ = fs.Bool("jmpin-mem-destroy", false, "allow destroying memory-indexed operands in place for indirect jumps")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c := &Config{
		PID:     *pid,
		DBDir:   *dbDir,
		ShmDir:  *shmDir,
		Verbose: *verbose,
		SSType:  parseSSType(*ssType),
		Layout: layout.Options{
			UnitLevelRandomization: *unitLevel,
			RBBURange:              *rbbuRange,
			RBBUPadding:            *rbbuPadding,
			MainSwitchCaseCopy:     *mainSwitchCopy,
			TrampolineRecord:       *trampolineRecord,
		},
		LibNames: fs.Args(),
	}
	return c, nil
}

func parseSSType(s string) rbbl.ShadowStackType {
	switch s {
	case "seg":
		return rbbl.SSSeg
	case "seg-pp":
		return rbbl.SSSegPP
	default:
		return rbbl.SSOffset
	}
}
