package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/xyproto/cvm/internal/config"
	"github.com/xyproto/cvm/internal/engine"
	"github.com/xyproto/cvm/internal/rbbl"
)

// cmdRun attaches the engine to a running process and keeps its
// modules' cache halves regenerated until interrupted. Each module is
// named positionally as "name:origBase:origSize:cacheSize" (addresses
// accepted in hex with a 0x prefix or decimal), since discovering a
// module's original load location from /proc/<pid>/maps alone
// conflates it with the cache mappings procmap already classifies
// separately — an operator or supervisor process is expected to
// supply these explicitly.
func cmdRun(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}
	if cfg.PID == 0 {
		return fmt.Errorf("run: -pid is required")
	}
	if len(cfg.LibNames) == 0 {
		return fmt.Errorf("run: at least one module must be named")
	}

	e := engine.New(cfg)

	for _, spec := range cfg.LibNames {
		name, origBase, origSize, cacheSize, err := parseModuleSpec(spec)
		if err != nil {
			return err
		}

		dbPath := rbbl.SuffixedPath(filepath.Join(cfg.DBDir, name), cfg.SSType)
		f, oerr := os.Open(dbPath)
		if oerr != nil {
			return fmt.Errorf("run: open database %s: %w", dbPath, oerr)
		}
		store, rerr := rbbl.ReadDB(f)
		f.Close()
		if rerr != nil {
			return fmt.Errorf("run: %v", rerr)
		}
		store.BuildUnits()

		if _, derr := e.HandleDlopen(name, origBase, origSize, cacheSize, store, 1); derr != nil {
			return fmt.Errorf("run: %v", derr)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		if rerr := e.Run(1); rerr != nil {
			fmt.Fprintf(os.Stderr, "cvm: producer loop: %v\n", rerr)
		}
		close(done)
	}()

	<-sigCh
	e.Stop()
	<-done
	return nil
}

func parseModuleSpec(spec string) (name string, origBase, origSize uint64, cacheSize int, err error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 4 {
		err = fmt.Errorf("malformed module spec %q, want name:origBase:origSize:cacheSize", spec)
		return
	}
	name = parts[0]
	if origBase, err = strconv.ParseUint(parts[1], 0, 64); err != nil {
		return
	}
	if origSize, err = strconv.ParseUint(parts[2], 0, 64); err != nil {
		return
	}
	var cs uint64
	if cs, err = strconv.ParseUint(parts[3], 0, 64); err != nil {
		return
	}
	cacheSize = int(cs)
	return
}

// cmdDumpDB reads a module database file and prints its segment
// counts, a quick sanity check on a generated .oss/.sss/.pss file.
func cmdDumpDB(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("dump-db: expected exactly one file argument")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	store, rerr := rbbl.ReadDB(f)
	if rerr != nil {
		return rerr
	}

	fmt.Printf("fixed: %d\n", len(store.Fixed))
	fmt.Printf("movable: %d\n", len(store.Movable))
	fmt.Printf("switch_case_jmpin: %d\n", len(store.SwitchCaseJmpin))
	fmt.Printf("main_jump_table: %d\n", len(store.MainJumpTables))
	return nil
}
