// Command cvm attaches the code-variant engine to a running process:
// it loads each module's prebuilt RBBL database, maps its
// shared-memory code cache, and keeps the producer loop regenerating
// the spare cache half for as long as the process runs.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cvm: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return cmdRun(rest)
	case "dump-db":
		return cmdDumpDB(rest)
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage:
  cvm run -pid PID -db-dir DIR [module ...]   attach the engine to a process
  cvm dump-db FILE                             print a module database's segment counts`)
}
