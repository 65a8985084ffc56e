// Package cli implements the deskrelay command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage(os.Stdout)
		return 2
	}

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:])
	case "connection", "connections":
		return runConnectionAdmin(ctx, args[1:], os.Stdout, os.Stderr)
	case "operator-token":
		return runOperatorToken(args[1:], os.Stdout, os.Stderr)
	case "version", "--version", "-v":
		printVersion(os.Stdout)
		return 0
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		printUsage(os.Stderr)
		return 2
	}
}
