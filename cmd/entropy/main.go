// entropy runs self-healing engines: scheduled audits publish their
// findings on a message bus and repair reactors consume them.
//
// Usage:
//
//	entropy [--engines PATH] <command> [flags]
//
// See `entropy help` for the command list.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if err == nil {
		return
	}
	if !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
