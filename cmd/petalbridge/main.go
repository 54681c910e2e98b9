package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/petal-labs/petalbridge/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

// run executes the command tree. Interrupts cancel the command context; each
// command stops its servers on the way out, including on panic.
func run() (code int) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "petalbridge: internal error: %v\n", r)
			code = 2
		}
	}()

	root := cli.NewRootCmd(version)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return 1
	}
	return 0
}
