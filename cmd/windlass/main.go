package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/windlass-io/windlass/internal/cli"

	// Providers register their factories on import.
	_ "github.com/windlass-io/windlass/providers/docker"
	_ "github.com/windlass-io/windlass/providers/null"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
