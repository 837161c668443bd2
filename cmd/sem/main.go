package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"sem/internal/cli"
)

// main cancels the running command on SIGINT or SIGTERM; runners kill their
// simulations and results stored so far are kept.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
