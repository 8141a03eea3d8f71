package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"instructune/internal/cli"
)

func main() {
	// Ctrl+C / SIGTERM cancel training and drain the server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cli.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		stop()
		os.Exit(1)
	}
}
