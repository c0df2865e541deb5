// Package main starts the realtime session coordinator and handles
// termination.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	realtimecmd "github.com/ralph0830/trpg/internal/cmd/realtime"
	"github.com/ralph0830/trpg/internal/platform/config"
)

func main() {
	cfg, err := realtimecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := realtimecmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
