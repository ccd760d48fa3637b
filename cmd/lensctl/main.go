// Package main runs the gateway client commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	lensctlcmd "github.com/tfkr-ae/lensgate/internal/cmd/lensctl"
)

func main() {
	cfg, err := lensctlcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[LENSCTL] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := lensctlcmd.Run(ctx, cfg, os.Stdout); err != nil {
		if errors.Is(err, lensctlcmd.ErrUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		log.Fatalf("%v", err)
	}
}
