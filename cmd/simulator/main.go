// Package main starts the load simulator that drives synthetic users
// against a running server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	simulatorcmd "github.com/nearwave/nearwave/internal/cmd/simulator"
)

func main() {
	cfg, err := simulatorcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[SIMULATOR] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := simulatorcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("simulator failed: %v", err)
	}
}
