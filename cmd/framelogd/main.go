package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	daemoncmd "github.com/framelog/framelog/internal/cmd/daemon"
)

func main() {
	cfg, err := daemoncmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[FRAMELOGD] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemoncmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
