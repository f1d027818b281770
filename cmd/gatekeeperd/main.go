// Command gatekeeperd serves the marketplace security endpoints behind the
// gateway guards. Without -postgres-dsn and -redis-addr it runs entirely in
// memory, which is enough for local testing.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/canvasmarket/gatekeeper/internal/daemon"
)

func main() {
	opts, err := daemon.ParseOptions(flag.CommandLine, os.Args[1:], os.LookupEnv)
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[GATEKEEPERD] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, opts); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
