// Command juusregistry serves the name registry: nodes publish their public key
// under a name, and look up the keys of others.
//
//	$ juusregistry --data-dir /var/lib/juusregistry --listen 127.0.0.1:8081
//
// POST /set with {"name": "alice", "pubkey": [32 numbers]} publishes, GET /get
// with {"name": "alice"} returns the key. Metrics are at /metrics.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/juusnet/juus/cmd/juusregistry/registryapp"
)

func main() {
	cfg, err := registryapp.Parse(registryapp.WithOSArgs())
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	if cfg == nil { // help printed
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registryapp.Run(ctx, *cfg); err != nil {
		log.Fatalf("juusregistry: %v", err)
	}
}
