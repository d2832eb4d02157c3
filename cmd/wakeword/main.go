// Command wakeword detects wake words in audio files, live input and
// websocket streams.
//
// Usage:
//
//	wakeword [--config config.yaml] <command> [args]
//
// Commands:
//
//	serve    - Run the HTTP/websocket server with health probes and metrics
//	listen   - Listen on the configured audio source and print detections
//	detect   - Scan a WAV or raw PCM file and print every detection
//	catalog  - List, validate and search the model catalog
//	model    - Create model files and manifests
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "wakeword:", err)
		return 1
	}
	return 0
}
