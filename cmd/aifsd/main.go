// Command aifsd is the AIFS server entrypoint: it wires engineconfig into
// an engine.Engine and serves the RPC surface over TCP. Flag parsing and
// process bootstrap are the only front-end concerns this binary owns;
// everything else lives in engine/assetmgr/rpcwire (spec.md §1 Non-goals
// exclude CLI/server-bootstrap tooling from the core surface, not the
// RPC surface itself). Grounded on the teacher's cmd/rubin-node/main.go
// run(args, stdout, stderr) int shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"aifs.dev/engine/engine"
	"aifs.dev/engine/engineconfig"
	"aifs.dev/engine/rpcwire"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := engineconfig.Default()
	cfg := defaults

	fs := flag.NewFlagSet("aifsd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.StorageDir, "storage-dir", defaults.StorageDir, "data directory for chunks and metadata")
	fs.StringVar(&cfg.Host, "host", defaults.Host, "bind host")
	fs.IntVar(&cfg.Port, "port", defaults.Port, "bind port")
	fs.IntVar(&cfg.MaxWorkers, "max-workers", defaults.MaxWorkers, "max concurrent RPC workers")
	fs.IntVar(&cfg.CompressionLevel, "compression-level", defaults.CompressionLevel, "default zstd compression level (1..=22)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "log level: debug|info|warn|error")
	mode := fs.String("mode", string(defaults.Mode), "engine mode: production|development")
	dryRun := fs.Bool("dry-run", false, "validate config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg.Mode = engineconfig.Mode(*mode)

	if err := engineconfig.Validate(cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if *dryRun {
		_, _ = fmt.Fprintf(stdout, "config: storage_dir=%s host=%s port=%d mode=%s\n", cfg.StorageDir, cfg.Host, cfg.Port, cfg.Mode)
		return 0
	}

	eng, err := engine.Open(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "engine open failed: %v\n", err)
		return 2
	}
	defer eng.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return 2
	}
	defer ln.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintf(stdout, "aifsd listening on %s (storage_dir=%s mode=%s)\n", ln.Addr(), cfg.StorageDir, cfg.Mode)
	srv := rpcwire.NewServer(eng)
	if err := srv.Serve(ctx, ln); err != nil {
		_, _ = fmt.Fprintf(stderr, "serve exited: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "aifsd stopped")
	return 0
}
