// Malice world server - hosts the object substrate and its tooling surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/TSavo/Malice-sub002/manifest"
	"github.com/TSavo/Malice-sub002/script"
	"github.com/TSavo/Malice-sub002/server"
	"github.com/TSavo/Malice-sub002/store"
	"github.com/TSavo/Malice-sub002/world"
)

func main() {
	configDir := flag.String("config", ".", "Directory to search for malice.toml (walks up)")
	dbPath := flag.String("db", "", "Object store path (overrides malice.toml)")
	listen := flag.String("listen", "", "Tooling server address (overrides malice.toml)")
	verbose := flag.Bool("v", false, "Verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: maliced [options]\n\n")
		fmt.Fprintf(os.Stderr, "Hosts the Malice object substrate: the durable object store, the\n")
		fmt.Fprintf(os.Stderr, "in-process cache, the change-coherency monitor, and the tooling server.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  maliced                     # Use ./malice.toml (or defaults)\n")
		fmt.Fprintf(os.Stderr, "  maliced -db world.db -listen :4666\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
	log := commonlog.GetLogger("maliced")

	cfg, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = manifest.Default()
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
		cfg.Dir = ""
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening object store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := world.NewRegistry(st, script.NewEngine())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Materialize the sentinels up front so the registry mirror (and its
	// alias table) is live before any tooling request arrives.
	if _, err := reg.Load(ctx, world.RootID); err != nil {
		fmt.Fprintf(os.Stderr, "Error materializing registry object: %v\n", err)
		os.Exit(1)
	}
	if _, err := reg.Load(ctx, world.NothingID); err != nil {
		fmt.Fprintf(os.Stderr, "Error materializing nothing object: %v\n", err)
		os.Exit(1)
	}

	monitor := world.NewMonitor(reg)
	if err := monitor.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting change monitor: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(reg, server.WithCallTimeout(cfg.CallTimeout()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.Server.Listen)
	}()
	log.Infof("world %q up, store at %s", cfg.World.Name, cfg.StorePath())

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
	}
}
