// Package main is the entry point for the jstd-supervisor control server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sevir/jstd-supervisor/internal/config"
	"github.com/sevir/jstd-supervisor/internal/registry"
	"github.com/sevir/jstd-supervisor/internal/server"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		host        = flag.String("host", "", "Control server host (default: 127.0.0.1)")
		port        = flag.Int("port", 0, "Control server port (default: 9877)")
		storePath   = flag.String("store", "", "Path to server store file")
		logDir      = flag.String("log-dir", "", "Directory for server logs")
		classpath   = flag.String("classpath", "", "JsTestDriver classpath, entries separated by the OS list separator")
		javaHome    = flag.String("java-home", "", "Java installation used to launch servers")
		showVersion = flag.Bool("version", false, "Show version and exit")
		initConfig  = flag.Bool("init", false, "Initialize default config and exit")
		useStdio    = flag.Bool("stdio", false, "Use stdio transport instead of HTTP")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("jstd-supervisor %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override with flags
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *storePath != "" {
		cfg.Supervisor.StorePath = config.ExpandHome(*storePath)
	}
	if *logDir != "" {
		cfg.Supervisor.LogDir = config.ExpandHome(*logDir)
	}
	if *classpath != "" {
		var entries []string
		for _, entry := range filepath.SplitList(*classpath) {
			if entry = strings.TrimSpace(entry); entry != "" {
				entries = append(entries, config.ExpandHome(entry))
			}
		}
		cfg.Supervisor.Classpath = entries
	}
	if *javaHome != "" {
		cfg.Supervisor.JavaHome = config.ExpandHome(*javaHome)
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
		fmt.Println("Configuration initialized")
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if len(cfg.Supervisor.Classpath) == 0 {
		log.Printf("Warning: no classpath configured, servers will fail to start")
	}

	factory, err := cfg.CommandFactory()
	if err != nil {
		log.Fatalf("Invalid command line settings: %v", err)
	}

	reg, err := registry.New(registry.Config{
		StorePath:     cfg.Supervisor.StorePath,
		LogDir:        cfg.Supervisor.LogDir,
		Factory:       factory,
		Defaults:      cfg.Defaults,
		ShutdownGrace: time.Duration(cfg.Supervisor.ShutdownGrace),
	})
	if err != nil {
		log.Fatalf("Failed to create registry: %v", err)
	}

	srv := server.New(server.Config{
		Addr:     cfg.Address(),
		Registry: reg,
		Version:  version,
		Commit:   commit,
		UseStdio: *useStdio,
	})

	// Handle shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		log.Println("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if *useStdio {
		log.Printf("jstd-supervisor %s starting in stdio mode", version)
	} else {
		log.Printf("jstd-supervisor %s starting", version)
		log.Printf("MCP endpoint: http://%s/mcp", cfg.Address())
		log.Printf("SSE endpoint: http://%s/mcp/sse", cfg.Address())
		log.Printf("REST API:     http://%s/api", cfg.Address())
		log.Printf("Health check: http://%s/health", cfg.Address())
	}

	serveErr := srv.Start()
	select {
	case <-ctx.Done():
		<-done
	default:
		// stdin closed or listener failed; stop the signal goroutine.
		cancel()
	}

	// Every supervised server is stopped before exiting.
	if err := reg.Close(); err != nil {
		log.Printf("Registry shutdown error: %v", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", serveErr)
	}
}
