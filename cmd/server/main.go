package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"viewonly-guard/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to the view-only guard config file (overrides workspace config)")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	dryRun := flag.Bool("dry-run", false, "Guard an in-process document instead of a browser tab")
	noWorkspace := flag.Bool("no-workspace", false, "Skip .viewonly/ workspace discovery")
	workspaceDir := flag.String("workspace-dir", "", "Use this directory as workspace root")
	initWorkspace := flag.Bool("init-workspace", false, "Create a .viewonly/ workspace in the current directory and exit")
	flag.Parse()

	if *initWorkspace {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		if err := config.InitWorkspace(cwd); err != nil {
			log.Fatalf("failed to init workspace: %v", err)
		}
		log.Printf("created %s in %s", config.WorkspaceDirName, cwd)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}
	if *dryRun {
		cfg.Browser.DryRun = true
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}
	if wsDir != "" {
		log.Printf("using workspace %s", wsDir)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize view-only guard: %v", err)
	}
	defer a.close()

	if err := a.serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("server exited with error: %v", err)
		a.close()
		os.Exit(1)
	}
}
