// hfp-chat - proxy and conversation engine for the HealthFirstPriority
// medical assistant.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jeranaias/hfp-chat/internal/chat"
	"github.com/jeranaias/hfp-chat/internal/cli"
	"github.com/jeranaias/hfp-chat/internal/config"
	"github.com/jeranaias/hfp-chat/internal/nodes"
	"github.com/jeranaias/hfp-chat/internal/server"
	"github.com/jeranaias/hfp-chat/internal/store"
)

// Version information (set at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// shutdownTimeout bounds graceful shutdown of in-flight streams.
const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "path to config.toml (default ~/.hfp-chat/config.toml)")
		chatMode    = flag.Bool("chat", false, "run the interactive terminal chat instead of serving only")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("hfp-chat %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *chatMode); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, chatMode bool) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
		if p, perr := config.ConfigPath(); perr == nil {
			configPath = p
		}
	}
	if err != nil {
		return err
	}

	if chatMode {
		return runChat(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(cfg)

	// The registry consumes the proxy's own /nodes route, the same
	// boundary the front-end uses, so the fleet view is identical on
	// both sides.
	registry := nodes.New(
		fmt.Sprintf("http://%s/nodes", cfg.Server.Addr()),
		nodes.Options{
			DenyList:     cfg.Nodes.DenyNodes,
			PollInterval: cfg.Nodes.PollInterval(),
		},
	)
	go registry.Poll(ctx)

	// Config edits apply without a restart for everything but the
	// listen address.
	if configPath != "" {
		watcher, werr := config.NewWatcher(configPath, srv.UpdateConfig)
		if werr != nil {
			log.Printf("MAIN | config watch unavailable: %v", werr)
		} else {
			watcher.Start(ctx)
			defer watcher.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Printf("MAIN | hfp-chat %s started addr=%s", Version, cfg.Server.Addr())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runChat embeds the proxy and drives the interactive terminal chat
// against it, exercising the same boundary the web front-end uses.
func runChat(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.NewServer(cfg)
	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("MAIN | embedded proxy failed: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), shutdownTimeout)
		defer c()
		srv.Shutdown(shutdownCtx)
	}()

	base := fmt.Sprintf("http://%s", cfg.Server.Addr())

	registry := nodes.New(base+"/nodes", nodes.Options{
		DenyList:     cfg.Nodes.DenyNodes,
		PollInterval: cfg.Nodes.PollInterval(),
	})
	go registry.Poll(ctx)

	storagePath, err := cfg.StoragePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(storagePath), 0700); err != nil {
		return err
	}

	var persister store.Persister
	if cfg.Storage.Backend == "sqlite" {
		sqlitePersister, perr := store.NewSQLitePersister(storagePath)
		if perr != nil {
			return perr
		}
		defer sqlitePersister.Close()
		persister = sqlitePersister
	} else {
		persister = store.NewFilePersister(storagePath)
	}

	st, err := store.New(persister)
	if err != nil {
		return err
	}

	controller := chat.New(st, registry, chat.NewClient(base), chat.Options{
		RegenerationCap: cfg.Chat.RegenerationCap,
		IdleTimeout:     cfg.Chat.IdleTimeout(),
		OnDelta:         func(delta string) { fmt.Print(delta) },
	})

	return cli.NewREPL(st, registry, controller).Run(ctx)
}
