// chatstream - streaming chat server and interactive terminal client.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/morganforge/chatstream/internal/cli"
	"github.com/morganforge/chatstream/internal/config"
	"github.com/morganforge/chatstream/internal/provider"
	"github.com/morganforge/chatstream/internal/server"
	"github.com/morganforge/chatstream/internal/store"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "chat":
		if err := runChat(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Printf("chatstream %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("chatstream - streaming chat server and terminal client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  chatstream serve [flags]    Run the chat server")
	fmt.Println("  chatstream chat [flags]     Start an interactive chat session")
	fmt.Println("  chatstream version          Show version information")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --config PATH     Config file (default ~/.chatstream/config.toml)")
	fmt.Println("  --port PORT       Server port (serve only)")
	fmt.Println("  --server URL      Server base URL (chat only)")
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	port := fs.Int("port", 0, "override server port")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	st, err := store.Open(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	catalog := provider.NewCatalog()
	catalog.SetModels(cfg.ModelInfos())

	providers := buildProviders(cfg, logger)

	srv := server.New(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		DrainTimeout: time.Duration(cfg.Server.DrainTimeoutSecs) * time.Second,
		Logger:       logger,
		Store:        st,
		Catalog:      catalog,
		Providers:    providers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Model catalog follows config edits without a restart.
	go func() {
		err := config.Watch(ctx, path, logger, func(c *config.Config) {
			catalog.SetModels(c.ModelInfos())
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("CONFIG_WATCH_UNAVAILABLE", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// =============================================================================
// CHAT
// =============================================================================

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	serverURL := fs.String("server", "", "server base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	// The REPL owns the terminal; log at warn and above only.
	logCfg := cfg.Log
	if logCfg.Level == "info" || logCfg.Level == "debug" {
		logCfg.Level = "warn"
	}
	logger, err := newLogger(logCfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	st, err := store.Open(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	catalog := provider.NewCatalog()
	catalog.SetModels(cfg.ModelInfos())

	baseURL := *serverURL
	if baseURL == "" {
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		baseURL = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}
	endpoint := cli.NewHTTPClient(baseURL)

	repl := cli.NewREPL(st, catalog, endpoint, logger)
	return repl.Run(context.Background())
}

// =============================================================================
// WIRING
// =============================================================================

// loadConfig resolves the config path and loads it, returning the resolved
// path so the caller can watch it for edits.
func loadConfig(explicit string) (*config.Config, string, error) {
	path := explicit
	if path == "" {
		var err error
		path, err = config.ConfigPath()
		if err != nil {
			return nil, "", fmt.Errorf("resolving config path: %w", err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func buildProviders(cfg *config.Config, logger *zap.Logger) map[string]provider.Provider {
	providers := make(map[string]provider.Provider)

	providers["openai"] = provider.NewOpenAIProvider(cfg.Providers.OpenAIKey, logger)

	if cfg.Providers.OpenRouterURL != "" {
		providers["openrouter"] = provider.NewOpenRouterProviderWithBaseURL(
			cfg.Providers.OpenRouterKey, cfg.Providers.OpenRouterURL, logger)
	} else {
		providers["openrouter"] = provider.NewOpenRouterProvider(cfg.Providers.OpenRouterKey, logger)
	}

	return providers
}
