package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/memoria-mcp/memoria/internal/config"
	"github.com/memoria-mcp/memoria/internal/embed"
	"github.com/memoria-mcp/memoria/internal/engine"
	"github.com/memoria-mcp/memoria/internal/mcp"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds the process's runtime components.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Engine *engine.Engine
	Server *mcp.Server
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mcp-memoria v%s (built %s)\n", version, buildTime)
		return 0
	}

	// stdout is reserved for the JSON-RPC stream; all logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	app, err := setup(*configPath, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 2
	}
	defer app.Engine.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandlers(ctx, cancel, logger)

	logger.Info("mcp-memoria ready", "version", version, "data_root", app.Config.DataRoot)
	if err := app.Server.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("transport error", "error", err)
		return 3
	}

	logger.Info("mcp-memoria stopped")
	return 0
}

// setup loads configuration, initializes the embedder and engine, and
// wires the MCP server.
func setup(configPath string, logger *slog.Logger) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	embedder, err := embed.New(embed.Options{
		ModelDir:   cfg.ModelPath,
		OrtLibPath: os.Getenv("MCP_MEMORY_ORT_LIB_PATH"),
		NumThreads: min(4, runtime.NumCPU()),
		Dim:        cfg.EmbedDim,
		CacheSize:  cfg.EmbedCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("load embedding model: %w", err)
	}

	eng, err := engine.New(cfg, embedder, logger)
	if err != nil {
		embedder.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getwd: %w", err)
	}

	server := mcp.NewServer(eng, wd, logger)

	return &App{Config: &cfg, Logger: logger, Engine: eng, Server: server}, nil
}
