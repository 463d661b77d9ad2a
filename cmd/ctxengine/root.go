package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/ctxengine/internal/config"
	"github.com/dshills/ctxengine/internal/engine"
)

const shutdownTimeout = 10 * time.Second

// globalFlags are the persistent flags shared by every command
type globalFlags struct {
	envFile   string
	logLevel  string
	workspace string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "ctxengine",
		Short:         "Index a workspace into a vector database and search it by similarity",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "env file to load (default .env in the working directory)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (default from CTXENGINE_LOG_LEVEL)")
	root.PersistentFlags().StringVarP(&flags.workspace, "workspace", "w", "", "workspace root to index (default from CTXENGINE_WORKSPACE)")

	root.AddCommand(
		newServeCmd(flags),
		newIndexCmd(flags),
		newSearchCmd(flags),
		newHealthCmd(flags),
		newEmbedCmd(flags),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration, applies flag overrides and builds the
// stderr logger. stdout stays free for command output and the MCP protocol.
func (f *globalFlags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return nil, nil, err
	}
	if f.workspace != "" {
		cfg.Workspace.Root = f.workspace
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openEngine loads the configuration and builds an engine. The caller
// must close it with closeEngine.
func (f *globalFlags) openEngine() (*engine.Engine, *slog.Logger, error) {
	cfg, logger, err := f.load()
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return eng, logger, nil
}

func closeEngine(eng *engine.Engine, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
