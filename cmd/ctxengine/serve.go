package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/ctxengine/internal/mcp"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var indexOnStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, logger, err := flags.openEngine()
			if err != nil {
				return err
			}
			defer closeEngine(eng, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng.Start(ctx)
			if indexOnStart {
				id, err := eng.Indexer.StartIndexing(ctx)
				if err != nil {
					return err
				}
				logger.Info("initial indexing started", "session", id)
			}

			mcp.ServerVersion = version
			err = mcp.NewServer(eng, logger).Serve(ctx, os.Stdin, os.Stdout)
			if errors.Is(err, context.Canceled) {
				logger.Info("received shutdown signal")
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&indexOnStart, "index-on-start", false, "start an indexing session as soon as the server is up")
	return cmd
}
