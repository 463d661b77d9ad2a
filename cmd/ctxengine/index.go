package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/ctxengine/pkg/types"
)

func newIndexCmd(flags *globalFlags) *cobra.Command {
	var (
		full     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index the workspace and wait for the session to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("progress interval must be positive, got %s", interval)
			}
			eng, logger, err := flags.openEngine()
			if err != nil {
				return err
			}
			defer closeEngine(eng, logger)

			ctx := cmd.Context()
			eng.Start(ctx)

			start := eng.Indexer.StartIndexing
			if full {
				start = eng.Indexer.TriggerFullReindex
			}
			id, err := start(ctx)
			if err != nil {
				return err
			}
			logger.Info("indexing started", "session", id, "workspace", eng.Chunker.Root(), "full", full)

			// The first interrupt cancels the session; work done so far is kept
			sig, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			done := make(chan error, 1)
			go func() { done <- eng.Indexer.Wait(context.WithoutCancel(ctx)) }()

		wait:
			for {
				select {
				case err := <-done:
					if err != nil {
						return err
					}
					break wait
				case <-ticker.C:
					p := eng.Indexer.GetIndexState().Progress()
					logger.Info("indexing progress",
						"percent", fmt.Sprintf("%.1f", p.PercentComplete),
						"files", p.FilesProcessed,
						"total", p.TotalFiles,
						"chunks", p.ChunksIndexed,
						"errors", p.ErrorsEncountered)
				case <-sig.Done():
					logger.Warn("interrupted, cancelling indexing")
					if err := eng.Indexer.CancelIndexing(); err != nil {
						logger.Debug("cancel", "error", err)
					}
					stop()
					sig = context.Background()
				}
			}

			st := eng.Indexer.GetIndexState()
			printState(cmd, st)
			if st.State == types.StateError {
				return fmt.Errorf("indexing failed: %s", st.FatalError)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "drop the collection and rebuild it from scratch")
	cmd.Flags().DurationVar(&interval, "progress-interval", 5*time.Second, "how often to log progress")
	return cmd
}

func printState(cmd *cobra.Command, st types.IndexState) {
	out := cmd.OutOrStdout()
	p := st.Progress()

	status := string(st.State)
	if st.Cancelled {
		status += " (cancelled)"
	}
	fmt.Fprintf(out, "Session %s: %s in %s\n", st.SessionID, status, p.TimeElapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "  Files:   %d total, %d processed, %d failed\n", st.FilesTotal, st.FilesProcessed, st.FilesFailed)
	fmt.Fprintf(out, "  Chunks:  %d produced, %d indexed\n", st.ChunksProduced, st.ChunksIndexed)
	if st.FatalError != "" {
		fmt.Fprintf(out, "  Error:   %s\n", st.FatalError)
	}

	const maxShown = 10
	for i, e := range st.Errors {
		if i == maxShown {
			fmt.Fprintf(out, "  ... %d more errors\n", len(st.Errors)-maxShown)
			break
		}
		fmt.Fprintf(out, "  - %s [%s]: %s\n", e.Path, e.Kind, e.Message)
	}
}
