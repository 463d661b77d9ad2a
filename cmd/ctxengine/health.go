package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the vector database and the embedding provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, logger, err := flags.openEngine()
			if err != nil {
				return err
			}
			defer closeEngine(eng, logger)

			ctx := cmd.Context()
			eng.Start(ctx)
			report := eng.Health(ctx, true)

			out := cmd.OutOrStdout()
			cfg := eng.Config()
			vs := report.VectorStore
			fmt.Fprintf(out, "Vector store (%s): %s", cfg.VectorStore.Backend, okString(vs.IsHealthy))
			if vs.IsHealthy {
				fmt.Fprintf(out, " in %s", vs.ResponseTime)
			} else if vs.LastError != "" {
				fmt.Fprintf(out, ": %s", vs.LastError)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Pool:    %d total, %d idle, %d active\n", report.Pool.Total, report.Pool.Idle, report.Pool.Active)

			emb := report.Embedder
			fmt.Fprintf(out, "Embedder (%s/%s): %s", eng.Embedder.Provider(), eng.Embedder.Model(), okString(emb.Success))
			if emb.Success {
				fmt.Fprintf(out, " in %s, dimension %d", emb.Latency, emb.Dimension)
			} else {
				fmt.Fprintf(out, ": %s", emb.Error)
			}
			fmt.Fprintln(out)

			if !vs.IsHealthy || !emb.Success {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
}

func okString(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAILED"
}
