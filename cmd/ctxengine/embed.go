package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/ctxengine/internal/embedder"
)

// newEmbedCmd embeds a text with the configured provider, to check the
// provider end to end without indexing anything
func newEmbedCmd(flags *globalFlags) *cobra.Command {
	var show int

	cmd := &cobra.Command{
		Use:   "embed <text>",
		Short: "Embed a text with the configured provider and print the vector summary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, logger, err := flags.openEngine()
			if err != nil {
				return err
			}
			defer closeEngine(eng, logger)

			start := time.Now()
			emb, err := eng.Embedder.GenerateEmbedding(cmd.Context(), embedder.EmbeddingRequest{
				Text: strings.Join(args, " "),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Provider:  %s\n", emb.Provider)
			fmt.Fprintf(out, "Model:     %s\n", emb.Model)
			fmt.Fprintf(out, "Dimension: %d\n", len(emb.Vector))
			fmt.Fprintf(out, "Latency:   %s\n", time.Since(start).Round(time.Millisecond))

			n := min(show, len(emb.Vector))
			if n > 0 {
				parts := make([]string, n)
				for i, v := range emb.Vector[:n] {
					parts[i] = fmt.Sprintf("%.4f", v)
				}
				fmt.Fprintf(out, "Vector:    [%s", strings.Join(parts, ", "))
				if n < len(emb.Vector) {
					fmt.Fprint(out, ", ...")
				}
				fmt.Fprintln(out, "]")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&show, "show", 8, "number of vector components to print")
	return cmd
}
