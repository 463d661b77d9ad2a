package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/ctxengine/pkg/types"
)

func newSearchCmd(flags *globalFlags) *cobra.Command {
	var (
		req    types.QueryRequest
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed workspace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, logger, err := flags.openEngine()
			if err != nil {
				return err
			}
			defer closeEngine(eng, logger)

			ctx := cmd.Context()
			eng.Start(ctx)

			req.Text = strings.Join(args, " ")
			resp, err := eng.Searcher.Search(ctx, req)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			printResults(cmd, req.Text, resp)
			return nil
		},
	}
	cmd.Flags().IntVarP(&req.MaxResults, "max-results", "n", 0, "maximum number of files (default from configuration)")
	cmd.Flags().Float64Var(&req.MinSimilarity, "min-similarity", 0, "minimum similarity score (default from configuration)")
	cmd.Flags().StringSliceVarP(&req.FileTypeFilter, "type", "t", nil, "restrict to languages, e.g. go,python")
	cmd.Flags().BoolVar(&req.IncludeContent, "content", false, "print the full content of each result file")
	cmd.Flags().BoolVar(&req.IncludeRelated, "related", false, "also list related files")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the response as JSON")
	return cmd
}

func printResults(cmd *cobra.Command, query string, resp *types.QueryResponse) {
	out := cmd.OutOrStdout()
	if len(resp.Results) == 0 {
		fmt.Fprintf(out, "No results found for query: %q\n", query)
		return
	}

	fmt.Fprintf(out, "%d results for %q (%d hits, %dms)\n\n", len(resp.Results), query, resp.TotalHits, resp.DurationMs)
	for _, r := range resp.Results {
		fmt.Fprintf(out, "%2d. %s:%d-%d  score=%.3f  %s\n", r.Rank, r.FilePath, r.StartLine, r.EndLine, r.Score, r.Language)
		if r.Content != "" {
			fmt.Fprintf(out, "\n%s\n", r.Content)
		}
	}

	if len(resp.Related) > 0 {
		fmt.Fprintln(out, "\nRelated:")
		for _, r := range resp.Related {
			fmt.Fprintf(out, "    %s  score=%.3f\n", r.FilePath, r.Score)
		}
	}
}
