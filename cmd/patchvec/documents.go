package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rodrigopitanga/patchvec/internal/service"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var (
		docid     string
		metaJSON  string
		hasHeader bool
		metaCols  string
	)
	cmd := &cobra.Command{
		Use:   "ingest <tenant> <collection> <file>",
		Short: "Ingest a document (txt, pdf, or csv)",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			req := service.IngestRequest{
				Data:         data,
				Filename:     filepath.Base(args[2]),
				DocID:        docid,
				CSVHasHeader: hasHeader,
			}
			if metaJSON != "" {
				if err := json.Unmarshal([]byte(metaJSON), &req.Metadata); err != nil {
					return usagef("--metadata must be a JSON object: %v", err)
				}
			}
			if metaCols != "" {
				req.CSVMetaCols = strings.Split(metaCols, ",")
			}

			eng, _, _, err := opts.buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.IngestDocument(cmd.Context(), args[0], args[1], req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %s: %d chunks (version %d, %.2f ms)\n",
				res.DocID, res.Chunks, res.Version, res.LatencyMS)
			return nil
		},
	}
	cmd.Flags().StringVar(&docid, "docid", "", "document id (default: derived from filename)")
	cmd.Flags().StringVar(&metaJSON, "metadata", "", "document metadata as a JSON object")
	cmd.Flags().BoolVar(&hasHeader, "csv-header", false, "treat the first CSV row as a header")
	cmd.Flags().StringVar(&metaCols, "csv-meta-cols", "", "comma-separated CSV columns projected into metadata")
	return cmd
}

func newRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <tenant> <collection> <docid>",
		Short: "Delete a document and its chunks",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := opts.buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			res, err := eng.DeleteDocument(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d chunks\n", res.ChunksDeleted)
			return nil
		},
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		k           int
		filtersJSON string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "search <tenant> <collection> <query>",
		Short: "Search a collection",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.SearchRequest{Query: args[2], K: k}
			if filtersJSON != "" {
				if err := json.Unmarshal([]byte(filtersJSON), &req.Filters); err != nil {
					return usagef("--filters must be a JSON object: %v", err)
				}
			}

			eng, _, _, err := opts.buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Search(cmd.Context(), args[0], args[1], req)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			for _, m := range res.Matches {
				text := m.Text
				if len(text) > 120 {
					text = text[:120] + "..."
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %.4f  %s\n", m.ID, m.Score, strings.ReplaceAll(text, "\n", " "))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d match(es) in %.2f ms\n", len(res.Matches), res.LatencyMS)
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 10, "number of results")
	cmd.Flags().StringVar(&filtersJSON, "filters", "", "metadata filters as a JSON object")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the raw JSON response")
	return cmd
}
