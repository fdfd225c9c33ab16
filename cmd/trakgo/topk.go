package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/trakgo"
	"github.com/hupe1980/trakgo/export"
)

func newTopKCmd() *cobra.Command {
	var (
		scoresPath string
		dbPath     string
		run        string
		query      int
		k          int
	)
	cmd := &cobra.Command{
		Use:   "topk",
		Short: "Print the most influential training examples for a query",
		Long: `topk ranks training examples by score for one query column, reading
either a scores file written by run or a SQLite export.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				top []trakgo.Attribution
				err error
			)
			switch {
			case scoresPath != "" && dbPath != "":
				return errors.New("--scores and --db are mutually exclusive")
			case scoresPath != "":
				top, err = topKFromScores(scoresPath, query, k)
			case dbPath != "":
				top, err = topKFromDB(cmd, dbPath, run, query, k)
			default:
				return errors.New("one of --scores or --db is required")
			}
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RANK\tINDEX\tSCORE")
			for i, a := range top {
				fmt.Fprintf(tw, "%d\t%d\t%g\n", i+1, a.Index, a.Score)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&scoresPath, "scores", "", "Scores file written by run")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite export database")
	cmd.Flags().StringVar(&run, "run", "", "Run name in the export database")
	cmd.Flags().IntVarP(&query, "query", "q", 0, "Query column")
	cmd.Flags().IntVarP(&k, "k", "k", 10, "Number of examples")
	return cmd
}

func topKFromScores(path string, query, k int) ([]trakgo.Attribution, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var sm trakgo.ScoreMatrix
	if _, err := sm.ReadFrom(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sm.TopK(query, k)
}

func topKFromDB(cmd *cobra.Command, path, run string, query, k int) ([]trakgo.Attribution, error) {
	if run == "" {
		return nil, errors.New("--run is required with --db")
	}
	db, err := export.Open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	ex, err := export.New(cmd.Context(), db)
	if err != nil {
		return nil, err
	}
	return ex.TopK(cmd.Context(), run, query, k)
}
