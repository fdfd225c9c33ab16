package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hupe1980/trakgo"
	"github.com/hupe1980/trakgo/archive"
	"github.com/hupe1980/trakgo/export"
	"github.com/hupe1980/trakgo/internal/fs"
	"github.com/hupe1980/trakgo/model"
	"github.com/hupe1980/trakgo/observability"
)

func newRunCmd() *cobra.Command {
	var (
		cfgPath     string
		restore     bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Featurize, finalize and score every checkpoint of a run file",
		Long: `run executes a full attribution run. Work already persisted in save_dir
is resumed: finalized checkpoints are not featurized again.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return runAttribution(cmd, cfg, restore, metricsAddr)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "trakgo.yaml", "Run file")
	cmd.Flags().BoolVar(&restore, "restore", false, "Restore save_dir from the archive before running")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func runAttribution(cmd *cobra.Command, cfg *Config, restore bool, metricsAddr string) error {
	ctx := cmd.Context()
	level, err := cfg.logLevel()
	if err != nil {
		return err
	}
	logger := newLogger(cmd, level)

	m, err := cfg.Model.Build()
	if err != nil {
		return err
	}
	train, err := LoadCSV(cfg.Train, m.InputDim())
	if err != nil {
		return err
	}
	queries, err := LoadCSV(cfg.Queries, m.InputDim())
	if err != nil {
		return err
	}
	ckpts := make([]model.Checkpoint, len(cfg.Checkpoints))
	for i, p := range cfg.Checkpoints {
		if ckpts[i], err = model.LoadCheckpoint(p); err != nil {
			return fmt.Errorf("checkpoint %s: %w", p, err)
		}
	}
	if len(ckpts) == 0 {
		return errors.New("no checkpoints configured")
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	opts = append(opts, trakgo.WithLogger(logger))

	if cfg.Archive != nil {
		arch, err := openArchive(ctx, cfg.Archive, logger)
		if err != nil {
			return err
		}
		if restore {
			snap, err := arch.Restore(ctx, cfg.SaveDir)
			switch {
			case errors.Is(err, archive.ErrNoSnapshot):
				logger.InfoContext(ctx, "nothing to restore", "url", cfg.Archive.URL)
			case err != nil:
				return err
			default:
				logger.InfoContext(ctx, "restored", "seq", snap.Seq, "files", len(snap.Files))
			}
		}
		opts = append(opts, trakgo.WithArchive(arch))
	} else if restore {
		return errors.New("--restore requires an archive section")
	}

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		mc, err := observability.NewPrometheusCollector(appName, reg)
		if err != nil {
			return err
		}
		shutdown, err := serveMetrics(metricsAddr, reg)
		if err != nil {
			return err
		}
		defer shutdown()
		opts = append(opts, trakgo.WithMetricsCollector(mc))
	}

	e, err := trakgo.Open(ctx, cfg.SaveDir, m, train.Len(), opts...)
	if err != nil {
		return err
	}
	defer e.Close()

	sm, err := attribute(ctx, e, cfg.BatchSize, ckpts, train, queries)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if _, err := sm.WriteTo(&buf); err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(fs.Default, cfg.Scores, buf.Bytes(), 0o644); err != nil {
		return err
	}

	if x := cfg.Export; x != nil {
		db, err := export.Open(x.DB)
		if err != nil {
			return err
		}
		defer db.Close()
		ex, err := export.New(ctx, db, export.WithLogger(logger.Logger))
		if err != nil {
			return err
		}
		if _, err := ex.Write(ctx, x.Run, sm, x.K); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "scored %d queries against %d training examples over %d checkpoints: %s\n",
		sm.Cols, sm.Rows, len(ckpts), cfg.Scores)
	return e.Close()
}

// attribute drives the engine through every checkpoint. Checkpoints that
// are already finalized skip featurization.
func attribute(ctx context.Context, e *trakgo.Engine, batchSize int, ckpts []model.Checkpoint, train, queries *Dataset) (*trakgo.ScoreMatrix, error) {
	for _, c := range ckpts {
		if err := e.LoadCheckpoint(ctx, c.Params, c.ID); err != nil {
			return nil, err
		}
		// Rows of an interrupted run are already on disk.
		idx, err := e.Unwritten(c.ID)
		if err != nil {
			return nil, err
		}
		if err := forBatches(train, idx, batchSize, func(b trakgo.Batch) error {
			return e.Featurize(ctx, b, nil, b.Len())
		}); err != nil {
			return nil, fmt.Errorf("featurize checkpoint %d: %w", c.ID, err)
		}
	}
	if err := e.FinalizeFeatures(ctx); err != nil {
		return nil, err
	}

	all := make([]int, queries.Len())
	for i := range all {
		all[i] = i
	}
	for _, c := range ckpts {
		if err := e.LoadCheckpoint(ctx, c.Params, c.ID); err != nil {
			return nil, err
		}
		if err := forBatches(queries, all, batchSize, func(b trakgo.Batch) error {
			return e.Score(ctx, b, nil, b.Len())
		}); err != nil {
			return nil, fmt.Errorf("score checkpoint %d: %w", c.ID, err)
		}
	}
	return e.FinalizeScores(ctx)
}

// forBatches calls fn with the examples of ds at idx, size at a time.
func forBatches(ds *Dataset, idx []int, size int, fn func(trakgo.Batch) error) error {
	for lo := 0; lo < len(idx); lo += size {
		part := idx[lo:min(lo+size, len(idx))]
		b := trakgo.Batch{
			Inputs:  make([][]float32, len(part)),
			Labels:  make([]float64, len(part)),
			Indices: part,
		}
		for k, i := range part {
			b.Inputs[k], b.Labels[k] = ds.Inputs[i], ds.Labels[i]
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
