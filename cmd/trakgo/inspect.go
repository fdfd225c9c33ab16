package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/trakgo"
	"github.com/hupe1980/trakgo/internal/featurestore"
	"github.com/hupe1980/trakgo/internal/fs"
	"github.com/hupe1980/trakgo/projector"
	"github.com/hupe1980/trakgo/task"
)

func newInspectCmd() *cobra.Command {
	var (
		cfgPath string
		remote  bool
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show per-checkpoint progress of a save directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := inspectRun(cmd, cfg); err != nil {
				return err
			}
			if remote {
				return inspectArchive(cmd, cfg)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "trakgo.yaml", "Run file")
	cmd.Flags().BoolVar(&remote, "archive", false, "Also list the archived snapshot")
	return cmd
}

// inspectRun opens the save directory with the configuration recorded in
// its manifest and prints the status table.
func inspectRun(cmd *cobra.Command, cfg *Config) error {
	man, err := featurestore.LoadManifest(fs.Default, cfg.SaveDir)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no run in %s", cfg.SaveDir)
	}
	if err != nil {
		return err
	}
	m, err := cfg.Model.Build()
	if err != nil {
		return err
	}
	pt, err := projector.ParseType(man.ProjType)
	if err != nil {
		return err
	}
	fn, err := task.Lookup(man.Task)
	if err != nil {
		return err
	}
	e, err := trakgo.Open(cmd.Context(), cfg.SaveDir, m, man.TrainSetSize,
		trakgo.WithProjDim(man.ProjDim),
		trakgo.WithSeed(man.Seed),
		trakgo.WithProjectionType(pt),
		trakgo.WithGradDim(man.GradDim),
		trakgo.WithTask(fn),
		trakgo.WithProjector(trakgo.ProjectorFused),
	)
	if err != nil {
		return err
	}
	defer e.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "save_dir: %s\nproj_dim: %d  proj_type: %s  seed: %d  task: %s  train_set_size: %d\n\n",
		cfg.SaveDir, man.ProjDim, man.ProjType, man.Seed, man.Task, man.TrainSetSize)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSTATE\tWRITTEN\tCORRECTION\tCOND\tRIDGE")
	for _, st := range e.Status() {
		fmt.Fprintf(tw, "%d\t%s\t%d/%d\t%t\t%.3g\t%.3g\n",
			st.ModelID, st.State, st.Written, st.TrainSetSize, st.HasCorrection, st.Cond, st.Ridge)
	}
	return tw.Flush()
}

func inspectArchive(cmd *cobra.Command, cfg *Config) error {
	if cfg.Archive == nil {
		return errors.New("--archive requires an archive section")
	}
	arch, err := openArchive(cmd.Context(), cfg.Archive, trakgo.NoopLogger())
	if err != nil {
		return err
	}
	snap, err := arch.Current(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nsnapshot %d (%s)\n", snap.Seq, snap.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSIZE\tCOMPRESSION\tBLOB")
	for _, f := range snap.Files {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", f.Path, f.Size, f.Compression, f.Blob)
	}
	return tw.Flush()
}
