package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/trakgo"
	"github.com/hupe1980/trakgo/archive"
	"github.com/hupe1980/trakgo/codec"
	"github.com/hupe1980/trakgo/model"
	"github.com/hupe1980/trakgo/projector"
	"github.com/hupe1980/trakgo/task"
)

// Config is a YAML run file.
type Config struct {
	SaveDir     string         `yaml:"save_dir"`
	Model       ModelConfig    `yaml:"model"`
	Task        string         `yaml:"task"`
	ProjDim     int            `yaml:"proj_dim"`
	ProjType    string         `yaml:"proj_type"`
	Seed        uint64         `yaml:"seed"`
	BatchSize   int            `yaml:"batch_size"`
	Workers     int            `yaml:"workers"`
	MemoryLimit int64          `yaml:"memory_limit_bytes"`
	Durability  string         `yaml:"durability"`
	LogLevel    string         `yaml:"log_level"`
	Train       string         `yaml:"train"`
	Queries     string         `yaml:"queries"`
	Checkpoints []string       `yaml:"checkpoints"`
	Scores      string         `yaml:"scores"`
	Archive     *ArchiveConfig `yaml:"archive,omitempty"`
	Export      *ExportConfig  `yaml:"export,omitempty"`
}

// ModelConfig selects a built-in model.
type ModelConfig struct {
	Type   string `yaml:"type"`
	In     int    `yaml:"in"`
	Hidden int    `yaml:"hidden"`
	Out    int    `yaml:"out"`
	Bias   bool   `yaml:"bias"`
}

// ArchiveConfig points at a blob store. URL is a local path, file://path,
// s3://bucket/prefix or minio://endpoint/bucket/prefix.
type ArchiveConfig struct {
	URL         string `yaml:"url"`
	Compression string `yaml:"compression"`
	RateLimit   int64  `yaml:"rate_limit_bytes"`
	Concurrency int    `yaml:"concurrency"`
	// Codec names the snapshot encoding: json or go-json.
	Codec string `yaml:"codec"`
	// DynamoDBTable commits CURRENT through DynamoDB for s3:// URLs.
	DynamoDBTable string `yaml:"dynamodb_table"`
	// Insecure disables TLS for minio:// URLs.
	Insecure bool `yaml:"insecure"`
}

// ExportConfig writes top-k attributions to SQLite.
type ExportConfig struct {
	DB  string `yaml:"db"`
	Run string `yaml:"run"`
	K   int    `yaml:"k"`
}

func defaultConfig() Config {
	return Config{
		SaveDir:    "trak_results",
		Task:       task.Classification,
		ProjDim:    trakgo.DefaultProjDim,
		ProjType:   projector.Rademacher.String(),
		BatchSize:  100,
		Durability: "sync",
		LogLevel:   "info",
		Scores:     "scores.bin",
		Model:      ModelConfig{Type: "linear", Bias: true},
	}
}

// LoadConfig reads a run file. Relative paths resolve against the file's
// directory.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for _, p := range []*string{&cfg.SaveDir, &cfg.Train, &cfg.Queries, &cfg.Scores} {
		*p = resolve(base, *p)
	}
	for i := range cfg.Checkpoints {
		cfg.Checkpoints[i] = resolve(base, cfg.Checkpoints[i])
	}
	if cfg.Export != nil {
		cfg.Export.DB = resolve(base, cfg.Export.DB)
		if cfg.Export.K == 0 {
			cfg.Export.K = 10
		}
		if cfg.Export.Run == "" {
			cfg.Export.Run = filepath.Base(cfg.SaveDir)
		}
	}
	if a := cfg.Archive; a != nil && !strings.Contains(a.URL, "://") {
		a.URL = resolve(base, a.URL)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks field ranges and names.
func (c *Config) Validate() error {
	var errs []error
	if c.SaveDir == "" {
		errs = append(errs, errors.New("save_dir is required"))
	}
	if c.ProjDim <= 0 {
		errs = append(errs, fmt.Errorf("proj_dim must be positive, got %d", c.ProjDim))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if _, err := projector.ParseType(c.ProjType); err != nil {
		errs = append(errs, err)
	}
	if _, err := task.Lookup(c.Task); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.durability(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.logLevel(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Model.Build(); err != nil {
		errs = append(errs, err)
	}
	if a := c.Archive; a != nil {
		if a.URL == "" {
			errs = append(errs, errors.New("archive.url is required"))
		}
		if a.Compression != "" {
			if _, err := archive.ParseCompression(a.Compression); err != nil {
				errs = append(errs, err)
			}
		}
		if a.Codec != "" {
			if _, ok := codec.ByName(a.Codec); !ok {
				errs = append(errs, fmt.Errorf("archive.codec: unknown codec %q", a.Codec))
			}
		}
	}
	if e := c.Export; e != nil {
		if e.DB == "" {
			errs = append(errs, errors.New("export.db is required"))
		}
		if e.K < 0 {
			errs = append(errs, fmt.Errorf("export.k must be positive, got %d", e.K))
		}
	}
	return errors.Join(errs...)
}

// Build returns the configured model.
func (m ModelConfig) Build() (model.Model, error) {
	if m.In <= 0 || m.Out <= 0 {
		return nil, fmt.Errorf("model: in and out must be positive, got %d and %d", m.In, m.Out)
	}
	switch strings.ToLower(m.Type) {
	case "linear":
		return model.NewLinear(m.In, m.Out, m.Bias), nil
	case "mlp":
		if m.Hidden <= 0 {
			return nil, fmt.Errorf("model: mlp hidden must be positive, got %d", m.Hidden)
		}
		return model.NewMLP(m.In, m.Hidden, m.Out), nil
	default:
		return nil, fmt.Errorf("model: unknown type %q", m.Type)
	}
}

func (c *Config) durability() (trakgo.Durability, error) {
	switch strings.ToLower(c.Durability) {
	case "sync":
		return trakgo.DurabilitySync, nil
	case "async":
		return trakgo.DurabilityAsync, nil
	default:
		return 0, fmt.Errorf("unknown durability %q", c.Durability)
	}
}

func (c *Config) logLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, err
	}
	return l, nil
}

// EngineOptions maps the run file onto engine options.
func (c *Config) EngineOptions() ([]trakgo.Option, error) {
	pt, err := projector.ParseType(c.ProjType)
	if err != nil {
		return nil, err
	}
	fn, err := task.Lookup(c.Task)
	if err != nil {
		return nil, err
	}
	d, err := c.durability()
	if err != nil {
		return nil, err
	}
	return []trakgo.Option{
		trakgo.WithProjDim(c.ProjDim),
		trakgo.WithProjectionType(pt),
		trakgo.WithSeed(c.Seed),
		trakgo.WithTask(fn),
		trakgo.WithWorkers(c.Workers),
		trakgo.WithDurability(d),
		trakgo.WithResourceLimits(trakgo.ResourceLimits{MemoryLimitBytes: c.MemoryLimit}),
	}, nil
}
