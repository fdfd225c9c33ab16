package featurestore

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/hupe1980/trakgo/codec"
	"github.com/hupe1980/trakgo/internal/fs"
)

const (
	// ManifestFile is the run manifest at the root of a save directory.
	ManifestFile = "MANIFEST.json"
	// ManifestVersion is the current manifest format.
	ManifestVersion = 1
)

// Manifest records the run configuration and per-checkpoint progress of a
// save directory.
type Manifest struct {
	Version      int               `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ProjDim      int               `json:"proj_dim"`
	Seed         uint64            `json:"seed"`
	ProjType     string            `json:"proj_type"`
	GradDim      int               `json:"grad_dim"`
	TrainSetSize int               `json:"train_set_size"`
	Task         string            `json:"task"`
	Checkpoints  []CheckpointEntry `json:"checkpoints"`
}

// CheckpointEntry is the persisted view of one checkpoint.
type CheckpointEntry struct {
	ID          int     `json:"id"`
	State       string  `json:"state"`
	Fingerprint uint32  `json:"fingerprint"`
	Written     int     `json:"written"`
	Ridge       float64 `json:"ridge,omitempty"`
	Cond        float64 `json:"cond,omitempty"`
	// CondInfinite marks a Gram matrix with a non-positive smallest
	// eigenvalue. JSON has no encoding for +Inf, so Cond is left at 0.
	CondInfinite bool `json:"cond_infinite,omitempty"`
}

// SetCorrection records the ridge and unregularized condition number of a
// checkpoint's correction matrix.
func (e *CheckpointEntry) SetCorrection(ridge, cond float64) {
	e.Ridge = ridge
	e.Cond, e.CondInfinite = cond, false
	if math.IsInf(cond, 0) || math.IsNaN(cond) {
		e.Cond, e.CondInfinite = 0, true
	}
}

// Condition returns the recorded condition number, +Inf for a singular Gram
// matrix.
func (e CheckpointEntry) Condition() float64 {
	if e.CondInfinite {
		return math.Inf(1)
	}
	return e.Cond
}

// Checkpoint returns the entry for id.
func (m *Manifest) Checkpoint(id int) (CheckpointEntry, bool) {
	for _, c := range m.Checkpoints {
		if c.ID == id {
			return c, true
		}
	}
	return CheckpointEntry{}, false
}

// Upsert inserts or replaces the entry for e.ID, keeping entries sorted by id.
func (m *Manifest) Upsert(e CheckpointEntry) {
	for i := range m.Checkpoints {
		if m.Checkpoints[i].ID == e.ID {
			m.Checkpoints[i] = e
			return
		}
	}
	m.Checkpoints = append(m.Checkpoints, e)
	sort.Slice(m.Checkpoints, func(i, j int) bool { return m.Checkpoints[i].ID < m.Checkpoints[j].ID })
}

// LoadManifest reads the manifest in dir. The error matches os.ErrNotExist
// for a fresh directory.
func LoadManifest(fsys fs.FileSystem, dir string) (*Manifest, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	raw, err := fsys.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := codec.Default.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, ManifestFile, err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("%w: manifest version %d", ErrCorrupt, m.Version)
	}
	return &m, nil
}

// SaveManifest atomically replaces the manifest in dir.
func SaveManifest(fsys fs.FileSystem, dir string, m *Manifest) error {
	if fsys == nil {
		fsys = fs.Default
	}
	m.Version = ManifestVersion
	m.UpdatedAt = time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	raw, err := codec.Default.Marshal(m)
	if err != nil {
		return err
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("featurestore: mkdir %s: %w", dir, err)
	}
	if err := fs.WriteFileAtomic(fsys, filepath.Join(dir, ManifestFile), raw, 0o644); err != nil {
		return fmt.Errorf("featurestore: save manifest: %w", err)
	}
	return nil
}
