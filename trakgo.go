package trakgo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/hupe1980/trakgo/internal/correction"
	"github.com/hupe1980/trakgo/internal/featurestore"
	"github.com/hupe1980/trakgo/internal/gradient"
	"github.com/hupe1980/trakgo/internal/resource"
	"github.com/hupe1980/trakgo/internal/scorer"
	"github.com/hupe1980/trakgo/model"
	"github.com/hupe1980/trakgo/projector"
)

// Archiver receives finalized artifacts. See the archive package.
type Archiver interface {
	// ArchiveCheckpoint is called after a checkpoint's correction matrix is
	// persisted. dir holds the checkpoint's feature store.
	ArchiveCheckpoint(ctx context.Context, modelID int, dir string) error
	// ArchiveScores is called with the final score matrix.
	ArchiveScores(ctx context.Context, scores io.WriterTo) error
}

// Engine drives featurization, finalization and scoring of checkpoints
// against one training set stored under a save directory.
type Engine struct {
	mu sync.Mutex

	dir          string
	model        model.Model
	trainSetSize int
	opts         options

	rc      *resource.Controller
	proj    projector.Projector
	grads   *gradient.Extractor
	scorer  *scorer.Scorer
	logger  *Logger
	metrics MetricsCollector

	manifest *featurestore.Manifest
	ckpts    map[int]*checkpoint
	active   *checkpoint
	closed   bool
}

type checkpoint struct {
	id          int
	params      []float32
	fingerprint uint32
	state       State
	store       *featurestore.Store
	corr        *correction.Matrix
	scores      *scoreBuffer
	nextColumn  int
	inflight    int
}

// Open creates or resumes an engine rooted at dir for a training set of
// trainSetSize examples. Reopening an existing directory requires the same
// projection configuration, training set size and task.
func Open(ctx context.Context, dir string, m model.Model, trainSetSize int, optFns ...Option) (*Engine, error) {
	o := applyOptions(optFns)
	if m == nil {
		return nil, fmt.Errorf("%w: nil model", ErrInvalidArgument)
	}
	if trainSetSize <= 0 {
		return nil, fmt.Errorf("%w: train_set_size must be positive, got %d", ErrInvalidArgument, trainSetSize)
	}
	if o.projDim <= 0 {
		return nil, fmt.Errorf("%w: proj_dim must be positive, got %d", ErrInvalidArgument, o.projDim)
	}
	if o.gradDim <= 0 {
		o.gradDim = m.NumParams()
	}

	// Every fan-out of every concurrent call draws from the same worker slots.
	rc := resource.NewController(resource.Config{
		MemoryLimitBytes: o.limits.MemoryLimitBytes,
		MaxWorkers:       o.workers,
	})
	e := &Engine{
		dir:          dir,
		model:        m,
		trainSetSize: trainSetSize,
		opts:         o,
		rc:           rc,
		grads:        gradient.New(m, o.task, rc),
		scorer:       scorer.New(rc, 0),
		logger:       o.logger.WithProjDim(o.projDim),
		metrics:      o.metrics,
		ckpts:        make(map[int]*checkpoint),
	}

	if err := e.loadManifest(ctx); err != nil {
		e.closeStores()
		return nil, err
	}

	fused := o.projectorKind == ProjectorFused ||
		(o.projectorKind == ProjectorAuto && projector.DenseBytes(o.projDim, o.gradDim) > autoDenseLimit)
	proj, err := projector.New(projector.Config{
		ProjDim: o.projDim,
		GradDim: o.gradDim,
		Seed:    o.seed,
		Type:    o.projType,
		Workers: rc.Workers(),
		Memory:  rc,
		Pool:    rc,
	}, fused)
	if err != nil {
		e.closeStores()
		return nil, translateError(err)
	}
	e.proj = proj
	return e, nil
}

func (e *Engine) loadManifest(ctx context.Context) error {
	o := &e.opts
	m, err := featurestore.LoadManifest(o.fsys, e.dir)
	if errors.Is(err, os.ErrNotExist) {
		e.manifest = &featurestore.Manifest{
			ProjDim:      o.projDim,
			Seed:         o.seed,
			ProjType:     o.projType.String(),
			GradDim:      o.gradDim,
			TrainSetSize: e.trainSetSize,
			Task:         o.task.Name(),
		}
		return translateError(featurestore.SaveManifest(o.fsys, e.dir, e.manifest))
	}
	if err != nil {
		return translateError(err)
	}

	checks := []struct {
		field             string
		stored, requested any
	}{
		{"proj_dim", m.ProjDim, o.projDim},
		{"seed", m.Seed, o.seed},
		{"proj_type", m.ProjType, o.projType.String()},
		{"grad_dim", m.GradDim, o.gradDim},
		{"train_set_size", m.TrainSetSize, e.trainSetSize},
		{"task", m.Task, o.task.Name()},
	}
	for _, c := range checks {
		if c.stored != c.requested {
			return &ConfigMismatchError{Field: c.field, Stored: c.stored, Requested: c.requested}
		}
	}
	e.manifest = m

	for _, entry := range m.Checkpoints {
		store, err := e.openStore(entry.ID)
		if err != nil {
			return err
		}
		e.ckpts[entry.ID] = &checkpoint{
			id:          entry.ID,
			fingerprint: entry.Fingerprint,
			state:       stateFromStore(store),
			store:       store,
		}
	}
	e.logger.LogResume(ctx, e.dir, len(m.Checkpoints))
	return nil
}

func (e *Engine) openStore(id int) (*featurestore.Store, error) {
	store, err := featurestore.Open(
		filepath.Join(e.dir, strconv.Itoa(id)),
		id,
		featurestore.Shape{Rows: e.trainSetSize, ProjDim: e.opts.projDim},
		featurestore.Options{FS: e.opts.fsys},
	)
	return store, translateError(err)
}

// stateFromStore derives a checkpoint's state from what is on disk.
func stateFromStore(s *featurestore.Store) State {
	switch {
	case s.Complete() && s.HasCorrection():
		return StateFinalized
	case s.Complete():
		return StateComplete
	case s.Written() > 0:
		return StateFeaturizing
	default:
		return StateLoaded
	}
}

// saveManifestLocked persists the current per-checkpoint view.
func (e *Engine) saveManifestLocked() error {
	for _, ck := range e.ckpts {
		entry := featurestore.CheckpointEntry{
			ID:          ck.id,
			State:       ck.state.String(),
			Fingerprint: ck.fingerprint,
			Written:     ck.store.Written(),
		}
		if ck.corr != nil {
			entry.SetCorrection(ck.corr.Ridge, ck.corr.Cond)
		} else if old, ok := e.manifest.Checkpoint(ck.id); ok && ck.state.canScore() {
			entry.SetCorrection(old.Ridge, old.Condition())
		}
		e.manifest.Upsert(entry)
	}
	return translateError(featurestore.SaveManifest(e.opts.fsys, e.dir, e.manifest))
}

// LoadCheckpoint activates the checkpoint modelID with params. Reloading a
// known id requires identical parameters and resets its score buffer.
func (e *Engine) LoadCheckpoint(ctx context.Context, params []float32, modelID int) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := StateLoaded
	defer func() { e.logger.LogCheckpointLoaded(ctx, modelID, state, err) }()

	if e.closed {
		return ErrClosed
	}
	if a := e.active; a != nil && a.inflight > 0 {
		return &InvalidStateError{ModelID: a.id, State: a.state, Op: "load_checkpoint"}
	}
	ckpt := model.Checkpoint{ID: modelID, Params: params}
	if len(params) != e.model.NumParams() {
		return &DimensionMismatchError{Expected: e.model.NumParams(), Actual: len(params)}
	}
	if err := ckpt.Validate(e.model); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	fp := ckpt.Fingerprint()

	ck, ok := e.ckpts[modelID]
	if ok {
		if ck.fingerprint != fp {
			return fmt.Errorf("%w: model %d", ErrCheckpointMismatch, modelID)
		}
	} else {
		store, err := e.openStore(modelID)
		if err != nil {
			return err
		}
		ck = &checkpoint{id: modelID, fingerprint: fp, state: stateFromStore(store), store: store}
		e.ckpts[modelID] = ck
	}

	ck.params = slices.Clone(params)
	e.releaseScores(ck)
	if ck.state == StateScored {
		ck.state = StateFinalized
	}
	e.active = ck
	state = ck.state
	return e.saveManifestLocked()
}

// beginBatch validates a featurize or score call against the active
// checkpoint and marks it in flight.
func (e *Engine) beginBatch(op string, batch Batch, sampleIndices []int, numSamples int) (*checkpoint, []int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil, ErrClosed
	}
	ck := e.active
	if ck == nil {
		return nil, nil, fmt.Errorf("%w: %s: no checkpoint loaded", ErrInvalidState, op)
	}
	idx, err := batch.validate(sampleIndices, numSamples)
	if err != nil {
		return nil, nil, err
	}

	switch op {
	case "featurize":
		if !ck.state.canFeaturize() {
			return nil, nil, &InvalidStateError{ModelID: ck.id, State: ck.state, Op: op}
		}
		if g := e.grads.Dim(); g != e.opts.gradDim {
			return nil, nil, &DimensionMismatchError{Expected: e.opts.gradDim, Actual: g}
		}
		if idx == nil {
			return nil, nil, fmt.Errorf("%w: featurize requires example indices", ErrInvalidArgument)
		}
		for _, i := range idx {
			if i < 0 || i >= e.trainSetSize {
				return nil, nil, fmt.Errorf("%w: training index %d not in [0, %d)", ErrInvalidArgument, i, e.trainSetSize)
			}
		}
	case "score":
		switch ck.state {
		case StateLoaded, StateFeaturizing:
			return nil, nil, &IncompleteFeaturesError{ModelIDs: []int{ck.id}, Missing: e.trainSetSize - ck.store.Written()}
		case StateComplete:
			return nil, nil, &InvalidStateError{ModelID: ck.id, State: ck.state, Op: op}
		}
		if ck.corr == nil {
			corr, err := ck.store.ReadCorrection()
			if err != nil {
				return nil, nil, translateError(err)
			}
			ck.corr = corr
		}
		if idx == nil {
			idx = make([]int, batch.Len())
			for k := range idx {
				idx[k] = ck.nextColumn + k
			}
		}
		for _, c := range idx {
			if c < 0 {
				return nil, nil, fmt.Errorf("%w: negative query column %d", ErrInvalidArgument, c)
			}
			ck.nextColumn = max(ck.nextColumn, c+1)
		}
	}

	ck.inflight++
	return ck, idx, nil
}

// Featurize computes, projects and stores the training features of batch
// for the active checkpoint. Indices come from sampleIndices, or from
// batch.Indices when sampleIndices is nil. numSamples must equal the batch
// size.
func (e *Engine) Featurize(ctx context.Context, batch Batch, sampleIndices []int, numSamples int) (err error) {
	start := time.Now()
	defer func() { e.metrics.RecordFeaturize(batch.Len(), time.Since(start), err) }()

	ck, idx, err := e.beginBatch("featurize", batch, sampleIndices, numSamples)
	if err != nil {
		e.logger.LogFeaturize(ctx, -1, batch.Len(), 0, err)
		return err
	}

	err = e.featurize(ctx, ck, batch, idx)

	e.mu.Lock()
	defer e.mu.Unlock()
	ck.inflight--
	if err == nil {
		before := ck.state
		if ck.store.Complete() {
			ck.state = max(ck.state, StateComplete)
		} else if ck.store.Written() > 0 && ck.state == StateLoaded {
			ck.state = StateFeaturizing
		}
		if ck.state != before {
			err = e.saveManifestLocked()
		}
	}
	e.logger.LogFeaturize(ctx, ck.id, len(idx), ck.store.Written(), err)
	return err
}

func (e *Engine) featurize(ctx context.Context, ck *checkpoint, batch Batch, idx []int) error {
	res, err := e.grads.Compute(ctx, ck.params, batch.Inputs, batch.Labels)
	if err != nil {
		return translateError(err)
	}
	feats, err := e.proj.Project(ctx, res.Grads)
	if err != nil {
		if errors.Is(err, projector.ErrDimension) {
			return &DimensionMismatchError{Expected: e.opts.gradDim, Actual: res.Grads.Cols, cause: err}
		}
		return translateError(err)
	}
	if _, err := ck.store.Write(idx, feats); err != nil {
		return translateError(err)
	}
	if e.opts.durability == DurabilitySync {
		return translateError(ck.store.Commit(idx))
	}
	return nil
}

// FinalizeFeatures computes and persists the correction matrix of every
// complete checkpoint that has none. Checkpoints that are still missing
// training rows are reported in an IncompleteFeaturesError after the complete
// ones are finalized.
func (e *Engine) FinalizeFeatures(ctx context.Context) (err error) {
	start := time.Now()
	finalized := 0
	defer func() { e.metrics.RecordFinalize(finalized, time.Since(start), err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	ids := e.sortedIDs()
	for _, id := range ids {
		if ck := e.ckpts[id]; ck.inflight > 0 {
			return &InvalidStateError{ModelID: id, State: ck.state, Op: "finalize_features"}
		}
	}

	incomplete := &IncompleteFeaturesError{}
	for _, id := range ids {
		ck := e.ckpts[id]
		if err := ck.store.Flush(); err != nil {
			return translateError(err)
		}
		switch ck.state {
		case StateLoaded, StateFeaturizing:
			incomplete.ModelIDs = append(incomplete.ModelIDs, id)
			incomplete.Missing += e.trainSetSize - ck.store.Written()
			continue
		case StateComplete:
		default:
			continue
		}

		if err := e.finalizeCheckpoint(ctx, ck); err != nil {
			return errors.Join(err, e.saveManifestLocked())
		}
		finalized++
	}

	if err := e.saveManifestLocked(); err != nil {
		return err
	}
	if len(incomplete.ModelIDs) > 0 {
		return incomplete
	}
	return nil
}

func (e *Engine) finalizeCheckpoint(ctx context.Context, ck *checkpoint) error {
	start := time.Now()
	corr, err := correction.Compute(ctx, ck.store.Features(), correction.Config{Threshold: e.opts.condThreshold})
	if err != nil {
		err = translateError(err)
		e.logger.LogCorrection(ctx, ck.id, 0, 0, err)
		return err
	}
	e.metrics.RecordCorrection(corr.Cond, corr.Ridge, time.Since(start))
	if err := ck.store.WriteCorrection(corr); err != nil {
		return translateError(err)
	}
	ck.corr = corr
	ck.state = StateFinalized
	e.logger.LogCorrection(ctx, ck.id, corr.Cond, corr.Ridge, nil)

	if a := e.opts.archiver; a != nil {
		if err := a.ArchiveCheckpoint(ctx, ck.id, ck.store.Dir()); err != nil {
			return fmt.Errorf("archive checkpoint %d: %w", ck.id, err)
		}
	}
	return nil
}

// Score projects the query batch for the active, finalized checkpoint and
// accumulates its influence scores. Query columns come from sampleIndices,
// then batch.Indices, and otherwise continue after the last scored column.
//
// Columns are positions in the final score matrix, not external query ids.
// FinalizeScores requires them to cover 0..n-1 without gaps, so scoring only
// columns 100..104 makes it fail with ErrInvalidArgument.
func (e *Engine) Score(ctx context.Context, batch Batch, sampleIndices []int, numSamples int) (err error) {
	start := time.Now()
	defer func() { e.metrics.RecordScore(batch.Len(), time.Since(start), err) }()

	ck, cols, err := e.beginBatch("score", batch, sampleIndices, numSamples)
	if err != nil {
		e.logger.LogScore(ctx, -1, batch.Len(), err)
		return err
	}

	block, err := e.score(ctx, ck, batch)

	e.mu.Lock()
	defer e.mu.Unlock()
	ck.inflight--
	if err == nil {
		err = e.accumulate(ck, cols, block)
	}
	autoCols := sampleIndices == nil && batch.Indices == nil
	if err != nil && autoCols && len(cols) > 0 && ck.nextColumn == cols[len(cols)-1]+1 {
		ck.nextColumn = cols[0]
	}
	e.logger.LogScore(ctx, ck.id, len(cols), err)
	return err
}

func (e *Engine) score(ctx context.Context, ck *checkpoint, batch Batch) (blas32.General, error) {
	res, err := e.grads.Compute(ctx, ck.params, batch.Inputs, batch.Labels)
	if err != nil {
		return blas32.General{}, translateError(err)
	}
	feats, err := e.proj.Project(ctx, res.Grads)
	if err != nil {
		if errors.Is(err, projector.ErrDimension) {
			return blas32.General{}, &DimensionMismatchError{Expected: e.opts.gradDim, Actual: res.Grads.Cols, cause: err}
		}
		return blas32.General{}, translateError(err)
	}
	out, err := e.scorer.Score(ctx, ck.store.Features(), ck.corr, feats)
	if err != nil {
		return blas32.General{}, translateError(err)
	}
	return out, nil
}

func (e *Engine) accumulate(ck *checkpoint, cols []int, block blas32.General) error {
	if ck.scores == nil {
		ck.scores = newScoreBuffer(e.trainSetSize)
	}
	fresh := 0
	for _, c := range cols {
		if _, ok := ck.scores.columns[c]; !ok {
			fresh++
		}
	}
	if err := e.rc.AcquireMemory(int64(fresh) * int64(e.trainSetSize) * 4); err != nil {
		return fmt.Errorf("score buffer for checkpoint %d: %w", ck.id, err)
	}
	ck.scores.add(cols, block)
	ck.state = StateScored
	return nil
}

// FinalizeScores averages the score buffers of every scored checkpoint into
// a [train_set_size × queries] matrix and clears the buffers. Every scored
// checkpoint must hold the same query columns 0..n-1. The matrix is returned
// even when archiving it fails.
func (e *Engine) FinalizeScores(ctx context.Context) (sm *ScoreMatrix, err error) {
	start := time.Now()
	var nckpt int
	defer func() {
		queries := 0
		if sm != nil {
			queries = sm.Cols
		}
		e.metrics.RecordFinalizeScores(nckpt, queries, time.Since(start), err)
		e.logger.LogFinalizeScores(ctx, nckpt, queries, err)
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	var (
		ids  []int
		bufs []*scoreBuffer
	)
	for _, id := range e.sortedIDs() {
		ck := e.ckpts[id]
		if ck.inflight > 0 {
			return nil, &InvalidStateError{ModelID: id, State: ck.state, Op: "finalize_scores"}
		}
		if ck.scores != nil && len(ck.scores.columns) > 0 {
			ids = append(ids, id)
			bufs = append(bufs, ck.scores)
		}
	}
	if len(bufs) == 0 {
		return nil, ErrNoScores
	}
	nckpt = len(ids)

	sm, err = ensemble(e.trainSetSize, bufs, ids)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		ck := e.ckpts[id]
		e.releaseScores(ck)
		ck.state = StateFinalized
	}
	if err := e.saveManifestLocked(); err != nil {
		return sm, err
	}
	if a := e.opts.archiver; a != nil {
		if err := a.ArchiveScores(ctx, sm); err != nil {
			return sm, fmt.Errorf("archive scores: %w", err)
		}
	}
	return sm, nil
}

// Invalidate drops the correction matrix and score buffer of modelID and
// returns it to Complete so that it may be featurized and finalized again.
func (e *Engine) Invalidate(ctx context.Context, modelID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	ck, ok := e.ckpts[modelID]
	if !ok {
		return fmt.Errorf("%w: unknown checkpoint %d", ErrInvalidArgument, modelID)
	}
	if ck.inflight > 0 {
		return &InvalidStateError{ModelID: modelID, State: ck.state, Op: "invalidate"}
	}
	if !ck.state.canScore() {
		return nil
	}
	if err := ck.store.RemoveCorrection(); err != nil {
		return translateError(err)
	}
	e.releaseScores(ck)
	ck.corr = nil
	ck.state = StateComplete
	e.logger.InfoContext(ctx, "checkpoint invalidated", "model_id", modelID)
	return e.saveManifestLocked()
}

// CheckpointStatus describes one checkpoint.
type CheckpointStatus struct {
	ModelID       int
	State         State
	Written       int
	TrainSetSize  int
	HasCorrection bool
	Cond          float64
	Ridge         float64
	Active        bool
	// Loaded reports whether parameters were supplied in this process.
	Loaded        bool
	ScoredQueries int
}

// Status returns every known checkpoint ordered by model id.
func (e *Engine) Status() []CheckpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]CheckpointStatus, 0, len(e.ckpts))
	for _, id := range e.sortedIDs() {
		ck := e.ckpts[id]
		st := CheckpointStatus{
			ModelID:       id,
			State:         ck.state,
			Written:       ck.store.Written(),
			TrainSetSize:  e.trainSetSize,
			HasCorrection: ck.state.canScore(),
			Active:        ck == e.active,
			Loaded:        ck.params != nil,
		}
		if entry, ok := e.manifest.Checkpoint(id); ok {
			st.Cond, st.Ridge = entry.Condition(), entry.Ridge
		}
		if ck.corr != nil {
			st.Cond, st.Ridge = ck.corr.Cond, ck.corr.Ridge
		}
		if ck.scores != nil {
			st.ScoredQueries = len(ck.scores.columns)
		}
		out = append(out, st)
	}
	return out
}

// Unwritten returns the training indices that checkpoint modelID has not
// featurized yet, in ascending order. A resumed run passes them to Featurize
// instead of the whole training set.
func (e *Engine) Unwritten(modelID int) ([]int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	ck, ok := e.ckpts[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown checkpoint %d", ErrInvalidArgument, modelID)
	}
	return ck.store.Missing(0), nil
}

// Dir returns the save directory.
func (e *Engine) Dir() string { return e.dir }

// TrainSetSize returns the number of training examples.
func (e *Engine) TrainSetSize() int { return e.trainSetSize }

// ProjDim returns the sketch dimension.
func (e *Engine) ProjDim() int { return e.opts.projDim }

// Close flushes every feature store, records progress in the manifest and
// releases resources. It is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for _, ck := range e.ckpts {
		if err := ck.store.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, e.saveManifestLocked())
	for _, ck := range e.ckpts {
		e.releaseScores(ck)
	}
	errs = append(errs, e.closeStores())
	if e.proj != nil {
		errs = append(errs, e.proj.Close())
	}
	return errors.Join(errs...)
}

func (e *Engine) closeStores() error {
	var errs []error
	for _, ck := range e.ckpts {
		errs = append(errs, ck.store.Close())
	}
	return errors.Join(errs...)
}

func (e *Engine) releaseScores(ck *checkpoint) {
	ck.nextColumn = 0
	if ck.scores == nil {
		return
	}
	e.rc.ReleaseMemory(ck.scores.bytes())
	ck.scores = nil
}

func (e *Engine) sortedIDs() []int {
	ids := make([]int, 0, len(e.ckpts))
	for id := range e.ckpts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
