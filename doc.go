// Package trakgo is an embedded data-attribution engine.
//
// Given model checkpoints and a training set, it estimates how much each
// training example influenced the model's output on each query example.
// Per-example objective gradients are compressed by a seeded random
// projection, stored out of core per checkpoint, whitened by the inverse of
// their Gram matrix, and combined with projected query gradients into an
// influence score. Scores are averaged across checkpoints.
//
// # Quick Start
//
//	ctx := context.Background()
//	m := model.NewMLP(32, 64, 10)
//	eng, err := trakgo.Open(ctx, "./run", m, len(train),
//	    trakgo.WithProjDim(2048),
//	    trakgo.WithSeed(0),
//	)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	for _, ckpt := range checkpoints {
//	    if err := eng.LoadCheckpoint(ctx, ckpt.Params, ckpt.ID); err != nil {
//	        return err
//	    }
//	    for _, b := range trainBatches {
//	        if err := eng.Featurize(ctx, b, nil, b.Len()); err != nil {
//	            return err
//	        }
//	    }
//	}
//	if err := eng.FinalizeFeatures(ctx); err != nil {
//	    return err
//	}
//	for _, ckpt := range checkpoints {
//	    _ = eng.LoadCheckpoint(ctx, ckpt.Params, ckpt.ID)
//	    for _, b := range queryBatches {
//	        if err := eng.Score(ctx, b, nil, b.Len()); err != nil {
//	            return err
//	        }
//	    }
//	}
//	scores, err := eng.FinalizeScores(ctx)
//
// # Lifecycle
//
// Every checkpoint moves through Loaded → Featurizing → Complete →
// Finalized → Scored. The engine enforces the transitions: a correction
// matrix is only computed once every training index has a feature row, and
// scoring requires one.
//
// # Resuming
//
// A save directory records the projection configuration and per-checkpoint
// progress in MANIFEST.json. Reopening it with the same configuration resumes
// where the previous process stopped; rows already written are not
// recomputed.
//
// # Concurrency
//
// Featurize and Score may be called from multiple goroutines as long as their
// index sets are disjoint. All other methods are serialized.
package trakgo
