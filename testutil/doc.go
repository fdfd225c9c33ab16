// Package testutil provides testing utilities for trakgo.
//
// This package is intended for use in tests and benchmarks only.
// It provides seeded random data, synthetic classification datasets,
// random checkpoints and rank correlation helpers for checking attribution
// quality against an exact reference.
//
// # Random Data
//
//	rng := testutil.NewRNG(seed)
//	ds := rng.Blobs(1000, 16, 4, 0.5)       // 4 Gaussian clusters in 16-d
//	params := rng.Params(m.NumParams(), 0.1) // N(0, 0.1²) checkpoint
//
// # Rank Correlation
//
//	rho := testutil.Spearman(approx, exact)
package testutil
