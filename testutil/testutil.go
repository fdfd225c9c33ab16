package testutil

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// NormFloat64 returns a standard normal sample.
func (r *RNG) NormFloat64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.NormFloat64()
}

// GaussianVectors generates random vectors with values from a standard normal distribution.
func (r *RNG) GaussianVectors(num int, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dimensions)
	vectors := make([][]float32, num)

	for i := range num {
		vec := data[i*dimensions : (i+1)*dimensions]
		for j := range vec {
			vec[j] = float32(r.rand.NormFloat64())
		}
		vectors[i] = vec
	}

	return vectors
}

// Params returns a parameter vector with N(0, scale²) entries.
func (r *RNG) Params(n int, scale float64) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := make([]float32, n)
	for i := range p {
		p[i] = float32(r.rand.NormFloat64() * scale)
	}
	return p
}

// Dataset is a labeled set of examples.
type Dataset struct {
	Inputs [][]float32
	Labels []float64
}

// Len returns the number of examples.
func (d Dataset) Len() int { return len(d.Inputs) }

// Slice returns examples [lo, hi).
func (d Dataset) Slice(lo, hi int) Dataset {
	return Dataset{Inputs: d.Inputs[lo:hi], Labels: d.Labels[lo:hi]}
}

// Blobs draws num examples from classes isotropic Gaussian clusters in dim
// dimensions. Cluster centers are standard normal; spread is the within
// cluster standard deviation. Labels are the cluster ids.
func (r *RNG) Blobs(num, dim, classes int, spread float64) Dataset {
	r.mu.Lock()
	defer r.mu.Unlock()

	centers := make([][]float64, classes)
	for c := range centers {
		centers[c] = make([]float64, dim)
		for j := range centers[c] {
			centers[c][j] = r.rand.NormFloat64()
		}
	}

	ds := Dataset{Inputs: make([][]float32, num), Labels: make([]float64, num)}
	for i := range num {
		c := r.rand.Intn(classes)
		x := make([]float32, dim)
		for j := range x {
			x[j] = float32(centers[c][j] + spread*r.rand.NormFloat64())
		}
		ds.Inputs[i] = x
		ds.Labels[i] = float64(c)
	}
	return ds
}

// Ranges splits [0, n) into consecutive [lo, hi) ranges of at most size.
func Ranges(n, size int) [][2]int {
	var out [][2]int
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}

// Seq returns lo, lo+1, ..., hi-1.
func Seq(lo, hi int) []int {
	out := make([]int, hi-lo)
	for i := range out {
		out[i] = lo + i
	}
	return out
}

// Ranks returns the 1-based ranks of v, averaging ties.
func Ranks(v []float64) []float64 {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return v[idx[a]] < v[idx[b]] })

	ranks := make([]float64, len(v))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && v[idx[j+1]] == v[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

// Pearson returns the Pearson correlation of a and b. It returns NaN if
// either has zero variance.
func Pearson(a, b []float64) float64 {
	n := float64(len(a))
	var ma, mb float64
	for i := range a {
		ma += a[i]
		mb += b[i]
	}
	ma /= n
	mb /= n

	var cov, va, vb float64
	for i := range a {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(va*vb)
}

// Spearman returns the Spearman rank correlation of a and b.
func Spearman(a, b []float64) float64 {
	return Pearson(Ranks(a), Ranks(b))
}

// Float64s widens a float32 slice.
func Float64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
