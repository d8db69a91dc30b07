package embedder

import (
	"context"
	"math"
)

// deterministicDims is the fixed vector size of the reference embedder
const deterministicDims = 128

// DeterministicModel is the model name reported by the reference embedder
const DeterministicModel = "deterministic-128"

// Deterministic produces a stable hash-like embedding without a model
// backend. Equal inputs always map to equal vectors, which makes it the
// reference implementation for tests.
type Deterministic struct{}

// NewDeterministic creates the deterministic embedder
func NewDeterministic() *Deterministic {
	return &Deterministic{}
}

func (d *Deterministic) Name() string {
	return "deterministic"
}

// Embed folds each code point into a fixed 128-dim accumulator and
// L2-normalizes the result. The norm floor of 1 keeps empty input from
// dividing by zero.
func (d *Deterministic) Embed(ctx context.Context, text string) (*Result, error) {
	vector := make([]float64, deterministicDims)

	i := 0
	for _, r := range text {
		vector[i%deterministicDims] += float64(r%31) / 31.0
		i++
	}

	var sum float64
	for _, v := range vector {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm < 1 {
		norm = 1
	}
	for j := range vector {
		vector[j] /= norm
	}

	return &Result{
		Model:      DeterministicModel,
		Dimensions: deterministicDims,
		Vector:     vector,
	}, nil
}
