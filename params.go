package shonan

import "github.com/pkg/errors"

// Parameters configures a ShonanAveraging run. It is a plain immutable
// value constructed by the caller and passed through every call; there is
// no process-wide configuration. The zero value is not usable; start from
// DefaultParameters.
type Parameters struct {
	// MinDim and MaxDim bound the staircase of lifted dimensions p.
	MinDim int
	MaxDim int

	// OptimalityThreshold is the certification tolerance epsilon: a
	// solution certifies when the minimum eigenvalue of the certificate
	// matrix is >= -epsilon * max(1, ||S||).
	OptimalityThreshold float64

	// UseNoiseModel applies the per-measurement precisions as weights when
	// building Q; when false all measurements count with unit weight.
	UseNoiseModel bool

	// Anchor picks the node whose rotation is pinned to identity in the
	// output. Nil means the smallest key in the graph.
	Anchor *Key

	// Prior pins the anchor's block during optimization (a hard gauge
	// constraint). Karcher leaves the gauge free during optimization and
	// fixes it only at projection. Exactly one of the two applies.
	Prior   bool
	Karcher bool

	// MaxOptIterations and CostTolerance control the manifold optimizer:
	// it stops when the relative cost decrease per iteration falls below
	// CostTolerance or the iteration budget runs out. Neither is an error.
	MaxOptIterations int
	CostTolerance    float64

	// EigMaxIterations and EigTolerance control the iterative eigensolver
	// that estimates the minimum eigenvalue of the certificate matrix.
	EigMaxIterations int
	EigTolerance     float64

	// PerturbationSigma scales the push along the negative-eigenvalue
	// witness direction when lifting a solution to the next dimension.
	PerturbationSigma float64

	// RandomSeed seeds random initialization so runs are reproducible.
	RandomSeed int64
}

// DefaultParameters returns the recommended configuration: staircase from
// p=3 to p=20, free (Karcher) gauge and unit measurement weights.
func DefaultParameters() Parameters {
	return Parameters{
		MinDim:              3,
		MaxDim:              20,
		OptimalityThreshold: 1e-4,
		UseNoiseModel:       false,
		Karcher:             true,
		MaxOptIterations:    1500,
		CostTolerance:       1e-10,
		EigMaxIterations:    50000,
		EigTolerance:        1e-7,
		PerturbationSigma:   1e-2,
		RandomSeed:          42,
	}
}

// validate rejects configurations the algorithm cannot honor.
func (p Parameters) validate() error {
	if p.MinDim < 3 {
		return errors.Errorf("MinDim must be at least 3, got %d", p.MinDim)
	}
	if p.MaxDim < p.MinDim {
		return errors.Errorf("MaxDim (%d) must be >= MinDim (%d)", p.MaxDim, p.MinDim)
	}
	if p.OptimalityThreshold <= 0 {
		return errors.New("OptimalityThreshold must be positive")
	}
	if p.Prior && p.Karcher {
		return errors.New("Prior and Karcher gauge handling are mutually exclusive")
	}
	if p.MaxOptIterations < 1 {
		return errors.New("MaxOptIterations must be at least 1")
	}
	if p.CostTolerance <= 0 || p.EigTolerance <= 0 {
		return errors.New("tolerances must be positive")
	}
	if p.EigMaxIterations < 1 {
		return errors.New("EigMaxIterations must be at least 1")
	}
	if p.PerturbationSigma <= 0 {
		return errors.New("PerturbationSigma must be positive")
	}
	return nil
}
