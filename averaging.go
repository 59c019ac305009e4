package shonan

import (
	"context"
	"math/rand"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rotavg/shonan/spatialmath"
)

// runState tracks the escalation state machine.
type runState int

const (
	stateInitializing runState = iota
	stateOptimizingAtP
	stateCertifying
	stateEscalating
	stateConverged
	stateExhausted
)

func (s runState) String() string {
	switch s {
	case stateInitializing:
		return "initializing"
	case stateOptimizingAtP:
		return "optimizing"
	case stateCertifying:
		return "certifying"
	case stateEscalating:
		return "escalating"
	case stateConverged:
		return "converged"
	case stateExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Result is the outcome of a run. Exhaustion of the staircase is not a
// failure: the estimate is still usable, just not proven globally optimal,
// and Certified says which of the two the caller got.
type Result struct {
	// Rotations maps every node to its estimated orientation, with the
	// anchor at identity.
	Rotations map[Key]spatialmath.Rot3
	// Certified reports whether the solution was proven globally optimal.
	Certified bool
	// Dimension is the lifted dimension at which the run terminated.
	Dimension int
	// Cost is the optimized lifted cost at that dimension.
	Cost float64
	// MinEigenvalues records the estimated minimum certificate eigenvalue
	// at every dimension tried, for diagnostics.
	MinEigenvalues map[int]float64
}

// ShonanAveraging runs the full staircase on one measurement graph. It
// holds no mutable state across runs; independent instances may run
// concurrently on different graphs.
type ShonanAveraging struct {
	graph  *Graph
	params Parameters
	anchor Key
	logger golog.Logger
}

// New validates the parameters and graph and returns a ready-to-run
// instance. A graph in which any node is unreachable from the anchor is
// rejected here, before any optimization work.
func New(graph *Graph, params Parameters, logger golog.Logger) (*ShonanAveraging, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	anchor := graph.keys[0]
	if params.Anchor != nil {
		anchor = *params.Anchor
		if _, err := graph.indexOf(anchor); err != nil {
			return nil, errors.Wrap(err, "anchor")
		}
	}
	if err := graph.checkConnected(anchor); err != nil {
		return nil, err
	}
	return &ShonanAveraging{
		graph:  graph,
		params: params,
		anchor: anchor,
		logger: logger,
	}, nil
}

// Anchor returns the node pinned to identity in the output.
func (sa *ShonanAveraging) Anchor() Key {
	return sa.anchor
}

// InitializeFromSpanningTree composes measurements along a spanning tree
// from the anchor into a deterministic initial estimate. On zero-noise
// graphs this is the exact solution, so the staircase starts at the global
// optimum and certifies at MinDim without depending on where a random
// draw lands.
func (sa *ShonanAveraging) InitializeFromSpanningTree() (map[Key]spatialmath.Rot3, error) {
	return sa.graph.spanningTreeRotations(sa.anchor)
}

// InitializeRandomly returns a random block-orthonormal starting point at
// dimension p.
func (sa *ShonanAveraging) InitializeRandomly(p int, rnd *rand.Rand) (*mat.Dense, error) {
	n := sa.graph.NumNodes()
	x := mat.NewDense(3*n, p, nil)
	for i := 0; i < n; i++ {
		b, err := spatialmath.RandomStiefel(rnd, p)
		if err != nil {
			return nil, err
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < p; c++ {
				x.Set(3*i+r, c, b.At(r, c))
			}
		}
	}
	return x, nil
}

// CostAt evaluates the lifted cost tr(X^T Q X) at dimension p.
func (sa *ShonanAveraging) CostAt(p int, x *mat.Dense) (float64, error) {
	q, err := buildQ(sa.graph, sa.params.UseNoiseModel)
	if err != nil {
		return 0, err
	}
	rows, cols := x.Dims()
	if rows != q.dim() || cols != p {
		return 0, errors.Errorf("lifted value is %dx%d, want %dx%d", rows, cols, q.dim(), p)
	}
	return q.quadForm(x), nil
}

// Cost evaluates the physical SO(3) cost of a rotation assignment under
// the same weighting the run uses.
func (sa *ShonanAveraging) Cost(rotations map[Key]spatialmath.Rot3) (float64, error) {
	return sa.graph.Cost(rotations, sa.params.UseNoiseModel)
}

// EmbedAt lifts an SO(3) assignment to a block-orthonormal point at
// dimension p, for warm starts and cost cross-checks.
func (sa *ShonanAveraging) EmbedAt(p int, rotations map[Key]spatialmath.Rot3) (*mat.Dense, error) {
	return embedRotations(sa.graph, rotations, p)
}

// ProjectFrom rounds a lifted solution at any dimension down to rotations
// with the anchor at identity.
func (sa *ShonanAveraging) ProjectFrom(x *mat.Dense) (map[Key]spatialmath.Rot3, error) {
	return projectToRotations(sa.graph, x, sa.anchor)
}

// Run executes the staircase: seed MinDim with the spanning-tree estimate,
// optimize at each dimension, certify, and either round the certified
// solution down or lift the iterate into the next dimension along the
// negative-eigenvalue witness. When MaxDim fails to certify, the best
// iterate found is rounded and returned tagged uncertified.
func (sa *ShonanAveraging) Run(ctx context.Context) (*Result, error) {
	return sa.run(ctx, nil)
}

// RunFrom is Run with a caller-supplied SO(3) initial estimate instead of
// random initialization.
func (sa *ShonanAveraging) RunFrom(ctx context.Context, initial map[Key]spatialmath.Rot3) (*Result, error) {
	if initial == nil {
		return nil, errors.New("RunFrom requires an initial estimate; use Run for random initialization")
	}
	return sa.run(ctx, initial)
}

func (sa *ShonanAveraging) run(ctx context.Context, initial map[Key]spatialmath.Rot3) (*Result, error) {
	rnd := rand.New(rand.NewSource(sa.params.RandomSeed))
	eigTrace := map[int]float64{}

	state := stateInitializing
	p := sa.params.MinDim
	var x *mat.Dense
	var cert *Certificate
	var cost float64

	// Best iterate across dimensions, for the exhausted path.
	bestX := (*mat.Dense)(nil)
	bestCost := 0.0
	bestP := 0

	fixedBlock := -1
	if sa.params.Prior {
		fixedBlock, _ = sa.graph.indexOf(sa.anchor)
	}

	for {
		switch state {
		case stateInitializing:
			est := initial
			if est == nil {
				var err error
				est, err = sa.graph.spanningTreeRotations(sa.anchor)
				if err != nil {
					return nil, err
				}
			}
			var err error
			x, err = embedRotations(sa.graph, est, p)
			if err != nil {
				return nil, err
			}
			state = stateOptimizingAtP

		case stateOptimizingAtP:
			q, err := buildQ(sa.graph, sa.params.UseNoiseModel)
			if err != nil {
				return nil, err
			}
			opt := newStiefelOptimizer(sa.params.MaxOptIterations, sa.params.CostTolerance, fixedBlock, sa.logger)
			x, cost, err = opt.minimize(ctx, q, x)
			if err != nil {
				return nil, err
			}
			sa.logger.Debugf("optimized at p=%d, cost %g", p, cost)
			if bestX == nil || cost <= bestCost {
				bestX, bestCost, bestP = x, cost, p
			}
			state = stateCertifying

		case stateCertifying:
			q, err := buildQ(sa.graph, sa.params.UseNoiseModel)
			if err != nil {
				return nil, err
			}
			ce := newCertificateEvaluator(sa.params, sa.logger)
			cert, err = ce.evaluate(ctx, q, x)
			if err != nil && !errors.Is(err, ErrEigensolverFailed) {
				return nil, err
			}
			if err != nil {
				// A blown eigensolver budget only means this dimension
				// could not be certified.
				sa.logger.Warnw("certification inconclusive, escalating", "p", p, "error", err)
			}
			eigTrace[p] = cert.MinEigenvalue
			switch {
			case cert.Certified:
				sa.logger.Infof("certified at p=%d, min eigenvalue %g", p, cert.MinEigenvalue)
				state = stateConverged
			case p < sa.params.MaxDim:
				state = stateEscalating
			default:
				state = stateExhausted
			}

		case stateEscalating:
			lifted, err := sa.liftWithWitness(x, cert.Witness, rnd)
			if err != nil {
				return nil, err
			}
			x = lifted
			p++
			sa.logger.Debugf("escalating to p=%d, min eigenvalue was %g", p, cert.MinEigenvalue)
			state = stateOptimizingAtP

		case stateConverged:
			rotations, err := sa.ProjectFrom(x)
			if err != nil {
				return nil, err
			}
			return &Result{
				Rotations:      rotations,
				Certified:      true,
				Dimension:      p,
				Cost:           cost,
				MinEigenvalues: eigTrace,
			}, nil

		case stateExhausted:
			sa.logger.Warnf("staircase exhausted at p=%d without certification; returning best iterate from p=%d", p, bestP)
			rotations, err := sa.ProjectFrom(bestX)
			if err != nil {
				return nil, err
			}
			return &Result{
				Rotations:      rotations,
				Certified:      false,
				Dimension:      bestP,
				Cost:           bestCost,
				MinEigenvalues: eigTrace,
			}, nil
		}
	}
}

// liftWithWitness embeds x into one higher dimension and perturbs the new
// column along the negative-eigenvalue witness before retracting. The
// witness supplies a strict descent direction at the lifted point; without
// it the optimizer would start at the same non-global critical point it
// just left. A missing witness (failed eigensolver) falls back to a small
// random perturbation.
func (sa *ShonanAveraging) liftWithWitness(x *mat.Dense, witness []float64, rnd *rand.Rand) (*mat.Dense, error) {
	rows, p := x.Dims()
	lifted := mat.NewDense(rows, p+1, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < p; c++ {
			lifted.Set(r, c, x.At(r, c))
		}
	}
	sigma := sa.params.PerturbationSigma
	for r := 0; r < rows; r++ {
		if witness != nil {
			lifted.Set(r, p, sigma*witness[r])
		} else {
			lifted.Set(r, p, sigma*rnd.NormFloat64()/float64(rows))
		}
	}
	out := mat.NewDense(rows, p+1, nil)
	for i := 0; i < rows/3; i++ {
		retracted, err := spatialmath.RetractRows(lifted.Slice(3*i, 3*i+3, 0, p+1))
		if err != nil {
			return nil, errors.Wrapf(err, "lifting block %d", i)
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < p+1; c++ {
				out.Set(3*i+r, c, retracted.At(r, c))
			}
		}
	}
	return out, nil
}
