package shonan

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rotavg/shonan/spatialmath"
)

const (
	// armijoSlope is the sufficient-decrease constant of the backtracking
	// line search.
	armijoSlope = 1e-4
	// maxBacktracks bounds the halvings of a single line search.
	maxBacktracks = 40
	// gradientFloor stops the optimizer when the Riemannian gradient norm
	// is numerically zero relative to problem scale.
	gradientFloor = 1e-12
)

// stiefelOptimizer minimizes tr(X^T Q X) over stacked 3xp blocks with
// orthonormal rows (the product Stiefel manifold) by Riemannian gradient
// descent: project the Euclidean gradient 2QX onto the tangent space of
// each block, take an Armijo backtracking step, and retract back onto the
// manifold before the next cost evaluation. An update that left the
// manifold would poison every later iterate, so retraction is
// unconditional.
type stiefelOptimizer struct {
	maxIterations int
	costTol       float64
	fixedBlock    int // block index held fixed, -1 for none
	logger        golog.Logger
}

// newStiefelOptimizer returns an optimizer with the given iteration budget
// and relative cost tolerance. fixedBlock pins one block (the hard-prior
// anchor) or is -1.
func newStiefelOptimizer(maxIterations int, costTol float64, fixedBlock int, logger golog.Logger) *stiefelOptimizer {
	return &stiefelOptimizer{
		maxIterations: maxIterations,
		costTol:       costTol,
		fixedBlock:    fixedBlock,
		logger:        logger,
	}
}

// minimize returns a locally optimal X and its cost, starting from initial.
// Hitting the iteration budget is a normal return: the caller's certificate
// check, not raw convergence, decides whether the result is good enough.
// Neither q nor initial is mutated.
func (o *stiefelOptimizer) minimize(ctx context.Context, q *blockMatrix, initial *mat.Dense) (*mat.Dense, float64, error) {
	rows, p := initial.Dims()
	if rows != q.dim() {
		return nil, 0, errors.Errorf("initial value has %d rows, want %d", rows, q.dim())
	}
	if p < 3 {
		return nil, 0, errors.Errorf("lifted dimension must be >= 3, got %d", p)
	}
	n := q.n
	for i := 0; i < n; i++ {
		if !spatialmath.RowsOrthonormal(initial.Slice(3*i, 3*i+3, 0, p), 1e-6) {
			return nil, 0, errors.Errorf("initial block %d is not orthonormal", i)
		}
	}

	x := mat.DenseCopyOf(initial)
	cost := q.quadForm(x)
	grad := mat.NewDense(rows, p, nil)
	rgrad := mat.NewDense(rows, p, nil)

	// Initial step from the spectral scale of Q; the line search adapts it.
	step := 1.0
	if bound := q.normBound(); bound > 0 {
		step = 1.0 / (2 * bound)
	}

	for iter := 0; iter < o.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		q.mulDense(grad, x)
		grad.Scale(2, grad)
		gradNormSq := o.projectTangent(rgrad, grad, x)
		if gradNormSq <= gradientFloor*math.Max(1, math.Abs(cost)) {
			o.logger.Debugf("gradient norm floor reached after %d iterations, cost %g", iter, cost)
			return x, cost, nil
		}

		accepted := false
		t := step
		for bt := 0; bt < maxBacktracks; bt++ {
			trial, err := o.retractStep(x, rgrad, t)
			if err != nil {
				return nil, 0, err
			}
			trialCost := q.quadForm(trial)
			if trialCost <= cost-armijoSlope*t*gradNormSq {
				prev := cost
				x, cost = trial, trialCost
				// Let the step grow back after a successful iteration.
				step = math.Min(t*2, 1.0)
				accepted = true
				if prev-cost <= o.costTol*math.Max(1, math.Abs(prev)) {
					o.logger.Debugf("relative cost decrease below tolerance after %d iterations, cost %g", iter+1, cost)
					return x, cost, nil
				}
				break
			}
			t /= 2
		}
		if !accepted {
			o.logger.Debugf("line search stalled after %d iterations, cost %g", iter, cost)
			return x, cost, nil
		}
	}
	o.logger.Debugf("iteration budget exhausted, cost %g", cost)
	return x, cost, nil
}

// projectTangent writes the per-block tangent projection of grad at x into
// dst and returns its squared Frobenius norm. For a block B with
// orthonormal rows the projection is G - sym(G B^T) B; the fixed block's
// gradient is zeroed.
func (o *stiefelOptimizer) projectTangent(dst, grad, x *mat.Dense) float64 {
	_, p := x.Dims()
	n := x.RawMatrix().Rows / 3
	normSq := 0.0
	var g, b, gbt, sym, corr mat.Dense
	for i := 0; i < n; i++ {
		if i == o.fixedBlock {
			for r := 3 * i; r < 3*i+3; r++ {
				for c := 0; c < p; c++ {
					dst.Set(r, c, 0)
				}
			}
			continue
		}
		g.CloneFrom(grad.Slice(3*i, 3*i+3, 0, p))
		b.CloneFrom(x.Slice(3*i, 3*i+3, 0, p))
		gbt.Mul(&g, b.T())
		sym.CloneFrom(&gbt)
		sym.Add(&sym, gbt.T())
		sym.Scale(0.5, &sym)
		corr.Mul(&sym, &b)
		g.Sub(&g, &corr)
		for r := 0; r < 3; r++ {
			for c := 0; c < p; c++ {
				v := g.At(r, c)
				dst.Set(3*i+r, c, v)
				normSq += v * v
			}
		}
	}
	return normSq
}

// retractStep takes x - t*dir and retracts every block back onto the
// manifold.
func (o *stiefelOptimizer) retractStep(x, dir *mat.Dense, t float64) (*mat.Dense, error) {
	rows, p := x.Dims()
	out := mat.NewDense(rows, p, nil)
	var stepped mat.Dense
	for i := 0; i < rows/3; i++ {
		xb := x.Slice(3*i, 3*i+3, 0, p)
		db := dir.Slice(3*i, 3*i+3, 0, p)
		stepped.CloneFrom(xb)
		var scaled mat.Dense
		scaled.Scale(t, db)
		stepped.Sub(&stepped, &scaled)
		retracted, err := spatialmath.RetractRows(&stepped)
		if err != nil {
			return nil, errors.Wrapf(err, "retracting block %d", i)
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < p; c++ {
				out.Set(3*i+r, c, retracted.At(r, c))
			}
		}
	}
	return out, nil
}
