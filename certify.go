package shonan

import (
	"context"
	"math"
	"math/rand"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrEigensolverFailed means the iterative eigensolver did not converge to
// the minimum eigenvalue within its budget. The controller treats it the
// same as "not certified" for that dimension.
var ErrEigensolverFailed = errors.New("eigensolver did not converge within budget")

// Certificate is the outcome of an optimality check at one dimension.
type Certificate struct {
	// Certified is true when the minimum eigenvalue of S = Q - Lambda is
	// non-negative within tolerance, proving the optimized solution is a
	// global optimum of the original problem.
	Certified bool
	// MinEigenvalue is the estimated minimum eigenvalue of S. It is zero
	// when the only minimal directions are the solution's own null space.
	MinEigenvalue float64
	// Witness is the eigenvector of the (estimated) minimum eigenvalue.
	// When not certified it is a strict descent direction used to seed the
	// next-higher lifted dimension. It may be an unconverged estimate when
	// the evaluation also returned ErrEigensolverFailed.
	Witness []float64
}

// certificateEvaluator checks first-order global optimality of an optimized
// lifted solution.
type certificateEvaluator struct {
	threshold     float64
	maxIterations int
	tol           float64
	seed          int64
	logger        golog.Logger
}

func newCertificateEvaluator(params Parameters, logger golog.Logger) *certificateEvaluator {
	return &certificateEvaluator{
		threshold:     params.OptimalityThreshold,
		maxIterations: params.EigMaxIterations,
		tol:           params.EigTolerance,
		seed:          params.RandomSeed,
		logger:        logger,
	}
}

// evaluate forms the certificate matrix S = Q - Lambda(X) and estimates its
// minimum eigenvalue. S annihilates the columns of x by construction, so
// those directions are deflated out of the search and contribute a zero
// eigenvalue of their own; the estimate is clamped to at most zero
// accordingly. On eigensolver failure the returned certificate is still
// populated with the best estimate alongside ErrEigensolverFailed.
func (ce *certificateEvaluator) evaluate(ctx context.Context, q *blockMatrix, x *mat.Dense) (*Certificate, error) {
	s := buildCertificateMatrix(q, x)
	scale := math.Max(1, s.normBound())
	kernel, err := kernelBasis(x)
	if err != nil {
		return nil, err
	}
	minEig, witness, err := ce.minEigenvalue(ctx, s, kernel)
	if err != nil && !errors.Is(err, ErrEigensolverFailed) {
		return nil, err
	}
	if minEig > 0 {
		minEig = 0
	}
	cert := &Certificate{
		Certified:     err == nil && minEig >= -ce.threshold*scale,
		MinEigenvalue: minEig,
		Witness:       witness,
	}
	if cert.Certified {
		cert.Witness = nil
	}
	return cert, err
}

// buildCertificateMatrix computes S = Q - Lambda(X), where Lambda is the
// unique symmetric block-diagonal matrix satisfying the first-order
// stationarity condition S*X = 0 at X: Lambda_ii = sym((QX)_i X_i^T).
func buildCertificateMatrix(q *blockMatrix, x *mat.Dense) *blockMatrix {
	rows, p := x.Dims()
	qx := mat.NewDense(rows, p, nil)
	q.mulDense(qx, x)

	s := q.clone()
	for i := 0; i < q.n; i++ {
		var lambda [9]float64
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				// (QX)_i X_i^T at (r, c), symmetrized.
				a, b := 0.0, 0.0
				for k := 0; k < p; k++ {
					a += qx.At(3*i+r, k) * x.At(3*i+c, k)
					b += qx.At(3*i+c, k) * x.At(3*i+r, k)
				}
				lambda[3*r+c] = (a + b) / 2
			}
		}
		s.addBlock(i, i, -1, lambda)
	}
	return s
}

// kernelBasis returns an orthonormal basis of the column space of x.
// At a stationary point those columns are exact null directions of the
// certificate matrix; left in place they make the shifted spectrum's top
// nearly degenerate and stall the power iteration precisely when the
// minimum eigenvalue is close to zero. Zero singular directions (a lifted
// x of deficient column rank) are excluded from the basis.
func kernelBasis(x *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, errors.New("SVD of lifted solution failed")
	}
	var u mat.Dense
	svd.UTo(&u)
	vals := svd.Values(nil)
	rank := 0
	for _, v := range vals {
		if v > 1e-10*vals[0] {
			rank++
		}
	}
	if rank == 0 {
		return nil, errors.New("lifted solution has rank zero")
	}
	rows, _ := u.Dims()
	return u.Slice(0, rows, 0, rank).(*mat.Dense), nil
}

// projectOut removes the components of v along the orthonormal columns of
// basis, in place.
func projectOut(v []float64, basis *mat.Dense) {
	d, k := basis.Dims()
	for j := 0; j < k; j++ {
		proj := 0.0
		for i := 0; i < d; i++ {
			proj += basis.At(i, j) * v[i]
		}
		for i := 0; i < d; i++ {
			v[i] -= proj * basis.At(i, j)
		}
	}
}

// minEigenvalue estimates the minimum eigenvalue and eigenvector of the
// symmetric matrix s with a spectrally shifted power iteration: for an
// upper bound u on the spectrum, the dominant eigenpair of u*I - s is
// (u - lambda_min, v_min). A non-nil deflate basis is projected out of
// every iterate, restricting the search to its orthogonal complement.
// Only the sign and rough magnitude of the result matter to
// certification, so a full decomposition is never formed.
func (ce *certificateEvaluator) minEigenvalue(ctx context.Context, s *blockMatrix, deflate *mat.Dense) (float64, []float64, error) {
	d := s.dim()
	shift := s.normBound() * 1.01
	if shift == 0 {
		shift = 1
	}

	rnd := rand.New(rand.NewSource(ce.seed))
	v := make([]float64, d)
	for i := range v {
		v[i] = rnd.NormFloat64()
	}
	if deflate != nil {
		projectOut(v, deflate)
	}
	normalize(v)

	sv := make([]float64, d)
	cv := make([]float64, d)
	theta := 0.0
	for iter := 0; iter < ce.maxIterations; iter++ {
		if iter%256 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, nil, err
			}
		}
		s.mulVec(sv, v)
		for i := range cv {
			cv[i] = shift*v[i] - sv[i]
		}
		if deflate != nil {
			// S only annihilates the deflated directions approximately;
			// re-projecting each product keeps the iterate from drifting
			// back into them.
			projectOut(cv, deflate)
		}
		theta = dot(v, cv)
		// Residual ||Cv - theta*v|| bounds the eigenvalue error.
		resSq := 0.0
		for i := range cv {
			r := cv[i] - theta*v[i]
			resSq += r * r
		}
		if math.Sqrt(resSq) <= ce.tol*math.Max(1, math.Abs(theta)) {
			ce.logger.Debugf("eigensolver converged in %d iterations, min eigenvalue %g", iter+1, shift-theta)
			return shift - theta, v, nil
		}
		copy(v, cv)
		normalize(v)
	}
	ce.logger.Debugw("eigensolver exhausted its budget", "estimate", shift-theta)
	return shift - theta, v, errors.Wrapf(ErrEigensolverFailed, "after %d iterations", ce.maxIterations)
}

func normalize(v []float64) {
	n := math.Sqrt(dot(v, v))
	if n == 0 {
		return
	}
	for i := range v {
		v[i] /= n
	}
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
