package shonan

import (
	"context"
	"math/rand"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

// TestLambdaStationarity checks that the computed Lagrange multiplier makes
// S = Q - Lambda annihilate the optimized solution, the defining property
// of the certificate matrix.
func TestLambdaStationarity(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rnd := rand.New(rand.NewSource(40))
	measurements, _ := randomConnected(rnd, 5, 4)
	g, err := NewGraph(measurements)
	test.That(t, err, test.ShouldBeNil)
	q, err := buildQ(g, true)
	test.That(t, err, test.ShouldBeNil)

	sa, err := New(g, DefaultParameters(), logger)
	test.That(t, err, test.ShouldBeNil)
	x0, err := sa.InitializeRandomly(4, rnd)
	test.That(t, err, test.ShouldBeNil)
	opt := newStiefelOptimizer(3000, 1e-13, -1, logger)
	x, _, err := opt.minimize(context.Background(), q, x0)
	test.That(t, err, test.ShouldBeNil)

	s := buildCertificateMatrix(q, x)
	rows, p := x.Dims()
	sx := mat.NewDense(rows, p, nil)
	s.mulDense(sx, x)
	test.That(t, mat.Norm(sx, 2), test.ShouldAlmostEqual, 0, 1e-5)
}

// TestMinEigenvalueAgainstDenseOracle compares the iterative estimate with
// a full dense decomposition on problems small enough to afford one.
func TestMinEigenvalueAgainstDenseOracle(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rnd := rand.New(rand.NewSource(41))
	measurements, _ := randomConnected(rnd, 6, 4)
	g, err := NewGraph(measurements)
	test.That(t, err, test.ShouldBeNil)
	q, err := buildQ(g, true)
	test.That(t, err, test.ShouldBeNil)

	// an arbitrary feasible point: S will usually be indefinite here
	sa, err := New(g, DefaultParameters(), logger)
	test.That(t, err, test.ShouldBeNil)
	x, err := sa.InitializeRandomly(3, rnd)
	test.That(t, err, test.ShouldBeNil)
	s := buildCertificateMatrix(q, x)

	ce := newCertificateEvaluator(DefaultParameters(), logger)
	got, witness, err := ce.minEigenvalue(context.Background(), s, nil)
	test.That(t, err, test.ShouldBeNil)

	var eig mat.EigenSym
	test.That(t, eig.Factorize(s.dense(), false), test.ShouldBeTrue)
	vals := eig.Values(nil)
	test.That(t, got, test.ShouldAlmostEqual, vals[0], 1e-4)

	// the witness is a unit eigenvector for the estimate
	sv := make([]float64, s.dim())
	s.mulVec(sv, witness)
	for i := range sv {
		test.That(t, sv[i], test.ShouldAlmostEqual, got*witness[i], 1e-3)
	}
}

// TestCertifyAtGlobalOptimum checks that an exactly consistent problem
// certifies at p=3 and that the certificate carries no witness.
func TestCertifyAtGlobalOptimum(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g, err := NewGraph(fourCycle(90))
	test.That(t, err, test.ShouldBeNil)
	q, err := buildQ(g, false)
	test.That(t, err, test.ShouldBeNil)

	x, err := embedRotations(g, cycleTruth(), 3)
	test.That(t, err, test.ShouldBeNil)

	ce := newCertificateEvaluator(DefaultParameters(), logger)
	cert, err := ce.evaluate(context.Background(), q, x)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cert.Certified, test.ShouldBeTrue)
	test.That(t, cert.MinEigenvalue, test.ShouldAlmostEqual, 0, 1e-5)
	test.That(t, cert.Witness, test.ShouldBeNil)
}

// TestCertifyDeflatesSolutionKernel lifts the exact solution into p=4,
// where the stacked variable has deficient column rank and its column
// space is an exact null space of the certificate matrix. Deflating that
// space keeps the shifted power iteration away from the degenerate top of
// the spectrum, so a modest iteration budget must suffice and the reported
// minimum eigenvalue is the kernel's zero.
func TestCertifyDeflatesSolutionKernel(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g, err := NewGraph(fourCycle(90))
	test.That(t, err, test.ShouldBeNil)
	q, err := buildQ(g, false)
	test.That(t, err, test.ShouldBeNil)

	x, err := embedRotations(g, cycleTruth(), 4)
	test.That(t, err, test.ShouldBeNil)

	kernel, err := kernelBasis(x)
	test.That(t, err, test.ShouldBeNil)
	_, rank := kernel.Dims()
	test.That(t, rank, test.ShouldEqual, 3)

	params := DefaultParameters()
	params.EigMaxIterations = 5000
	ce := newCertificateEvaluator(params, logger)
	cert, err := ce.evaluate(context.Background(), q, x)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cert.Certified, test.ShouldBeTrue)
	test.That(t, cert.MinEigenvalue, test.ShouldEqual, 0)
	test.That(t, cert.Witness, test.ShouldBeNil)
}

// TestEigensolverBudgetFailure checks that a starved eigensolver reports
// ErrEigensolverFailed and still returns its best estimate.
func TestEigensolverBudgetFailure(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rnd := rand.New(rand.NewSource(42))
	measurements, _ := randomConnected(rnd, 6, 4)
	g, err := NewGraph(measurements)
	test.That(t, err, test.ShouldBeNil)
	q, err := buildQ(g, true)
	test.That(t, err, test.ShouldBeNil)

	sa, err := New(g, DefaultParameters(), logger)
	test.That(t, err, test.ShouldBeNil)
	x, err := sa.InitializeRandomly(3, rnd)
	test.That(t, err, test.ShouldBeNil)

	params := DefaultParameters()
	params.EigMaxIterations = 1
	ce := newCertificateEvaluator(params, logger)
	cert, err := ce.evaluate(context.Background(), q, x)
	test.That(t, errors.Is(err, ErrEigensolverFailed), test.ShouldBeTrue)
	test.That(t, cert, test.ShouldNotBeNil)
	test.That(t, cert.Certified, test.ShouldBeFalse)
	test.That(t, cert.Witness, test.ShouldNotBeNil)
}
