package spatialmath

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// RandomStiefel returns a 3xp matrix with orthonormal rows, drawn from the
// invariant distribution on the manifold (gaussian entries followed by a
// polar retraction). p must be at least 3.
func RandomStiefel(rnd *rand.Rand, p int) (*mat.Dense, error) {
	if p < 3 {
		return nil, errors.Errorf("stiefel dimension must be >= 3, got %d", p)
	}
	b := mat.NewDense(3, p, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < p; j++ {
			b.Set(i, j, rnd.NormFloat64())
		}
	}
	return RetractRows(b)
}

// RetractRows maps a 3xp matrix to the nearest matrix with orthonormal rows
// (the polar retraction, via thin SVD). The input must have full row rank.
func RetractRows(b mat.Matrix) (*mat.Dense, error) {
	r, p := b.Dims()
	if r != 3 || p < 3 {
		return nil, errors.Errorf("expected a 3xp (p >= 3) matrix, got %dx%d", r, p)
	}
	var svd mat.SVD
	if ok := svd.Factorize(b, mat.SVDThin); !ok {
		return nil, errors.New("SVD in Stiefel retraction failed")
	}
	vals := svd.Values(nil)
	for _, s := range vals {
		if s < 1e-12 {
			return nil, errors.New("rank-deficient matrix has no unique Stiefel retraction")
		}
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	out := mat.NewDense(3, p, nil)
	out.Mul(&u, v.T())
	return out, nil
}

// RowsOrthonormal reports whether b*b^T is the identity within tol.
func RowsOrthonormal(b mat.Matrix, tol float64) bool {
	r, _ := b.Dims()
	var g mat.Dense
	g.Mul(b, b.T())
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(g.At(i, j)-want) > tol {
				return false
			}
		}
	}
	return true
}
