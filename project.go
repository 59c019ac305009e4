package shonan

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rotavg/shonan/spatialmath"
)

// projectToRotations rounds a lifted solution down to physical rotations:
// rank-3 truncation of the stacked variable via SVD, nearest-rotation
// orthogonalization of each block, and a gauge fix that re-expresses every
// rotation relative to the anchor so the anchor maps to identity. The
// result is only guaranteed-quality when x was certified optimal; rounding
// an uncertified x yields a local-optimum estimate, which the controller
// reports as such.
func projectToRotations(g *Graph, x *mat.Dense, anchor Key) (map[Key]spatialmath.Rot3, error) {
	rows, _ := x.Dims()
	if rows != 3*g.NumNodes() {
		return nil, errors.Errorf("lifted solution has %d rows, want %d", rows, 3*g.NumNodes())
	}
	anchorIdx, err := g.indexOf(anchor)
	if err != nil {
		return nil, err
	}

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, errors.New("SVD of lifted solution failed")
	}
	var u mat.Dense
	svd.UTo(&u)
	vals := svd.Values(nil)

	// Coordinates of every block in the top-3 singular directions, scaled
	// by the singular values: W = U_3 * diag(s_1..s_3).
	n := g.NumNodes()
	w := mat.NewDense(rows, 3, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < 3; c++ {
			w.Set(r, c, u.At(r, c)*vals[c])
		}
	}

	// A certified solution of a lifted problem may sit in an orientation-
	// reversing alignment of the top-3 directions; conjugating by a
	// reflection would corrupt every relative rotation, so flip the third
	// direction when the block determinants vote negative.
	negatives := 0
	for i := 0; i < n; i++ {
		if mat.Det(w.Slice(3*i, 3*i+3, 0, 3)) < 0 {
			negatives++
		}
	}
	if 2*negatives > n {
		for r := 0; r < rows; r++ {
			w.Set(r, 2, -w.At(r, 2))
		}
	}

	// Each block row approximates R_i^T up to a shared gauge; the nearest
	// proper rotation absorbs the remaining noise.
	estimates := make([]spatialmath.Rot3, n)
	for i := 0; i < n; i++ {
		block := w.Slice(3*i, 3*i+3, 0, 3)
		r, err := spatialmath.NearestRotation(block.T())
		if err != nil {
			return nil, errors.Wrapf(err, "rounding block %d", i)
		}
		estimates[i] = r
	}

	gauge := estimates[anchorIdx].Inverse()
	out := make(map[Key]spatialmath.Rot3, n)
	for i, k := range g.keys {
		out[k] = gauge.Mul(estimates[i])
	}
	return out, nil
}

// embedRotations lifts an SO(3) assignment into dimension p by placing each
// rotation's transpose in the leading 3 columns of its block. The inverse
// of projectToRotations for p = 3 and the natural warm start for higher p.
func embedRotations(g *Graph, rotations map[Key]spatialmath.Rot3, p int) (*mat.Dense, error) {
	if p < 3 {
		return nil, errors.Errorf("lifted dimension must be >= 3, got %d", p)
	}
	x := mat.NewDense(3*g.NumNodes(), p, nil)
	for i, k := range g.keys {
		r, ok := rotations[k]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownNode, "no rotation supplied for key %d", k)
		}
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				// Block row i holds R_i^T.
				x.Set(3*i+a, b, r.At(b, a))
			}
		}
	}
	return x, nil
}
