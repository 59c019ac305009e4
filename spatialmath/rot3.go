// Package spatialmath implements the 3D rotation and Stiefel-manifold
// primitives used by rotation averaging: proper rotation matrices, their
// quaternion and axis-angle forms, nearest-rotation projection, and
// row-orthonormal retraction for lifted variables.
package spatialmath

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// defaultOrthoTol is how far from exact orthonormality a matrix may be and
// still be accepted as a rotation.
const defaultOrthoTol = 1e-6

// Rot3 is an element of SO(3), stored row-major. The zero value is not a
// valid rotation; use NewRot3 for the identity.
type Rot3 struct {
	m [9]float64
}

// NewRot3 returns the identity rotation.
func NewRot3() Rot3 {
	return Rot3{m: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// NewRot3FromMat validates that the given matrix is 3x3, orthonormal and of
// determinant +1, and returns it as a Rot3.
func NewRot3FromMat(m mat.Matrix) (Rot3, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return Rot3{}, errors.Errorf("expected a 3x3 matrix, got %dx%d", r, c)
	}
	var out Rot3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.m[3*i+j] = m.At(i, j)
		}
	}
	if !out.Valid() {
		return Rot3{}, errors.New("matrix is not a proper rotation")
	}
	return out, nil
}

// NewRot3FromQuat converts a quaternion to a rotation, normalizing it first.
func NewRot3FromQuat(q quat.Number) (Rot3, error) {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n < defaultOrthoTol {
		return Rot3{}, errors.New("cannot make a rotation from a near-zero quaternion")
	}
	w, x, y, z := q.Real/n, q.Imag/n, q.Jmag/n, q.Kmag/n
	return Rot3{m: [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}}, nil
}

// NewRot3FromAxisAngle returns the rotation of theta radians about the given
// axis via the Rodrigues formula. A near-zero axis yields the identity.
func NewRot3FromAxisAngle(axis r3.Vector, theta float64) Rot3 {
	n := axis.Norm()
	if n < 1e-12 {
		return NewRot3()
	}
	u := axis.Mul(1 / n)
	c, s := math.Cos(theta), math.Sin(theta)
	cc := 1 - c
	return Rot3{m: [9]float64{
		c + u.X*u.X*cc, u.X*u.Y*cc - u.Z*s, u.X*u.Z*cc + u.Y*s,
		u.Y*u.X*cc + u.Z*s, c + u.Y*u.Y*cc, u.Y*u.Z*cc - u.X*s,
		u.Z*u.X*cc - u.Y*s, u.Z*u.Y*cc + u.X*s, c + u.Z*u.Z*cc,
	}}
}

// NewRot3FromRotVec is NewRot3FromAxisAngle with the angle encoded as the
// vector's length.
func NewRot3FromRotVec(w r3.Vector) Rot3 {
	return NewRot3FromAxisAngle(w, w.Norm())
}

// RandomRot3 returns a rotation drawn uniformly from SO(3).
func RandomRot3(rnd *rand.Rand) Rot3 {
	q := quat.Number{
		Real: rnd.NormFloat64(),
		Imag: rnd.NormFloat64(),
		Jmag: rnd.NormFloat64(),
		Kmag: rnd.NormFloat64(),
	}
	r, err := NewRot3FromQuat(q)
	if err != nil {
		// A zero draw from four gaussians does not happen.
		return NewRot3()
	}
	return r
}

// At returns the (i, j) entry.
func (r Rot3) At(i, j int) float64 {
	return r.m[3*i+j]
}

// Mat returns a copy of the rotation as a dense matrix.
func (r Rot3) Mat() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64{}, r.m[:]...))
}

// Mul returns r * o.
func (r Rot3) Mul(o Rot3) Rot3 {
	var out Rot3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += r.m[3*i+k] * o.m[3*k+j]
			}
			out.m[3*i+j] = sum
		}
	}
	return out
}

// Inverse returns the inverse rotation, which for SO(3) is the transpose.
func (r Rot3) Inverse() Rot3 {
	var out Rot3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.m[3*i+j] = r.m[3*j+i]
		}
	}
	return out
}

// Between returns the relative rotation r^-1 * o.
func (r Rot3) Between(o Rot3) Rot3 {
	return r.Inverse().Mul(o)
}

// Quat returns the rotation as a unit quaternion with non-negative real part.
func (r Rot3) Quat() quat.Number {
	var q quat.Number
	tr := r.m[0] + r.m[4] + r.m[8]
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (r.m[7] - r.m[5]) / s,
			Jmag: (r.m[2] - r.m[6]) / s,
			Kmag: (r.m[3] - r.m[1]) / s,
		}
	case r.m[0] > r.m[4] && r.m[0] > r.m[8]:
		s := math.Sqrt(1+r.m[0]-r.m[4]-r.m[8]) * 2
		q = quat.Number{
			Real: (r.m[7] - r.m[5]) / s,
			Imag: s / 4,
			Jmag: (r.m[1] + r.m[3]) / s,
			Kmag: (r.m[2] + r.m[6]) / s,
		}
	case r.m[4] > r.m[8]:
		s := math.Sqrt(1+r.m[4]-r.m[0]-r.m[8]) * 2
		q = quat.Number{
			Real: (r.m[2] - r.m[6]) / s,
			Imag: (r.m[1] + r.m[3]) / s,
			Jmag: s / 4,
			Kmag: (r.m[5] + r.m[7]) / s,
		}
	default:
		s := math.Sqrt(1+r.m[8]-r.m[0]-r.m[4]) * 2
		q = quat.Number{
			Real: (r.m[3] - r.m[1]) / s,
			Imag: (r.m[2] + r.m[6]) / s,
			Jmag: (r.m[5] + r.m[7]) / s,
			Kmag: s / 4,
		}
	}
	if q.Real < 0 {
		q = quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
	}
	return q
}

// Angle returns the rotation angle in [0, pi].
func (r Rot3) Angle() float64 {
	c := (r.m[0] + r.m[4] + r.m[8] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// AngleTo returns the geodesic distance to another rotation.
func (r Rot3) AngleTo(o Rot3) float64 {
	return r.Between(o).Angle()
}

// Valid reports whether r is orthonormal with determinant +1 within
// tolerance.
func (r Rot3) Valid() bool {
	// R * R^T must be the identity.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += r.m[3*i+k] * r.m[3*j+k]
			}
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(sum-want) > defaultOrthoTol {
				return false
			}
		}
	}
	return det3(r.m[:]) > 0
}

// NearestRotation projects an arbitrary 3x3 matrix to the closest proper
// rotation in the Frobenius sense, flipping the last singular direction when
// the polar factor is a reflection.
func NearestRotation(m mat.Matrix) (Rot3, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return Rot3{}, errors.Errorf("expected a 3x3 matrix, got %dx%d", r, c)
	}
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return Rot3{}, errors.New("SVD of 3x3 matrix failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var uvt mat.Dense
	uvt.Mul(&u, v.T())
	if mat.Det(&uvt) < 0 {
		// Negate the least significant singular direction.
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		uvt.Mul(&u, v.T())
	}
	var out Rot3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.m[3*i+j] = uvt.At(i, j)
		}
	}
	return out, nil
}

func det3(m []float64) float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}
