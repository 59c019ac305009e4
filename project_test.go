package shonan

import (
	"math/rand"
	"testing"

	"go.viam.com/test"

	"github.com/rotavg/shonan/spatialmath"
)

// TestProjectEmbedRoundTrip checks that projecting an embedded SO(3)
// assignment recovers the assignment relative to the anchor, at p=3 and at
// a strictly lifted dimension.
func TestProjectEmbedRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(50))
	measurements, truth := randomConnected(rnd, 6, 4)
	g, err := NewGraph(measurements)
	test.That(t, err, test.ShouldBeNil)

	for _, p := range []int{3, 5, 9} {
		x, err := embedRotations(g, truth, p)
		test.That(t, err, test.ShouldBeNil)
		out, err := projectToRotations(g, x, 0)
		test.That(t, err, test.ShouldBeNil)

		test.That(t, out[0].Angle(), test.ShouldAlmostEqual, 0, 1e-9)
		gauge := truth[0].Inverse()
		for k, want := range truth {
			test.That(t, out[k].AngleTo(gauge.Mul(want)), test.ShouldAlmostEqual, 0, 1e-9)
		}
	}
}

// TestProjectIdempotent checks that rounding the same lifted solution
// twice yields identical rotations.
func TestProjectIdempotent(t *testing.T) {
	rnd := rand.New(rand.NewSource(51))
	measurements, truth := randomConnected(rnd, 5, 3)
	g, err := NewGraph(measurements)
	test.That(t, err, test.ShouldBeNil)
	x, err := embedRotations(g, truth, 7)
	test.That(t, err, test.ShouldBeNil)

	first, err := projectToRotations(g, x, 0)
	test.That(t, err, test.ShouldBeNil)
	second, err := projectToRotations(g, x, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second, test.ShouldResemble, first)
}

// TestProjectAnchorChoice checks that changing the anchor re-expresses the
// same solution in a different gauge without changing relative rotations.
func TestProjectAnchorChoice(t *testing.T) {
	rnd := rand.New(rand.NewSource(52))
	measurements, truth := randomConnected(rnd, 5, 3)
	g, err := NewGraph(measurements)
	test.That(t, err, test.ShouldBeNil)
	x, err := embedRotations(g, truth, 4)
	test.That(t, err, test.ShouldBeNil)

	at0, err := projectToRotations(g, x, 0)
	test.That(t, err, test.ShouldBeNil)
	at3, err := projectToRotations(g, x, 3)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, at3[3].Angle(), test.ShouldAlmostEqual, 0, 1e-9)
	for k := range truth {
		for k2 := range truth {
			rel0 := at0[k].Between(at0[k2])
			rel3 := at3[k].Between(at3[k2])
			test.That(t, rel0.AngleTo(rel3), test.ShouldAlmostEqual, 0, 1e-9)
		}
	}

	_, err = projectToRotations(g, x, 99)
	test.That(t, err, test.ShouldNotBeNil)
}

// TestEmbedValidation checks shape and key validation of the embedding.
func TestEmbedValidation(t *testing.T) {
	g, err := NewGraph(fourCycle(90))
	test.That(t, err, test.ShouldBeNil)

	_, err = embedRotations(g, cycleTruth(), 2)
	test.That(t, err, test.ShouldNotBeNil)

	partial := map[Key]spatialmath.Rot3{0: rzDeg(0)}
	_, err = embedRotations(g, partial, 3)
	test.That(t, err, test.ShouldNotBeNil)

	x, err := embedRotations(g, cycleTruth(), 6)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < g.NumNodes(); i++ {
		block := x.Slice(3*i, 3*i+3, 0, 6)
		test.That(t, spatialmath.RowsOrthonormal(block, 1e-12), test.ShouldBeTrue)
	}
}
