//go:build !windows && !no_cgo

package shonan

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func TestNloptRefinerImprovesRoundedEstimate(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g, err := NewGraph(fourCycle(45))
	test.That(t, err, test.ShouldBeNil)
	sa, err := New(g, DefaultParameters(), logger)
	test.That(t, err, test.ShouldBeNil)

	result, err := sa.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)
	roundedCost, err := sa.Cost(result.Rotations)
	test.That(t, err, test.ShouldBeNil)

	refiner := NewNloptRefiner(g, false, -1, logger)
	refined, refinedCost, err := refiner.Refine(context.Background(), result.Rotations, sa.Anchor())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, refinedCost, test.ShouldBeLessThanOrEqualTo, roundedCost+1e-9)

	// the anchor stays pinned and every output is a proper rotation
	test.That(t, refined[sa.Anchor()].AngleTo(result.Rotations[sa.Anchor()]), test.ShouldAlmostEqual, 0, 1e-12)
	for _, r := range refined {
		test.That(t, r.Valid(), test.ShouldBeTrue)
	}

	// unknown anchors and incomplete estimates are rejected
	_, _, err = refiner.Refine(context.Background(), result.Rotations, Key(99))
	test.That(t, err, test.ShouldNotBeNil)
	delete(result.Rotations, 2)
	_, _, err = refiner.Refine(context.Background(), result.Rotations, sa.Anchor())
	test.That(t, err, test.ShouldNotBeNil)
}
