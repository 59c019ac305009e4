package main

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/rotavg/shonan"
	"github.com/rotavg/shonan/dataset"
	"github.com/rotavg/shonan/spatialmath"
)

// TestEigenTraceDims checks that the printed eigenvalue trace covers every
// dimension the run tried, not just up to the reported best dimension of
// an exhausted run.
func TestEigenTraceDims(t *testing.T) {
	result := &shonan.Result{
		Certified:      false,
		Dimension:      3,
		MinEigenvalues: map[int]float64{5: -2e-4, 3: -2.0, 4: -0.5},
	}
	test.That(t, eigenTraceDims(result), test.ShouldResemble, []int{3, 4, 5})
}

func TestRunPipeline(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rz := func(deg float64) spatialmath.Rot3 {
		return spatialmath.NewRot3FromAxisAngle(r3.Vector{Z: 1}, deg*math.Pi/180)
	}
	measurements := []shonan.Measurement{
		{Key1: 0, Key2: 1, Rot: rz(90), Kappa: 1},
		{Key1: 1, Key2: 2, Rot: rz(90), Kappa: 1},
		{Key1: 2, Key2: 3, Rot: rz(90), Kappa: 1},
		{Key1: 3, Key2: 0, Rot: rz(90), Kappa: 1},
	}
	path := filepath.Join(t.TempDir(), "cycle.g2o")
	test.That(t, dataset.WriteG2O(path, measurements), test.ShouldBeNil)
	test.That(t, run(path, 3, 20, 1e-4, false, false, logger), test.ShouldBeNil)

	test.That(t, run(filepath.Join(t.TempDir(), "missing.g2o"), 3, 20, 1e-4, false, false, logger), test.ShouldNotBeNil)
}
