package shonan

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"

	"github.com/rotavg/shonan/spatialmath"
)

// rzDeg is a rotation of deg degrees about the z axis.
func rzDeg(deg float64) spatialmath.Rot3 {
	return spatialmath.NewRot3FromAxisAngle(r3.Vector{Z: 1}, deg*math.Pi/180)
}

// fourCycle builds the 0-1-2-3-0 cycle with 90 degree measurements on the
// first three edges and lastDeg on the closing edge. With lastDeg = 90 the
// cycle is exactly consistent with rotations of 0/90/180/270 degrees.
func fourCycle(lastDeg float64) []Measurement {
	return []Measurement{
		{Key1: 0, Key2: 1, Rot: rzDeg(90), Kappa: 1},
		{Key1: 1, Key2: 2, Rot: rzDeg(90), Kappa: 1},
		{Key1: 2, Key2: 3, Rot: rzDeg(90), Kappa: 1},
		{Key1: 3, Key2: 0, Rot: rzDeg(lastDeg), Kappa: 1},
	}
}

// cycleTruth is the exact solution of fourCycle(90) with node 0 pinned.
func cycleTruth() map[Key]spatialmath.Rot3 {
	return map[Key]spatialmath.Rot3{
		0: rzDeg(0),
		1: rzDeg(90),
		2: rzDeg(180),
		3: rzDeg(270),
	}
}

// randomConnected builds a zero-noise measurement set over n nodes from a
// random ground truth: a spanning chain plus extra random chords, each
// measurement the exact relative rotation of its endpoints.
func randomConnected(rnd *rand.Rand, n, extra int) ([]Measurement, map[Key]spatialmath.Rot3) {
	truth := make(map[Key]spatialmath.Rot3, n)
	for i := 0; i < n; i++ {
		truth[Key(i)] = spatialmath.RandomRot3(rnd)
	}
	var measurements []Measurement
	addEdge := func(i, j int) {
		measurements = append(measurements, Measurement{
			Key1:  Key(i),
			Key2:  Key(j),
			Rot:   truth[Key(i)].Between(truth[Key(j)]),
			Kappa: 0.5 + 1.5*rnd.Float64(),
		})
	}
	for i := 0; i+1 < n; i++ {
		addEdge(i, i+1)
	}
	for e := 0; e < extra; e++ {
		i := rnd.Intn(n)
		j := rnd.Intn(n)
		if i != j {
			addEdge(i, j)
		}
	}
	return measurements, truth
}
