package dataset

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/rotavg/shonan"
	"github.com/rotavg/shonan/spatialmath"
)

func rz(deg float64) spatialmath.Rot3 {
	return spatialmath.NewRot3FromAxisAngle(r3.Vector{Z: 1}, deg*math.Pi/180)
}

func TestG2ORoundTrip(t *testing.T) {
	measurements := []shonan.Measurement{
		{Key1: 0, Key2: 1, Rot: rz(90), Kappa: 1},
		{Key1: 1, Key2: 2, Rot: rz(45), Kappa: 2.5},
		{Key1: 2, Key2: 0, Rot: spatialmath.NewRot3FromAxisAngle(r3.Vector{X: 1, Y: 1}, 0.7), Kappa: 0.25},
	}
	path := filepath.Join(t.TempDir(), "cycle.g2o")
	test.That(t, WriteG2O(path, measurements), test.ShouldBeNil)

	parsed, err := ReadG2O(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, parsed, test.ShouldHaveLength, len(measurements))
	for i, m := range measurements {
		test.That(t, parsed[i].Key1, test.ShouldEqual, m.Key1)
		test.That(t, parsed[i].Key2, test.ShouldEqual, m.Key2)
		test.That(t, parsed[i].Kappa, test.ShouldAlmostEqual, m.Kappa, 1e-12)
		test.That(t, parsed[i].Rot.AngleTo(m.Rot), test.ShouldAlmostEqual, 0, 1e-12)
	}

	// the parsed measurements form a usable graph
	g, err := shonan.NewGraph(parsed)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.NumNodes(), test.ShouldEqual, 3)
}

func TestReadG2OSkipsForeignRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.g2o")
	content := `# a comment
VERTEX_SE3:QUAT 0 0 0 0 0 0 0 1
VERTEX_SE3:QUAT 1 1 2 3 0 0 0 1
EDGE_SE2 0 1 0 0 0 1 0 0 1 0 1
EDGE_SE3:QUAT 0 1 0 0 0 0 0 0.7071067811865476 0.7071067811865476
`
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)

	parsed, err := ReadG2O(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, parsed, test.ShouldHaveLength, 1)
	test.That(t, parsed[0].Kappa, test.ShouldEqual, 1.0)
	test.That(t, parsed[0].Rot.AngleTo(rz(90)), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestReadG2ORejectsMalformed(t *testing.T) {
	dir := t.TempDir()

	for name, content := range map[string]string{
		"short_edge.g2o":  "EDGE_SE3:QUAT 0 1 0 0 0 1\n",
		"bad_quat.g2o":    "EDGE_SE3:QUAT 0 1 0 0 0 0 0 0 0\n",
		"bad_key.g2o":     "EDGE_SE3:QUAT zero 1 0 0 0 0 0 0 1\n",
		"bad_vertex.g2o":  "VERTEX_SE3:QUAT 0 0 0 0\n",
		"no_edges.g2o":    "VERTEX_SE3:QUAT 0 0 0 0 0 0 0 1\n",
		"bad_number.g2o":  "EDGE_SE3:QUAT 0 1 0 0 x 0 0 0 1\n",
		"missing_file.na": "",
	} {
		path := filepath.Join(dir, name)
		if name != "missing_file.na" {
			test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)
		}
		_, err := ReadG2O(path)
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestReadG2ORejectsNonPositivePrecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zeroinfo.g2o")
	line := "EDGE_SE3:QUAT 0 1 0 0 0 0 0 0 1"
	for i := 0; i < 21; i++ {
		line += " 0"
	}
	test.That(t, os.WriteFile(path, []byte(line+"\n"), 0o600), test.ShouldBeNil)
	_, err := ReadG2O(path)
	test.That(t, err, test.ShouldNotBeNil)
}
