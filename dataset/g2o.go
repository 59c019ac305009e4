// Package dataset reads and writes the subset of the g2o pose-graph text
// format that rotation averaging consumes: EDGE_SE3:QUAT records reduced to
// relative rotations with a precision taken from the rotational block of
// the information matrix. Translations are parsed and discarded.
package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/rotavg/shonan"
	"github.com/rotavg/shonan/spatialmath"
)

// Field counts after the two keys of an EDGE_SE3:QUAT record: a pose
// (3 translation + 4 quaternion), optionally followed by the 21 upper
// triangular entries of the 6x6 information matrix.
const (
	edgePoseFields = 7
	edgeInfoFields = 21
)

// Diagonal positions of the rotational block inside the row-major upper
// triangle of a 6x6 information matrix.
var rotInfoDiag = [3]int{15, 18, 20}

// ReadG2O parses measurements from a g2o file. VERTEX_SE3:QUAT lines are
// validated and skipped (rotation averaging needs no vertex initial
// values); unknown record types are ignored, matching common g2o readers.
func ReadG2O(path string) ([]shonan.Measurement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening g2o file")
	}
	defer f.Close()

	var measurements []shonan.Measurement
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "EDGE_SE3:QUAT":
			m, err := parseEdge(fields[1:])
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			measurements = append(measurements, m)
		case "VERTEX_SE3:QUAT":
			if err := checkVertex(fields[1:]); err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
		default:
			// Other record types (landmarks, 2D edges, ...) are not ours.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading g2o file")
	}
	if len(measurements) == 0 {
		return nil, errors.New("g2o file contains no EDGE_SE3:QUAT records")
	}
	return measurements, nil
}

func parseEdge(fields []string) (shonan.Measurement, error) {
	if len(fields) != 2+edgePoseFields && len(fields) != 2+edgePoseFields+edgeInfoFields {
		return shonan.Measurement{}, errors.Errorf("EDGE_SE3:QUAT needs %d or %d fields, got %d",
			2+edgePoseFields, 2+edgePoseFields+edgeInfoFields, len(fields))
	}
	key1, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return shonan.Measurement{}, errors.Wrap(err, "parsing first key")
	}
	key2, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return shonan.Measurement{}, errors.Wrap(err, "parsing second key")
	}
	vals, err := parseFloats(fields[2:])
	if err != nil {
		return shonan.Measurement{}, err
	}
	// Translation vals[0:3] is discarded; the quaternion is stored
	// qx qy qz qw.
	rot, err := spatialmath.NewRot3FromQuat(quat.Number{
		Real: vals[6], Imag: vals[3], Jmag: vals[4], Kmag: vals[5],
	})
	if err != nil {
		return shonan.Measurement{}, err
	}
	kappa := 1.0
	if len(vals) > edgePoseFields {
		info := vals[edgePoseFields:]
		sum := 0.0
		for _, idx := range rotInfoDiag {
			sum += info[idx]
		}
		kappa = sum / 3
	}
	if kappa <= 0 {
		return shonan.Measurement{}, errors.Errorf("edge %d -> %d has non-positive rotational precision %f", key1, key2, kappa)
	}
	return shonan.Measurement{
		Key1:  shonan.Key(key1),
		Key2:  shonan.Key(key2),
		Rot:   rot,
		Kappa: kappa,
	}, nil
}

func checkVertex(fields []string) error {
	if len(fields) != 1+edgePoseFields {
		return errors.Errorf("VERTEX_SE3:QUAT needs %d fields, got %d", 1+edgePoseFields, len(fields))
	}
	if _, err := strconv.ParseUint(fields[0], 10, 64); err != nil {
		return errors.Wrap(err, "parsing vertex key")
	}
	vals, err := parseFloats(fields[1:])
	if err != nil {
		return err
	}
	if _, err := spatialmath.NewRot3FromQuat(quat.Number{
		Real: vals[6], Imag: vals[3], Jmag: vals[4], Kmag: vals[5],
	}); err != nil {
		return err
	}
	return nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing field %q", f)
		}
		out[i] = v
	}
	return out, nil
}

// WriteG2O writes measurements as EDGE_SE3:QUAT records with zero
// translation and an isotropic information matrix carrying each
// measurement's precision in the rotational block.
func WriteG2O(path string, measurements []shonan.Measurement) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating g2o file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, m := range measurements {
		q := m.Rot.Quat()
		fmt.Fprintf(w, "EDGE_SE3:QUAT %d %d 0 0 0 %.17g %.17g %.17g %.17g",
			m.Key1, m.Key2, q.Imag, q.Jmag, q.Kmag, q.Real)
		// Upper triangle of diag(1, 1, 1, kappa, kappa, kappa).
		diag := [6]float64{1, 1, 1, m.Kappa, m.Kappa, m.Kappa}
		for i := 0; i < 6; i++ {
			for j := i; j < 6; j++ {
				if i == j {
					fmt.Fprintf(w, " %.17g", diag[i])
				} else {
					fmt.Fprint(w, " 0")
				}
			}
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "writing g2o file")
	}
	return nil
}
