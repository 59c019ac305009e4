// Package shonan implements Shonan rotation averaging: recovering global 3D
// orientations from noisy pairwise relative-rotation measurements by solving
// a staircase of lifted relaxations over SO(p), certifying global optimality
// through the spectrum of a Lagrangian certificate matrix, and projecting a
// certified solution back to SO(3).
package shonan

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/rotavg/shonan/spatialmath"
)

// Key identifies a node (pose) in the measurement graph.
type Key uint64

var (
	// ErrInvalidRotation is returned when a measurement's rotation is not a
	// proper member of SO(3).
	ErrInvalidRotation = errors.New("measurement rotation is not a valid rotation")
	// ErrNonPositiveWeight is returned when a measurement's precision is
	// zero or negative.
	ErrNonPositiveWeight = errors.New("measurement precision must be positive")
	// ErrUnknownNode is returned when a key is not part of the graph.
	ErrUnknownNode = errors.New("unknown node key")
	// ErrDisconnected is returned when some nodes have no measurement path
	// to the anchor and therefore cannot be assigned a meaningful rotation.
	ErrDisconnected = errors.New("measurement graph is disconnected")
)

// Measurement is one relative-orientation observation between two nodes.
// Rot is the orientation of Key2 expressed in the frame of Key1, and Kappa
// is the precision (inverse variance) of the observation.
type Measurement struct {
	Key1  Key
	Key2  Key
	Rot   spatialmath.Rot3
	Kappa float64
}

// Graph is an immutable set of pairwise rotation measurements plus the set
// of node keys they reference. Duplicate measurements between a pair are
// allowed and contribute additively to the cost.
type Graph struct {
	measurements []Measurement
	keys         []Key
	index        map[Key]int
}

// NewGraph validates the given measurements and assembles them into a graph.
// Every rotation must be a proper rotation and every precision positive;
// violations are rejected here so they never reach the optimization core.
func NewGraph(measurements []Measurement) (*Graph, error) {
	if len(measurements) == 0 {
		return nil, errors.New("a measurement graph needs at least one measurement")
	}
	seen := map[Key]bool{}
	for i, m := range measurements {
		if !m.Rot.Valid() {
			return nil, errors.Wrapf(ErrInvalidRotation, "measurement %d (%d -> %d)", i, m.Key1, m.Key2)
		}
		if m.Kappa <= 0 {
			return nil, errors.Wrapf(ErrNonPositiveWeight, "measurement %d (%d -> %d) has kappa %f", i, m.Key1, m.Key2, m.Kappa)
		}
		if m.Key1 == m.Key2 {
			return nil, errors.Errorf("measurement %d is a self-loop on node %d", i, m.Key1)
		}
		seen[m.Key1] = true
		seen[m.Key2] = true
	}
	keys := make([]Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	index := make(map[Key]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}
	g := &Graph{
		measurements: append([]Measurement{}, measurements...),
		keys:         keys,
		index:        index,
	}
	return g, nil
}

// NumNodes returns the number of distinct nodes referenced by measurements.
func (g *Graph) NumNodes() int {
	return len(g.keys)
}

// NumMeasurements returns the number of measurements.
func (g *Graph) NumMeasurements() int {
	return len(g.measurements)
}

// Keys returns the sorted node keys.
func (g *Graph) Keys() []Key {
	return append([]Key{}, g.keys...)
}

// Measurements returns the measurements. Callers must not mutate the result.
func (g *Graph) Measurements() []Measurement {
	return g.measurements
}

// indexOf maps a key to its block index in the stacked variable.
func (g *Graph) indexOf(k Key) (int, error) {
	i, ok := g.index[k]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownNode, "key %d", k)
	}
	return i, nil
}

// checkConnected verifies every node is reachable from the anchor through
// measurements, returning ErrDisconnected with the unreachable keys
// otherwise. Unreachable nodes would silently default to arbitrary
// rotations if allowed through, so they are rejected up front.
func (g *Graph) checkConnected(anchor Key) error {
	start, err := g.indexOf(anchor)
	if err != nil {
		return err
	}
	adj := make([][]int, len(g.keys))
	for _, m := range g.measurements {
		i := g.index[m.Key1]
		j := g.index[m.Key2]
		adj[i] = append(adj[i], j)
		adj[j] = append(adj[j], i)
	}
	visited := make([]bool, len(g.keys))
	queue := []int{start}
	visited[start] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	var unreachable []Key
	for i, ok := range visited {
		if !ok {
			unreachable = append(unreachable, g.keys[i])
		}
	}
	if len(unreachable) > 0 {
		return errors.Wrapf(ErrDisconnected, "nodes %v have no measurement path to anchor %d", unreachable, anchor)
	}
	return nil
}

// spanningTreeRotations composes measurements along a breadth-first
// spanning tree from the anchor into a rotation assignment with the anchor
// at identity. On zero-noise graphs every off-tree measurement is already
// consistent with the tree, so the result is the exact solution; on noisy
// graphs it is a deterministic warm start.
func (g *Graph) spanningTreeRotations(anchor Key) (map[Key]spatialmath.Rot3, error) {
	start, err := g.indexOf(anchor)
	if err != nil {
		return nil, err
	}
	type halfEdge struct {
		to  int
		rot spatialmath.Rot3
	}
	adj := make([][]halfEdge, len(g.keys))
	for _, m := range g.measurements {
		i := g.index[m.Key1]
		j := g.index[m.Key2]
		// Rot is R_i^-1 R_j: forward composes R_j = R_i * Rot, backward
		// inverts it.
		adj[i] = append(adj[i], halfEdge{to: j, rot: m.Rot})
		adj[j] = append(adj[j], halfEdge{to: i, rot: m.Rot.Inverse()})
	}
	est := make([]spatialmath.Rot3, len(g.keys))
	visited := make([]bool, len(g.keys))
	est[start] = spatialmath.NewRot3()
	visited[start] = true
	queue := []int{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range adj[cur] {
			if !visited[e.to] {
				visited[e.to] = true
				est[e.to] = est[cur].Mul(e.rot)
				queue = append(queue, e.to)
			}
		}
	}
	out := make(map[Key]spatialmath.Rot3, len(g.keys))
	for i, k := range g.keys {
		if !visited[i] {
			return nil, errors.Wrapf(ErrDisconnected, "node %d has no measurement path to anchor %d", k, anchor)
		}
		out[k] = est[i]
	}
	return out, nil
}

// Cost evaluates the weighted sum of squared Frobenius residuals
// sum kappa * ||R_j - R_i * R_ij||^2 of an SO(3) assignment. When
// useNoiseModel is false all measurements count with unit weight.
func (g *Graph) Cost(rotations map[Key]spatialmath.Rot3, useNoiseModel bool) (float64, error) {
	total := 0.0
	for i, m := range g.measurements {
		ri, ok := rotations[m.Key1]
		if !ok {
			return 0, errors.Wrapf(ErrUnknownNode, "measurement %d references key %d with no rotation", i, m.Key1)
		}
		rj, ok := rotations[m.Key2]
		if !ok {
			return 0, errors.Wrapf(ErrUnknownNode, "measurement %d references key %d with no rotation", i, m.Key2)
		}
		predicted := ri.Mul(m.Rot)
		sq := 0.0
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				d := rj.At(a, b) - predicted.At(a, b)
				sq += d * d
			}
		}
		w := 1.0
		if useNoiseModel {
			w = m.Kappa
		}
		total += w * sq
	}
	return total, nil
}
