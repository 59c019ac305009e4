//go:build !windows && !no_cgo

package shonan

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/go-nlopt/nlopt"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/rotavg/shonan/spatialmath"
)

const (
	refineDefaultIterations = 4001
	refineEpsilon           = 1e-10
	refineJump              = 1e-7
)

var errRefineFailed = errors.New("nlopt could not improve the rotation estimate")

// NloptRefiner polishes a rounded SO(3) estimate by minimizing the physical
// measurement cost over local axis-angle coordinates, three per non-anchor
// node. Refinement is optional and sits off the certification path: it can
// tighten a best-effort (uncertified) estimate but never changes whether a
// solution was certified.
type NloptRefiner struct {
	graph         *Graph
	useNoiseModel bool
	maxIterations int
	epsilon       float64
	logger        golog.Logger
}

type refineReturn struct {
	solution []float64
	score    float64
	err      error
}

// NewNloptRefiner creates a refiner for the given graph. If iter is less
// than 1 the default iteration budget is used.
func NewNloptRefiner(graph *Graph, useNoiseModel bool, iter int, logger golog.Logger) *NloptRefiner {
	if iter < 1 {
		iter = refineDefaultIterations
	}
	return &NloptRefiner{
		graph:         graph,
		useNoiseModel: useNoiseModel,
		maxIterations: iter,
		epsilon:       refineEpsilon,
		logger:        logger,
	}
}

// Refine returns a locally refined copy of the initial estimate and its
// cost. The anchor stays pinned at its initial rotation.
func (rf *NloptRefiner) Refine(ctx context.Context, initial map[Key]spatialmath.Rot3, anchor Key) (map[Key]spatialmath.Rot3, float64, error) {
	if _, err := rf.graph.indexOf(anchor); err != nil {
		return nil, 0, err
	}
	free := make([]Key, 0, rf.graph.NumNodes()-1)
	for _, k := range rf.graph.keys {
		if k == anchor {
			continue
		}
		if _, ok := initial[k]; !ok {
			return nil, 0, errors.Wrapf(ErrUnknownNode, "no initial rotation for key %d", k)
		}
		free = append(free, k)
	}
	dof := 3 * len(free)
	if dof == 0 {
		out := map[Key]spatialmath.Rot3{anchor: initial[anchor]}
		cost, err := rf.graph.Cost(out, rf.useNoiseModel)
		return out, cost, err
	}

	assemble := func(coords []float64) map[Key]spatialmath.Rot3 {
		rotations := make(map[Key]spatialmath.Rot3, rf.graph.NumNodes())
		rotations[anchor] = initial[anchor]
		for i, k := range free {
			w := r3.Vector{X: coords[3*i], Y: coords[3*i+1], Z: coords[3*i+2]}
			rotations[k] = spatialmath.NewRot3FromRotVec(w).Mul(initial[k])
		}
		return rotations
	}

	opt, err := nlopt.NewNLopt(nlopt.LD_SLSQP, uint(dof))
	if err != nil {
		return nil, 0, errors.Wrap(err, "nlopt creation error")
	}
	defer opt.Destroy()

	evalCost := func(coords []float64) float64 {
		cost, costErr := rf.graph.Cost(assemble(coords), rf.useNoiseModel)
		if costErr != nil {
			rf.logger.Errorw("error evaluating refinement cost", "error", costErr)
			if stopErr := opt.ForceStop(); stopErr != nil {
				rf.logger.Errorw("forcestop error", "error", stopErr)
			}
			return 0
		}
		return cost
	}

	// Gradient is a C structure mutated in place; fill it by forward
	// differences the way the kinematics solver does.
	minFunc := func(x, gradient []float64) float64 {
		cost := evalCost(x)
		for i := range gradient {
			x[i] += refineJump
			gradient[i] = (evalCost(x) - cost) / refineJump
			x[i] -= refineJump
		}
		return cost
	}

	err = multierr.Combine(
		opt.SetFtolRel(rf.epsilon),
		opt.SetFtolAbs(rf.epsilon),
		opt.SetXtolRel(rf.epsilon),
		opt.SetMinObjective(minFunc),
		opt.SetMaxEval(rf.maxIterations),
	)
	if err != nil {
		return nil, 0, err
	}

	var active sync.WaitGroup
	solveChan := make(chan *refineReturn, 1)
	active.Add(1)
	utils.PanicCapturingGo(func() {
		defer active.Done()
		solution, score, optErr := opt.Optimize(make([]float64, dof))
		solveChan <- &refineReturn{solution, score, optErr}
	})

	select {
	case <-ctx.Done():
		err = multierr.Combine(opt.ForceStop(), ctx.Err())
		active.Wait()
		return nil, 0, err
	case ret := <-solveChan:
		if ret.err != nil && ret.solution == nil {
			return nil, 0, multierr.Combine(errRefineFailed, ret.err)
		}
		return assemble(ret.solution), ret.score, nil
	}
}
