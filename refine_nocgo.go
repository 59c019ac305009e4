//go:build windows || no_cgo

package shonan

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/rotavg/shonan/spatialmath"
)

// NloptRefiner mimics the type in the cgo compiled code.
type NloptRefiner struct{}

// NewNloptRefiner is not supported on no_cgo builds.
func NewNloptRefiner(graph *Graph, useNoiseModel bool, iter int, logger golog.Logger) *NloptRefiner {
	return &NloptRefiner{}
}

// Refine refuses to refine without cgo.
func (rf *NloptRefiner) Refine(ctx context.Context, initial map[Key]spatialmath.Rot3, anchor Key) (map[Key]spatialmath.Rot3, float64, error) {
	return nil, 0, errors.New("nlopt is not supported on this build")
}
