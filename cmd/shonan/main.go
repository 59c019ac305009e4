// Package main runs Shonan rotation averaging on a g2o dataset and prints
// the estimated rotations with a certification summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/edaniels/golog"

	"github.com/rotavg/shonan"
	"github.com/rotavg/shonan/dataset"
)

func main() {
	var (
		pMin    = flag.Int("pmin", 3, "starting lifted dimension")
		pMax    = flag.Int("pmax", 20, "maximum lifted dimension")
		epsilon = flag.Float64("epsilon", 1e-4, "optimality tolerance")
		noise   = flag.Bool("noise", false, "weight measurements by their precision")
		refine  = flag.Bool("refine", false, "refine the rounded estimate with nlopt")
		debug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <dataset.g2o>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger := golog.NewDevelopmentLogger("shonan")
	if !*debug {
		logger = golog.NewLogger("shonan")
	}
	if err := run(flag.Arg(0), *pMin, *pMax, *epsilon, *noise, *refine, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(path string, pMin, pMax int, epsilon float64, noise, refine bool, logger golog.Logger) error {
	measurements, err := dataset.ReadG2O(path)
	if err != nil {
		return err
	}
	graph, err := shonan.NewGraph(measurements)
	if err != nil {
		return err
	}
	logger.Infof("loaded %d measurements over %d nodes", graph.NumMeasurements(), graph.NumNodes())

	params := shonan.DefaultParameters()
	params.MinDim = pMin
	params.MaxDim = pMax
	params.OptimalityThreshold = epsilon
	params.UseNoiseModel = noise

	sa, err := shonan.New(graph, params, logger)
	if err != nil {
		return err
	}
	result, err := sa.Run(context.Background())
	if err != nil {
		return err
	}

	rotations := result.Rotations
	cost := result.Cost
	if refine {
		refiner := shonan.NewNloptRefiner(graph, noise, -1, logger)
		refined, refinedCost, err := refiner.Refine(context.Background(), rotations, sa.Anchor())
		if err != nil {
			logger.Warnw("refinement failed, keeping rounded estimate", "error", err)
		} else {
			rotations, cost = refined, refinedCost
		}
	}

	if result.Certified {
		logger.Infof("certified globally optimal at p=%d, cost %g", result.Dimension, cost)
	} else {
		logger.Warnf("NOT certified (best effort at p=%d), cost %g", result.Dimension, cost)
	}
	for _, p := range eigenTraceDims(result) {
		logger.Infof("  p=%d min certificate eigenvalue %g", p, result.MinEigenvalues[p])
	}

	keys := make([]shonan.Key, 0, len(rotations))
	for k := range rotations {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		q := rotations[k].Quat()
		fmt.Printf("%d %.9f %.9f %.9f %.9f\n", k, q.Imag, q.Jmag, q.Kmag, q.Real)
	}
	return nil
}

// eigenTraceDims returns the dimensions tried during a run in ascending
// order. An exhausted run reports a best dimension lower than the last
// dimension tried, so the trace keys are the authority on what ran.
func eigenTraceDims(result *shonan.Result) []int {
	dims := make([]int, 0, len(result.MinEigenvalues))
	for p := range result.MinEigenvalues {
		dims = append(dims, p)
	}
	sort.Ints(dims)
	return dims
}
