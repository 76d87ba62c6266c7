package pipeline

import (
	"fmt"
	"strings"

	"cubebackend/raster"
)

// Combiner folds per-acquisition NDVI datasets into a baseline composite, and
// later folds per-window merged datasets into the cross-window accumulator.
// The same strategy is used at both levels.
type Combiner interface {
	// Combine folds next into acc. acc may be nil on the first call; next may
	// carry multiple time slabs.
	Combine(acc, next *raster.Dataset) (*raster.Dataset, error)
	// Finalize collapses the accumulator to a single-slab composite.
	Finalize(acc *raster.Dataset) *raster.Dataset
	Name() string
}

// FillForward keeps the first valid observation per pixel. Order-sensitive:
// with most-recent-first iteration this yields a most-recent-valid composite.
type FillForward struct{}

func (FillForward) Name() string { return "most_recent" }

func (FillForward) Combine(acc, next *raster.Dataset) (*raster.Dataset, error) {
	if next == nil {
		return acc, nil
	}
	collapsed := next
	if len(next.Times) > 1 {
		collapsed = raster.MostRecentValid(next)
	}
	return raster.FillNoData(acc, collapsed)
}

func (FillForward) Finalize(acc *raster.Dataset) *raster.Dataset {
	if acc == nil {
		return nil
	}
	if len(acc.Times) > 1 {
		return raster.MostRecentValid(acc)
	}
	return acc
}

// FoldMedian accumulates every observation and takes the per-pixel median at
// the end. Stacking instead of pairwise reduction keeps the median exact.
type FoldMedian struct{}

func (FoldMedian) Name() string { return "median" }

func (FoldMedian) Combine(acc, next *raster.Dataset) (*raster.Dataset, error) {
	if next == nil {
		return acc, nil
	}
	if acc == nil {
		return next.Copy(), nil
	}
	return raster.StackTimes(acc, next)
}

func (FoldMedian) Finalize(acc *raster.Dataset) *raster.Dataset {
	if acc == nil {
		return nil
	}
	return raster.MedianTime(acc)
}

// Profile bundles the chunking and compositing knobs for a pipeline run.
type Profile struct {
	Name string

	// GeoChunkDegrees is the max side length of a geographic chunk in degrees.
	// <= 0 disables spatial chunking (one chunk covering the whole box).
	GeoChunkDegrees float64

	// TimeWindowSize is the number of baseline acquisitions grouped into one
	// time window. <= 0 disables temporal windowing (a single window).
	TimeWindowSize int

	// ReverseTime orders acquisitions most-recent-first within windows, which
	// is what fill-forward compositing expects.
	ReverseTime bool

	Composite Combiner
}

// ProfileFor resolves a composite method name to its processing profile.
func ProfileFor(method string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", "median":
		return Profile{
			Name:            "median",
			GeoChunkDegrees: 0.05,
			TimeWindowSize:  0,
			ReverseTime:     true,
			Composite:       FoldMedian{},
		}, nil
	case "most_recent", "most-recent", "mosaic":
		return Profile{
			Name:            "most_recent",
			GeoChunkDegrees: 0.05,
			TimeWindowSize:  5,
			ReverseTime:     true,
			Composite:       FillForward{},
		}, nil
	default:
		return Profile{}, fmt.Errorf("unknown composite method %q", method)
	}
}
