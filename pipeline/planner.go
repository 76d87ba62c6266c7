package pipeline

import (
	"sort"
	"time"

	"cubebackend/domain"
)

// GeoChunk is one cell of the spatial grid. LatIdx counts strips south to
// north, LonIdx counts columns west to east.
type GeoChunk struct {
	Index  int
	LatIdx int
	LonIdx int

	LatMin float64
	LatMax float64
	LonMin float64
	LonMax float64
}

// Plan is the full work breakdown for one query: the spatial grid, the
// baseline time windows, and the scene acquisition kept out of the baseline.
// LatStrips/LonStrips plus the per-chunk indices describe the grid layout
// explicitly so the merger never has to infer traversal order.
type Plan struct {
	GeoChunks []GeoChunk
	LatStrips int
	LonStrips int

	// TimeWindows holds the baseline acquisitions grouped per window. Window
	// order and intra-window order follow the profile's time direction.
	TimeWindows [][]time.Time

	Scene time.Time
}

func (p *Plan) TotalChunks() int {
	if p == nil {
		return 0
	}
	return len(p.GeoChunks) * len(p.TimeWindows)
}

// BuildPlan partitions the bounding box into a grid of chunks no larger than
// the profile's chunk size per side and groups the baseline acquisitions into
// time windows. resolution is the product pixel size in degrees; adjacent
// chunks are separated by one pixel so boundary rows are never loaded twice.
func BuildPlan(resolution float64, latMin, latMax, lonMin, lonMax float64, baseline []time.Time, scene time.Time, profile Profile) (*Plan, error) {
	if len(baseline) < 1 {
		return nil, domain.ErrInsufficientBaseline
	}

	latEdges := splitAxis(latMin, latMax, profile.GeoChunkDegrees)
	lonEdges := splitAxis(lonMin, lonMax, profile.GeoChunkDegrees)

	eps := resolution
	if eps < 0 {
		eps = 0
	}

	plan := &Plan{
		LatStrips: len(latEdges) - 1,
		LonStrips: len(lonEdges) - 1,
		Scene:     scene,
	}
	for lo := 0; lo < plan.LonStrips; lo++ {
		for la := 0; la < plan.LatStrips; la++ {
			cLatMax := latEdges[la+1]
			if la < plan.LatStrips-1 {
				cLatMax -= eps
			}
			cLonMax := lonEdges[lo+1]
			if lo < plan.LonStrips-1 {
				cLonMax -= eps
			}
			plan.GeoChunks = append(plan.GeoChunks, GeoChunk{
				Index:  len(plan.GeoChunks),
				LatIdx: la,
				LonIdx: lo,
				LatMin: latEdges[la],
				LatMax: cLatMax,
				LonMin: lonEdges[lo],
				LonMax: cLonMax,
			})
		}
	}

	ordered := make([]time.Time, len(baseline))
	copy(ordered, baseline)
	sort.Slice(ordered, func(i, j int) bool {
		if profile.ReverseTime {
			return ordered[i].After(ordered[j])
		}
		return ordered[i].Before(ordered[j])
	})

	size := profile.TimeWindowSize
	if size <= 0 {
		size = len(ordered)
	}
	for start := 0; start < len(ordered); start += size {
		end := start + size
		if end > len(ordered) {
			end = len(ordered)
		}
		plan.TimeWindows = append(plan.TimeWindows, ordered[start:end])
	}

	return plan, nil
}

// splitAxis returns strip edges covering [min,max] with each strip at most
// size degrees wide. size<=0 or a degenerate axis yields a single strip.
func splitAxis(min, max, size float64) []float64 {
	if max < min {
		min, max = max, min
	}
	span := max - min
	if size <= 0 || span <= size {
		return []float64{min, max}
	}
	n := int(span / size)
	if float64(n)*size < span {
		n++
	}
	edges := make([]float64, 0, n+1)
	for i := 0; i < n; i++ {
		edges = append(edges, min+float64(i)*size)
	}
	edges = append(edges, max)
	return edges
}
