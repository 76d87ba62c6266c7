package pipeline

import (
	"time"

	"cubebackend/domain"
	"cubebackend/raster"
)

type mergedChunk struct {
	mosaic  *raster.Dataset
	anomaly *raster.Dataset
}

// MergeWindow reassembles one time window's chunk artifacts into full-extent
// mosaic and anomaly datasets. Null chunks are discarded: a missing cell
// inside the grid is padded with a sentinel-filled raster of its extent so the
// surrounding chunks still line up, and strips or columns with no surviving
// chunk at all drop out of the merged extent. Only when every chunk of the
// window is null does the query have no usable data and ErrNoOverlap is
// returned. The grid layout comes from the plan: chunks in each longitude
// column are joined north to south, then the columns west to east.
func MergeWindow(plan *Plan, results []*ChunkResult) (*raster.Dataset, *raster.Dataset, map[time.Time]int, error) {
	clean := map[time.Time]int{}
	byGeo := map[int]mergedChunk{}
	for _, r := range results {
		if r == nil {
			continue
		}
		for d, c := range r.CleanPixels {
			clean[d] += c
		}
		if r.Empty {
			continue
		}
		m, err := raster.ReadFile(r.MosaicPath)
		if err != nil {
			return nil, nil, nil, err
		}
		a, err := raster.ReadFile(r.AnomalyPath)
		if err != nil {
			return nil, nil, nil, err
		}
		byGeo[r.GeoIndex] = mergedChunk{mosaic: m, anomaly: a}
	}
	if len(byGeo) == 0 {
		return nil, nil, nil, domain.ErrNoOverlap
	}

	// Pixel coordinates per strip and column, taken from any surviving chunk
	// sharing that strip or column. A missing cell's extent is the cross
	// product of the two; strips and columns where nothing survived have no
	// known extent and are skipped entirely.
	latVecs := map[int][]float64{}
	lonVecs := map[int][]float64{}
	cellIndex := map[[2]int]int{}
	var ref mergedChunk
	for _, gc := range plan.GeoChunks {
		cellIndex[[2]int{gc.LatIdx, gc.LonIdx}] = gc.Index
		c, ok := byGeo[gc.Index]
		if !ok {
			continue
		}
		ref = c
		if _, seen := latVecs[gc.LatIdx]; !seen {
			latVecs[gc.LatIdx] = c.mosaic.Lats
		}
		if _, seen := lonVecs[gc.LonIdx]; !seen {
			lonVecs[gc.LonIdx] = c.mosaic.Lons
		}
	}
	mosaicBands := bandsOf(ref.mosaic)
	anomalyBands := bandsOf(ref.anomaly)

	var mosaicCols, anomalyCols []*raster.Dataset
	for lo := 0; lo < plan.LonStrips; lo++ {
		lons, ok := lonVecs[lo]
		if !ok {
			continue
		}
		var mParts, aParts []*raster.Dataset
		// north to south within the column
		for la := plan.LatStrips - 1; la >= 0; la-- {
			lats, ok := latVecs[la]
			if !ok {
				continue
			}
			if c, ok := byGeo[cellIndex[[2]int{la, lo}]]; ok {
				mParts = append(mParts, c.mosaic)
				aParts = append(aParts, c.anomaly)
				continue
			}
			mParts = append(mParts, raster.New(nil, lats, lons, mosaicBands...))
			aParts = append(aParts, raster.New(nil, lats, lons, anomalyBands...))
		}
		m, err := raster.ConcatLat(mParts)
		if err != nil {
			return nil, nil, nil, err
		}
		a, err := raster.ConcatLat(aParts)
		if err != nil {
			return nil, nil, nil, err
		}
		mosaicCols = append(mosaicCols, m)
		anomalyCols = append(anomalyCols, a)
	}

	mosaic, err := raster.ConcatLon(mosaicCols)
	if err != nil {
		return nil, nil, nil, err
	}
	anomaly, err := raster.ConcatLon(anomalyCols)
	if err != nil {
		return nil, nil, nil, err
	}
	return mosaic, anomaly, clean, nil
}

func bandsOf(d *raster.Dataset) []string {
	names := make([]string, 0, len(d.Bands))
	for name := range d.Bands {
		names = append(names, name)
	}
	return names
}
