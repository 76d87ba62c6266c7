package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"cubebackend/datacube"
	"cubebackend/raster"
)

const (
	BandRed    = "red"
	BandGreen  = "green"
	BandBlue   = "blue"
	BandNIR    = "nir"
	BandCFMask = "cf_mask"

	BandSceneNDVI        = "scene_ndvi"
	BandBaselineNDVI     = "baseline_ndvi"
	BandDifference       = "ndvi_difference"
	BandPercentageChange = "ndvi_percentage_change"
)

var (
	baselineMeasurements = []string{BandRed, BandNIR, BandCFMask}
	sceneMeasurements    = []string{BandRed, BandGreen, BandBlue, BandNIR, BandCFMask}
)

// CancelCheck reports whether the query has been cancelled (or its record
// deleted). Chunk processing polls it between baseline acquisitions.
type CancelCheck func(ctx context.Context) bool

// ChunkTask is one unit of work: one geographic chunk over one time window.
type ChunkTask struct {
	WindowIndex int
	Geo         GeoChunk
	Window      []time.Time
	Scene       time.Time
}

// ChunkResult describes the outcome of one chunk task. Empty marks a null
// chunk (no usable data in this chunk's extent); its artifact paths are empty.
type ChunkResult struct {
	WindowIndex int
	GeoIndex    int

	Cancelled bool
	Empty     bool

	MosaicPath  string
	AnomalyPath string

	// CleanPixels counts clean pixels per baseline acquisition date within
	// this chunk; the scene acquisition is not listed.
	CleanPixels map[time.Time]int
}

// ChunkProcessor turns chunk tasks into serialized chunk artifacts.
type ChunkProcessor struct {
	Cube      datacube.API
	Platform  string
	Product   string
	Profile   Profile
	TmpDir    string
	Cancelled CancelCheck
}

func (p *ChunkProcessor) cancelled(ctx context.Context) bool {
	if p.Cancelled == nil {
		return false
	}
	return p.Cancelled(ctx)
}

// Process folds the chunk's baseline acquisitions into a composite, loads and
// cleans the scene acquisition, computes the anomaly rasters and writes both
// the cleaned scene mosaic and the anomaly dataset to chunk artifact files.
func (p *ChunkProcessor) Process(ctx context.Context, task ChunkTask) (*ChunkResult, error) {
	res := &ChunkResult{
		WindowIndex: task.WindowIndex,
		GeoIndex:    task.Geo.Index,
		CleanPixels: map[time.Time]int{},
	}
	if p.cancelled(ctx) {
		res.Cancelled = true
		return res, nil
	}

	var acc *raster.Dataset
	for _, at := range task.Window {
		if p.cancelled(ctx) {
			res.Cancelled = true
			return res, nil
		}
		ds, err := p.Cube.GetDataset(ctx, p.Platform, p.Product,
			datacube.TimeRange{Start: at, End: at},
			task.Geo.LatMin, task.Geo.LatMax, task.Geo.LonMin, task.Geo.LonMax,
			baselineMeasurements)
		if err != nil {
			return nil, err
		}
		if ds == nil || !ds.HasBand(BandCFMask) || !ds.HasBand(BandRed) || !ds.HasBand(BandNIR) {
			continue
		}
		mask := raster.CleanMask(ds, BandCFMask)
		for t, cnt := range raster.CleanPixelCounts(ds, mask) {
			res.CleanPixels[ds.Times[t]] += cnt
		}
		raster.ApplyCleanMask(ds, mask)
		ndvi, err := raster.NDVI(ds, BandNIR, BandRed)
		if err != nil {
			return nil, err
		}
		raster.MaskNonFinite(ndvi)
		acc, err = p.Profile.Composite.Combine(acc, ndvi)
		if err != nil {
			return nil, err
		}
	}
	baseline := p.Profile.Composite.Finalize(acc)

	if p.cancelled(ctx) {
		res.Cancelled = true
		return res, nil
	}

	sceneDS, err := p.Cube.GetDataset(ctx, p.Platform, p.Product,
		datacube.TimeRange{Start: task.Scene, End: task.Scene},
		task.Geo.LatMin, task.Geo.LatMax, task.Geo.LonMin, task.Geo.LonMax,
		sceneMeasurements)
	if err != nil {
		return nil, err
	}
	if baseline == nil || sceneDS == nil || !sceneDS.HasBand(BandCFMask) || !sceneDS.HasBand(BandRed) || !sceneDS.HasBand(BandNIR) {
		res.Empty = true
		return res, nil
	}

	raster.ApplyCleanMask(sceneDS, raster.CleanMask(sceneDS, BandCFMask))
	mosaic := raster.MostRecentValid(sceneDS)

	if len(mosaic.Lats) != len(baseline.Lats) || len(mosaic.Lons) != len(baseline.Lons) {
		res.Empty = true
		return res, nil
	}

	// Mask out open water before indexing; NDVI over water reads as spurious
	// vegetation loss.
	sceneForIndex := mosaic.Copy()
	if water := raster.WaterMask(mosaic, BandGreen, BandNIR); water != nil {
		keep := make([]bool, len(water))
		for i, w := range water {
			keep[i] = !w
		}
		raster.ApplyKeep(sceneForIndex, keep)
	}
	sceneNDVI, err := raster.NDVI(sceneForIndex, BandNIR, BandRed)
	if err != nil {
		return nil, err
	}
	raster.MaskNonFinite(sceneNDVI)

	anomaly := buildAnomaly(sceneNDVI, baseline)

	res.MosaicPath = filepath.Join(p.TmpDir, fmt.Sprintf("chunk_%d_%d_mosaic.grid", task.WindowIndex, task.Geo.Index))
	res.AnomalyPath = filepath.Join(p.TmpDir, fmt.Sprintf("chunk_%d_%d_anomaly.grid", task.WindowIndex, task.Geo.Index))
	if err := raster.WriteFile(res.MosaicPath, mosaic); err != nil {
		return nil, err
	}
	if err := raster.WriteFile(res.AnomalyPath, anomaly); err != nil {
		return nil, err
	}
	return res, nil
}

func buildAnomaly(scene, baseline *raster.Dataset) *raster.Dataset {
	out := raster.New(nil, scene.Lats, scene.Lons,
		BandSceneNDVI, BandBaselineNDVI, BandDifference, BandPercentageChange)
	sv := scene.Bands["ndvi"]
	bv := baseline.Bands["ndvi"]
	so := out.Bands[BandSceneNDVI]
	bo := out.Bands[BandBaselineNDVI]
	do := out.Bands[BandDifference]
	po := out.Bands[BandPercentageChange]
	for i := range sv {
		s, b := sv[i], bv[i]
		if s != raster.NoData {
			so[i] = s
		}
		if b != raster.NoData {
			bo[i] = b
		}
		if s == raster.NoData || b == raster.NoData {
			continue
		}
		do[i] = s - b
		if b != 0 {
			po[i] = (s - b) / b
		}
	}
	raster.MaskNonFinite(out)
	return out
}
