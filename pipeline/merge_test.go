package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"cubebackend/domain"
	"cubebackend/raster"
)

// gridPlan builds a plan with 1x1-pixel chunks laid out lon-major the way
// BuildPlan emits them.
func gridPlan(latStrips, lonStrips int) *Plan {
	plan := &Plan{LatStrips: latStrips, LonStrips: lonStrips, TimeWindows: [][]time.Time{{day(1)}}}
	for lo := 0; lo < lonStrips; lo++ {
		for la := 0; la < latStrips; la++ {
			plan.GeoChunks = append(plan.GeoChunks, GeoChunk{
				Index:  len(plan.GeoChunks),
				LatIdx: la,
				LonIdx: lo,
			})
		}
	}
	return plan
}

// chunkArtifact writes a 1x1-pixel mosaic/anomaly artifact pair holding value
// v and returns the corresponding chunk result.
func chunkArtifact(t *testing.T, dir string, gc GeoChunk, v float64, clean map[time.Time]int) *ChunkResult {
	t.Helper()
	lat := float64(gc.LatIdx) * 0.05
	lon := 35.0 + float64(gc.LonIdx)*0.05

	mosaic := raster.New(nil, []float64{lat}, []float64{lon}, BandRed)
	mosaic.Bands[BandRed][0] = v
	anomaly := raster.New(nil, []float64{lat}, []float64{lon}, BandSceneNDVI)
	anomaly.Bands[BandSceneNDVI][0] = v / 10

	res := &ChunkResult{
		WindowIndex: 0,
		GeoIndex:    gc.Index,
		MosaicPath:  filepath.Join(dir, fmt.Sprintf("m_%d.grid", gc.Index)),
		AnomalyPath: filepath.Join(dir, fmt.Sprintf("a_%d.grid", gc.Index)),
		CleanPixels: clean,
	}
	if err := raster.WriteFile(res.MosaicPath, mosaic); err != nil {
		t.Fatal(err)
	}
	if err := raster.WriteFile(res.AnomalyPath, anomaly); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestMergeWindowReassemblesGrid(t *testing.T) {
	dir := t.TempDir()
	plan := gridPlan(2, 2)

	// Chunk values by position: SW=1, NW=2, SE=3, NE=4.
	results := []*ChunkResult{
		chunkArtifact(t, dir, plan.GeoChunks[0], 1, map[time.Time]int{day(1): 1}),
		chunkArtifact(t, dir, plan.GeoChunks[1], 2, map[time.Time]int{day(1): 1}),
		chunkArtifact(t, dir, plan.GeoChunks[2], 3, map[time.Time]int{day(1): 1}),
		chunkArtifact(t, dir, plan.GeoChunks[3], 4, map[time.Time]int{day(1): 1}),
	}

	mosaic, anomaly, clean, err := MergeWindow(plan, results)
	if err != nil {
		t.Fatal(err)
	}
	if len(mosaic.Lats) != 2 || len(mosaic.Lons) != 2 {
		t.Fatalf("merged extent %dx%d", len(mosaic.Lats), len(mosaic.Lons))
	}
	// Row-major with north first: NW, NE, SW, SE.
	want := []float64{2, 4, 1, 3}
	got := mosaic.Bands[BandRed]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mosaic = %v, want %v", got, want)
		}
	}
	if anomaly.Bands[BandSceneNDVI][0] != 0.2 {
		t.Fatalf("anomaly[0] = %v", anomaly.Bands[BandSceneNDVI][0])
	}
	if clean[day(1)] != 4 {
		t.Fatalf("clean = %v", clean)
	}
}

func TestMergeWindowPadsMissingCell(t *testing.T) {
	dir := t.TempDir()
	plan := gridPlan(2, 2)

	// The north-east corner produced no data; its neighbours must still line
	// up, with the hole filled by sentinel pixels.
	results := []*ChunkResult{
		chunkArtifact(t, dir, plan.GeoChunks[0], 1, map[time.Time]int{day(1): 1}),
		chunkArtifact(t, dir, plan.GeoChunks[1], 2, map[time.Time]int{day(1): 1}),
		chunkArtifact(t, dir, plan.GeoChunks[2], 3, map[time.Time]int{day(1): 1}),
		{WindowIndex: 0, GeoIndex: 3, Empty: true, CleanPixels: map[time.Time]int{}},
	}

	mosaic, anomaly, clean, err := MergeWindow(plan, results)
	if err != nil {
		t.Fatal(err)
	}
	if len(mosaic.Lats) != 2 || len(mosaic.Lons) != 2 {
		t.Fatalf("merged extent %dx%d", len(mosaic.Lats), len(mosaic.Lons))
	}
	// Row-major with north first: NW, NE(hole), SW, SE.
	want := []float64{2, raster.NoData, 1, 3}
	got := mosaic.Bands[BandRed]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mosaic = %v, want %v", got, want)
		}
	}
	if anomaly.Bands[BandSceneNDVI][1] != raster.NoData {
		t.Fatalf("anomaly hole = %v", anomaly.Bands[BandSceneNDVI][1])
	}
	if clean[day(1)] != 3 {
		t.Fatalf("clean = %v", clean)
	}
}

func TestMergeWindowDropsEmptyColumn(t *testing.T) {
	dir := t.TempDir()
	plan := gridPlan(2, 2)

	// Both cells of the eastern column are null: the column has no known
	// extent and falls out of the merge instead of being padded.
	results := []*ChunkResult{
		chunkArtifact(t, dir, plan.GeoChunks[0], 1, map[time.Time]int{day(1): 1}),
		chunkArtifact(t, dir, plan.GeoChunks[1], 2, map[time.Time]int{day(1): 1}),
		{WindowIndex: 0, GeoIndex: 2, Empty: true, CleanPixels: map[time.Time]int{}},
		{WindowIndex: 0, GeoIndex: 3, Empty: true, CleanPixels: map[time.Time]int{}},
	}

	mosaic, _, _, err := MergeWindow(plan, results)
	if err != nil {
		t.Fatal(err)
	}
	if len(mosaic.Lats) != 2 || len(mosaic.Lons) != 1 {
		t.Fatalf("merged extent %dx%d", len(mosaic.Lats), len(mosaic.Lons))
	}
	want := []float64{2, 1}
	got := mosaic.Bands[BandRed]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mosaic = %v, want %v", got, want)
		}
	}
}

func TestMergeWindowDiscardsNullChunks(t *testing.T) {
	dir := t.TempDir()
	plan := gridPlan(2, 1)

	results := []*ChunkResult{
		chunkArtifact(t, dir, plan.GeoChunks[0], 1, map[time.Time]int{day(1): 1}),
		{WindowIndex: 0, GeoIndex: 1, Empty: true, CleanPixels: map[time.Time]int{day(1): 2}},
	}

	mosaic, _, clean, err := MergeWindow(plan, results)
	if err != nil {
		t.Fatal(err)
	}
	if len(mosaic.Lats) != 1 {
		t.Fatalf("merged lats = %d", len(mosaic.Lats))
	}
	if mosaic.Bands[BandRed][0] != 1 {
		t.Fatalf("mosaic = %v", mosaic.Bands[BandRed])
	}
	// Null chunks still contribute their clean pixel counts.
	if clean[day(1)] != 3 {
		t.Fatalf("clean = %v", clean)
	}
}

func TestMergeWindowAllNull(t *testing.T) {
	plan := gridPlan(1, 1)
	results := []*ChunkResult{
		{WindowIndex: 0, GeoIndex: 0, Empty: true, CleanPixels: map[time.Time]int{}},
	}
	_, _, _, err := MergeWindow(plan, results)
	if !errors.Is(err, domain.ErrNoOverlap) {
		t.Fatalf("err = %v", err)
	}
}
