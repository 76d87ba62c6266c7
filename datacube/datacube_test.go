package datacube

import (
	"context"
	"testing"
	"time"

	"cubebackend/raster"
)

func seedCube(t *testing.T) *MemoryCube {
	t.Helper()
	cube := NewMemoryCube()
	cube.AddProduct(Product{Platform: "LANDSAT_7", Name: "ls7_ledaps", Resolution: 0.00027})

	lats := []float64{10.10, 10.05, 10.00}
	lons := []float64{0.00, 0.05, 0.10}
	for i, day := range []int{1, 15, 28} {
		ds := raster.New(nil, lats, lons, "red", "nir", "cf_mask")
		for j := range ds.Bands["red"] {
			ds.Bands["red"][j] = float64(100 + i)
			ds.Bands["nir"][j] = float64(300 + i)
			ds.Bands["cf_mask"][j] = 0
		}
		at := time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)
		if err := cube.AddAcquisition("LANDSAT_7", "ls7_ledaps", at, ds); err != nil {
			t.Fatal(err)
		}
	}
	return cube
}

func TestListAcquisitionDatesSorted(t *testing.T) {
	cube := seedCube(t)
	dates, err := cube.ListAcquisitionDates(context.Background(), "LANDSAT_7", "ls7_ledaps")
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 3 {
		t.Fatalf("expected 3 dates, got %d", len(dates))
	}
	for i := 1; i < len(dates); i++ {
		if !dates[i-1].Before(dates[i]) {
			t.Fatalf("dates not ascending: %v", dates)
		}
	}
}

func TestGetDatasetCropsAndFilters(t *testing.T) {
	cube := seedCube(t)
	tr := TimeRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	ds, err := cube.GetDataset(context.Background(), "LANDSAT_7", "ls7_ledaps", tr,
		10.00, 10.05, 0.00, 0.05, []string{"red", "cf_mask"})
	if err != nil {
		t.Fatal(err)
	}
	if ds == nil {
		t.Fatal("expected coverage")
	}
	if len(ds.Times) != 2 {
		t.Fatalf("expected 2 slabs inside range, got %d", len(ds.Times))
	}
	if len(ds.Lats) != 2 || len(ds.Lons) != 2 {
		t.Fatalf("expected 2x2 crop, got %dx%d", len(ds.Lats), len(ds.Lons))
	}
	if ds.HasBand("nir") {
		t.Fatal("nir was not requested")
	}
	if !ds.HasBand("red") || !ds.HasBand("cf_mask") {
		t.Fatal("requested band missing")
	}
}

func TestGetDatasetNoSpatialOverlap(t *testing.T) {
	cube := seedCube(t)
	tr := TimeRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	ds, err := cube.GetDataset(context.Background(), "LANDSAT_7", "ls7_ledaps", tr,
		50.0, 51.0, 120.0, 121.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ds != nil {
		t.Fatal("expected nil dataset for disjoint bounds")
	}
}

func TestGetDatasetNoTimeOverlap(t *testing.T) {
	cube := seedCube(t)
	tr := TimeRange{
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	ds, err := cube.GetDataset(context.Background(), "LANDSAT_7", "ls7_ledaps", tr,
		10.0, 10.1, 0.0, 0.1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ds != nil {
		t.Fatal("expected nil dataset outside time range")
	}
}

func TestGetDatasetMissingMeasurements(t *testing.T) {
	cube := seedCube(t)
	tr := TimeRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	ds, err := cube.GetDataset(context.Background(), "LANDSAT_7", "ls7_ledaps", tr,
		10.0, 10.1, 0.0, 0.1, []string{"swir1"})
	if err != nil {
		t.Fatal(err)
	}
	if ds != nil {
		t.Fatal("expected nil dataset when no requested band exists")
	}
}

func TestAddAcquisitionRejectsMultiSlab(t *testing.T) {
	cube := NewMemoryCube()
	a := raster.New(nil, []float64{10}, []float64{0}, "red")
	b := raster.New(nil, []float64{10}, []float64{0}, "red")
	stacked, err := raster.StackTimes(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := cube.AddAcquisition("P", "p", time.Now(), stacked); err == nil {
		t.Fatal("expected error for multi-slab acquisition")
	}
}
