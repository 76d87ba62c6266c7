package datacube

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cubebackend/raster"
)

func TestFromDir(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "products.json"),
		[]byte(`[{"platform":"LANDSAT_7","name":"ls7_ledaps","resolution":0.00027}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ds := raster.New([]time.Time{at}, []float64{10}, []float64{0}, "red")
	ds.Bands["red"][0] = 42
	name := strings.ReplaceAll(at.Format(time.RFC3339), ":", "_") + ".grid"
	if err := raster.WriteFile(filepath.Join(root, "LANDSAT_7", "ls7_ledaps", name), ds); err != nil {
		t.Fatal(err)
	}

	cube, err := FromDir(root)
	if err != nil {
		t.Fatal(err)
	}
	products, _ := cube.ListProducts(context.Background())
	if len(products) != 1 || products[0].Name != "ls7_ledaps" {
		t.Fatalf("unexpected products: %+v", products)
	}
	dates, _ := cube.ListAcquisitionDates(context.Background(), "LANDSAT_7", "ls7_ledaps")
	if len(dates) != 1 || !dates[0].Equal(at) {
		t.Fatalf("unexpected dates: %v", dates)
	}
}

func TestFromDirMissingProducts(t *testing.T) {
	if _, err := FromDir(t.TempDir()); err == nil {
		t.Fatal("expected error without products.json")
	}
}

func TestFromDirBadTimestamp(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "products.json"),
		[]byte(`[{"platform":"P","name":"p","resolution":0.1}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(root, "P", "p")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "not-a-time.grid"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := FromDir(root); err == nil {
		t.Fatal("expected error for bad acquisition filename")
	}
}
