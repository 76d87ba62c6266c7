// Package datacube is the boundary to the imagery catalog: given a product,
// a time range and a spatial extent it hands back a gridded dataset with the
// requested measurement bands. The pipeline depends only on the API
// interface; MemoryCube backs tests and local runs.
package datacube

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cubebackend/raster"
)

// Product describes one platform/product combination and its native
// resolution in degrees per pixel.
type Product struct {
	Platform   string  `json:"platform"`
	Name       string  `json:"name"`
	Resolution float64 `json:"resolution"`
}

// TimeRange is inclusive on both ends.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (r TimeRange) contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// API is the imagery data source consumed by the pipeline. GetDataset returns
// (nil, nil) when the request has no coverage; requested bands that the
// source does not carry are simply absent from the returned dataset.
type API interface {
	GetDataset(ctx context.Context, platform, product string, tr TimeRange, latMin, latMax, lonMin, lonMax float64, measurements []string) (*raster.Dataset, error)
	ListAcquisitionDates(ctx context.Context, platform, product string) ([]time.Time, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

type acquisition struct {
	at time.Time
	ds *raster.Dataset
}

// MemoryCube is an in-memory API implementation. Acquisitions are full-extent
// single-slab datasets; spatial cropping and band selection happen on read.
// Safe for concurrent readers once seeded.
type MemoryCube struct {
	mu       sync.RWMutex
	products []Product
	scenes   map[string][]acquisition
}

func NewMemoryCube() *MemoryCube {
	return &MemoryCube{scenes: make(map[string][]acquisition)}
}

func sceneKey(platform, product string) string {
	return strings.TrimSpace(platform) + "/" + strings.TrimSpace(product)
}

// AddProduct registers product metadata.
func (c *MemoryCube) AddProduct(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = append(c.products, p)
}

// AddAcquisition seeds one acquisition. The dataset must be single-slab;
// its timestamp is taken from t.
func (c *MemoryCube) AddAcquisition(platform, product string, t time.Time, ds *raster.Dataset) error {
	if ds == nil || len(ds.Times) != 1 {
		return fmt.Errorf("acquisition dataset must have exactly one time slab")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sceneKey(platform, product)
	c.scenes[key] = append(c.scenes[key], acquisition{at: t, ds: ds})
	sort.Slice(c.scenes[key], func(i, j int) bool { return c.scenes[key][i].at.Before(c.scenes[key][j].at) })
	return nil
}

func (c *MemoryCube) ListProducts(ctx context.Context) ([]Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Product(nil), c.products...), nil
}

func (c *MemoryCube) ListAcquisitionDates(ctx context.Context, platform, product string) ([]time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	acqs := c.scenes[sceneKey(platform, product)]
	out := make([]time.Time, len(acqs))
	for i, a := range acqs {
		out[i] = a.at
	}
	return out, nil
}

func (c *MemoryCube) GetDataset(ctx context.Context, platform, product string, tr TimeRange, latMin, latMax, lonMin, lonMax float64, measurements []string) (*raster.Dataset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var hits []acquisition
	for _, a := range c.scenes[sceneKey(platform, product)] {
		if tr.contains(a.at) {
			hits = append(hits, a)
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	slabs := make([]*raster.Dataset, 0, len(hits))
	for _, a := range hits {
		cropped := crop(a.ds, latMin, latMax, lonMin, lonMax, measurements)
		if cropped == nil {
			continue
		}
		cropped.Times[0] = a.at
		slabs = append(slabs, cropped)
	}
	if len(slabs) == 0 {
		return nil, nil
	}
	out := slabs[0]
	for _, s := range slabs[1:] {
		stacked, err := raster.StackTimes(out, s)
		if err != nil {
			return nil, err
		}
		out = stacked
	}
	return out, nil
}

// crop returns the spatial sub-grid intersecting the bounds with only the
// requested bands that exist, or nil when there is no intersection.
func crop(ds *raster.Dataset, latMin, latMax, lonMin, lonMax float64, measurements []string) *raster.Dataset {
	var latIdx, lonIdx []int
	for i, v := range ds.Lats {
		if v >= latMin && v <= latMax {
			latIdx = append(latIdx, i)
		}
	}
	for i, v := range ds.Lons {
		if v >= lonMin && v <= lonMax {
			lonIdx = append(lonIdx, i)
		}
	}
	if len(latIdx) == 0 || len(lonIdx) == 0 {
		return nil
	}

	var bands []string
	if len(measurements) == 0 {
		for name := range ds.Bands {
			bands = append(bands, name)
		}
	} else {
		for _, m := range measurements {
			if ds.HasBand(m) {
				bands = append(bands, m)
			}
		}
	}
	if len(bands) == 0 {
		return nil
	}

	lats := make([]float64, len(latIdx))
	for i, idx := range latIdx {
		lats[i] = ds.Lats[idx]
	}
	lons := make([]float64, len(lonIdx))
	for i, idx := range lonIdx {
		lons[i] = ds.Lons[idx]
	}
	out := raster.New(ds.Times, lats, lons, bands...)
	for _, name := range bands {
		src := ds.Plane(name, 0)
		dst := out.Plane(name, 0)
		i := 0
		for _, y := range latIdx {
			for _, x := range lonIdx {
				dst[i] = src[y*len(ds.Lons)+x]
				i++
			}
		}
	}
	return out
}
