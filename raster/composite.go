package raster

import (
	"fmt"
	"sort"
	"time"
)

// NDVI computes (nir - red) / (nir + red) per pixel for every time slab.
// The result carries a single "ndvi" band; pixels where either input is
// NoData, or where the denominator is zero, come out as NoData.
func NDVI(d *Dataset, nirBand, redBand string) (*Dataset, error) {
	nir, ok := d.Bands[nirBand]
	if !ok {
		return nil, fmt.Errorf("ndvi: band %q missing", nirBand)
	}
	red, ok := d.Bands[redBand]
	if !ok {
		return nil, fmt.Errorf("ndvi: band %q missing", redBand)
	}
	out := New(d.Times, d.Lats, d.Lons, "ndvi")
	vals := out.Bands["ndvi"]
	for i := range vals {
		n, r := nir[i], red[i]
		if n == NoData || r == NoData || n+r == 0 {
			continue
		}
		vals[i] = (n - r) / (n + r)
	}
	return out, nil
}

// MedianTime collapses the time axis to a single slab holding the per-pixel
// median of all non-sentinel observations. Pixels with no valid observation
// stay NoData.
func MedianTime(d *Dataset) *Dataset {
	names := bandNames(d)
	out := New(nil, d.Lats, d.Lons, names...)
	n := d.SlabSize()
	obs := make([]float64, 0, len(d.Times))
	for _, name := range names {
		src := d.Bands[name]
		dst := out.Bands[name]
		for i := 0; i < n; i++ {
			obs = obs[:0]
			for t := range d.Times {
				if v := src[t*n+i]; v != NoData {
					obs = append(obs, v)
				}
			}
			if len(obs) == 0 {
				continue
			}
			sort.Float64s(obs)
			mid := len(obs) / 2
			if len(obs)%2 == 1 {
				dst[i] = obs[mid]
			} else {
				dst[i] = (obs[mid-1] + obs[mid]) / 2
			}
		}
	}
	return out
}

// MostRecentValid collapses the time axis keeping, per pixel, the first
// non-sentinel value in slab order. Slabs must already be ordered
// most-recent-first for "most recent valid" semantics.
func MostRecentValid(d *Dataset) *Dataset {
	names := bandNames(d)
	out := New(nil, d.Lats, d.Lons, names...)
	n := d.SlabSize()
	for _, name := range names {
		src := d.Bands[name]
		dst := out.Bands[name]
		for i := 0; i < n; i++ {
			for t := range d.Times {
				if v := src[t*n+i]; v != NoData {
					dst[i] = v
					break
				}
			}
		}
	}
	return out
}

// FillNoData combines two single-slab datasets: the accumulator's values win
// and its sentinel pixels are filled from next. A nil accumulator yields a
// copy of next. Combining an accumulator with itself, or with an all-sentinel
// dataset, changes nothing. Both datasets must share the same extent.
func FillNoData(acc, next *Dataset) (*Dataset, error) {
	if acc == nil {
		return next.Copy(), nil
	}
	if len(acc.Lats) != len(next.Lats) || len(acc.Lons) != len(next.Lons) {
		return nil, fmt.Errorf("fill: extent mismatch %dx%d != %dx%d",
			len(acc.Lats), len(acc.Lons), len(next.Lats), len(next.Lons))
	}
	if len(acc.Times) != len(next.Times) {
		return nil, fmt.Errorf("fill: time dimension mismatch %d != %d", len(acc.Times), len(next.Times))
	}
	out := acc.Copy()
	for name, vals := range out.Bands {
		src, ok := next.Bands[name]
		if !ok {
			continue
		}
		for i, v := range vals {
			if v == NoData {
				vals[i] = src[i]
			}
		}
	}
	return out, nil
}

// SliceTime returns a single-slab view copy of slab t, keeping its timestamp.
func SliceTime(d *Dataset, t int) *Dataset {
	names := bandNames(d)
	out := New([]time.Time{d.Times[t]}, d.Lats, d.Lons, names...)
	for _, name := range names {
		copy(out.Bands[name], d.Plane(name, t))
	}
	return out
}

func bandNames(d *Dataset) []string {
	names := make([]string, 0, len(d.Bands))
	for name := range d.Bands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
