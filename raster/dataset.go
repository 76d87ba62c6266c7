// Package raster holds the gridded dataset model and the numeric kernels of
// the anomaly pipeline: cloud masking, compositing and vegetation indices.
// All grids use the -9999 sentinel for masked/invalid pixels.
package raster

import (
	"fmt"
	"math"
	"time"
)

// NoData is the reserved sentinel marking invalid or masked pixels.
const NoData = -9999

// Dataset is a dense time x lat x lon grid of named float64 bands.
// Times always has at least one entry; composites carry a single zero-valued
// timestamp. Lats are ordered north to south, Lons west to east.
type Dataset struct {
	Times []time.Time
	Lats  []float64
	Lons  []float64
	Bands map[string][]float64
}

// New allocates a dataset with every band filled with NoData.
func New(times []time.Time, lats, lons []float64, bands ...string) *Dataset {
	if len(times) == 0 {
		times = []time.Time{{}}
	}
	d := &Dataset{
		Times: append([]time.Time(nil), times...),
		Lats:  append([]float64(nil), lats...),
		Lons:  append([]float64(nil), lons...),
		Bands: make(map[string][]float64, len(bands)),
	}
	n := d.Size()
	for _, b := range bands {
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = NoData
		}
		d.Bands[b] = vals
	}
	return d
}

func (d *Dataset) SlabSize() int { return len(d.Lats) * len(d.Lons) }
func (d *Dataset) Size() int     { return len(d.Times) * d.SlabSize() }

// PixelCount is the spatial pixel count of one slab.
func (d *Dataset) PixelCount() int { return d.SlabSize() }

func (d *Dataset) HasBand(name string) bool {
	if d == nil {
		return false
	}
	_, ok := d.Bands[name]
	return ok
}

// Plane returns the t-th slab of a band as a subslice (not a copy).
func (d *Dataset) Plane(band string, t int) []float64 {
	vals, ok := d.Bands[band]
	if !ok || t < 0 || t >= len(d.Times) {
		return nil
	}
	n := d.SlabSize()
	return vals[t*n : (t+1)*n]
}

// Copy performs a deep copy.
func (d *Dataset) Copy() *Dataset {
	if d == nil {
		return nil
	}
	out := &Dataset{
		Times: append([]time.Time(nil), d.Times...),
		Lats:  append([]float64(nil), d.Lats...),
		Lons:  append([]float64(nil), d.Lons...),
		Bands: make(map[string][]float64, len(d.Bands)),
	}
	for name, vals := range d.Bands {
		out.Bands[name] = append([]float64(nil), vals...)
	}
	return out
}

// Bounds returns (latMin, latMax, lonMin, lonMax) of the actual grid.
func (d *Dataset) Bounds() (float64, float64, float64, float64) {
	latMin, latMax := math.Inf(1), math.Inf(-1)
	for _, v := range d.Lats {
		latMin = math.Min(latMin, v)
		latMax = math.Max(latMax, v)
	}
	lonMin, lonMax := math.Inf(1), math.Inf(-1)
	for _, v := range d.Lons {
		lonMin = math.Min(lonMin, v)
		lonMax = math.Max(lonMax, v)
	}
	return latMin, latMax, lonMin, lonMax
}

func (d *Dataset) validate() error {
	n := d.Size()
	for name, vals := range d.Bands {
		if len(vals) != n {
			return fmt.Errorf("band %q has %d values, want %d", name, len(vals), n)
		}
	}
	return nil
}

// ConcatLat joins slabs along the latitude axis in the given order. All parts
// must share longitudes, times and band names; the caller is responsible for
// passing parts in north-to-south order.
func ConcatLat(parts []*Dataset) (*Dataset, error) {
	return concatSpatial(parts, true)
}

// ConcatLon joins slabs along the longitude axis, west to east.
func ConcatLon(parts []*Dataset) (*Dataset, error) {
	return concatSpatial(parts, false)
}

func concatSpatial(parts []*Dataset, alongLat bool) (*Dataset, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat: no datasets")
	}
	first := parts[0]
	for _, p := range parts[1:] {
		if len(p.Times) != len(first.Times) {
			return nil, fmt.Errorf("concat: time dimension mismatch %d != %d", len(p.Times), len(first.Times))
		}
		if alongLat && len(p.Lons) != len(first.Lons) {
			return nil, fmt.Errorf("concat: longitude dimension mismatch %d != %d", len(p.Lons), len(first.Lons))
		}
		if !alongLat && len(p.Lats) != len(first.Lats) {
			return nil, fmt.Errorf("concat: latitude dimension mismatch %d != %d", len(p.Lats), len(first.Lats))
		}
		if len(p.Bands) != len(first.Bands) {
			return nil, fmt.Errorf("concat: band set mismatch")
		}
		for name := range first.Bands {
			if _, ok := p.Bands[name]; !ok {
				return nil, fmt.Errorf("concat: band %q missing", name)
			}
		}
	}

	lats := make([]float64, 0)
	lons := append([]float64(nil), first.Lons...)
	if alongLat {
		for _, p := range parts {
			lats = append(lats, p.Lats...)
		}
	} else {
		lats = append(lats, first.Lats...)
		lons = lons[:0]
		for _, p := range parts {
			lons = append(lons, p.Lons...)
		}
	}

	names := make([]string, 0, len(first.Bands))
	for name := range first.Bands {
		names = append(names, name)
	}
	out := New(first.Times, lats, lons, names...)

	for _, name := range names {
		for t := range out.Times {
			dst := out.Plane(name, t)
			off := 0
			if alongLat {
				for _, p := range parts {
					copy(dst[off:], p.Plane(name, t))
					off += p.SlabSize()
				}
			} else {
				// Interleave rows: each output row is the concatenation of the
				// parts' rows at the same latitude index.
				for y := 0; y < len(first.Lats); y++ {
					for _, p := range parts {
						row := p.Plane(name, t)[y*len(p.Lons) : (y+1)*len(p.Lons)]
						copy(dst[off:], row)
						off += len(p.Lons)
					}
				}
			}
		}
	}
	return out, out.validate()
}

// StackTimes appends b's slabs after a's along the time axis. Used by the
// median combination strategy to keep all observations until finalization.
func StackTimes(a, b *Dataset) (*Dataset, error) {
	if a == nil {
		return b.Copy(), nil
	}
	if b == nil {
		return a.Copy(), nil
	}
	if len(a.Lats) != len(b.Lats) || len(a.Lons) != len(b.Lons) {
		return nil, fmt.Errorf("stack: spatial dimensions mismatch")
	}
	names := make([]string, 0, len(a.Bands))
	for name := range a.Bands {
		if _, ok := b.Bands[name]; !ok {
			return nil, fmt.Errorf("stack: band %q missing", name)
		}
		names = append(names, name)
	}
	out := New(append(append([]time.Time(nil), a.Times...), b.Times...), a.Lats, a.Lons, names...)
	for _, name := range names {
		copy(out.Bands[name], a.Bands[name])
		copy(out.Bands[name][a.Size():], b.Bands[name])
	}
	return out, nil
}
