package raster

import "math"

// CFMask band encoding (vendor-specific): 0 clear, 1 water, 2 cloud shadow,
// 3 snow, 4 cloud, 255 fill. Clear, water and snow count as clean.
const (
	cfClear       = 0
	cfWater       = 1
	cfCloudShadow = 2
	cfSnow        = 3
	cfCloud       = 4
	cfFill        = 255
)

// CleanMask derives the per-pixel clean mask from the cloud-mask band across
// all time slabs. Returns nil if the band is absent.
func CleanMask(d *Dataset, cfBand string) []bool {
	vals, ok := d.Bands[cfBand]
	if !ok {
		return nil
	}
	mask := make([]bool, len(vals))
	for i, v := range vals {
		switch int(v) {
		case cfClear, cfWater, cfSnow:
			mask[i] = true
		}
	}
	return mask
}

// CleanPixelCounts counts clean pixels per time slab index.
func CleanPixelCounts(d *Dataset, mask []bool) []int {
	counts := make([]int, len(d.Times))
	n := d.SlabSize()
	for t := range d.Times {
		c := 0
		for _, clean := range mask[t*n : (t+1)*n] {
			if clean {
				c++
			}
		}
		counts[t] = c
	}
	return counts
}

// ApplyCleanMask sets every band to NoData at dirty pixels, in place.
func ApplyCleanMask(d *Dataset, mask []bool) {
	for _, vals := range d.Bands {
		for i := range vals {
			if !mask[i] {
				vals[i] = NoData
			}
		}
	}
}

// ApplyKeep masks every band to NoData wherever keep is false. keep is
// slab-sized and applied to every time slab.
func ApplyKeep(d *Dataset, keep []bool) {
	n := d.SlabSize()
	for _, vals := range d.Bands {
		for i := range vals {
			if !keep[i%n] {
				vals[i] = NoData
			}
		}
	}
}

// MaskNonFinite replaces NaN and infinite values with NoData, in place.
// Applying it twice is the same as applying it once.
func MaskNonFinite(d *Dataset) {
	for _, vals := range d.Bands {
		for i, v := range vals {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				vals[i] = NoData
			}
		}
	}
}

// WaterMask classifies water on a cleaned single-slab scene via an NDWI
// threshold on the green and nir bands. Pixels where either band is NoData
// are not water. Returns nil if the bands are absent.
func WaterMask(d *Dataset, greenBand, nirBand string) []bool {
	green := d.Plane(greenBand, 0)
	nir := d.Plane(nirBand, 0)
	if green == nil || nir == nil {
		return nil
	}
	water := make([]bool, len(green))
	for i := range green {
		g, n := green[i], nir[i]
		if g == NoData || n == NoData || g+n == 0 {
			continue
		}
		if (g-n)/(g+n) > 0 {
			water[i] = true
		}
	}
	return water
}
