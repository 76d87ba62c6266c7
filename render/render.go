// Package render turns merged datasets into browser-viewable PNGs: an RGB
// true-color mosaic and color-relief images for the vegetation index metrics.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"cubebackend/raster"
)

// Stop anchors a palette color at a metric value. Values between stops are
// linearly interpolated; values outside the range clamp to the end colors.
type Stop struct {
	Value float64
	Color color.NRGBA
}

type Palette []Stop

var (
	// PaletteNDVI follows the usual brown-to-green vegetation ramp.
	PaletteNDVI = Palette{
		{Value: -1.0, Color: color.NRGBA{R: 0x8c, G: 0x51, B: 0x0a, A: 0xff}},
		{Value: 0.0, Color: color.NRGBA{R: 0xf6, G: 0xe8, B: 0xc3, A: 0xff}},
		{Value: 0.4, Color: color.NRGBA{R: 0x5a, G: 0xb4, B: 0x5d, A: 0xff}},
		{Value: 1.0, Color: color.NRGBA{R: 0x00, G: 0x44, B: 0x1b, A: 0xff}},
	}
	// PaletteDifference is a diverging red/white/blue ramp centered at zero.
	PaletteDifference = Palette{
		{Value: -1.0, Color: color.NRGBA{R: 0xb2, G: 0x18, B: 0x2b, A: 0xff}},
		{Value: 0.0, Color: color.NRGBA{R: 0xf7, G: 0xf7, B: 0xf7, A: 0xff}},
		{Value: 1.0, Color: color.NRGBA{R: 0x21, G: 0x66, B: 0xac, A: 0xff}},
	}
	// PalettePercentage covers relative change as a fraction of the baseline.
	PalettePercentage = Palette{
		{Value: -2.0, Color: color.NRGBA{R: 0x7f, G: 0x00, B: 0x00, A: 0xff}},
		{Value: -0.5, Color: color.NRGBA{R: 0xe3, G: 0x6a, B: 0x4a, A: 0xff}},
		{Value: 0.0, Color: color.NRGBA{R: 0xf7, G: 0xf7, B: 0xf7, A: 0xff}},
		{Value: 0.5, Color: color.NRGBA{R: 0x67, G: 0xa9, B: 0xcf, A: 0xff}},
		{Value: 2.0, Color: color.NRGBA{R: 0x05, G: 0x30, B: 0x61, A: 0xff}},
	}
)

func (p Palette) At(v float64) color.NRGBA {
	if len(p) == 0 {
		return color.NRGBA{}
	}
	if v <= p[0].Value {
		return p[0].Color
	}
	for i := 1; i < len(p); i++ {
		if v > p[i].Value {
			continue
		}
		lo, hi := p[i-1], p[i]
		span := hi.Value - lo.Value
		if span <= 0 {
			return hi.Color
		}
		f := (v - lo.Value) / span
		return color.NRGBA{
			R: lerp(lo.Color.R, hi.Color.R, f),
			G: lerp(lo.Color.G, hi.Color.G, f),
			B: lerp(lo.Color.B, hi.Color.B, f),
			A: 0xff,
		}
	}
	return p[len(p)-1].Color
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(float64(a) + f*(float64(b)-float64(a)))
}

// WriteColorReliefPNG renders one band of a single-slab dataset through the
// palette. Sentinel pixels come out fully transparent.
func WriteColorReliefPNG(path string, d *raster.Dataset, band string, p Palette) error {
	if d == nil {
		return errors.New("render: nil dataset")
	}
	vals, ok := d.Bands[band]
	if !ok {
		return fmt.Errorf("render: band %q missing", band)
	}
	w, h := len(d.Lons), len(d.Lats)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := vals[y*w+x]
			if v == raster.NoData {
				continue
			}
			img.SetNRGBA(x, y, p.At(v))
		}
	}
	return writePNG(path, img)
}

// mosaicScale is the reflectance value mapped to full channel intensity.
const mosaicScale = 4096.0

// WriteMosaicPNG renders the red/green/blue bands of the cleaned scene mosaic
// as a true-color image. Sentinel pixels come out fully transparent.
func WriteMosaicPNG(path string, d *raster.Dataset) error {
	if d == nil {
		return errors.New("render: nil dataset")
	}
	red, okR := d.Bands["red"]
	green, okG := d.Bands["green"]
	blue, okB := d.Bands["blue"]
	if !okR || !okG || !okB {
		return errors.New("render: mosaic needs red/green/blue bands")
	}
	w, h := len(d.Lons), len(d.Lats)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			r, g, b := red[i], green[i], blue[i]
			if r == raster.NoData || g == raster.NoData || b == raster.NoData {
				continue
			}
			img.SetNRGBA(x, y, color.NRGBA{
				R: channel(r),
				G: channel(g),
				B: channel(b),
				A: 0xff,
			})
		}
	}
	return writePNG(path, img)
}

func channel(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	f := v / mosaicScale * 255
	if f >= 255 {
		return 255
	}
	return uint8(f)
}

func writePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
