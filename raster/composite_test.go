package raster

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func slab(t *testing.T, vals ...float64) *Dataset {
	t.Helper()
	d := New(nil, []float64{10}, make([]float64, len(vals)), "ndvi")
	for i := range vals {
		d.Lons[i] = float64(i)
	}
	copy(d.Bands["ndvi"], vals)
	return d
}

func TestNDVI(t *testing.T) {
	d := New(nil, []float64{10}, []float64{0, 1, 2}, "red", "nir")
	copy(d.Bands["red"], []float64{100, NoData, 0})
	copy(d.Bands["nir"], []float64{300, 200, 0})

	out, err := NDVI(d, "nir", "red")
	require.NoError(t, err)
	vals := out.Bands["ndvi"]
	require.InDelta(t, 0.5, vals[0], 1e-9)
	require.Equal(t, float64(NoData), vals[1])
	require.Equal(t, float64(NoData), vals[2]) // zero denominator
}

func TestNDVIMissingBand(t *testing.T) {
	d := New(nil, []float64{10}, []float64{0}, "red")
	_, err := NDVI(d, "nir", "red")
	require.Error(t, err)
}

func TestMedianTimeOrderInsensitive(t *testing.T) {
	combine := func(order ...*Dataset) *Dataset {
		var acc *Dataset
		for _, d := range order {
			stacked, err := StackTimes(acc, d)
			require.NoError(t, err)
			acc = stacked
		}
		return MedianTime(acc)
	}

	a := slab(t, 0.1, NoData)
	b := slab(t, 0.5, 0.3)
	c := slab(t, 0.9, 0.7)

	fwd := combine(a, b, c)
	rev := combine(c, b, a)
	require.Equal(t, fwd.Bands["ndvi"], rev.Bands["ndvi"])
	require.InDelta(t, 0.5, fwd.Bands["ndvi"][0], 1e-9)
	// even observation count: average of the middle pair
	require.InDelta(t, 0.5, fwd.Bands["ndvi"][1], 1e-9)
}

func TestMedianTimeAllSentinel(t *testing.T) {
	stacked, err := StackTimes(slab(t, NoData), slab(t, NoData))
	require.NoError(t, err)
	out := MedianTime(stacked)
	require.Equal(t, float64(NoData), out.Bands["ndvi"][0])
}

func TestMostRecentValidIsOrderSensitive(t *testing.T) {
	newer := slab(t, 0.8, NoData)
	older := slab(t, 0.2, 0.4)

	stacked, err := StackTimes(newer, older)
	require.NoError(t, err)
	out := MostRecentValid(stacked)
	require.InDelta(t, 0.8, out.Bands["ndvi"][0], 1e-9)
	require.InDelta(t, 0.4, out.Bands["ndvi"][1], 1e-9)

	flipped, err := StackTimes(older, newer)
	require.NoError(t, err)
	out2 := MostRecentValid(flipped)
	require.InDelta(t, 0.2, out2.Bands["ndvi"][0], 1e-9)
}

func TestFillNoData(t *testing.T) {
	acc := slab(t, 0.8, NoData)
	next := slab(t, 0.2, 0.4)

	out, err := FillNoData(acc, next)
	require.NoError(t, err)
	require.InDelta(t, 0.8, out.Bands["ndvi"][0], 1e-9) // accumulator wins
	require.InDelta(t, 0.4, out.Bands["ndvi"][1], 1e-9) // sentinel filled

	// combining with itself changes nothing
	again, err := FillNoData(out, out)
	require.NoError(t, err)
	require.Equal(t, out.Bands["ndvi"], again.Bands["ndvi"])

	// all-sentinel input changes nothing
	empty := slab(t, NoData, NoData)
	same, err := FillNoData(out, empty)
	require.NoError(t, err)
	require.Equal(t, out.Bands["ndvi"], same.Bands["ndvi"])

	// nil accumulator copies
	first, err := FillNoData(nil, next)
	require.NoError(t, err)
	require.Equal(t, next.Bands["ndvi"], first.Bands["ndvi"])
}

func TestFillNoDataExtentMismatch(t *testing.T) {
	acc := slab(t, 0.8, NoData)
	small := slab(t, 0.2)

	_, err := FillNoData(acc, small)
	require.Error(t, err)
	require.Contains(t, err.Error(), "extent mismatch")
}

func TestMaskNonFiniteIdempotent(t *testing.T) {
	d := slab(t, math.NaN(), math.Inf(1), 0.5)
	MaskNonFinite(d)
	want := []float64{NoData, NoData, 0.5}
	require.Equal(t, want, d.Bands["ndvi"])
	MaskNonFinite(d)
	require.Equal(t, want, d.Bands["ndvi"])
}

func TestSliceTime(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	a := New([]time.Time{t1}, []float64{10}, []float64{0}, "v")
	a.Bands["v"][0] = 1
	b := New([]time.Time{t2}, []float64{10}, []float64{0}, "v")
	b.Bands["v"][0] = 2
	stacked, err := StackTimes(a, b)
	require.NoError(t, err)

	s := SliceTime(stacked, 1)
	require.Equal(t, []time.Time{t2}, s.Times)
	require.Equal(t, []float64{2}, s.Bands["v"])
}
