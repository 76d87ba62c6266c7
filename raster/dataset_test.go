package raster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewFillsSentinel(t *testing.T) {
	d := New(nil, []float64{10, 9}, []float64{0, 1}, "red")
	require.Len(t, d.Times, 1)
	require.Equal(t, 4, d.Size())
	for _, v := range d.Bands["red"] {
		require.Equal(t, float64(NoData), v)
	}
}

func TestConcatLat(t *testing.T) {
	north := New(nil, []float64{10}, []float64{0, 1}, "v")
	copy(north.Bands["v"], []float64{1, 2})
	south := New(nil, []float64{9}, []float64{0, 1}, "v")
	copy(south.Bands["v"], []float64{3, 4})

	out, err := ConcatLat([]*Dataset{north, south})
	require.NoError(t, err)
	require.Equal(t, []float64{10, 9}, out.Lats)
	require.Equal(t, []float64{1, 2, 3, 4}, out.Bands["v"])
}

func TestConcatLonInterleavesRows(t *testing.T) {
	west := New(nil, []float64{10, 9}, []float64{0}, "v")
	copy(west.Bands["v"], []float64{1, 3})
	east := New(nil, []float64{10, 9}, []float64{1}, "v")
	copy(east.Bands["v"], []float64{2, 4})

	out, err := ConcatLon([]*Dataset{west, east})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1}, out.Lons)
	require.Equal(t, []float64{1, 2, 3, 4}, out.Bands["v"])
}

func TestConcatDimensionMismatch(t *testing.T) {
	a := New(nil, []float64{10}, []float64{0, 1}, "v")
	b := New(nil, []float64{9}, []float64{0}, "v")
	_, err := ConcatLat([]*Dataset{a, b})
	require.Error(t, err)
}

func TestConcatBandMismatch(t *testing.T) {
	a := New(nil, []float64{10}, []float64{0}, "v")
	b := New(nil, []float64{9}, []float64{0}, "w")
	_, err := ConcatLat([]*Dataset{a, b})
	require.Error(t, err)
}

func TestStackTimes(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	a := New([]time.Time{t1}, []float64{10}, []float64{0}, "v")
	a.Bands["v"][0] = 1
	b := New([]time.Time{t2}, []float64{10}, []float64{0}, "v")
	b.Bands["v"][0] = 2

	out, err := StackTimes(a, b)
	require.NoError(t, err)
	require.Equal(t, []time.Time{t1, t2}, out.Times)
	require.Equal(t, []float64{1, 2}, out.Bands["v"])

	nilIn, err := StackTimes(nil, b)
	require.NoError(t, err)
	require.Equal(t, b.Bands["v"], nilIn.Bands["v"])
}

func TestStackTimesDimensionMismatch(t *testing.T) {
	a := New(nil, []float64{10}, []float64{0}, "v")
	b := New(nil, []float64{10, 9}, []float64{0}, "v")
	_, err := StackTimes(a, b)
	require.Error(t, err)
}

func TestBounds(t *testing.T) {
	d := New(nil, []float64{10.5, 10.0, 9.5}, []float64{-1, 0, 1}, "v")
	latMin, latMax, lonMin, lonMax := d.Bounds()
	require.Equal(t, 9.5, latMin)
	require.Equal(t, 10.5, latMax)
	require.Equal(t, -1.0, lonMin)
	require.Equal(t, 1.0, lonMax)
}

func TestCopyIsDeep(t *testing.T) {
	d := New(nil, []float64{10}, []float64{0}, "v")
	d.Bands["v"][0] = 7
	c := d.Copy()
	c.Bands["v"][0] = 8
	require.Equal(t, 7.0, d.Bands["v"][0])
}
