package raster_test

import (
	"math"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/doublemover/kubolti/internal/geo"
	"github.com/doublemover/kubolti/internal/raster"
)

func ptr(value float64) *float64 { return &value }

func testBounds() geo.Bounds {
	return geo.Bounds{MinX: 8, MinY: 47, MaxX: 9, MaxY: 48}
}

func TestMask(t *testing.T) {
	data := []float32{1, -9999, float32(math.NaN()), 3}

	t.Run("nil nodata", func(t *testing.T) {
		mask := raster.Mask(data, nil)
		assert.Equal(t, []bool{false, false, false, false}, mask)
	})

	t.Run("sentinel nodata", func(t *testing.T) {
		mask := raster.Mask(data, ptr(-9999))
		assert.Equal(t, []bool{false, true, false, false}, mask)
	})

	t.Run("nan nodata", func(t *testing.T) {
		mask := raster.Mask(data, ptr(math.NaN()))
		assert.Equal(t, []bool{false, false, true, false}, mask)
	})
}

func TestGridCoverage(t *testing.T) {
	g := raster.NewGrid(4, 1, testBounds(), geo.EPSG4326, ptr(-9999), 0)
	g.Data = []float32{1, -9999, -9999, 3}
	coverage := raster.GridCoverage(g)
	assert.Equal(t, 4, coverage.TotalPixels)
	assert.Equal(t, 2, coverage.NoDataPixels)
	assert.Equal(t, 0.5, coverage.ValidRatio)
}

func TestFillConstant(t *testing.T) {
	for name, nodata := range map[string]float64{
		"sentinel": -9999,
		"nan":      math.NaN(),
	} {
		t.Run(name, func(t *testing.T) {
			g := raster.NewGrid(3, 1, testBounds(), geo.EPSG4326, ptr(nodata), 0)
			g.Data = []float32{1, float32(nodata), 3}
			result := raster.FillConstantValue(g, 42)
			assert.Equal(t, 1, result.FilledPixels)
			assert.Equal(t, 0, result.NoDataPixelsAfter)
			assert.Equal(t, float32(42), g.Data[1])
			assert.Equal(t, 0, raster.CountNoData(g.Data, g.NoData))
		})
	}
}

func TestFillInterpolateSmallVoid(t *testing.T) {
	for name, nodata := range map[string]float64{
		"sentinel": -32768,
		"nan":      math.NaN(),
	} {
		t.Run(name, func(t *testing.T) {
			g := raster.NewGrid(5, 5, testBounds(), geo.EPSG4326, ptr(nodata), 0)
			for i := range g.Data {
				g.Data[i] = 100
			}
			g.Set(2, 2, float32(nodata))
			result := raster.FillInterpolateNearest(g)
			assert.Equal(t, 1, result.FilledPixels)
			assert.Equal(t, 0, result.NoDataPixelsAfter)
			assert.Equal(t, float32(100), g.At(2, 2))
		})
	}
}

func TestFillInterpolateLargeVoid(t *testing.T) {
	// A void much wider than the dilation pass count still fills via the
	// nearest-valid sweep.
	nodata := math.NaN()
	g := raster.NewGrid(200, 3, testBounds(), geo.EPSG4326, &nodata, float32(math.NaN()))
	for row := 0; row < 3; row++ {
		g.Set(0, row, 7)
		g.Set(199, row, 9)
	}
	result := raster.FillInterpolateNearest(g)
	assert.Equal(t, 0, result.NoDataPixelsAfter)
	assert.Equal(t, 0, raster.CountNoData(g.Data, g.NoData))
	// Cells near the left edge take the left value.
	assert.Equal(t, float32(7), g.At(5, 1))
}

func TestFillFromFallback(t *testing.T) {
	nodata := math.NaN()
	g := raster.NewGrid(3, 1, testBounds(), geo.EPSG4326, &nodata, 0)
	g.Data = []float32{1, float32(math.NaN()), float32(math.NaN())}
	fallback := raster.NewGrid(3, 1, testBounds(), geo.EPSG4326, ptr(-1), 0)
	fallback.Data = []float32{5, 6, -1}

	result, err := raster.FillFromFallback(g, fallback)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.FilledPixels)
	assert.Equal(t, 1, result.NoDataPixelsAfter)
	assert.Equal(t, float32(6), g.Data[1])
	assert.True(t, math.IsNaN(float64(g.Data[2])))

	_, err = raster.FillFromFallback(g, raster.NewGrid(2, 1, testBounds(), geo.EPSG4326, nil, 0))
	assert.Error(t, err)
}

func TestRemapNoData(t *testing.T) {
	nodata := math.NaN()
	g := raster.NewGrid(3, 1, testBounds(), geo.EPSG4326, &nodata, 0)
	g.Data = []float32{1, float32(math.NaN()), 3}
	raster.RemapNoData(g, -32768)
	assert.Equal(t, -32768.0, *g.NoData)
	assert.Equal(t, []float32{1, -32768, 3}, g.Data)
}

func TestBackendProfileApply(t *testing.T) {
	nodata := math.NaN()
	g := raster.NewGrid(2, 1, testBounds(), geo.EPSG4326, &nodata, 0)
	g.Data = []float32{float32(math.NaN()), 5}
	assert.NoError(t, raster.Ortho4XPProfile.Apply(g))
	assert.Equal(t, -32768.0, *g.NoData)
	assert.Equal(t, []float32{-32768, 5}, g.Data)

	g.CRS = "EPSG:3035"
	assert.Error(t, raster.Ortho4XPProfile.Apply(g))
}
