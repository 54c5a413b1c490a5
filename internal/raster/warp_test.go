package raster_test

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/doublemover/kubolti/internal/geo"
	"github.com/doublemover/kubolti/internal/raster"
)

func constantGridFile(t *testing.T, dir string, bounds geo.Bounds, width, height int, value float32, nodata *float64) string {
	t.Helper()
	g := raster.NewGrid(width, height, bounds, geo.EPSG4326, nodata, value)
	path := filepath.Join(dir, "src.tif")
	assert.NoError(t, raster.WriteGeoTIFF(path, g, raster.WriteOptions{}))
	return path
}

func TestWarpToTileSameCRS(t *testing.T) {
	dir := t.TempDir()
	src := constantGridFile(t, dir, geo.Bounds{MinX: 7.5, MinY: 46.5, MaxX: 9.5, MaxY: 48.5}, 200, 200, 321, ptr(-9999))

	dataset, err := raster.OpenDataset(src)
	assert.NoError(t, err)
	defer func() { _ = dataset.Close() }()

	tile, err := raster.WarpToTile(dataset, testBounds(), geo.EPSG4326, 0.01, 0.01, raster.KernelBilinear, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, 100, tile.Width)
	assert.Equal(t, 100, tile.Height)
	// Effective nodata falls back to the source's declared value.
	assert.Equal(t, -9999.0, *tile.NoData)
	for _, value := range tile.Data {
		assert.Equal(t, float32(321), value)
	}
}

func TestWarpToTileExplicitNoData(t *testing.T) {
	dir := t.TempDir()
	src := constantGridFile(t, dir, testBounds(), 50, 50, 7, ptr(-9999))

	dataset, err := raster.OpenDataset(src)
	assert.NoError(t, err)
	defer func() { _ = dataset.Close() }()

	tile, err := raster.WarpToTile(dataset, testBounds(), geo.EPSG4326, 0.02, 0.02, raster.KernelNearest, ptr(-32768), nil)
	assert.NoError(t, err)
	assert.Equal(t, -32768.0, *tile.NoData)
}

func TestWarpToTilePartialOverlap(t *testing.T) {
	dir := t.TempDir()
	// Source covers only the western half of the tile.
	src := constantGridFile(t, dir, geo.Bounds{MinX: 8, MinY: 47, MaxX: 8.5, MaxY: 48}, 50, 100, 55, ptr(-9999))

	dataset, err := raster.OpenDataset(src)
	assert.NoError(t, err)
	defer func() { _ = dataset.Close() }()

	tile, err := raster.WarpToTile(dataset, testBounds(), geo.EPSG4326, 0.1, 0.1, raster.KernelNearest, nil, nil)
	assert.NoError(t, err)
	coverage := raster.GridCoverage(tile)
	assert.Equal(t, 50, coverage.NoDataPixels)
	assert.Equal(t, 0.5, coverage.ValidRatio)
}

func TestTileGridShape(t *testing.T) {
	width, height := raster.TileGridShape(testBounds(), 0.3, 0.3)
	assert.Equal(t, 4, width) // ceil(1/0.3)
	assert.Equal(t, 4, height)

	width, height = raster.TileGridShape(testBounds(), 2, 2)
	assert.Equal(t, 1, width)
	assert.Equal(t, 1, height)
}

func TestVirtualMosaicPriority(t *testing.T) {
	dir := t.TempDir()

	first := raster.NewGrid(10, 10, testBounds(), geo.EPSG4326, ptr(-9999), -9999)
	// Valid only in the top-left quadrant.
	for row := 0; row < 5; row++ {
		for col := 0; col < 5; col++ {
			first.Set(col, row, 1)
		}
	}
	firstPath := filepath.Join(dir, "first.tif")
	assert.NoError(t, raster.WriteGeoTIFF(firstPath, first, raster.WriteOptions{}))

	second := raster.NewGrid(10, 10, testBounds(), geo.EPSG4326, ptr(-9999), 2)
	secondPath := filepath.Join(dir, "second.tif")
	assert.NoError(t, raster.WriteGeoTIFF(secondPath, second, raster.WriteOptions{}))

	firstDS, err := raster.OpenDataset(firstPath)
	assert.NoError(t, err)
	defer func() { _ = firstDS.Close() }()
	secondDS, err := raster.OpenDataset(secondPath)
	assert.NoError(t, err)
	defer func() { _ = secondDS.Close() }()

	mosaic, err := raster.NewVirtualMosaic([]*raster.Dataset{firstDS, secondDS}, nil)
	assert.NoError(t, err)

	tile, err := raster.WarpToTile(mosaic, testBounds(), geo.EPSG4326, 0.1, 0.1, raster.KernelNearest, nil, nil)
	assert.NoError(t, err)
	// First source wins where it has data; second fills the rest.
	assert.Equal(t, float32(1), tile.At(2, 2))
	assert.Equal(t, float32(2), tile.At(7, 7))
	assert.Equal(t, 0, raster.CountNoData(tile.Data, tile.NoData))
}

func TestVirtualMosaicCRSMismatch(t *testing.T) {
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.tif")
	a := raster.NewGrid(2, 2, testBounds(), geo.EPSG4326, nil, 0)
	assert.NoError(t, raster.WriteGeoTIFF(aPath, a, raster.WriteOptions{}))
	bPath := filepath.Join(dir, "b.tif")
	b := raster.NewGrid(2, 2, testBounds(), "EPSG:3035", nil, 0)
	assert.NoError(t, raster.WriteGeoTIFF(bPath, b, raster.WriteOptions{}))

	aDS, err := raster.OpenDataset(aPath)
	assert.NoError(t, err)
	defer func() { _ = aDS.Close() }()
	bDS, err := raster.OpenDataset(bPath)
	assert.NoError(t, err)
	defer func() { _ = bDS.Close() }()

	_, err = raster.NewVirtualMosaic([]*raster.Dataset{aDS, bDS}, nil)
	assert.Error(t, err)
}

func TestDefaultKernel(t *testing.T) {
	assert.Equal(t, raster.KernelAverage, raster.DefaultKernel(0.001, 0.01))
	assert.Equal(t, raster.KernelBilinear, raster.DefaultKernel(0.01, 0.01))
	assert.Equal(t, raster.KernelBilinear, raster.DefaultKernel(0.01, 0.001))
}

func TestParseKernel(t *testing.T) {
	kernel, err := raster.ParseKernel("Lanczos")
	assert.NoError(t, err)
	assert.Equal(t, raster.KernelLanczos, kernel)
	_, err = raster.ParseKernel("spline")
	assert.Error(t, err)

	kernel, err = raster.ParseKernel("")
	assert.NoError(t, err)
	assert.Equal(t, raster.KernelBilinear, kernel)
}

func TestWarpNaNSource(t *testing.T) {
	dir := t.TempDir()
	nodata := math.NaN()
	g := raster.NewGrid(10, 10, testBounds(), geo.EPSG4326, &nodata, 5)
	g.Set(0, 0, float32(math.NaN()))
	path := filepath.Join(dir, "src.tif")
	assert.NoError(t, raster.WriteGeoTIFF(path, g, raster.WriteOptions{}))

	dataset, err := raster.OpenDataset(path)
	assert.NoError(t, err)
	defer func() { _ = dataset.Close() }()

	tile, err := raster.WarpToTile(dataset, testBounds(), geo.EPSG4326, 0.1, 0.1, raster.KernelBilinear, ptr(-32768), nil)
	assert.NoError(t, err)
	// NaN source cells never leak into interpolated output.
	for _, value := range tile.Data {
		assert.False(t, math.IsNaN(float64(value)))
	}
}
