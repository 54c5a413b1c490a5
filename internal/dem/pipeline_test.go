package dem_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"go.uber.org/zap"

	"github.com/doublemover/kubolti/internal/dem"
	"github.com/doublemover/kubolti/internal/geo"
	"github.com/doublemover/kubolti/internal/raster"
	"github.com/doublemover/kubolti/internal/xplane"
)

func ptr(value float64) *float64 { return &value }

var tile4708 = xplane.MustParseTile("+47+008")

// writeSourceDEM writes a 100x100 DEM covering the +47+008 tile with a
// configurable share of nodata cells.
func writeSourceDEM(t *testing.T, path string, nodata float64, nodataCells int) {
	t.Helper()
	g := raster.NewGrid(100, 100, tile4708.Bounds(), geo.EPSG4326, &nodata, 0)
	for i := range g.Data {
		if i < nodataCells {
			g.Data[i] = float32(nodata)
		} else {
			g.Data[i] = float32(400 + i%50)
		}
	}
	assert.NoError(t, raster.WriteGeoTIFF(path, g, raster.WriteOptions{}))
}

func TestNormalizeTileNaNNoDataInterpolate(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "dem.tif")
	// 30% of cells are NaN nodata.
	writeSourceDEM(t, source, math.NaN(), 3000)

	profile := raster.Ortho4XPProfile
	normalizer, err := dem.NewNormalizer(zap.NewNop(), filepath.Join(dir, "normalized"), []string{source}, dem.Options{
		TargetCRS:    geo.EPSG4326,
		FillStrategy: raster.FillInterpolate,
		Profile:      &profile,
	})
	assert.NoError(t, err)

	result, err := normalizer.NormalizeTile(context.Background(), tile4708)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, result.CoverageAfter)
	assert.Equal(t, 3000, result.Metrics.FilledPixels)
	// The backend profile pins the written nodata value.
	assert.Equal(t, -32768.0, *result.NoData)

	// The artifact on disk matches the reported nodata.
	dataset, err := raster.OpenDataset(result.Path)
	assert.NoError(t, err)
	defer func() { _ = dataset.Close() }()
	assert.Equal(t, -32768.0, *dataset.NoData())
	coverage, err := dataset.BlockCoverage(nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, coverage.NoDataPixels)
}

func TestNormalizeTileCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "dem.tif")
	writeSourceDEM(t, source, -9999, 10)

	options := dem.Options{
		TargetCRS:    geo.EPSG4326,
		FillStrategy: raster.FillConstant,
		FillValue:    0,
	}
	normalizer, err := dem.NewNormalizer(zap.NewNop(), filepath.Join(dir, "normalized"), []string{source}, options)
	assert.NoError(t, err)

	first, err := normalizer.NormalizeTile(context.Background(), tile4708)
	assert.NoError(t, err)
	assert.False(t, first.Cached)

	// A fresh normalizer over identical inputs hits the cache.
	normalizer2, err := dem.NewNormalizer(zap.NewNop(), filepath.Join(dir, "normalized"), []string{source}, options)
	assert.NoError(t, err)
	second, err := normalizer2.NormalizeTile(context.Background(), tile4708)
	assert.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Metrics.FilledPixels, second.Metrics.FilledPixels)
	assert.Equal(t, first.CoverageAfter, second.CoverageAfter)
}

func TestCacheKeyStability(t *testing.T) {
	inputs := dem.CacheKeyInputs{
		Tile:       "+47+008",
		Sources:    []dem.Fingerprint{{Path: "/a/dem.tif", Size: 10, MtimeNs: 20}},
		TargetCRS:  geo.EPSG4326,
		Resampling: "bilinear",
	}
	key1, err := inputs.Key()
	assert.NoError(t, err)
	key2, err := inputs.Key()
	assert.NoError(t, err)
	assert.Equal(t, key1, key2)

	// A different mtime changes the key.
	inputs.Sources[0].MtimeNs = 21
	key3, err := inputs.Key()
	assert.NoError(t, err)
	assert.NotEqual(t, key1, key3)

	// Moving the identical file to another directory does not.
	inputs.Sources[0].MtimeNs = 20
	inputs.Sources[0].Path = "/b/dem.tif"
	key4, err := inputs.Key()
	assert.NoError(t, err)
	assert.Equal(t, key1, key4)

	// With content hashes, byte-identical inputs key identically even
	// when mtimes differ across hosts.
	inputs.Sources[0].SHA256 = "abc"
	key5, err := inputs.Key()
	assert.NoError(t, err)
	inputs.Sources[0].MtimeNs = 999
	key6, err := inputs.Key()
	assert.NoError(t, err)
	assert.Equal(t, key5, key6)
}

func TestNormalizeStackPriority(t *testing.T) {
	dir := t.TempDir()

	// Low priority: constant 100 everywhere.
	low := filepath.Join(dir, "low.tif")
	lowGrid := raster.NewGrid(50, 50, tile4708.Bounds(), geo.EPSG4326, ptr(-9999), 100)
	assert.NoError(t, raster.WriteGeoTIFF(low, lowGrid, raster.WriteOptions{}))

	// High priority: 200 in the north half, nodata south.
	high := filepath.Join(dir, "high.tif")
	highGrid := raster.NewGrid(50, 50, tile4708.Bounds(), geo.EPSG4326, ptr(-9999), -9999)
	for row := 0; row < 25; row++ {
		for col := 0; col < 50; col++ {
			highGrid.Set(col, row, 200)
		}
	}
	assert.NoError(t, raster.WriteGeoTIFF(high, highGrid, raster.WriteOptions{}))

	stack := dem.Stack{Layers: []dem.Layer{
		{Path: high, Priority: 10, NoData: ptr(-9999)},
		{Path: low, Priority: 1, NoData: ptr(-9999)},
	}}
	normalizer, err := dem.NewStackNormalizer(zap.NewNop(), filepath.Join(dir, "normalized"), stack, dem.Options{
		TargetCRS: geo.EPSG4326,
	})
	assert.NoError(t, err)

	result, err := normalizer.NormalizeTile(context.Background(), tile4708)
	assert.NoError(t, err)

	dataset, err := raster.OpenDataset(result.Path)
	assert.NoError(t, err)
	defer func() { _ = dataset.Close() }()
	grid, err := dataset.ReadGrid()
	assert.NoError(t, err)
	// North half comes from the high-priority layer, south from the low.
	assert.Equal(t, float32(200), grid.At(10, 5))
	assert.Equal(t, float32(100), grid.At(10, 40))
}

func TestStackAOIRequiresNoData(t *testing.T) {
	stack := dem.Stack{Layers: []dem.Layer{{Path: "dem.tif", AOI: "aoi.geojson"}}}
	err := stack.Validate(nil)
	assert.Error(t, err)
	assert.True(t, dem.ErrInvalidInput.Has(err))

	assert.NoError(t, stack.Validate(ptr(-9999)))
	stack.Layers[0].NoData = ptr(-1)
	assert.NoError(t, stack.Validate(nil))
}

func TestNormalizerRejectsProjectedTarget(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "dem.tif")
	writeSourceDEM(t, source, -9999, 0)

	_, err := dem.NewNormalizer(zap.NewNop(), dir, []string{source}, dem.Options{TargetCRS: "EPSG:3035"})
	assert.Error(t, err)
	assert.True(t, dem.ErrInvalidInput.Has(err))
}

func TestNormalizerRejectsMissingDEM(t *testing.T) {
	_, err := dem.NewNormalizer(zap.NewNop(), t.TempDir(), []string{"/nonexistent/dem.tif"}, dem.Options{TargetCRS: geo.EPSG4326})
	assert.Error(t, err)
	assert.True(t, dem.ErrInvalidInput.Has(err))
}

func TestNormalizeForTilesParallelMatchesSerial(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "dem.tif")
	// Source spans two tiles.
	g := raster.NewGrid(100, 50, geo.Bounds{MinX: 8, MinY: 47, MaxX: 10, MaxY: 48}, geo.EPSG4326, ptr(-9999), 7)
	assert.NoError(t, raster.WriteGeoTIFF(source, g, raster.WriteOptions{}))

	tiles := []xplane.Tile{xplane.MustParseTile("+47+008"), xplane.MustParseTile("+47+009")}

	run := func(workers int, workDir string) map[string]dem.TileResult {
		normalizer, err := dem.NewNormalizer(zap.NewNop(), workDir, []string{source}, dem.Options{TargetCRS: geo.EPSG4326})
		assert.NoError(t, err)
		results, failures := normalizer.NormalizeForTiles(context.Background(), tiles, workers, true)
		assert.Equal(t, 0, len(failures))
		return results
	}

	serial := run(1, filepath.Join(dir, "serial"))
	parallel := run(4, filepath.Join(dir, "parallel"))
	assert.Equal(t, len(serial), len(parallel))
	for name, serialResult := range serial {
		parallelResult, ok := parallel[name]
		assert.True(t, ok)
		assert.Equal(t, serialResult.CoverageAfter, parallelResult.CoverageAfter)
		assert.Equal(t, serialResult.Metrics.TotalPixels, parallelResult.Metrics.TotalPixels)
	}
}
