package patch_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"go.uber.org/zap"

	"github.com/doublemover/kubolti/internal/build"
	"github.com/doublemover/kubolti/internal/geo"
	"github.com/doublemover/kubolti/internal/patch"
	"github.com/doublemover/kubolti/internal/raster"
	"github.com/doublemover/kubolti/internal/xplane"
)

var tile4708 = xplane.MustParseTile("+47+008")

func ptr(value float64) *float64 { return &value }

func writePlan(t *testing.T, path string, plan patch.Plan) {
	t.Helper()
	payload, err := json.Marshal(plan)
	assert.NoError(t, err)
	assert.NoError(t, os.WriteFile(path, payload, 0o644))
}

func TestLoadPlan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.json")
	writePlan(t, path, patch.Plan{
		SchemaVersion: patch.PlanSchemaVersion,
		Patches:       []patch.Entry{{Tile: "+47+008", DEM: "patch.tif"}},
	})

	plan, err := patch.LoadPlan(path)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(plan.Patches))

	// Validation failures.
	writePlan(t, path, patch.Plan{Patches: []patch.Entry{{Tile: "bogus", DEM: "x.tif"}}})
	_, err = patch.LoadPlan(path)
	assert.Error(t, err)

	writePlan(t, path, patch.Plan{Patches: []patch.Entry{{Tile: "+47+008", DEM: "x.tif", AOI: "a.geojson"}}})
	_, err = patch.LoadPlan(path)
	assert.Error(t, err)

	writePlan(t, path, patch.Plan{})
	_, err = patch.LoadPlan(path)
	assert.Error(t, err)
}

func TestPatchRun(t *testing.T) {
	dir := t.TempDir()

	// Base DEM: constant 100 over the tile.
	baseDEM := filepath.Join(dir, "base.tif")
	baseGrid := raster.NewGrid(40, 40, tile4708.Bounds(), geo.EPSG4326, ptr(-9999), 100)
	assert.NoError(t, raster.WriteGeoTIFF(baseDEM, baseGrid, raster.WriteOptions{}))

	// Patch DEM: 999 over the north half only.
	patchDEM := filepath.Join(dir, "patch.tif")
	patchGrid := raster.NewGrid(40, 20, geo.Bounds{MinX: 8, MinY: 47.5, MaxX: 9, MaxY: 48}, geo.EPSG4326, ptr(-9999), 999)
	assert.NoError(t, raster.WriteGeoTIFF(patchDEM, patchGrid, raster.WriteOptions{}))

	plan := patch.Plan{
		SchemaVersion: patch.PlanSchemaVersion,
		Patches:       []patch.Entry{{Tile: tile4708.Name(), DEM: patchDEM, NoData: ptr(-9999)}},
	}
	patchedOutput := filepath.Join(dir, "patched")
	report, err := patch.Run(context.Background(), zap.NewNop(), plan, patch.Options{
		BaseConfig: build.Config{
			DEMs:   []string{baseDEM},
			Output: filepath.Join(dir, "base-out"),
		},
		PatchedOutput: patchedOutput,
		Deterministic: true,
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(report.Tiles))
	assert.Equal(t, build.StatusOK, report.Tiles[0].Status)

	// The patched artifact has the patch on top of the base.
	dataset, err := raster.OpenDataset(report.Tiles[0].Artifact)
	assert.NoError(t, err)
	defer func() { _ = dataset.Close() }()
	grid, err := dataset.ReadGrid()
	assert.NoError(t, err)
	// North rows come from the patch, south from the base.
	assert.Equal(t, float32(999), grid.At(10, 2))
	assert.Equal(t, float32(100), grid.At(10, grid.Height-3))

	// The patch and build reports were written into the patched tree.
	_, err = os.Stat(filepath.Join(patchedOutput, "patch_report.json"))
	assert.NoError(t, err)
	loaded, ok := build.LoadReport(filepath.Join(patchedOutput, "build_report.json"))
	assert.True(t, ok)
	assert.Equal(t, 1, len(loaded.Tiles))
}
