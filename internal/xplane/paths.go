package xplane

import "path/filepath"

// All scenery path construction flows through this file. Callers must not
// splice "Earth nav data" or bucket folder names themselves.

// DSFPath returns the DSF path for a tile beneath a scenery root.
func DSFPath(root string, tile Tile) string {
	return filepath.Join(root, "Earth nav data", tile.Bucket().Name(), tile.Name()+".dsf")
}

// ElevationDataPath returns the expected Elevation_data path for a staged
// tile DEM with the given extension (including the dot).
func ElevationDataPath(root string, tile Tile, ext string) string {
	return filepath.Join(root, "Elevation_data", tile.Bucket().Name(), tile.HGTName()+ext)
}

// SceneryTileDir returns the per-tile output directory Ortho4XP writes
// beneath a Custom Scenery root.
func SceneryTileDir(sceneryRoot string, tile Tile) string {
	return filepath.Join(sceneryRoot, "zOrtho4XP_"+tile.Name())
}

// NormalizedTilePath returns the canonical normalized artifact path for a
// tile beneath an output root.
func NormalizedTilePath(outputRoot string, tile Tile) string {
	return filepath.Join(outputRoot, "normalized", "tiles", tile.Name(), tile.Name()+".tif")
}

// RunnerLogPath returns a runner log path for a tile with the given suffix,
// e.g. ".stdout.log" or ".events.json".
func RunnerLogPath(outputRoot string, tile Tile, suffix string) string {
	return filepath.Join(outputRoot, "runner_logs", tile.Name()+suffix)
}
