package dsf

import (
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
)

const targetText = `PROPERTY sim/planet earth
PROPERTY sim/west 8
PROPERTY sim/east 9
PROPERTY sim/south 47
PROPERTY sim/north 48
RASTER_DEF 0 elevation
RASTER_DATA 0 version=1 bpp=2
BEGIN_PATCH 0
`

const referenceText = `PROPERTY sim/west 8
RASTER_DEF 0 elevation
RASTER_DATA 0 version=1 bpp=2
RASTER_DEF 1 soundscape
RASTER_DATA 1 version=1 bpp=1
RASTER_DEF 2 season_winter
RASTER_DATA 2 version=1 bpp=1
`

func TestParseRasterNames(t *testing.T) {
	names := ParseRasterNames(referenceText)
	assert.Equal(t, []string{"elevation", "soundscape", "season_winter"}, names)
}

func TestExtractRasterBlocks(t *testing.T) {
	blocks := ExtractRasterBlocks(referenceText)
	assert.Equal(t, 3, len(blocks))
	assert.Equal(t, 1, blocks["soundscape"].Index)
	assert.Equal(t, 2, len(blocks["soundscape"].Lines))
}

func TestMergeRasterDefinitions(t *testing.T) {
	merged, missing, indexMap := mergeRasterDefinitions(targetText, referenceText)
	assert.Equal(t, []string{"soundscape", "season_winter"}, missing)
	// The target already uses index 0, so nothing needs remapping: the
	// reference layers arrive at 1 and 2, both free.
	assert.Equal(t, 0, len(indexMap))
	assert.Contains(t, merged, "RASTER_DEF 1 soundscape")
	assert.Contains(t, merged, "RASTER_DEF 2 season_winter")
	// New raster lines are inserted ahead of the tile-bounds properties,
	// and so before the patch data.
	rasterIndex := strings.Index(merged, "RASTER_DEF 1 soundscape")
	patchIndex := strings.Index(merged, "BEGIN_PATCH")
	assert.True(t, rasterIndex < patchIndex)
}

func TestMergeRemapsCollidingIndices(t *testing.T) {
	target := "RASTER_DEF 1 elevation\n"
	reference := "RASTER_DEF 1 soundscape\nRASTER_DATA 1 bpp=1\n"
	merged, missing, indexMap := mergeRasterDefinitions(target, reference)
	assert.Equal(t, []string{"soundscape"}, missing)
	assert.Equal(t, 2, indexMap[1])
	assert.Contains(t, merged, "RASTER_DEF 2 soundscape")
	assert.Contains(t, merged, "RASTER_DATA 2 bpp=1")
}

func TestMergeNoOpWhenAllPresent(t *testing.T) {
	_, missing, _ := mergeRasterDefinitions(referenceText, referenceText)
	assert.Equal(t, 0, len(missing))
}

func TestRemapSidecarSuffix(t *testing.T) {
	assert.Equal(t, ".2.raw", remapSidecarSuffix(".1.raw", map[int]int{1: 2}))
	assert.Equal(t, ".soundscape.raw", remapSidecarSuffix(".soundscape.raw", map[int]int{1: 2}))
	assert.Equal(t, ".1.raw", remapSidecarSuffix(".1.raw", nil))
}

func TestInsertionPointPrefersRasterBlock(t *testing.T) {
	lines := strings.Split("PROPERTY a b\nRASTER_DEF 0 elevation\nBEGIN_PATCH", "\n")
	assert.Equal(t, 2, insertionPoint(lines))
}

func TestInsertionPointNeverPastBounds(t *testing.T) {
	lines := strings.Split("PROPERTY sim/west 8\nPROPERTY sim/other x", "\n")
	// The bounds property comes first, so insertion happens before it.
	assert.Equal(t, 0, insertionPoint(lines))
}

func TestSummarizeRasters(t *testing.T) {
	summary := SummarizeRasters([]string{"elevation", "soundscape", "season_winter", "season_summer", ""})
	assert.True(t, summary.SoundscapePresent)
	assert.Equal(t, 2, summary.SeasonRasterCount)
	assert.Equal(t, ExpectedSeasonRasters, summary.SeasonRasterExpected)
	assert.Equal(t, 4, len(summary.RasterNames))
}
