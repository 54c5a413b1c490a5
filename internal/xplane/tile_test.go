package xplane_test

import (
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/doublemover/kubolti/internal/geo"
	"github.com/doublemover/kubolti/internal/xplane"
)

func TestParseTile(t *testing.T) {
	for _, tc := range []struct {
		name     string
		expected xplane.Tile
		invalid  bool
	}{
		{name: "+47+008", expected: xplane.Tile{Lat: 47, Lon: 8}},
		{name: "-03+017", expected: xplane.Tile{Lat: -3, Lon: 17}},
		{name: "-90-180", expected: xplane.Tile{Lat: -90, Lon: -180}},
		{name: "+89+179", expected: xplane.Tile{Lat: 89, Lon: 179}},
		{name: "+90+000", invalid: true},
		{name: "+00+180", invalid: true},
		{name: "47+008", invalid: true},
		{name: "+47+08", invalid: true},
		{name: "+4a+008", invalid: true},
		{name: "", invalid: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tile, err := xplane.ParseTile(tc.name)
			if tc.invalid {
				assert.Error(t, err)
				assert.True(t, xplane.ErrInvalidTileName.Has(err))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, tile)
		})
	}
}

func TestTileNameRoundTrip(t *testing.T) {
	for lat := -90; lat <= 89; lat += 7 {
		for lon := -180; lon <= 179; lon += 13 {
			tile := xplane.Tile{Lat: lat, Lon: lon}
			parsed, err := xplane.ParseTile(tile.Name())
			assert.NoError(t, err)
			assert.Equal(t, tile, parsed)
		}
	}
}

func TestBucketFloorDivision(t *testing.T) {
	for _, tc := range []struct {
		tile     string
		expected string
	}{
		{tile: "-03+017", expected: "-10+010"},
		{tile: "+47+008", expected: "+40+000"},
		{tile: "-47-008", expected: "-50-010"},
		{tile: "-10-010", expected: "-10-010"},
		{tile: "+00+000", expected: "+00+000"},
	} {
		tile := xplane.MustParseTile(tc.tile)
		assert.Equal(t, tc.expected, tile.Bucket().Name())
	}
}

func TestBucketContainsTile(t *testing.T) {
	for lat := -90; lat <= 89; lat += 3 {
		for lon := -180; lon <= 179; lon += 11 {
			tile := xplane.Tile{Lat: lat, Lon: lon}
			bucket := tile.Bucket()
			assert.True(t, bucket.Lat <= tile.Lat && tile.Lat < bucket.Lat+10)
			assert.True(t, bucket.Lon <= tile.Lon && tile.Lon < bucket.Lon+10)
		}
	}
}

func TestHGTName(t *testing.T) {
	assert.Equal(t, "N47E008", xplane.MustParseTile("+47+008").HGTName())
	assert.Equal(t, "S03E017", xplane.MustParseTile("-03+017").HGTName())
	assert.Equal(t, "S34W071", xplane.MustParseTile("-34-071").HGTName())
}

func TestDSFPath(t *testing.T) {
	path := xplane.DSFPath("/scenery", xplane.MustParseTile("-03+017"))
	assert.Equal(t, filepath.Join("/scenery", "Earth nav data", "-10+010", "-03+017.dsf"), path)
}

func TestElevationDataPath(t *testing.T) {
	path := xplane.ElevationDataPath("/ortho", xplane.MustParseTile("+47+008"), ".tif")
	assert.Equal(t, filepath.Join("/ortho", "Elevation_data", "+40+000", "N47E008.tif"), path)
}

func TestTilesForBounds(t *testing.T) {
	tiles := xplane.TilesForBounds(geo.Bounds{MinX: 7.5, MinY: 46.5, MaxX: 9.5, MaxY: 47.5})
	names := make([]string, len(tiles))
	for i, tile := range tiles {
		names[i] = tile.Name()
	}
	assert.Equal(t, []string{"+46+007", "+46+008", "+46+009", "+47+007", "+47+008", "+47+009"}, names)
}

func TestTileBounds(t *testing.T) {
	bounds := xplane.MustParseTile("-03+017").Bounds()
	assert.Equal(t, geo.Bounds{MinX: 17, MinY: -3, MaxX: 18, MaxY: -2}, bounds)
}
