package dsf_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"go.uber.org/zap"

	"github.com/doublemover/kubolti/internal/dsf"
	"github.com/doublemover/kubolti/internal/xplane"
)

func TestParseBounds(t *testing.T) {
	properties := dsf.ParseProperties(builtTileText)
	bounds, err := dsf.ParseBounds(properties)
	assert.NoError(t, err)
	assert.Equal(t, dsf.Bounds{West: 8, South: 47, East: 9, North: 48}, bounds)

	_, err = dsf.ParseBounds(map[string]string{"sim/west": "8"})
	assert.Error(t, err)

	_, err = dsf.ParseBounds(map[string]string{
		"sim/west": "x", "sim/south": "47", "sim/east": "9", "sim/north": "48",
	})
	assert.Error(t, err)
}

func TestCompareBounds(t *testing.T) {
	expected := dsf.ExpectedBounds(tile4708)
	assert.Equal(t, 0, len(dsf.CompareBounds(expected, expected)))

	shifted := expected
	shifted.West = 7
	mismatches := dsf.CompareBounds(expected, shifted)
	assert.Equal(t, 1, len(mismatches))
	assert.Contains(t, mismatches[0], "west")
}

func TestValidateTileBounds(t *testing.T) {
	dir := t.TempDir()
	dsftool := fakeDSFTool(t, dir)

	dsfPath := filepath.Join(dir, "+47+008.dsf")
	assert.NoError(t, os.WriteFile(dsfPath, []byte(builtTileText), 0o644))

	validator := dsf.NewValidator(zap.NewNop(), dsftool, dsf.ValidationBounds)
	result := validator.ValidateTile(context.Background(), tile4708, dsfPath, filepath.Join(dir, "scratch"))
	assert.True(t, result.OK)
	assert.Equal(t, 0, len(result.Mismatches))
}

func TestValidateTileBoundsMismatch(t *testing.T) {
	dir := t.TempDir()
	dsftool := fakeDSFTool(t, dir)

	wrong := `PROPERTY sim/west 7
PROPERTY sim/south 47
PROPERTY sim/east 8
PROPERTY sim/north 48
`
	dsfPath := filepath.Join(dir, "+47+008.dsf")
	assert.NoError(t, os.WriteFile(dsfPath, []byte(wrong), 0o644))

	validator := dsf.NewValidator(zap.NewNop(), dsftool, dsf.ValidationBounds)
	result := validator.ValidateTile(context.Background(), tile4708, dsfPath, filepath.Join(dir, "scratch"))
	assert.False(t, result.OK)
	assert.True(t, len(result.Mismatches) > 0)
}

func TestValidateTileMissingDSF(t *testing.T) {
	dir := t.TempDir()
	dsftool := fakeDSFTool(t, dir)
	validator := dsf.NewValidator(zap.NewNop(), dsftool, dsf.ValidationBounds)
	result := validator.ValidateTile(context.Background(), tile4708, filepath.Join(dir, "missing.dsf"), dir)
	assert.False(t, result.OK)
	assert.True(t, result.Missing)
}

func TestValidateTileRoundtrip(t *testing.T) {
	dir := t.TempDir()
	dsftool := fakeDSFTool(t, dir)

	dsfPath := filepath.Join(dir, "+47+008.dsf")
	assert.NoError(t, os.WriteFile(dsfPath, []byte(builtTileText), 0o644))

	validator := dsf.NewValidator(zap.NewNop(), dsftool, dsf.ValidationRoundtrip)
	result := validator.ValidateTile(context.Background(), tile4708, dsfPath, filepath.Join(dir, "scratch"))
	assert.True(t, result.OK)
}

func TestValidateTilesParallel(t *testing.T) {
	dir := t.TempDir()
	dsftool := fakeDSFTool(t, dir)

	buildRoot := filepath.Join(dir, "build")
	tiles := []xplane.Tile{tile4708, xplane.MustParseTile("+47+009")}
	texts := map[string]string{
		"+47+008": builtTileText,
		"+47+009": "PROPERTY sim/west 9\nPROPERTY sim/south 47\nPROPERTY sim/east 10\nPROPERTY sim/north 48\n",
	}
	for _, tile := range tiles {
		path := xplane.DSFPath(buildRoot, tile)
		assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		assert.NoError(t, os.WriteFile(path, []byte(texts[tile.Name()]), 0o644))
	}

	validator := dsf.NewValidator(zap.NewNop(), dsftool, dsf.ValidationBounds)
	results := validator.ValidateTiles(context.Background(), tiles, func(tile xplane.Tile) string {
		return xplane.DSFPath(buildRoot, tile)
	}, filepath.Join(dir, "scratch"), 2)

	assert.Equal(t, 2, len(results))
	assert.True(t, results["+47+008"].OK)
	assert.True(t, results["+47+009"].OK)
}

func TestParseValidationMode(t *testing.T) {
	mode, err := dsf.ParseValidationMode("")
	assert.NoError(t, err)
	assert.Equal(t, dsf.ValidationBounds, mode)
	_, err = dsf.ParseValidationMode("thorough")
	assert.Error(t, err)
}
