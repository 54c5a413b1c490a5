package dsf_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/alecthomas/assert/v2"
	"go.uber.org/zap"

	"github.com/doublemover/kubolti/internal/dsf"
	"github.com/doublemover/kubolti/internal/tool"
	"github.com/doublemover/kubolti/internal/xplane"
)

var tile4708 = xplane.MustParseTile("+47+008")

// fakeDSFTool emulates DSFTool with a shell script: dsf2text copies the
// "binary" (actually text) and emits one .raw sidecar per raster_def;
// text2dsf refuses to run unless every raster_def has a sidecar named
// after the text file it was invoked with. That refusal is exactly the
// sidecar-naming contract the enrichment pass must satisfy.
func fakeDSFTool(t *testing.T, dir string) *tool.DSFTool {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell required")
	}
	script := filepath.Join(dir, "dsftool.sh")
	content := `#!/bin/sh
mode=$1; src=$2; dst=$3
names() { grep -oi 'RASTER_DEF [0-9]* [a-z_]*' "$1" | awk '{print $3}'; }
case "$mode" in
--dsf2text)
  cp "$src" "$dst"
  for name in $(names "$src"); do
    printf raw > "$dst.$name.raw"
  done
  ;;
--text2dsf)
  for name in $(names "$src"); do
    if [ ! -f "$src.$name.raw" ]; then
      echo "missing sidecar $src.$name.raw" >&2
      exit 1
    fi
  done
  cp "$src" "$dst"
  ;;
--version)
  echo "DSFTool 2.3"
  ;;
esac
exit 0
`
	assert.NoError(t, os.WriteFile(script, []byte(content), 0o755))
	dsftool, err := tool.NewDSFTool(tool.Command{"sh", script}, 0, 0)
	assert.NoError(t, err)
	return dsftool
}

const builtTileText = `PROPERTY sim/west 8
PROPERTY sim/south 47
PROPERTY sim/east 9
PROPERTY sim/north 48
RASTER_DEF 0 elevation
RASTER_DATA 0 bpp=2
`

const referenceTileText = `PROPERTY sim/west 8
RASTER_DEF 0 elevation
RASTER_DATA 0 bpp=2
RASTER_DEF 1 soundscape
RASTER_DATA 1 bpp=1
RASTER_DEF 2 season_winter
RASTER_DATA 2 bpp=1
`

func TestEnrichTile(t *testing.T) {
	dir := t.TempDir()
	dsftool := fakeDSFTool(t, dir)

	// Build tree with the target DSF.
	buildRoot := filepath.Join(dir, "build")
	dsfPath := xplane.DSFPath(buildRoot, tile4708)
	assert.NoError(t, os.MkdirAll(filepath.Dir(dsfPath), 0o755))
	assert.NoError(t, os.WriteFile(dsfPath, []byte(builtTileText), 0o644))

	// Reference scenery tree with the XP12 tile.
	referenceRoot := filepath.Join(dir, "xp12")
	referencePath := xplane.DSFPath(referenceRoot, tile4708)
	assert.NoError(t, os.MkdirAll(filepath.Dir(referencePath), 0o755))
	assert.NoError(t, os.WriteFile(referencePath, []byte(referenceTileText), 0o644))

	enricher := dsf.NewEnricher(zap.NewNop(), dsftool, referenceRoot)
	workDir := filepath.Join(dir, "work")
	result := enricher.EnrichTile(context.Background(), tile4708, dsfPath, workDir)

	assert.Equal(t, dsf.EnrichmentStatusEnriched, result.Status)
	assert.Equal(t, []string{"soundscape", "season_winter"}, result.Added)

	// Sidecars track the enriched text basename, including the target's
	// own elevation sidecar.
	enrichedBase := filepath.Base(result.EnrichedTextPath)
	for _, layer := range []string{"elevation", "soundscape", "season_winter"} {
		_, err := os.Stat(filepath.Join(workDir, enrichedBase+"."+layer+".raw"))
		assert.NoError(t, err, "missing sidecar for %s", layer)
	}

	// The DSF was replaced and the original backed up.
	payload, err := os.ReadFile(dsfPath)
	assert.NoError(t, err)
	assert.Contains(t, string(payload), "soundscape")
	_, err = os.Stat(result.BackupPath)
	assert.NoError(t, err)
}

func TestEnrichTileMissingReference(t *testing.T) {
	dir := t.TempDir()
	dsftool := fakeDSFTool(t, dir)
	enricher := dsf.NewEnricher(zap.NewNop(), dsftool, filepath.Join(dir, "empty"))
	result := enricher.EnrichTile(context.Background(), tile4708, filepath.Join(dir, "x.dsf"), filepath.Join(dir, "work"))
	assert.Equal(t, dsf.EnrichmentStatusMissingReference, result.Status)
}

func TestEnrichTileNoOp(t *testing.T) {
	dir := t.TempDir()
	dsftool := fakeDSFTool(t, dir)

	buildRoot := filepath.Join(dir, "build")
	dsfPath := xplane.DSFPath(buildRoot, tile4708)
	assert.NoError(t, os.MkdirAll(filepath.Dir(dsfPath), 0o755))
	assert.NoError(t, os.WriteFile(dsfPath, []byte(referenceTileText), 0o644))

	referenceRoot := filepath.Join(dir, "xp12")
	referencePath := xplane.DSFPath(referenceRoot, tile4708)
	assert.NoError(t, os.MkdirAll(filepath.Dir(referencePath), 0o755))
	assert.NoError(t, os.WriteFile(referencePath, []byte(referenceTileText), 0o644))

	enricher := dsf.NewEnricher(zap.NewNop(), dsftool, referenceRoot)
	result := enricher.EnrichTile(context.Background(), tile4708, dsfPath, filepath.Join(dir, "work"))
	assert.Equal(t, dsf.EnrichmentStatusNoOp, result.Status)
}

func TestInventoryRasters(t *testing.T) {
	dir := t.TempDir()
	dsftool := fakeDSFTool(t, dir)
	dsfPath := filepath.Join(dir, "+47+008.dsf")
	assert.NoError(t, os.WriteFile(dsfPath, []byte(referenceTileText), 0o644))

	enricher := dsf.NewEnricher(zap.NewNop(), dsftool, dir)
	summary, err := enricher.InventoryRasters(context.Background(), dsfPath, filepath.Join(dir, "work"))
	assert.NoError(t, err)
	assert.True(t, summary.SoundscapePresent)
	assert.Equal(t, 1, summary.SeasonRasterCount)
}
