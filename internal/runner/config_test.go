package runner_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/doublemover/kubolti/internal/runner"
)

func TestPatchConfigExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Ortho4XP.cfg")
	original := "min_angle=10\nskip_downloads=False\n# comment\n"
	assert.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	snapshot, err := runner.PatchConfig(path, map[string]string{
		"min_angle": "5",
		"mesh_zl":   "17.0",
	})
	assert.NoError(t, err)
	assert.True(t, snapshot.Existed)
	assert.Equal(t, original, snapshot.Content)

	values := runner.ReadConfigValues(path)
	assert.Equal(t, "5", values["min_angle"])
	assert.Equal(t, "False", values["skip_downloads"])
	assert.Equal(t, "17.0", values["mesh_zl"])

	assert.NoError(t, snapshot.Restore())
	payload, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, original, string(payload))
}

func TestPatchConfigAbsentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Ortho4XP.cfg")

	snapshot, err := runner.PatchConfig(path, map[string]string{"skip_downloads": "True"})
	assert.NoError(t, err)
	assert.False(t, snapshot.Existed)

	_, err = os.Stat(path)
	assert.NoError(t, err)

	// Restoring an "absent" snapshot deletes the file.
	assert.NoError(t, snapshot.Restore())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Restore is idempotent.
	assert.NoError(t, snapshot.Restore())
}

func TestReadConfigValuesQuotesAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Ortho4XP.cfg")
	content := "name=\"quoted value\"\nratio=0.5 # inline comment\nbroken line\n"
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	values := runner.ReadConfigValues(path)
	assert.Equal(t, "quoted value", values["name"])
	assert.Equal(t, "0.5", values["ratio"])
	_, hasBroken := values["broken line"]
	assert.False(t, hasBroken)
}

func TestConfigDiffRedactsSensitiveKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Ortho4XP.cfg")
	assert.NoError(t, os.WriteFile(path, []byte("api_key=old\nmin_angle=10\n"), 0o644))

	snapshot, err := runner.PatchConfig(path, map[string]string{
		"api_key":   "new",
		"min_angle": "5",
	})
	assert.NoError(t, err)

	diff := runner.ConfigDiff(snapshot)
	assert.Equal(t, "<redacted>", diff["api_key"].After)
	assert.Equal(t, "<redacted>", *diff["api_key"].Before)
	assert.Equal(t, "5", diff["min_angle"].After)
	assert.Equal(t, "10", *diff["min_angle"].Before)
	_, unchanged := diff["mesh_zl"]
	assert.False(t, unchanged)
}

func TestDensityPresets(t *testing.T) {
	preset, err := runner.PresetFor("medium")
	assert.NoError(t, err)
	assert.Equal(t, 2.0, preset.CurvatureTol)
	assert.Equal(t, 1_500_000, preset.TriangleWarn)
	assert.Equal(t, 5_000_000, preset.TriangleMax)
	values := preset.ConfigValues()
	assert.Equal(t, "2", values["curvature_tol"])
	assert.Equal(t, "17.0", values["mesh_zl"])

	_, err = runner.PresetFor("extreme")
	assert.Error(t, err)

	assert.Equal(t, []string{"high", "low", "medium", "ultra"}, runner.PresetNames())
}
