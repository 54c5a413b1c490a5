package runner

import (
	"fmt"
	"sort"
	"strconv"
)

// A DensityPreset maps a named mesh density onto backend config values
// and triangle guardrail limits.
type DensityPreset struct {
	CurvatureTol  float64
	MeshZL        float64
	TriangleWarn  int
	TriangleMax   int
}

var densityPresets = map[string]DensityPreset{
	"low":    {CurvatureTol: 3.0, MeshZL: 16, TriangleWarn: 1_000_000, TriangleMax: 3_000_000},
	"medium": {CurvatureTol: 2.0, MeshZL: 17, TriangleWarn: 1_500_000, TriangleMax: 5_000_000},
	"high":   {CurvatureTol: 1.0, MeshZL: 18, TriangleWarn: 2_500_000, TriangleMax: 7_500_000},
	"ultra":  {CurvatureTol: 0.5, MeshZL: 19, TriangleWarn: 4_000_000, TriangleMax: 12_000_000},
}

// PresetFor returns the preset for a density name.
func PresetFor(name string) (DensityPreset, error) {
	preset, ok := densityPresets[name]
	if !ok {
		return DensityPreset{}, Error.New("unknown density preset: %s", name)
	}
	return preset, nil
}

// PresetNames lists the known density presets.
func PresetNames() []string {
	names := make([]string, 0, len(densityPresets))
	for name := range densityPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConfigValues renders the preset as backend config entries.
func (p DensityPreset) ConfigValues() map[string]string {
	return map[string]string{
		"curvature_tol": strconv.FormatFloat(p.CurvatureTol, 'g', -1, 64),
		"mesh_zl":       fmt.Sprintf("%.1f", p.MeshZL),
	}
}
