// Package patch applies DEM patches to selected tiles, rebuilding only
// the affected tiles against the existing normalization cache.
package patch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/doublemover/kubolti/internal/build"
	"github.com/doublemover/kubolti/internal/dem"
	"github.com/doublemover/kubolti/internal/raster"
	"github.com/doublemover/kubolti/internal/xplane"
)

// Error is the error class for the patch package.
var Error = errs.Class("patch")

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// PlanSchemaVersion versions the patch plan document.
const PlanSchemaVersion = "1"

// An Entry overrides one tile's DEM.
type Entry struct {
	Tile   string   `json:"tile"`
	DEM    string   `json:"dem"`
	AOI    string   `json:"aoi,omitempty"`
	NoData *float64 `json:"nodata,omitempty"`
}

// A Plan is the patch plan document.
type Plan struct {
	SchemaVersion string  `json:"schema_version"`
	Patches       []Entry `json:"patches"`
}

// LoadPlan parses and validates a patch plan.
func LoadPlan(path string) (Plan, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, Error.Wrap(err)
	}
	var plan Plan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return Plan{}, Error.New("%s: %v", path, err)
	}
	if len(plan.Patches) == 0 {
		return Plan{}, Error.New("%s: patch plan requires a non-empty patches list", path)
	}
	for _, entry := range plan.Patches {
		if entry.Tile == "" || entry.DEM == "" {
			return Plan{}, Error.New("patch entry requires tile and dem fields")
		}
		if _, err := xplane.ParseTile(entry.Tile); err != nil {
			return Plan{}, err
		}
		if entry.AOI != "" && entry.NoData == nil {
			return Plan{}, Error.New("%s: patch AOI requires a nodata value", entry.Tile)
		}
	}
	return plan, nil
}

// A TileReport is one patched tile's outcome.
type TileReport struct {
	Tile     string              `json:"tile"`
	Status   string              `json:"status"`
	Artifact string              `json:"artifact,omitempty"`
	Coverage dem.CoverageMetrics `json:"coverage"`
	Error    string              `json:"error,omitempty"`
}

// A Report is the patch report document.
type Report struct {
	SchemaVersion string       `json:"schema_version"`
	CreatedAt     string       `json:"created_at,omitempty"`
	BaseOutput    string       `json:"base_output"`
	PatchedOutput string       `json:"patched_output"`
	Tiles         []TileReport `json:"tiles"`
}

// Options configures a patch run.
type Options struct {
	// BaseConfig is the original build's normalized config (the lock).
	BaseConfig build.Config
	// PatchedOutput is the separate build tree receiving patched tiles.
	PatchedOutput string
	Deterministic bool
}

// Run applies a patch plan: each entry's tile is renormalized with the
// patch DEM layered at highest priority over the original inputs.
// Peer tiles are untouched and keep their cached artifacts.
func Run(ctx context.Context, log *zap.Logger, plan Plan, opts Options) (*Report, error) {
	if opts.PatchedOutput == "" {
		return nil, Error.New("patched output directory is required")
	}
	if len(opts.BaseConfig.DEMs) == 0 && opts.BaseConfig.DEMStackPath == "" {
		return nil, Error.New("base config has no DEM inputs")
	}

	report := &Report{
		SchemaVersion: PlanSchemaVersion,
		BaseOutput:    opts.BaseConfig.Output,
		PatchedOutput: opts.PatchedOutput,
	}
	if !opts.Deterministic {
		report.CreatedAt = utcNow()
	}

	var buildStatuses []build.TileStatus
	for _, entry := range plan.Patches {
		tile := xplane.MustParseTile(entry.Tile)
		tileReport := TileReport{Tile: entry.Tile, Status: build.StatusOK}

		result, err := patchTile(ctx, log, entry, tile, opts)
		if err != nil {
			tileReport.Status = build.StatusError
			tileReport.Error = err.Error()
			buildStatuses = append(buildStatuses, build.TileStatus{
				Tile:   entry.Tile,
				Status: build.StatusError,
				Errors: []string{fmt.Sprintf("patch normalization failed: %v", err)},
			})
		} else {
			tileReport.Artifact = result.Path
			tileReport.Coverage = result.Metrics
			metrics := result.Metrics
			buildStatuses = append(buildStatuses, build.TileStatus{
				Tile:     entry.Tile,
				Status:   build.StatusOK,
				Messages: []string{"patched"},
				Coverage: &metrics,
			})
		}
		report.Tiles = append(report.Tiles, tileReport)
	}

	if err := build.WriteJSON(filepath.Join(opts.PatchedOutput, "patch_report.json"), report); err != nil {
		return nil, err
	}
	// A fresh build report restricted to the affected tiles.
	buildReport := &build.Report{
		SchemaVersion: build.SchemaVersion,
		Backend:       build.Backend{Name: "ortho4xp"},
		Tiles:         buildStatuses,
		Artifacts:     map[string]any{"scenery_dir": opts.PatchedOutput},
		Warnings:      []string{},
		Errors:        collectErrors(buildStatuses),
	}
	if !opts.Deterministic {
		buildReport.CreatedAt = utcNow()
	}
	if err := build.WriteJSON(filepath.Join(opts.PatchedOutput, "build_report.json"), buildReport); err != nil {
		return nil, err
	}
	return report, nil
}

func collectErrors(statuses []build.TileStatus) []string {
	errorsList := []string{}
	for _, status := range statuses {
		for _, message := range status.Errors {
			errorsList = append(errorsList, status.Tile+": "+message)
		}
	}
	return errorsList
}

// patchTile renormalizes one tile with the patch DEM as the
// highest-priority layer of a transient stack.
func patchTile(ctx context.Context, log *zap.Logger, entry Entry, tile xplane.Tile, opts Options) (dem.TileResult, error) {
	layers := make([]dem.Layer, 0, len(opts.BaseConfig.DEMs)+1)
	for i, source := range opts.BaseConfig.DEMs {
		layers = append(layers, dem.Layer{Path: source, Priority: i})
	}
	layers = append(layers, dem.Layer{
		Path:     entry.DEM,
		Priority: len(layers) + 1,
		AOI:      entry.AOI,
		NoData:   entry.NoData,
	})
	stack := dem.Stack{Layers: layers}

	options, err := patchOptions(opts.BaseConfig)
	if err != nil {
		return dem.TileResult{}, err
	}
	normalizer, err := dem.NewStackNormalizer(log, filepath.Join(opts.PatchedOutput, "normalized"), stack, options)
	if err != nil {
		return dem.TileResult{}, err
	}
	return normalizer.NormalizeTile(ctx, tile)
}

func patchOptions(config build.Config) (dem.Options, error) {
	kernel, err := raster.ParseKernel(config.Resampling)
	if err != nil {
		return dem.Options{}, err
	}
	profile := raster.Ortho4XPProfile
	targetCRS := config.TargetCRS
	if targetCRS == "" {
		targetCRS = profile.CRS
	}
	fill, err := raster.ParseFillStrategy(config.FillStrategy)
	if err != nil {
		return dem.Options{}, err
	}
	return dem.Options{
		TargetCRS:    targetCRS,
		ResX:         config.ResX,
		ResY:         config.ResY,
		Resampling:   kernel,
		DstNoData:    config.DstNoData,
		FillStrategy: fill,
		FillValue:    config.FillValue,
		FallbackDEMs: config.FallbackDEMs,
		Profile:      &profile,
	}, nil
}
