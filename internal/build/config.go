package build

import (
	"encoding/json"
	"os"

	"github.com/doublemover/kubolti/internal/tool"
)

// A Config is the normalized merge of CLI flags and config-file inputs,
// suitable for exact replay. It is written as build_config.lock.json.
type Config struct {
	SchemaVersion string `json:"schema_version"`
	CreatedAt     string `json:"created_at,omitempty"`

	DEMs         []string `json:"dems,omitempty"`
	DEMStackPath string   `json:"dem_stack,omitempty"`
	Tiles        []string `json:"tiles,omitempty"`
	Output       string   `json:"output,omitempty"`

	TargetCRS      string   `json:"target_crs,omitempty"`
	ResX           float64  `json:"res_x,omitempty"`
	ResY           float64  `json:"res_y,omitempty"`
	Resampling     string   `json:"resampling,omitempty"`
	DstNoData      *float64 `json:"dst_nodata,omitempty"`
	FillStrategy   string   `json:"fill_strategy,omitempty"`
	FillValue      float64  `json:"fill_value,omitempty"`
	FallbackDEMs   []string `json:"fallback_dems,omitempty"`
	MosaicStrategy string   `json:"mosaic_strategy,omitempty"`
	Compression    string   `json:"compression,omitempty"`
	Normalize      *bool    `json:"normalize,omitempty"`

	Density              string   `json:"density,omitempty"`
	TriangleWarn         int      `json:"triangle_warn,omitempty"`
	TriangleMax          int      `json:"triangle_max,omitempty"`
	AllowTriangleOverage bool     `json:"allow_triangle_overage,omitempty"`
	CoverageMin          *float64 `json:"coverage_min,omitempty"`
	CoverageHardFail     bool     `json:"coverage_hard_fail,omitempty"`

	Workers         int    `json:"workers,omitempty"`
	ContinueOnError bool   `json:"continue_on_error,omitempty"`
	Resume          string `json:"resume,omitempty"`

	Validation        string `json:"validation,omitempty"`
	ValidationWorkers int    `json:"validation_workers,omitempty"`
	BoundsAsWarning   bool   `json:"bounds_as_warning,omitempty"`

	XP12Root   string `json:"xp12_root,omitempty"`
	XP12Strict bool   `json:"xp12_strict,omitempty"`

	Runner         tool.Command `json:"runner,omitempty"`
	DSFTool        tool.Command `json:"dsftool,omitempty"`
	OrthoRoot      string       `json:"ortho_root,omitempty"`
	SceneryRoot    string       `json:"scenery_root,omitempty"`
	RunnerTimeout  float64      `json:"runner_timeout,omitempty"`
	RunnerWatchdog float64      `json:"runner_watchdog,omitempty"`
	PersistConfig  bool         `json:"persist_config,omitempty"`
	CopyTextures   bool         `json:"copy_textures,omitempty"`
	ExtraArgs      []string     `json:"extra_args,omitempty"`

	ProvenanceLevel    string `json:"provenance_level,omitempty"`
	PinnedVersionsPath string `json:"pinned_versions,omitempty"`
	Deterministic      bool   `json:"deterministic,omitempty"`
	DryRun             bool   `json:"dry_run,omitempty"`
}

// LoadConfig reads a build config file.
func LoadConfig(path string) (Config, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Config{}, ErrInvalidInput.Wrap(err)
	}
	var config Config
	if err := json.Unmarshal(payload, &config); err != nil {
		return Config{}, ErrInvalidInput.New("%s: %v", path, err)
	}
	return config, nil
}

// MergeOver overlays non-zero values of c onto base (CLI over file).
func (c Config) MergeOver(base Config) Config {
	merged := base
	if len(c.DEMs) > 0 {
		merged.DEMs = c.DEMs
	}
	if c.DEMStackPath != "" {
		merged.DEMStackPath = c.DEMStackPath
	}
	if len(c.Tiles) > 0 {
		merged.Tiles = c.Tiles
	}
	if c.Output != "" {
		merged.Output = c.Output
	}
	if c.TargetCRS != "" {
		merged.TargetCRS = c.TargetCRS
	}
	if c.ResX != 0 {
		merged.ResX = c.ResX
	}
	if c.ResY != 0 {
		merged.ResY = c.ResY
	}
	if c.Resampling != "" {
		merged.Resampling = c.Resampling
	}
	if c.DstNoData != nil {
		merged.DstNoData = c.DstNoData
	}
	if c.FillStrategy != "" {
		merged.FillStrategy = c.FillStrategy
	}
	if c.FillValue != 0 {
		merged.FillValue = c.FillValue
	}
	if len(c.FallbackDEMs) > 0 {
		merged.FallbackDEMs = c.FallbackDEMs
	}
	if c.MosaicStrategy != "" {
		merged.MosaicStrategy = c.MosaicStrategy
	}
	if c.Compression != "" {
		merged.Compression = c.Compression
	}
	if c.Normalize != nil {
		merged.Normalize = c.Normalize
	}
	if c.Density != "" {
		merged.Density = c.Density
	}
	if c.TriangleWarn != 0 {
		merged.TriangleWarn = c.TriangleWarn
	}
	if c.TriangleMax != 0 {
		merged.TriangleMax = c.TriangleMax
	}
	if c.AllowTriangleOverage {
		merged.AllowTriangleOverage = true
	}
	if c.CoverageMin != nil {
		merged.CoverageMin = c.CoverageMin
	}
	if c.CoverageHardFail {
		merged.CoverageHardFail = true
	}
	if c.Workers != 0 {
		merged.Workers = c.Workers
	}
	if c.ContinueOnError {
		merged.ContinueOnError = true
	}
	if c.Resume != "" {
		merged.Resume = c.Resume
	}
	if c.Validation != "" {
		merged.Validation = c.Validation
	}
	if c.ValidationWorkers != 0 {
		merged.ValidationWorkers = c.ValidationWorkers
	}
	if c.BoundsAsWarning {
		merged.BoundsAsWarning = true
	}
	if c.XP12Root != "" {
		merged.XP12Root = c.XP12Root
	}
	if c.XP12Strict {
		merged.XP12Strict = true
	}
	if c.Runner.Valid() {
		merged.Runner = c.Runner
	}
	if c.DSFTool.Valid() {
		merged.DSFTool = c.DSFTool
	}
	if c.OrthoRoot != "" {
		merged.OrthoRoot = c.OrthoRoot
	}
	if c.SceneryRoot != "" {
		merged.SceneryRoot = c.SceneryRoot
	}
	if c.RunnerTimeout != 0 {
		merged.RunnerTimeout = c.RunnerTimeout
	}
	if c.RunnerWatchdog != 0 {
		merged.RunnerWatchdog = c.RunnerWatchdog
	}
	if c.PersistConfig {
		merged.PersistConfig = true
	}
	if c.CopyTextures {
		merged.CopyTextures = true
	}
	if len(c.ExtraArgs) > 0 {
		merged.ExtraArgs = c.ExtraArgs
	}
	if c.ProvenanceLevel != "" {
		merged.ProvenanceLevel = c.ProvenanceLevel
	}
	if c.PinnedVersionsPath != "" {
		merged.PinnedVersionsPath = c.PinnedVersionsPath
	}
	if c.Deterministic {
		merged.Deterministic = true
	}
	if c.DryRun {
		merged.DryRun = true
	}
	return merged
}

// WriteLock writes the normalized config lock document.
func WriteLock(path string, config Config, deterministic bool) error {
	config.SchemaVersion = SchemaVersion
	config.CreatedAt = stamp(deterministic)
	return WriteJSON(path, config)
}
