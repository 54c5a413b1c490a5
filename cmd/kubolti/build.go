package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/doublemover/kubolti/internal/build"
	"github.com/doublemover/kubolti/internal/tool"
)

// buildFlags collect the CLI side of the build config; they are merged
// over any --config file into the lock document.
type buildFlags struct {
	configPath string

	dems     []string
	demStack string
	tiles    []string
	output   string

	targetCRS      string
	resolution     float64
	resampling     string
	dstNoData      float64
	dstNoDataSet   bool
	fillStrategy   string
	fillValue      float64
	fallbackDEMs   []string
	mosaicStrategy string
	compression    string
	noNormalize    bool

	density              string
	triangleWarn         int
	triangleMax          int
	allowTriangleOverage bool
	coverageMin          float64
	coverageMinSet       bool
	coverageHardFail     bool

	workers         int
	continueOnError bool
	resume          string

	validation        string
	validationWorkers int
	boundsAsWarning   bool

	xp12Root   string
	xp12Strict bool

	runner         []string
	dsftool        []string
	orthoRoot      string
	sceneryRoot    string
	runnerTimeout  float64
	runnerWatchdog float64
	persistConfig  bool
	copyTextures   bool
	extraArgs      []string

	provenanceLevel string
	pinnedVersions  string
	deterministic   bool
	dryRun          bool
}

func (f *buildFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "", "build config file (JSON)")
	flags.StringSliceVar(&f.dems, "dem", nil, "DEM input path (repeatable)")
	flags.StringVar(&f.demStack, "dem-stack", "", "DEM stack definition (JSON)")
	flags.StringSliceVar(&f.tiles, "tile", nil, "tile name like +47+008 (repeatable; inferred from the DEM footprint when omitted)")
	flags.StringVar(&f.output, "output", "", "output directory")
	flags.StringVar(&f.targetCRS, "target-crs", "", "target CRS (EPSG:4326 only)")
	flags.Float64Var(&f.resolution, "resolution", 0, "target resolution in degrees per pixel")
	flags.StringVar(&f.resampling, "resampling", "", "resampling kernel: nearest|bilinear|cubic|average|lanczos")
	flags.Float64Var(&f.dstNoData, "dst-nodata", 0, "destination nodata value")
	flags.StringVar(&f.fillStrategy, "fill", "", "fill strategy: none|constant|interpolate|fallback")
	flags.Float64Var(&f.fillValue, "fill-value", 0, "constant fill value")
	flags.StringSliceVar(&f.fallbackDEMs, "fallback-dem", nil, "fallback DEM for void filling (repeatable)")
	flags.StringVar(&f.mosaicStrategy, "mosaic", "", "mosaic strategy: full|virtual|per-tile")
	flags.StringVar(&f.compression, "compression", "", "artifact compression: none|lzw|deflate")
	flags.BoolVar(&f.noNormalize, "no-normalize", false, "treat the single DEM input as already normalized")
	flags.StringVar(&f.density, "density", "", "density preset: low|medium|high|ultra")
	flags.IntVar(&f.triangleWarn, "triangle-warn", 0, "triangle estimate warning limit")
	flags.IntVar(&f.triangleMax, "triangle-max", 0, "triangle estimate hard limit")
	flags.BoolVar(&f.allowTriangleOverage, "allow-triangle-overage", false, "downgrade triangle overage to a warning")
	flags.Float64Var(&f.coverageMin, "coverage-min", 0, "minimum acceptable valid-data ratio")
	flags.BoolVar(&f.coverageHardFail, "coverage-hard-fail", false, "treat coverage below minimum as an error")
	flags.IntVar(&f.workers, "workers", 0, "tile worker count (0 = auto)")
	flags.BoolVar(&f.continueOnError, "continue-on-error", false, "recorded in the build config; per-tile failures are always isolated and reported, and the exit code does not depend on this flag")
	flags.StringVar(&f.resume, "resume", "", "resume mode: none|resume|validate-only")
	flags.StringVar(&f.validation, "validation", "", "DSF validation mode: none|bounds|roundtrip")
	flags.IntVar(&f.validationWorkers, "validation-workers", 0, "validation worker count")
	flags.BoolVar(&f.boundsAsWarning, "bounds-as-warning", false, "report DSF bounds mismatches as warnings")
	flags.StringVar(&f.xp12Root, "xp12-root", "", "XP12 global scenery root for raster enrichment")
	flags.BoolVar(&f.xp12Strict, "xp12-strict", false, "treat missing XP12 reference tiles as errors")
	flags.StringSliceVar(&f.runner, "runner", nil, "runner command token (repeatable)")
	flags.StringSliceVar(&f.dsftool, "dsftool", nil, "DSFTool command token (repeatable)")
	flags.StringVar(&f.orthoRoot, "ortho-root", "", "Ortho4XP installation root")
	flags.StringVar(&f.sceneryRoot, "scenery-root", "", "Custom Scenery root (defaults beneath --ortho-root)")
	flags.Float64Var(&f.runnerTimeout, "runner-timeout", 0, "backend timeout in seconds")
	flags.Float64Var(&f.runnerWatchdog, "runner-watchdog", 0, "no-output watchdog in seconds")
	flags.BoolVar(&f.persistConfig, "persist-config", false, "keep patched backend config after the run")
	flags.BoolVar(&f.copyTextures, "copy-textures", false, "copy backend textures into the output")
	flags.StringSliceVar(&f.extraArgs, "runner-arg", nil, "extra backend argument (repeatable)")
	flags.StringVar(&f.provenanceLevel, "provenance", "", "provenance level: basic|strict")
	flags.StringVar(&f.pinnedVersions, "pinned-versions", "", "pinned tool versions file (JSON)")
	flags.BoolVar(&f.deterministic, "deterministic", false, "omit timestamps for byte-identical replays")
	flags.BoolVar(&f.dryRun, "dry-run", false, "plan only; no normalization or backend")
}

func (f *buildFlags) toConfig(cmd *cobra.Command) (build.Config, error) {
	f.dstNoDataSet = cmd.Flags().Changed("dst-nodata")
	f.coverageMinSet = cmd.Flags().Changed("coverage-min")

	cli := build.Config{
		DEMs:                 f.dems,
		DEMStackPath:         f.demStack,
		Tiles:                f.tiles,
		Output:               f.output,
		TargetCRS:            f.targetCRS,
		ResX:                 f.resolution,
		ResY:                 f.resolution,
		Resampling:           f.resampling,
		FillStrategy:         f.fillStrategy,
		FillValue:            f.fillValue,
		FallbackDEMs:         f.fallbackDEMs,
		MosaicStrategy:       f.mosaicStrategy,
		Compression:          f.compression,
		Density:              f.density,
		TriangleWarn:         f.triangleWarn,
		TriangleMax:          f.triangleMax,
		AllowTriangleOverage: f.allowTriangleOverage,
		CoverageHardFail:     f.coverageHardFail,
		Workers:              f.workers,
		ContinueOnError:      f.continueOnError,
		Resume:               f.resume,
		Validation:           f.validation,
		ValidationWorkers:    f.validationWorkers,
		BoundsAsWarning:      f.boundsAsWarning,
		XP12Root:             f.xp12Root,
		XP12Strict:           f.xp12Strict,
		Runner:               tool.Command(f.runner),
		DSFTool:              tool.Command(f.dsftool),
		OrthoRoot:            f.orthoRoot,
		SceneryRoot:          f.sceneryRoot,
		RunnerTimeout:        f.runnerTimeout,
		RunnerWatchdog:       f.runnerWatchdog,
		PersistConfig:        f.persistConfig,
		CopyTextures:         f.copyTextures,
		ExtraArgs:            f.extraArgs,
		ProvenanceLevel:      f.provenanceLevel,
		PinnedVersionsPath:   f.pinnedVersions,
		Deterministic:        f.deterministic,
		DryRun:               f.dryRun,
	}
	if f.dstNoDataSet {
		value := f.dstNoData
		cli.DstNoData = &value
	}
	if f.coverageMinSet {
		value := f.coverageMin
		cli.CoverageMin = &value
	}
	if f.noNormalize {
		normalize := false
		cli.Normalize = &normalize
	}
	if !cli.Runner.Valid() || !cli.DSFTool.Valid() {
		pathsFile, err := tool.DefaultPathsFile()
		if err == nil {
			if paths, err := tool.LoadPaths(pathsFile); err == nil {
				if !cli.Runner.Valid() {
					cli.Runner = paths.Runner
				}
				if !cli.DSFTool.Valid() {
					cli.DSFTool = paths.DSFTool
				}
			}
		}
	}

	if f.configPath == "" {
		return cli, nil
	}
	base, err := build.LoadConfig(f.configPath)
	if err != nil {
		return build.Config{}, err
	}
	return cli.MergeOver(base), nil
}

func newBuildCmd() *cobra.Command {
	flags := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Normalize DEMs, run the mesh backend, and validate DSFs",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			config, err := flags.toConfig(cmd)
			if err != nil {
				return err
			}
			scheduler, err := build.NewScheduler(log, config)
			if err != nil {
				return err
			}
			report, err := scheduler.Run(cmd.Context())
			if err != nil {
				return err
			}
			code := report.ExitCode()
			log.Info("build finished",
				zap.Int("tiles", len(report.Tiles)),
				zap.Int("errors", len(report.Errors)),
				zap.Int("exit_code", code),
			)
			if code != build.ExitOK {
				return exitCodeError{code: code}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "build report: %s/build_report.json\n", config.Output)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
