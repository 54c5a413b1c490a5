package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/doublemover/kubolti/internal/dem"
	"github.com/doublemover/kubolti/internal/dsf"
	"github.com/doublemover/kubolti/internal/raster"
	runnerpkg "github.com/doublemover/kubolti/internal/runner"
	"github.com/doublemover/kubolti/internal/tool"
	"github.com/doublemover/kubolti/internal/xplane"
)

// Resume modes.
const (
	ResumeNone         = "none"
	ResumeReuse        = "resume"
	ResumeValidateOnly = "validate-only"
)

// autoWorkerCap bounds auto-sized pools; tile builds are I/O heavy and
// more workers than this just thrash the disk.
const autoWorkerCap = 8

// A Scheduler runs the per-tile pipeline with a bounded worker pool:
// cache lookup, normalize on miss, backend invocation, validation, and
// enrichment, with per-tile error isolation.
type Scheduler struct {
	log    *zap.Logger
	config Config

	tiles        []xplane.Tile
	normalizer   *dem.Normalizer
	orchestrator *runnerpkg.Orchestrator
	validator    *dsf.Validator
	enricher     *dsf.Enricher
	profile      *raster.BackendProfile
	runID        string

	mu       sync.Mutex
	statuses map[string]*TileStatus
	warnings []string
	errors   []string
}

// NewScheduler validates the config and assembles the pipeline. All
// InvalidInput-class problems surface here, before any tile runs.
func NewScheduler(log *zap.Logger, config Config) (*Scheduler, error) {
	if config.Output == "" {
		return nil, ErrInvalidInput.New("output directory is required")
	}
	normalize := config.Normalize == nil || *config.Normalize

	tiles, err := resolveTiles(config)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, ErrInvalidInput.New("no tiles to build")
	}
	if config.CoverageMin != nil && (*config.CoverageMin < 0 || *config.CoverageMin > 1) {
		return nil, ErrInvalidInput.New("coverage-min must be between 0 and 1")
	}
	if config.CoverageMin == nil && config.CoverageHardFail {
		return nil, ErrInvalidInput.New("coverage-hard-fail requires coverage-min")
	}
	if _, err := ParseProvenanceLevel(config.ProvenanceLevel); err != nil {
		return nil, err
	}
	if !normalize {
		if config.DEMStackPath != "" {
			return nil, ErrInvalidInput.New("skipping normalization is not supported with DEM stacks")
		}
		if len(config.DEMs) != 1 {
			return nil, ErrInvalidInput.New("skipping normalization requires exactly one DEM path")
		}
	}

	s := &Scheduler{
		log:      log,
		config:   config,
		tiles:    tiles,
		runID:    uuid.NewString(),
		statuses: make(map[string]*TileStatus, len(tiles)),
	}

	profile := raster.Ortho4XPProfile
	s.profile = &profile

	if normalize {
		options, err := normalizeOptions(config, s.profile)
		if err != nil {
			return nil, err
		}
		workRoot := filepath.Join(config.Output, "normalized")
		if config.DEMStackPath != "" {
			stack, err := dem.LoadStack(config.DEMStackPath)
			if err != nil {
				return nil, wrapInvalid(err)
			}
			s.normalizer, err = dem.NewStackNormalizer(log, workRoot, stack, options)
			if err != nil {
				return nil, wrapInvalid(err)
			}
		} else {
			if len(config.DEMs) == 0 {
				return nil, ErrInvalidInput.New("at least one DEM is required")
			}
			s.normalizer, err = dem.NewNormalizer(log, workRoot, config.DEMs, options)
			if err != nil {
				return nil, wrapInvalid(err)
			}
		}
	} else if len(config.DEMs) == 1 {
		if _, err := os.Stat(config.DEMs[0]); err != nil && !config.DryRun {
			return nil, ErrInvalidInput.New("DEM not found: %s", config.DEMs[0])
		}
	}

	if config.Runner.Valid() && config.OrthoRoot != "" {
		configUpdates := map[string]string{}
		if config.Density != "" {
			preset, err := runnerpkg.PresetFor(config.Density)
			if err != nil {
				return nil, wrapInvalid(err)
			}
			configUpdates = preset.ConfigValues()
		}
		s.orchestrator, err = runnerpkg.New(log, runnerpkg.Options{
			RunnerCommand:   config.Runner,
			OrthoRoot:       config.OrthoRoot,
			SceneryRoot:     config.SceneryRoot,
			OutputDir:       config.Output,
			Timeout:         secondsToDuration(config.RunnerTimeout),
			WatchdogTimeout: secondsToDuration(config.RunnerWatchdog),
			PersistConfig:   config.PersistConfig,
			CopyTextures:    config.CopyTextures,
			ExtraArgs:       config.ExtraArgs,
			ConfigUpdates:   configUpdates,
		})
		if err != nil {
			return nil, wrapInvalid(err)
		}
	}

	if config.DSFTool.Valid() {
		mode, err := dsf.ParseValidationMode(config.Validation)
		if err != nil {
			return nil, wrapInvalid(err)
		}
		dsftool, err := tool.NewDSFTool(config.DSFTool, 0, 0)
		if err != nil {
			return nil, wrapInvalid(err)
		}
		if mode != dsf.ValidationNone {
			s.validator = dsf.NewValidator(log, dsftool, mode)
		}
		if config.XP12Root != "" {
			s.enricher = dsf.NewEnricher(log, dsftool, config.XP12Root)
		}
	} else if config.XP12Root != "" {
		return nil, ErrInvalidInput.New("XP12 enrichment requires a DSFTool command")
	}

	return s, nil
}

func wrapInvalid(err error) error {
	if dem.ErrInvalidInput.Has(err) || ErrInvalidInput.Has(err) {
		return err
	}
	return ErrInvalidInput.Wrap(err)
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func normalizeOptions(config Config, profile *raster.BackendProfile) (dem.Options, error) {
	kernel, err := raster.ParseKernel(config.Resampling)
	if err != nil {
		return dem.Options{}, wrapInvalid(err)
	}
	fill, err := raster.ParseFillStrategy(config.FillStrategy)
	if err != nil {
		return dem.Options{}, wrapInvalid(err)
	}
	mosaic, err := dem.ParseMosaicStrategy(config.MosaicStrategy)
	if err != nil {
		return dem.Options{}, wrapInvalid(err)
	}
	compression, err := raster.ParseCompression(config.Compression)
	if err != nil {
		return dem.Options{}, wrapInvalid(err)
	}
	targetCRS := config.TargetCRS
	if targetCRS == "" {
		targetCRS = profile.CRS
	}
	return dem.Options{
		TargetCRS:          targetCRS,
		ResX:               config.ResX,
		ResY:               config.ResY,
		Resampling:         kernel,
		DstNoData:          config.DstNoData,
		FillStrategy:       fill,
		FillValue:          config.FillValue,
		FallbackDEMs:       config.FallbackDEMs,
		Profile:            profile,
		MosaicStrategy:     mosaic,
		Compression:        compression,
		StrictFingerprints: config.ProvenanceLevel == ProvenanceStrict,
	}, nil
}

// resolveTiles parses explicit tile names, or infers the tile set from
// the first DEM's footprint when none are given.
func resolveTiles(config Config) ([]xplane.Tile, error) {
	if len(config.Tiles) > 0 {
		tiles := make([]xplane.Tile, 0, len(config.Tiles))
		for _, name := range config.Tiles {
			tile, err := xplane.ParseTile(name)
			if err != nil {
				return nil, wrapInvalid(err)
			}
			tiles = append(tiles, tile)
		}
		return tiles, nil
	}
	if len(config.DEMs) == 0 || config.DryRun {
		return nil, nil
	}
	info, err := raster.Inspect(config.DEMs[0])
	if err != nil {
		return nil, ErrInvalidInput.New("cannot infer tiles from %s: %v", config.DEMs[0], err)
	}
	bounds := info.Bounds
	if info.CRS != "" && info.CRS != "EPSG:4326" {
		return nil, ErrInvalidInput.New("tile inference requires an EPSG:4326 DEM; pass --tile explicitly")
	}
	return xplane.TilesForBounds(bounds), nil
}

// Tiles returns the resolved tile set.
func (s *Scheduler) Tiles() []xplane.Tile { return s.tiles }

func (s *Scheduler) workers() int {
	count := s.config.Workers
	if count <= 0 {
		count = min(runtime.NumCPU(), autoWorkerCap)
	}
	return min(count, len(s.tiles))
}

// Plan assembles the pre-run build plan.
func (s *Scheduler) Plan(provenance *Provenance) Plan {
	tileNames := make([]string, len(s.tiles))
	for i, tile := range s.tiles {
		tileNames[i] = tile.Name()
	}
	options := map[string]any{
		"target_crs":      firstNonEmpty(s.config.TargetCRS, s.profile.CRS),
		"resampling":      firstNonEmpty(s.config.Resampling, string(raster.KernelBilinear)),
		"fill_strategy":   firstNonEmpty(s.config.FillStrategy, string(raster.FillNone)),
		"mosaic_strategy": firstNonEmpty(s.config.MosaicStrategy, string(dem.MosaicPerTile)),
		"density":         firstNonEmpty(s.config.Density, "medium"),
		"validation":      firstNonEmpty(s.config.Validation, string(dsf.ValidationBounds)),
		"workers":         s.workers(),
		"resume":          firstNonEmpty(s.config.Resume, ResumeNone),
	}
	return Plan{
		SchemaVersion: SchemaVersion,
		CreatedAt:     stamp(s.config.Deterministic),
		RunID:         s.planRunID(),
		Inputs: PlanInputs{
			DEMs:         s.config.DEMs,
			FallbackDEMs: s.config.FallbackDEMs,
			DEMStackPath: s.config.DEMStackPath,
		},
		Tiles:   tileNames,
		Backend: s.backend(),
		Options: options,
		Commands: PlanCommands{
			Runner:  s.config.Runner,
			DSFTool: s.config.DSFTool,
		},
		Provenance: provenance,
		Notes:      []string{},
	}
}

// planRunID returns the run id, or empty in deterministic mode where
// random identifiers would break byte-identical replays.
func (s *Scheduler) planRunID() string {
	if s.config.Deterministic {
		return ""
	}
	return s.runID
}

func (s *Scheduler) backend() Backend {
	return Backend{
		Name:    "ortho4xp",
		Version: runnerpkg.TargetOrtho4XPVersion,
		Profile: s.config.Density,
	}
}

// Run executes the build and writes plan, lock, and report documents.
// The returned report is always valid; err is reserved for I/O failures
// writing the documents themselves.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	provenance, provenanceWarnings := CollectProvenance(ProvenanceOptions{
		Level:              s.config.ProvenanceLevel,
		Deterministic:      s.config.Deterministic,
		DEMs:               s.config.DEMs,
		FallbackDEMs:       s.config.FallbackDEMs,
		DEMStackPath:       s.config.DEMStackPath,
		RunnerCommand:      s.config.Runner,
		DSFToolCmd:         s.config.DSFTool,
		OrthoRoot:          s.config.OrthoRoot,
		CoverageMin:        s.config.CoverageMin,
		HardFail:           s.config.CoverageHardFail,
		PinnedVersionsPath: s.config.PinnedVersionsPath,
		VerticalUnits:      "",
	}, nil)
	s.warnings = append(s.warnings, provenanceWarnings...)

	// Plan and lock land on disk before any backend execution.
	if err := WriteJSON(filepath.Join(s.config.Output, "build_plan.json"), s.Plan(provenance)); err != nil {
		return nil, err
	}
	if err := WriteLock(filepath.Join(s.config.Output, "build_config.lock.json"), s.config, s.config.Deterministic); err != nil {
		return nil, err
	}

	prior, _ := LoadReport(filepath.Join(s.config.Output, "build_report.json"))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers())
	for _, tile := range s.tiles {
		tile := tile
		group.Go(func() error {
			if groupCtx.Err() != nil {
				s.record(tile, &TileStatus{Tile: tile.Name(), Status: StatusSkipped, Messages: []string{"cancelled before start"}})
				return nil
			}
			status := s.runTile(groupCtx, tile, prior)
			s.record(tile, status)
			return nil
		})
	}
	_ = group.Wait()

	report := s.assembleReport(ctx.Err() != nil, provenance)
	coverage := make(map[string]dem.CoverageMetrics)
	for _, status := range report.Tiles {
		if status.Coverage != nil {
			coverage[status.Tile] = *status.Coverage
		}
	}
	report.Provenance.Coverage.Summary = SummarizeCoverage(coverage)

	if err := WriteJSON(filepath.Join(s.config.Output, "build_report.json"), report); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Scheduler) record(tile xplane.Tile, status *TileStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[tile.Name()] = status
	for _, warning := range status.Warnings {
		s.warnings = append(s.warnings, fmt.Sprintf("%s: %s", tile.Name(), warning))
	}
	for _, tileError := range status.Errors {
		s.errors = append(s.errors, fmt.Sprintf("%s: %s", tile.Name(), tileError))
	}
}

func (s *Scheduler) assembleReport(cancelled bool, provenance *Provenance) *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	tiles := make([]TileStatus, 0, len(s.tiles))
	for _, tile := range s.tiles {
		if status, ok := s.statuses[tile.Name()]; ok {
			tiles = append(tiles, *status)
		} else {
			tiles = append(tiles, TileStatus{Tile: tile.Name(), Status: StatusSkipped, Messages: []string{"not started"}})
		}
	}
	warnings := append([]string{}, s.warnings...)
	errorsList := append([]string{}, s.errors...)
	sort.Strings(warnings)
	sort.Strings(errorsList)
	return &Report{
		SchemaVersion: SchemaVersion,
		CreatedAt:     stamp(s.config.Deterministic),
		RunID:         s.planRunID(),
		Backend:       s.backend(),
		Tiles:         tiles,
		Artifacts:     map[string]any{"scenery_dir": s.config.Output},
		Warnings:      warnings,
		Errors:        errorsList,
		Cancelled:     cancelled,
		Provenance:    provenance,
	}
}

// runTile is the per-tile pipeline: resume check, normalize, invoke,
// validate, enrich. A failing step records its error and never aborts
// peer tiles.
func (s *Scheduler) runTile(ctx context.Context, tile xplane.Tile, prior *Report) *TileStatus {
	log := s.log.With(zap.String("tile", tile.Name()))
	status := &TileStatus{Tile: tile.Name(), Status: StatusOK, StartedAt: stamp(s.config.Deterministic)}
	defer func() {
		status.FinishedAt = stamp(s.config.Deterministic)
	}()

	if s.config.DryRun {
		status.Status = StatusSkipped
		status.Messages = append(status.Messages, "dry run")
		return status
	}

	if prior != nil && s.config.Resume == ResumeReuse {
		if previous, ok := prior.TileByName(tile.Name()); ok && previous.Status == StatusOK {
			status = &previous
			status.Messages = append(status.Messages, "reused from previous run")
			log.Info("tile reused from previous report")
			return status
		}
	}
	if s.config.Resume == ResumeValidateOnly {
		s.validateStep(ctx, tile, status)
		return status
	}

	// Normalize (or adopt the pre-normalized DEM).
	demPath := ""
	normalize := s.config.Normalize == nil || *s.config.Normalize
	if normalize {
		result, err := s.normalizer.NormalizeTile(ctx, tile)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				status.Status = StatusSkipped
				status.Messages = append(status.Messages, "cancelled")
				return status
			}
			status.Status = StatusError
			status.Errors = append(status.Errors, fmt.Sprintf("normalization failed: %v", err))
			return status
		}
		demPath = result.Path
		metrics := result.Metrics
		status.Coverage = &metrics
		s.applyCoverageThreshold(status, metrics)
		s.applyTriangleGuardrail(status, result.Path)
	} else {
		demPath = s.config.DEMs[0]
	}
	if status.Status == StatusError {
		return status
	}
	if ctx.Err() != nil {
		status.Status = StatusSkipped
		status.Messages = append(status.Messages, "cancelled")
		return status
	}

	// Backend invocation.
	if s.orchestrator == nil {
		status.Status = StatusSkipped
		status.Messages = append(status.Messages, "runner not configured; backend skipped")
		return status
	}
	outcome, err := s.orchestrator.RunTile(ctx, tile, demPath)
	status.Command = outcome.Command
	status.Attempts = outcome.Attempts
	status.EventsPath = eventSummaryPointer(s.config.Output, tile.Name())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			status.Status = StatusSkipped
			status.Messages = append(status.Messages, "cancelled during backend invocation")
			return status
		}
		status.Status = StatusError
		status.Errors = append(status.Errors, err.Error())
		return status
	}
	if !outcome.OK() {
		status.Status = StatusError
		kind := "backend failed"
		if outcome.Transient {
			kind = "backend failed after retry ladder"
		}
		if outcome.TimedOut {
			kind = "backend timed out"
		}
		status.Errors = append(status.Errors, fmt.Sprintf("%s (exit %d, %d attempts)", kind, outcome.ExitCode, outcome.Attempts))
		return status
	}
	if outcome.Attempts > 1 {
		status.Warnings = append(status.Warnings, fmt.Sprintf("backend recovered after %d attempts", outcome.Attempts))
	}

	s.validateStep(ctx, tile, status)
	if status.Status == StatusError {
		return status
	}

	if s.enricher != nil {
		s.enrichStep(ctx, tile, status)
	}
	return status
}

func (s *Scheduler) applyCoverageThreshold(status *TileStatus, metrics dem.CoverageMetrics) {
	if s.config.CoverageMin == nil {
		return
	}
	if metrics.CoverageAfter >= *s.config.CoverageMin {
		return
	}
	message := fmt.Sprintf("coverage %.4f below minimum %.4f", metrics.CoverageAfter, *s.config.CoverageMin)
	if s.config.CoverageHardFail {
		status.Status = StatusError
		status.Errors = append(status.Errors, message)
		return
	}
	if status.Status == StatusOK {
		status.Status = StatusWarning
	}
	status.Warnings = append(status.Warnings, message)
}

func (s *Scheduler) applyTriangleGuardrail(status *TileStatus, demPath string) {
	warnLimit := s.config.TriangleWarn
	maxLimit := s.config.TriangleMax
	if warnLimit == 0 || maxLimit == 0 {
		preset, err := runnerpkg.PresetFor(firstNonEmpty(s.config.Density, "medium"))
		if err != nil {
			preset, _ = runnerpkg.PresetFor("medium")
		}
		if warnLimit == 0 {
			warnLimit = preset.TriangleWarn
		}
		if maxLimit == 0 {
			maxLimit = preset.TriangleMax
		}
	}
	estimate, err := raster.EstimateTriangles(demPath)
	if err != nil {
		return
	}
	status.Triangles = &TriangleGuardrail{
		Estimated: estimate.Count,
		Width:     estimate.Width,
		Height:    estimate.Height,
		Warn:      warnLimit,
		Max:       maxLimit,
		Source:    "dem-grid",
	}
	switch {
	case estimate.Count > maxLimit && !s.config.AllowTriangleOverage:
		status.Status = StatusError
		status.Errors = append(status.Errors, fmt.Sprintf("triangle estimate %d exceeds max %d", estimate.Count, maxLimit))
	case estimate.Count > warnLimit:
		if status.Status == StatusOK {
			status.Status = StatusWarning
		}
		status.Warnings = append(status.Warnings, fmt.Sprintf("triangle estimate %d exceeds warn %d", estimate.Count, warnLimit))
	}
}

func (s *Scheduler) validateStep(ctx context.Context, tile xplane.Tile, status *TileStatus) {
	if s.validator == nil {
		if s.config.DSFTool.Valid() {
			return
		}
		status.Messages = append(status.Messages, "DSFTool not configured; DSF validation skipped")
		if status.Status == StatusOK {
			status.Status = StatusWarning
		}
		status.Warnings = append(status.Warnings, "DSF validation skipped")
		return
	}
	dsfPath := xplane.DSFPath(s.config.Output, tile)
	scratch := filepath.Join(s.config.Output, "dsf_validation", tile.Name())
	result := s.validator.ValidateTile(ctx, tile, dsfPath, scratch)
	status.Validation = &result
	if result.OK {
		return
	}
	message := firstNonEmpty(result.Error, "DSF validation failed")
	if len(result.Mismatches) > 0 {
		message = "DSF bounds mismatch: " + result.Mismatches[0]
	}
	if len(result.Mismatches) > 0 && s.config.BoundsAsWarning && !result.Missing {
		if status.Status == StatusOK {
			status.Status = StatusWarning
		}
		status.Warnings = append(status.Warnings, message)
		return
	}
	status.Status = StatusError
	status.Errors = append(status.Errors, message)
}

func (s *Scheduler) enrichStep(ctx context.Context, tile xplane.Tile, status *TileStatus) {
	dsfPath := xplane.DSFPath(s.config.Output, tile)
	workDir := filepath.Join(s.config.Output, "xp12_enrichment", tile.Name())
	result := s.enricher.EnrichTile(ctx, tile, dsfPath, workDir)
	status.Enrichment = &result
	switch result.Status {
	case dsf.EnrichmentStatusEnriched, dsf.EnrichmentStatusNoOp:
	case dsf.EnrichmentStatusMissingReference:
		message := "XP12 reference tile missing; DSF kept unenriched"
		if s.config.XP12Strict {
			status.Status = StatusError
			status.Errors = append(status.Errors, message)
			return
		}
		if status.Status == StatusOK {
			status.Status = StatusWarning
		}
		status.Warnings = append(status.Warnings, message)
	default:
		status.Status = StatusError
		status.Errors = append(status.Errors, firstNonEmpty(result.Error, "XP12 enrichment failed"))
	}
}
