package dem

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/doublemover/kubolti/internal/geo"
	"github.com/doublemover/kubolti/internal/raster"
	"github.com/doublemover/kubolti/internal/xplane"
)

// MosaicStrategy selects how multiple sources are merged.
type MosaicStrategy string

const (
	// MosaicFull materializes a merged GeoTIFF before tiling.
	MosaicFull MosaicStrategy = "full"
	// MosaicVirtual merges the source list lazily per read.
	MosaicVirtual MosaicStrategy = "virtual"
	// MosaicPerTile merges only the sources intersecting each tile.
	MosaicPerTile MosaicStrategy = "per-tile"
)

// ParseMosaicStrategy validates a mosaic strategy name.
func ParseMosaicStrategy(value string) (MosaicStrategy, error) {
	switch MosaicStrategy(value) {
	case "":
		return MosaicPerTile, nil
	case MosaicFull, MosaicVirtual, MosaicPerTile:
		return MosaicStrategy(value), nil
	default:
		return "", ErrInvalidInput.New("mosaic strategy must be full, virtual, or per-tile")
	}
}

// CoverageMetrics describes a tile's nodata coverage before and after
// fill.
type CoverageMetrics struct {
	TotalPixels        int     `json:"total_pixels"`
	NoDataPixelsBefore int     `json:"nodata_pixels_before"`
	NoDataPixelsAfter  int     `json:"nodata_pixels_after"`
	CoverageBefore     float64 `json:"coverage_before"`
	CoverageAfter      float64 `json:"coverage_after"`
	FilledPixels       int     `json:"filled_pixels"`
	Strategy           string  `json:"strategy"`
	NormalizeSeconds   float64 `json:"normalize_seconds"`
}

// A TileResult reports one normalized tile artifact. NoData is the value
// actually written to the dataset, not the caller's request.
type TileResult struct {
	Tile           string     `json:"tile"`
	Path           string     `json:"path"`
	NoData         *float64   `json:"nodata,omitempty"`
	Bounds         geo.Bounds `json:"bounds"`
	CoverageBefore float64    `json:"coverage_before"`
	CoverageAfter  float64    `json:"coverage_after"`
	Warnings       []string   `json:"warnings,omitempty"`
	Errors         []string   `json:"errors,omitempty"`

	Metrics CoverageMetrics `json:"metrics"`
	Cached  bool            `json:"cached"`
}

// Options configures a normalization pass.
type Options struct {
	TargetCRS      string
	ResX           float64
	ResY           float64
	Resampling     raster.Kernel
	DstNoData      *float64
	FillStrategy   raster.FillStrategy
	FillValue      float64
	FallbackDEMs   []string
	Profile        *raster.BackendProfile
	MosaicStrategy MosaicStrategy
	Compression    raster.Compression
	// StrictFingerprints switches fingerprinting to SHA-256.
	StrictFingerprints bool
}

// A Normalizer turns DEM sources (or a stack) into per-tile artifacts.
// Safe for concurrent NormalizeTile calls: dataset handles are read-only
// after open and shared through the handle cache.
type Normalizer struct {
	log      *zap.Logger
	workDir  string
	sources  []string
	stack    *Stack
	opts     Options
	cache    *Cache
	datasets *raster.DatasetCache

	fingerprintsOnce sync.Once
	fingerprintsErr  error
	sourceFPs        []Fingerprint
	fallbackFPs      []Fingerprint
	aoiFPs           []Fingerprint

	prepareOnce sync.Once
	prepareErr  error
	// tileSources are the per-tile read paths after mosaic preparation.
	tileSources []string

	aoisOnce sync.Once
	aoisErr  error
	aois     map[string]*AOI
}

// NewNormalizer builds a normalizer over plain DEM sources.
func NewNormalizer(log *zap.Logger, workDir string, sources []string, opts Options) (*Normalizer, error) {
	if len(sources) == 0 {
		return nil, ErrInvalidInput.New("at least one DEM source is required")
	}
	return newNormalizer(log, workDir, sources, nil, opts)
}

// NewStackNormalizer builds a normalizer over a DEM stack.
func NewStackNormalizer(log *zap.Logger, workDir string, stack Stack, opts Options) (*Normalizer, error) {
	if err := stack.Validate(effectiveStackNoData(stack, opts)); err != nil {
		return nil, err
	}
	sources := make([]string, len(stack.Layers))
	for i, layer := range stack.Layers {
		sources[i] = layer.Path
	}
	return newNormalizer(log, workDir, sources, &stack, opts)
}

func newNormalizer(log *zap.Logger, workDir string, sources []string, stack *Stack, opts Options) (*Normalizer, error) {
	if err := geo.EnsureGeographicTarget(opts.TargetCRS); err != nil {
		return nil, ErrInvalidInput.Wrap(err)
	}
	if opts.FillStrategy == raster.FillFallback && len(opts.FallbackDEMs) == 0 {
		return nil, ErrInvalidInput.New("fallback fill requires fallback DEMs")
	}
	if opts.Profile != nil && !geo.SameCRS(opts.TargetCRS, opts.Profile.CRS) {
		return nil, ErrInvalidInput.New("target CRS must match backend profile")
	}
	if opts.Resampling == "" {
		opts.Resampling = raster.KernelBilinear
	}
	if opts.MosaicStrategy == "" {
		opts.MosaicStrategy = MosaicPerTile
	}
	for _, source := range sources {
		if _, err := os.Stat(source); err != nil {
			return nil, ErrInvalidInput.New("DEM not found: %s", source)
		}
	}
	datasets, err := raster.NewDatasetCache(32)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Normalizer{
		log:      log,
		workDir:  workDir,
		sources:  sources,
		stack:    stack,
		opts:     opts,
		cache:    &Cache{Root: workDir, ValidateHashes: opts.StrictFingerprints},
		datasets: datasets,
	}, nil
}

// Close releases the normalizer's open dataset handles.
func (n *Normalizer) Close() {
	n.datasets.Close()
}

func effectiveStackNoData(stack Stack, opts Options) *float64 {
	if opts.Profile != nil {
		nodata := opts.Profile.NoData
		return &nodata
	}
	if opts.DstNoData != nil {
		return opts.DstNoData
	}
	for _, layer := range stack.SortedLayers() {
		if layer.NoData != nil {
			return layer.NoData
		}
	}
	return nil
}

// Cache exposes the normalizer's artifact cache.
func (n *Normalizer) Cache() *Cache { return n.cache }

func (n *Normalizer) fingerprints() ([]Fingerprint, []Fingerprint, []Fingerprint, error) {
	n.fingerprintsOnce.Do(func() {
		n.sourceFPs, n.fingerprintsErr = FingerprintFiles(n.sources, n.opts.StrictFingerprints)
		if n.fingerprintsErr != nil {
			return
		}
		n.fallbackFPs, n.fingerprintsErr = FingerprintFiles(n.opts.FallbackDEMs, n.opts.StrictFingerprints)
		if n.fingerprintsErr != nil {
			return
		}
		var aoiPaths []string
		if n.stack != nil {
			for _, layer := range n.stack.Layers {
				if layer.AOI != "" {
					aoiPaths = append(aoiPaths, layer.AOI)
				}
			}
		}
		n.aoiFPs, n.fingerprintsErr = FingerprintFiles(aoiPaths, n.opts.StrictFingerprints)
	})
	return n.sourceFPs, n.fallbackFPs, n.aoiFPs, n.fingerprintsErr
}

func (n *Normalizer) cacheInputs(tile xplane.Tile) (CacheKeyInputs, error) {
	sourceFPs, fallbackFPs, aoiFPs, err := n.fingerprints()
	if err != nil {
		return CacheKeyInputs{}, err
	}
	inputs := CacheKeyInputs{
		SchemaVersion: cacheSchemaVersion,
		Tile:          tile.Name(),
		Sources:       sourceFPs,
		FallbackDEMs:  fallbackFPs,
		AOIs:          aoiFPs,
		TargetCRS:     n.opts.TargetCRS,
		ResX:          n.opts.ResX,
		ResY:          n.opts.ResY,
		Resampling:    string(n.opts.Resampling),
		DstNoData:     n.opts.DstNoData,
		FillStrategy:  string(n.opts.FillStrategy),
		FillValue:     n.opts.FillValue,
		Compression:   string(n.opts.Compression),
	}
	if n.opts.Profile != nil {
		inputs.Profile = n.opts.Profile.Name
	}
	if n.stack != nil {
		inputs.StackLayers = n.stack.SortedLayers()
	}
	return inputs, nil
}

// prepare warps divergent-CRS sources and materializes the mosaic when
// the strategy calls for one. Runs once per normalizer.
func (n *Normalizer) prepare() error {
	n.prepareOnce.Do(func() {
		n.tileSources, n.prepareErr = n.prepareSources(n.sources, "primary")
	})
	return n.prepareErr
}

func (n *Normalizer) prepareSources(sources []string, label string) ([]string, error) {
	// Per-tile strategy reprojects during the tile warp itself; stacks
	// always warp per tile so layer order survives.
	if n.stack != nil || n.opts.MosaicStrategy == MosaicPerTile {
		return sources, nil
	}

	aligned := make([]string, len(sources))
	for i, source := range sources {
		info, err := raster.Inspect(source)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if info.CRS == "" {
			return nil, ErrInvalidInput.New("DEM is missing CRS: %s", source)
		}
		if geo.SameCRS(info.CRS, n.opts.TargetCRS) {
			aligned[i] = source
			continue
		}
		warped := filepath.Join(n.workDir, "warp", label, filepath.Base(source))
		if err := n.warpWholeSource(source, info, warped); err != nil {
			return nil, err
		}
		aligned[i] = warped
	}

	if n.opts.MosaicStrategy == MosaicFull && len(aligned) > 1 {
		mosaicPath := filepath.Join(n.workDir, "mosaic", label+".tif")
		if err := n.materializeMosaic(aligned, mosaicPath); err != nil {
			return nil, err
		}
		return []string{mosaicPath}, nil
	}
	return aligned, nil
}

func (n *Normalizer) warpWholeSource(source string, info raster.Info, dst string) error {
	dataset, err := raster.OpenDataset(source)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = dataset.Close() }()

	inverse, err := geo.NewTransformer(info.CRS, n.opts.TargetCRS)
	if err != nil {
		return err
	}
	bounds, err := geo.TransformBoundsBox(inverse, info.Bounds, 21)
	if err != nil {
		return err
	}
	forward, err := geo.NewTransformer(n.opts.TargetCRS, info.CRS)
	if err != nil {
		return err
	}
	resX, resY := n.resolution(info)
	grid, err := raster.WarpToTile(dataset, bounds, n.opts.TargetCRS, resX, resY, n.opts.Resampling, n.opts.DstNoData, forward)
	if err != nil {
		return Error.Wrap(err)
	}
	n.log.Debug("warped source to target CRS",
		zap.String("source", source),
		zap.String("target_crs", n.opts.TargetCRS),
	)
	return raster.WriteGeoTIFF(dst, grid, raster.WriteOptions{Compression: n.opts.Compression})
}

func (n *Normalizer) materializeMosaic(sources []string, dst string) error {
	datasets, closeAll, err := openDatasets(sources)
	if err != nil {
		return err
	}
	defer closeAll()
	mosaic, err := raster.NewVirtualMosaic(datasets, n.opts.DstNoData)
	if err != nil {
		return Error.Wrap(err)
	}
	grid, err := mosaic.ReadRegion(mosaic.GeoBounds(), 0)
	if err != nil {
		return Error.Wrap(err)
	}
	return raster.WriteGeoTIFF(dst, grid, raster.WriteOptions{Compression: n.opts.Compression})
}

func openDatasets(paths []string) ([]*raster.Dataset, func(), error) {
	datasets := make([]*raster.Dataset, 0, len(paths))
	closeAll := func() {
		for _, dataset := range datasets {
			_ = dataset.Close()
		}
	}
	for _, path := range paths {
		dataset, err := raster.OpenDataset(path)
		if err != nil {
			closeAll()
			return nil, nil, Error.Wrap(err)
		}
		datasets = append(datasets, dataset)
	}
	return datasets, closeAll, nil
}

// resolution returns the effective target resolution, deriving it from
// the source when unset: the source's own grid when already geographic,
// one arc-second otherwise.
func (n *Normalizer) resolution(info raster.Info) (float64, float64) {
	if n.opts.ResX > 0 && n.opts.ResY > 0 {
		return n.opts.ResX, n.opts.ResY
	}
	if geo.SameCRS(info.CRS, n.opts.TargetCRS) {
		return info.ResX, info.ResY
	}
	const arcSecond = 1.0 / 3600
	return arcSecond, arcSecond
}

func (n *Normalizer) loadAOIs() (map[string]*AOI, error) {
	n.aoisOnce.Do(func() {
		n.aois = make(map[string]*AOI)
		if n.stack == nil {
			return
		}
		for _, layer := range n.stack.Layers {
			if layer.AOI == "" {
				continue
			}
			if _, ok := n.aois[layer.AOI]; ok {
				continue
			}
			aoi, err := LoadAOI(layer.AOI)
			if err != nil {
				n.aoisErr = err
				return
			}
			n.aois[layer.AOI] = aoi
		}
	})
	return n.aois, n.aoisErr
}

// NormalizeTile produces the normalized artifact for one tile, consulting
// the cache first. The artifact is materialized at the canonical
// normalized path in both cases.
func (n *Normalizer) NormalizeTile(ctx context.Context, tile xplane.Tile) (TileResult, error) {
	start := time.Now()
	canonical := filepath.Join(n.workDir, "tiles", tile.Name(), tile.Name()+".tif")

	inputs, err := n.cacheInputs(tile)
	if err != nil {
		return TileResult{}, Error.Wrap(err)
	}
	if cached, nodata, coverage, ok := n.cache.Lookup(inputs); ok {
		if err := CopyArtifact(cached, canonical); err != nil {
			return TileResult{}, Error.Wrap(err)
		}
		n.log.Debug("normalization cache hit", zap.String("tile", tile.Name()))
		return TileResult{
			Tile:           tile.Name(),
			Path:           canonical,
			NoData:         nodata,
			Bounds:         tile.Bounds(),
			CoverageBefore: coverage.CoverageBefore,
			CoverageAfter:  coverage.CoverageAfter,
			Metrics:        coverage,
			Cached:         true,
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return TileResult{}, err
	}
	if err := n.prepare(); err != nil {
		return TileResult{}, err
	}

	var grid *raster.Grid
	if n.stack != nil {
		grid, err = n.blendStackTile(tile)
	} else {
		grid, err = n.warpTile(tile)
	}
	if err != nil {
		return TileResult{}, err
	}

	before := raster.GridCoverage(grid)
	fill, err := n.fillTile(tile, grid)
	if err != nil {
		return TileResult{}, err
	}

	if n.opts.Profile != nil {
		if err := n.opts.Profile.Apply(grid); err != nil {
			return TileResult{}, Error.Wrap(err)
		}
	}
	after := raster.GridCoverage(grid)

	writeOpts := raster.WriteOptions{Compression: n.opts.Compression}
	if n.opts.Profile != nil {
		writeOpts.DType = n.opts.Profile.DType
	}
	if err := raster.WriteGeoTIFF(canonical, grid, writeOpts); err != nil {
		return TileResult{}, Error.Wrap(err)
	}

	metrics := CoverageMetrics{
		TotalPixels:        before.TotalPixels,
		NoDataPixelsBefore: before.NoDataPixels,
		NoDataPixelsAfter:  after.NoDataPixels,
		CoverageBefore:     before.ValidRatio,
		CoverageAfter:      after.ValidRatio,
		FilledPixels:       fill.FilledPixels,
		Strategy:           string(n.opts.FillStrategy),
		NormalizeSeconds:   time.Since(start).Seconds(),
	}
	if _, err := n.cache.Store(inputs, canonical, grid.NoData, metrics); err != nil {
		// A failed cache write costs a recomputation later, nothing else.
		n.log.Warn("normalization cache store failed", zap.String("tile", tile.Name()), zap.Error(err))
	}
	return TileResult{
		Tile:           tile.Name(),
		Path:           canonical,
		NoData:         grid.NoData,
		Bounds:         tile.Bounds(),
		CoverageBefore: metrics.CoverageBefore,
		CoverageAfter:  metrics.CoverageAfter,
		Metrics:        metrics,
	}, nil
}

// warpTile merges the prepared sources into the tile grid.
func (n *Normalizer) warpTile(tile xplane.Tile) (*raster.Grid, error) {
	sources := n.tileSources
	if n.opts.MosaicStrategy == MosaicPerTile {
		sources = n.sources
	}
	bounds := tile.Bounds()

	if n.opts.MosaicStrategy == MosaicPerTile {
		return n.mergeSourcesForTile(sources, bounds)
	}

	datasets := make([]*raster.Dataset, 0, len(sources))
	for _, source := range sources {
		dataset, err := n.datasets.Open(source)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		datasets = append(datasets, dataset)
	}

	var src raster.Source
	if len(datasets) == 1 {
		src = datasets[0]
	} else {
		mosaic, err := raster.NewVirtualMosaic(datasets, n.opts.DstNoData)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		src = mosaic
	}
	resX, resY := n.resolutionFor(datasets[0])
	grid, err := raster.WarpToTile(src, bounds, n.opts.TargetCRS, resX, resY, n.opts.Resampling, n.opts.DstNoData, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return grid, nil
}

func (n *Normalizer) resolutionFor(dataset *raster.Dataset) (float64, float64) {
	if n.opts.ResX > 0 && n.opts.ResY > 0 {
		return n.opts.ResX, n.opts.ResY
	}
	if geo.SameCRS(dataset.CRS(), n.opts.TargetCRS) {
		return dataset.Res()
	}
	const arcSecond = 1.0 / 3600
	return arcSecond, arcSecond
}

// mergeSourcesForTile warps only the sources intersecting the tile, in
// order, each filling remaining nodata cells. The full source union is
// never merged.
func (n *Normalizer) mergeSourcesForTile(sources []string, bounds geo.Bounds) (*raster.Grid, error) {
	var out *raster.Grid
	for _, source := range sources {
		dataset, err := n.datasets.Open(source)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		grid, err := n.warpDatasetToBounds(dataset, bounds, n.opts.DstNoData)
		if err != nil {
			return nil, err
		}
		if grid == nil {
			continue
		}
		if out == nil {
			out = grid
			continue
		}
		overlayNoDataCells(out, grid)
	}
	if out == nil {
		return nil, Error.New("no DEM source intersects tile bounds")
	}
	return out, nil
}

// warpDatasetToBounds warps one dataset into the tile grid, reprojecting
// through the dataset's CRS when it differs from the target. Returns nil
// when the dataset does not intersect the bounds.
func (n *Normalizer) warpDatasetToBounds(dataset *raster.Dataset, bounds geo.Bounds, dstNodata *float64) (*raster.Grid, error) {
	crs := dataset.CRS()
	if crs == "" {
		return nil, ErrInvalidInput.New("DEM is missing CRS: %s", dataset.Path())
	}
	resX, resY := n.resolutionFor(dataset)

	var tr *geo.Transformer
	srcBounds := bounds
	if !geo.SameCRS(crs, n.opts.TargetCRS) {
		var err error
		tr, err = geo.NewTransformer(n.opts.TargetCRS, crs)
		if err != nil {
			return nil, err
		}
		srcBounds, err = geo.TransformBoundsBox(tr, bounds, 21)
		if err != nil {
			return nil, err
		}
	}
	minX, minY, maxX, maxY := dataset.GeoBounds()
	if !srcBounds.Intersects(geo.Bounds{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}) {
		return nil, nil
	}
	grid, err := raster.WarpToTile(dataset, bounds, n.opts.TargetCRS, resX, resY, n.opts.Resampling, dstNodata, tr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return grid, nil
}

// overlayNoDataCells copies src values into dst cells that are still
// nodata.
func overlayNoDataCells(dst, src *raster.Grid) {
	srcMask := raster.Mask(src.Data, src.NoData)
	for i, value := range dst.Data {
		if dst.IsNoData(value) && !srcMask[i] {
			dst.Data[i] = src.Data[i]
		}
	}
}

// overlayValidCells copies src values into dst wherever src has data,
// overwriting dst. Higher-priority stack layers go last.
func overlayValidCells(dst, src *raster.Grid) {
	srcMask := raster.Mask(src.Data, src.NoData)
	for i := range dst.Data {
		if !srcMask[i] {
			dst.Data[i] = src.Data[i]
		}
	}
}

// blendStackTile builds the tile from stack layers: an all-nodata canvas,
// each layer warped in ascending priority, AOI-masked, then overlaid
// where it has valid data.
func (n *Normalizer) blendStackTile(tile xplane.Tile) (*raster.Grid, error) {
	aois, err := n.loadAOIs()
	if err != nil {
		return nil, err
	}
	layers := n.stack.SortedLayers()
	effective := effectiveStackNoData(*n.stack, n.opts)
	bounds := tile.Bounds()
	var canvas *raster.Grid
	for _, layer := range layers {
		layerNoData := layer.NoData
		if layerNoData == nil {
			layerNoData = effective
		}
		dataset, err := n.datasets.Open(layer.Path)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		grid, err := n.warpDatasetToBounds(dataset, bounds, layerNoData)
		if err != nil {
			return nil, err
		}
		if grid == nil {
			continue
		}
		if layer.AOI != "" {
			if grid.NoData == nil {
				return nil, ErrInvalidInput.New("layer %s: AOI mask requires a nodata value", layer.Path)
			}
			if err := aois[layer.AOI].ApplyMask(grid); err != nil {
				return nil, err
			}
		}
		if canvas == nil {
			canvasNoData := effective
			if canvasNoData == nil {
				canvasNoData = grid.NoData
			}
			canvas = raster.NewNoDataGrid(grid.Width, grid.Height, grid.Bounds, grid.CRS, *canvasNoData)
		}
		if grid.Width != canvas.Width || grid.Height != canvas.Height {
			return nil, Error.New("stack layer grids disagree on tile shape")
		}
		overlayValidCells(canvas, grid)
	}
	if canvas == nil {
		return nil, Error.New("no stack layer intersects tile bounds")
	}
	return canvas, nil
}

// fillTile applies the configured fill strategy to the tile grid.
func (n *Normalizer) fillTile(tile xplane.Tile, grid *raster.Grid) (raster.FillResult, error) {
	switch n.opts.FillStrategy {
	case raster.FillNone, "":
		return raster.FillResult{NoDataPixelsAfter: raster.CountNoData(grid.Data, grid.NoData)}, nil
	case raster.FillConstant:
		return raster.FillConstantValue(grid, float32(n.opts.FillValue)), nil
	case raster.FillInterpolate:
		result := raster.FillInterpolateNearest(grid)
		if result.NoDataPixelsAfter > 0 && len(n.opts.FallbackDEMs) > 0 {
			return n.fillFromFallback(tile, grid)
		}
		return result, nil
	case raster.FillFallback:
		return n.fillFromFallback(tile, grid)
	default:
		return raster.FillResult{}, ErrInvalidInput.New("unknown fill strategy %q", n.opts.FillStrategy)
	}
}

func (n *Normalizer) fillFromFallback(tile xplane.Tile, grid *raster.Grid) (raster.FillResult, error) {
	fallback, err := n.mergeSourcesForTile(n.opts.FallbackDEMs, tile.Bounds())
	if err != nil {
		return raster.FillResult{}, err
	}
	if fallback.Width != grid.Width || fallback.Height != grid.Height {
		resampled, err := resampleToMatch(fallback, grid)
		if err != nil {
			return raster.FillResult{}, err
		}
		fallback = resampled
	}
	return raster.FillFromFallback(grid, fallback)
}

// resampleToMatch renders src onto dst's grid shape.
func resampleToMatch(src, dst *raster.Grid) (*raster.Grid, error) {
	out := raster.NewGrid(dst.Width, dst.Height, dst.Bounds, dst.CRS, src.NoData, 0)
	if src.NoData != nil {
		for i := range out.Data {
			out.Data[i] = float32(*src.NoData)
		}
	}
	if err := raster.Reproject(&gridSource{grid: src}, out, nil, raster.KernelBilinear); err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}

// gridSource adapts an in-memory grid to the raster.Source interface.
type gridSource struct {
	grid *raster.Grid
}

func (s *gridSource) CRS() string      { return s.grid.CRS }
func (s *gridSource) NoData() *float64 { return s.grid.NoData }
func (s *gridSource) Res() (float64, float64) {
	return s.grid.Res()
}

// ReadRegion returns the whole grid; it covers any requested region the
// fill path asks for.
func (s *gridSource) ReadRegion(geo.Bounds, int) (*raster.Grid, error) {
	return s.grid, nil
}

// NormalizeForTiles normalizes a batch of tiles with a bounded worker
// pool. Failures are isolated per tile when continueOnError is set.
func (n *Normalizer) NormalizeForTiles(ctx context.Context, tiles []xplane.Tile, workers int, continueOnError bool) (map[string]TileResult, map[string]error) {
	if workers <= 0 {
		workers = 1
	}
	results := make(map[string]TileResult, len(tiles))
	failures := make(map[string]error)
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for _, tile := range tiles {
		tile := tile
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			result, err := n.NormalizeTile(groupCtx, tile)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[tile.Name()] = err
				if !continueOnError {
					return err
				}
				return nil
			}
			results[tile.Name()] = result
			return nil
		})
	}
	_ = group.Wait()
	return results, failures
}
