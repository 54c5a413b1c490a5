package dsf

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/doublemover/kubolti/internal/tool"
	"github.com/doublemover/kubolti/internal/xplane"
)

// EnrichmentStatus values.
const (
	EnrichmentStatusEnriched         = "enriched"
	EnrichmentStatusNoOp             = "no-op"
	EnrichmentStatusMissingReference = "missing-reference"
	EnrichmentStatusFailed           = "failed"
)

// An EnrichmentResult reports an XP12 raster enrichment attempt.
type EnrichmentResult struct {
	Status           string   `json:"status"`
	Missing          []string `json:"missing,omitempty"`
	Added            []string `json:"added,omitempty"`
	BackupPath       string   `json:"backup_path,omitempty"`
	EnrichedTextPath string   `json:"enriched_text_path,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// An Enricher copies XP12 raster layers (soundscape, seasons,
// bathymetry) from a reference scenery tree into freshly built DSFs by
// round-tripping through DSFTool's text format.
type Enricher struct {
	log     *zap.Logger
	dsftool *tool.DSFTool
	// ReferenceRoot is the XP12 global scenery tree the layers come from.
	ReferenceRoot string
}

// NewEnricher returns an enricher.
func NewEnricher(log *zap.Logger, dsftool *tool.DSFTool, referenceRoot string) *Enricher {
	return &Enricher{log: log, dsftool: dsftool, ReferenceRoot: referenceRoot}
}

// FindReferenceDSF resolves the reference DSF for a tile by bucket path.
// The lookup is deterministic; the reference tree is never scanned.
func (e *Enricher) FindReferenceDSF(tile xplane.Tile) (string, bool) {
	candidate := xplane.DSFPath(e.ReferenceRoot, tile)
	if _, err := os.Stat(candidate); err != nil {
		return "", false
	}
	return candidate, true
}

// EnrichTile merges the reference tile's XP12 raster layers into the
// target DSF. The work directory receives the text round-trip artifacts.
func (e *Enricher) EnrichTile(ctx context.Context, tile xplane.Tile, dsfPath, workDir string) EnrichmentResult {
	referencePath, ok := e.FindReferenceDSF(tile)
	if !ok {
		return EnrichmentResult{Status: EnrichmentStatusMissingReference}
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return EnrichmentResult{Status: EnrichmentStatusFailed, Error: err.Error()}
	}

	stem := strings.TrimSuffix(filepath.Base(dsfPath), filepath.Ext(dsfPath))
	targetTextPath := filepath.Join(workDir, stem+".txt")
	referenceTextPath := filepath.Join(workDir, "reference_"+stem+".txt")
	enrichedTextPath := filepath.Join(workDir, stem+".enriched.txt")
	enrichedDSFPath := filepath.Join(workDir, stem+".enriched.dsf")

	if err := e.dsftool.DSFToText(ctx, dsfPath, targetTextPath); err != nil {
		return EnrichmentResult{Status: EnrichmentStatusFailed, Error: err.Error()}
	}
	if err := e.dsftool.DSFToText(ctx, referencePath, referenceTextPath); err != nil {
		return EnrichmentResult{Status: EnrichmentStatusFailed, Error: err.Error()}
	}

	targetText, err := os.ReadFile(targetTextPath)
	if err != nil {
		return EnrichmentResult{Status: EnrichmentStatusFailed, Error: err.Error()}
	}
	referenceText, err := os.ReadFile(referenceTextPath)
	if err != nil {
		return EnrichmentResult{Status: EnrichmentStatusFailed, Error: err.Error()}
	}

	merged, missing, indexMap := mergeRasterDefinitions(string(targetText), string(referenceText))
	if len(missing) == 0 {
		return EnrichmentResult{Status: EnrichmentStatusNoOp}
	}
	if err := os.WriteFile(enrichedTextPath, []byte(merged), 0o644); err != nil {
		return EnrichmentResult{Status: EnrichmentStatusFailed, Error: err.Error()}
	}

	// Sidecar naming is load-bearing: DSFTool resolves .raw files by the
	// basename of the text file it is invoked with. Every sidecar --
	// the target's own and the reference layers' -- must be re-homed to
	// the enriched basename or the text2dsf pass reads nothing.
	if err := copySidecars(targetTextPath, enrichedTextPath, nil); err != nil {
		return EnrichmentResult{
			Status:           EnrichmentStatusFailed,
			Missing:          missing,
			EnrichedTextPath: enrichedTextPath,
			Error:            "sidecar copy failed: " + err.Error(),
		}
	}
	if err := copySidecars(referenceTextPath, enrichedTextPath, indexMap); err != nil {
		return EnrichmentResult{
			Status:           EnrichmentStatusFailed,
			Missing:          missing,
			EnrichedTextPath: enrichedTextPath,
			Error:            "sidecar copy failed: " + err.Error(),
		}
	}

	if err := e.dsftool.TextToDSF(ctx, enrichedTextPath, enrichedDSFPath); err != nil {
		return EnrichmentResult{
			Status:           EnrichmentStatusFailed,
			Missing:          missing,
			EnrichedTextPath: enrichedTextPath,
			Error:            err.Error(),
		}
	}

	backupPath := strings.TrimSuffix(dsfPath, filepath.Ext(dsfPath)) + ".original.dsf"
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		if err := copyFile(dsfPath, backupPath); err != nil {
			return EnrichmentResult{Status: EnrichmentStatusFailed, Missing: missing, Error: err.Error()}
		}
	}
	if err := copyFile(enrichedDSFPath, dsfPath); err != nil {
		return EnrichmentResult{Status: EnrichmentStatusFailed, Missing: missing, Error: err.Error()}
	}

	e.log.Info("enriched DSF with XP12 rasters",
		zap.String("tile", tile.Name()),
		zap.Strings("added", missing),
	)
	return EnrichmentResult{
		Status:           EnrichmentStatusEnriched,
		Missing:          missing,
		Added:            missing,
		BackupPath:       backupPath,
		EnrichedTextPath: enrichedTextPath,
	}
}

// mergeRasterDefinitions inserts the reference's XP12 raster blocks that
// the target lacks, remapping indices that would collide. Returns the
// merged text, the added names, and the index remapping.
func mergeRasterDefinitions(targetText, referenceText string) (string, []string, map[int]int) {
	targetBlocks := ExtractRasterBlocks(targetText)
	referenceBlocks := ExtractRasterBlocks(referenceText)
	targetNames := make(map[string]bool)
	for _, name := range ParseRasterNames(targetText) {
		targetNames[name] = true
	}

	var missingBlocks []RasterBlock
	for name, block := range referenceBlocks {
		if !targetNames[name] && IsXP12Raster(name) {
			missingBlocks = append(missingBlocks, block)
		}
	}
	if len(missingBlocks) == 0 {
		return "", nil, nil
	}
	sort.Slice(missingBlocks, func(i, j int) bool { return missingBlocks[i].Index < missingBlocks[j].Index })

	targetLines := strings.Split(targetText, "\n")
	insertAt := insertionPoint(targetLines)

	usedIndices := make(map[int]bool)
	nextIndex := 0
	for _, block := range targetBlocks {
		usedIndices[block.Index] = true
		if block.Index >= nextIndex {
			nextIndex = block.Index + 1
		}
	}

	indexMap := make(map[int]int)
	var insertLines []string
	var missing []string
	for _, block := range missingBlocks {
		missing = append(missing, block.Name)
		newIndex := block.Index
		if usedIndices[newIndex] {
			newIndex = nextIndex
			nextIndex++
			indexMap[block.Index] = newIndex
		}
		usedIndices[newIndex] = true
		insertLines = append(insertLines, RewriteRasterLines(block.Lines, newIndex)...)
	}

	mergedLines := make([]string, 0, len(targetLines)+len(insertLines))
	mergedLines = append(mergedLines, targetLines[:insertAt]...)
	mergedLines = append(mergedLines, insertLines...)
	mergedLines = append(mergedLines, targetLines[insertAt:]...)
	merged := strings.Join(mergedLines, "\n")
	if !strings.HasSuffix(merged, "\n") {
		merged += "\n"
	}
	return merged, missing, indexMap
}

// insertionPoint picks where new raster blocks go: after the last
// existing raster line, else after the last property, but never past the
// tile-bounds properties.
func insertionPoint(lines []string) int {
	insertAt := len(lines)
	lastRaster := -1
	lastProperty := -1
	firstBound := -1
	for i, rawLine := range lines {
		line := strings.ToLower(strings.TrimSpace(rawLine))
		if strings.HasPrefix(line, "raster_") {
			lastRaster = i
		}
		if strings.HasPrefix(line, "property") {
			lastProperty = i
			for _, bound := range []string{"sim/west", "sim/south", "sim/east", "sim/north"} {
				if strings.Contains(line, bound) && firstBound == -1 {
					firstBound = i
				}
			}
		}
	}
	if lastRaster >= 0 {
		insertAt = lastRaster + 1
	} else if lastProperty >= 0 {
		insertAt = lastProperty + 1
	}
	if firstBound >= 0 && firstBound < insertAt {
		insertAt = firstBound
	}
	return insertAt
}

// copySidecars re-homes every <text>.<layer>.raw sidecar so it matches
// the destination text file's basename, remapping raster indices in the
// filename when the merge renumbered them.
func copySidecars(sourceText, destText string, indexMap map[int]int) error {
	pattern := filepath.Join(filepath.Dir(sourceText), filepath.Base(sourceText)+".*.raw")
	sidecars, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	for _, src := range sidecars {
		suffix := filepath.Base(src)[len(filepath.Base(sourceText)):]
		destName := filepath.Base(destText) + remapSidecarSuffix(suffix, indexMap)
		dest := filepath.Join(filepath.Dir(destText), destName)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := copyFile(src, dest); err != nil {
			return err
		}
	}
	return nil
}

// remapSidecarSuffix rewrites numeric index segments in a sidecar
// suffix like ".3.raw" per the index map.
func remapSidecarSuffix(suffix string, indexMap map[int]int) string {
	if len(indexMap) == 0 {
		return suffix
	}
	segments := strings.Split(suffix, ".")
	for i, segment := range segments {
		index, err := strconv.Atoi(segment)
		if err != nil {
			continue
		}
		if mapped, ok := indexMap[index]; ok {
			segments[i] = strconv.Itoa(mapped)
		}
	}
	return strings.Join(segments, ".")
}

func copyFile(src, dst string) error {
	payload, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, payload, 0o644)
}

// InventoryRasters lists the raster layers in a DSF via DSFTool.
func (e *Enricher) InventoryRasters(ctx context.Context, dsfPath, workDir string) (RasterSummary, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return RasterSummary{}, Error.Wrap(err)
	}
	stem := strings.TrimSuffix(filepath.Base(dsfPath), filepath.Ext(dsfPath))
	textPath := filepath.Join(workDir, stem+".txt")
	if err := e.dsftool.DSFToText(ctx, dsfPath, textPath); err != nil {
		return RasterSummary{}, err
	}
	payload, err := os.ReadFile(textPath)
	if err != nil {
		return RasterSummary{}, Error.Wrap(err)
	}
	return SummarizeRasters(ParseRasterNames(string(payload))), nil
}
