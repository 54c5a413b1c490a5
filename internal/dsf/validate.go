package dsf

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/doublemover/kubolti/internal/tool"
	"github.com/doublemover/kubolti/internal/xplane"
)

// ValidationMode selects the DSF validation depth.
type ValidationMode string

const (
	ValidationNone      ValidationMode = "none"
	ValidationBounds    ValidationMode = "bounds"
	ValidationRoundtrip ValidationMode = "roundtrip"
)

// ParseValidationMode validates a mode name.
func ParseValidationMode(value string) (ValidationMode, error) {
	switch ValidationMode(strings.ToLower(value)) {
	case "":
		return ValidationBounds, nil
	case ValidationNone, ValidationBounds, ValidationRoundtrip:
		return ValidationMode(strings.ToLower(value)), nil
	default:
		return "", Error.New("validation mode must be none, bounds, or roundtrip")
	}
}

// A ValidationResult reports one tile's DSF validation.
type ValidationResult struct {
	Tile       string   `json:"tile"`
	Mode       string   `json:"mode"`
	OK         bool     `json:"ok"`
	Missing    bool     `json:"missing,omitempty"`
	Mismatches []string `json:"mismatches,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// A Validator checks built DSFs through DSFTool text conversion.
type Validator struct {
	log     *zap.Logger
	dsftool *tool.DSFTool
	mode    ValidationMode
}

// NewValidator returns a validator for the given mode.
func NewValidator(log *zap.Logger, dsftool *tool.DSFTool, mode ValidationMode) *Validator {
	return &Validator{log: log, dsftool: dsftool, mode: mode}
}

// ValidateTile checks one tile's DSF. The scratch directory receives the
// text conversion artifacts.
func (v *Validator) ValidateTile(ctx context.Context, tile xplane.Tile, dsfPath, scratchDir string) ValidationResult {
	result := ValidationResult{Tile: tile.Name(), Mode: string(v.mode)}
	if v.mode == ValidationNone {
		result.OK = true
		return result
	}
	if _, err := os.Stat(dsfPath); err != nil {
		result.Missing = true
		result.Error = "DSF output not found"
		return result
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		result.Error = err.Error()
		return result
	}

	stem := strings.TrimSuffix(filepath.Base(dsfPath), filepath.Ext(dsfPath))
	textPath := filepath.Join(scratchDir, stem+".txt")
	if err := v.dsftool.DSFToText(ctx, dsfPath, textPath); err != nil {
		result.Error = err.Error()
		return result
	}

	properties, err := ParsePropertiesFile(textPath)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	actual, err := ParseBounds(properties)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Mismatches = CompareBounds(ExpectedBounds(tile), actual)
	if len(result.Mismatches) > 0 {
		return result
	}

	if v.mode == ValidationRoundtrip {
		rebuiltPath := filepath.Join(scratchDir, stem+".rebuilt.dsf")
		if err := v.dsftool.TextToDSF(ctx, textPath, rebuiltPath); err != nil {
			result.Error = err.Error()
			return result
		}
		// Structural invariant: the rebuilt DSF converts back to text
		// with identical properties.
		rebuiltTextPath := filepath.Join(scratchDir, stem+".rebuilt.txt")
		if err := v.dsftool.DSFToText(ctx, rebuiltPath, rebuiltTextPath); err != nil {
			result.Error = err.Error()
			return result
		}
		rebuiltProperties, err := ParsePropertiesFile(rebuiltTextPath)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		rebuiltBounds, err := ParseBounds(rebuiltProperties)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		result.Mismatches = CompareBounds(actual, rebuiltBounds)
		if len(result.Mismatches) > 0 {
			return result
		}
	}

	result.OK = true
	return result
}

// ValidateTiles checks a batch of tiles with its own bounded worker
// pool, independent of the scheduler's parallelism knob.
func (v *Validator) ValidateTiles(ctx context.Context, tiles []xplane.Tile, dsfPathFor func(xplane.Tile) string, scratchRoot string, workers int) map[string]ValidationResult {
	if workers <= 0 {
		workers = 1
	}
	results := make(map[string]ValidationResult, len(tiles))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for _, tile := range tiles {
		tile := tile
		group.Go(func() error {
			result := v.ValidateTile(groupCtx, tile, dsfPathFor(tile), filepath.Join(scratchRoot, tile.Name()))
			mu.Lock()
			results[tile.Name()] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return results
}
