// Package dem normalizes heterogeneous DEM inputs into canonical
// per-tile artifacts: mosaic, reproject, tile, blend, fill, and cache.
package dem

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/zeebo/errs"
)

var (
	// Error is the error class for the dem package.
	Error = errs.Class("dem")
	// ErrInvalidInput marks input problems surfaced before any tile runs.
	ErrInvalidInput = errs.Class("invalid input")
)

// A Layer is one DEM entry in a stack. Higher priority overwrites lower
// where the layer has valid data.
type Layer struct {
	Path     string   `json:"path"`
	Priority int      `json:"priority"`
	AOI      string   `json:"aoi,omitempty"`
	NoData   *float64 `json:"nodata,omitempty"`
}

// A Stack is an ordered set of DEM layers.
type Stack struct {
	Layers []Layer `json:"layers"`
}

// SortedLayers returns the layers sorted ascending by priority, keeping
// declaration order for equal priorities.
func (s Stack) SortedLayers() []Layer {
	layers := make([]Layer, len(s.Layers))
	copy(layers, s.Layers)
	sort.SliceStable(layers, func(i, j int) bool {
		return layers[i].Priority < layers[j].Priority
	})
	return layers
}

// Validate rejects malformed stacks at plan time. A layer with an AOI
// needs a resolvable nodata value, either its own or the global default,
// so masked cells have something to become.
func (s Stack) Validate(globalNoData *float64) error {
	if len(s.Layers) == 0 {
		return ErrInvalidInput.New("DEM stack requires a non-empty layers list")
	}
	for _, layer := range s.Layers {
		if layer.Path == "" {
			return ErrInvalidInput.New("stack layer requires a path")
		}
		if layer.AOI != "" && layer.NoData == nil && globalNoData == nil {
			return ErrInvalidInput.New("layer %s: AOI mask requires a nodata value", layer.Path)
		}
	}
	return nil
}

// LoadStack parses a DEM stack definition from JSON.
func LoadStack(path string) (Stack, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Stack{}, ErrInvalidInput.Wrap(err)
	}
	var stack Stack
	if err := json.Unmarshal(payload, &stack); err != nil {
		return Stack{}, ErrInvalidInput.New("%s: %v", path, err)
	}
	if len(stack.Layers) == 0 {
		return Stack{}, ErrInvalidInput.New("%s: DEM stack requires a non-empty layers list", path)
	}
	return stack, nil
}
