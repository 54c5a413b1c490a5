// Package dsf parses DSFTool text output, validates tile bounds, and
// enriches DSFs with XP12 raster layers.
package dsf

import (
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"github.com/doublemover/kubolti/internal/xplane"
)

// Error is the error class for the dsf package.
var Error = errs.Class("dsf")

// Bounds are the geographic extents parsed from a DSF properties block.
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// ParseProperties extracts PROPERTY lines from DSFTool text output.
func ParseProperties(text string) map[string]string {
	properties := make(map[string]string)
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if !strings.HasPrefix(line, "PROPERTY") {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 3 {
			continue
		}
		properties[strings.TrimSpace(fields[1])] = strings.TrimSpace(fields[2])
	}
	return properties
}

// ParsePropertiesFile reads a DSF text file and parses its PROPERTY
// lines.
func ParsePropertiesFile(path string) (map[string]string, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return ParseProperties(string(payload)), nil
}

// ParseBounds reads the four tile-bound properties.
func ParseBounds(properties map[string]string) (Bounds, error) {
	required := []string{"sim/west", "sim/south", "sim/east", "sim/north"}
	values := make(map[string]float64, len(required))
	for _, name := range required {
		raw, ok := properties[name]
		if !ok {
			return Bounds{}, Error.New("missing DSF bounds property: %s", name)
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Bounds{}, Error.New("invalid DSF bounds value %s=%q", name, raw)
		}
		values[name] = value
	}
	return Bounds{
		West:  values["sim/west"],
		South: values["sim/south"],
		East:  values["sim/east"],
		North: values["sim/north"],
	}, nil
}

// ExpectedBounds returns the bounds a tile's DSF must declare.
func ExpectedBounds(tile xplane.Tile) Bounds {
	bounds := tile.Bounds()
	return Bounds{West: bounds.MinX, South: bounds.MinY, East: bounds.MaxX, North: bounds.MaxY}
}

const boundsTolerance = 1e-6

// CompareBounds returns mismatch messages for each edge outside
// tolerance, empty when the bounds agree.
func CompareBounds(expected, actual Bounds) []string {
	var mismatches []string
	check := func(name string, want, got float64) {
		if math.Abs(want-got) > boundsTolerance {
			mismatches = append(mismatches, name+" expected "+formatBound(want)+", got "+formatBound(got))
		}
	}
	check("west", expected.West, actual.West)
	check("south", expected.South, actual.South)
	check("east", expected.East, actual.East)
	check("north", expected.North, actual.North)
	return mismatches
}

func formatBound(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}
