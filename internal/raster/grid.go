// Package raster implements the DEM raster primitives: a native GeoTIFF
// reader and writer, warp/resample, mosaics, nodata masks, fill
// strategies, and coverage statistics.
package raster

import (
	"math"

	"github.com/zeebo/errs"

	"github.com/doublemover/kubolti/internal/geo"
)

// Error is the error class for the raster package.
var Error = errs.Class("raster")

func boundsOf(minX, minY, maxX, maxY float64) geo.Bounds {
	return geo.Bounds{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

// A Grid is an in-memory single-band raster with georeferencing.
type Grid struct {
	Data   []float32
	Width  int
	Height int
	Bounds geo.Bounds
	CRS    string
	NoData *float64
}

// NewGrid returns a grid of the given shape with every cell set to fill.
func NewGrid(width, height int, bounds geo.Bounds, crs string, nodata *float64, fill float32) *Grid {
	data := make([]float32, width*height)
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return &Grid{
		Data:   data,
		Width:  width,
		Height: height,
		Bounds: bounds,
		CRS:    crs,
		NoData: nodata,
	}
}

// NewNoDataGrid returns a grid with every cell set to the nodata value.
func NewNoDataGrid(width, height int, bounds geo.Bounds, crs string, nodata float64) *Grid {
	return NewGrid(width, height, bounds, crs, &nodata, float32(nodata))
}

// Res returns the pixel size in CRS units. The y resolution is positive.
func (g *Grid) Res() (float64, float64) {
	return g.Bounds.Width() / float64(g.Width), g.Bounds.Height() / float64(g.Height)
}

// At returns the sample at (col, row), row 0 being the north edge.
func (g *Grid) At(col, row int) float32 {
	return g.Data[row*g.Width+col]
}

// Set writes the sample at (col, row).
func (g *Grid) Set(col, row int, value float32) {
	g.Data[row*g.Width+col] = value
}

// IsNoData reports whether a sample equals the grid's nodata value.
func (g *Grid) IsNoData(value float32) bool {
	return isNoData(value, g.NoData)
}

func isNoData(value float32, nodata *float64) bool {
	if nodata == nil {
		return false
	}
	if math.IsNaN(*nodata) {
		return math.IsNaN(float64(value))
	}
	return float64(value) == *nodata
}

// Mask returns a boolean mask marking nodata cells. A nil nodata yields an
// all-false mask; a NaN nodata is compared with a NaN-aware test. All fill
// and coverage code goes through here.
func Mask(data []float32, nodata *float64) []bool {
	mask := make([]bool, len(data))
	if nodata == nil {
		return mask
	}
	if math.IsNaN(*nodata) {
		for i, value := range data {
			mask[i] = math.IsNaN(float64(value))
		}
		return mask
	}
	sentinel := float32(*nodata)
	for i, value := range data {
		mask[i] = value == sentinel
	}
	return mask
}

// CountNoData returns the number of nodata cells in data.
func CountNoData(data []float32, nodata *float64) int {
	count := 0
	for _, masked := range Mask(data, nodata) {
		if masked {
			count++
		}
	}
	return count
}

// Coverage holds coverage statistics for a raster.
type Coverage struct {
	TotalPixels  int     `json:"total_pixels"`
	NoDataPixels int     `json:"nodata_pixels"`
	ValidRatio   float64 `json:"valid_ratio"`
}

// GridCoverage computes coverage statistics from an in-memory grid
// without any I/O.
func GridCoverage(g *Grid) Coverage {
	total := g.Width * g.Height
	if total == 0 {
		return Coverage{ValidRatio: 1}
	}
	nodata := CountNoData(g.Data, g.NoData)
	return Coverage{
		TotalPixels:  total,
		NoDataPixels: nodata,
		ValidRatio:   float64(total-nodata) / float64(total),
	}
}
