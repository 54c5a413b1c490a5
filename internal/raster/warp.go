package raster

import (
	"math"

	"github.com/doublemover/kubolti/internal/geo"
)

// A Source is anything a warp can pull pixels out of: a single dataset or
// a virtual mosaic of datasets.
type Source interface {
	CRS() string
	NoData() *float64
	Res() (float64, float64)
	// ReadRegion reads the requested region (in the source CRS) into a
	// grid, padded by margin pixels on every side. Cells outside the
	// source are nodata.
	ReadRegion(bounds geo.Bounds, margin int) (*Grid, error)
}

// ReadRegion implements Source for a single dataset.
func (d *Dataset) ReadRegion(bounds geo.Bounds, margin int) (*Grid, error) {
	x0 := int(math.Floor((bounds.MinX-d.originX)/d.resX)) - margin
	y0 := int(math.Floor((d.originY-bounds.MaxY)/d.resY)) - margin
	x1 := int(math.Ceil((bounds.MaxX-d.originX)/d.resX)) + margin
	y1 := int(math.Ceil((d.originY-bounds.MinY)/d.resY)) + margin
	width := x1 - x0
	height := y1 - y0
	if width <= 0 || height <= 0 {
		return nil, Error.New("empty read region")
	}
	data, err := d.ReadWindow(x0, y0, width, height)
	if err != nil {
		return nil, err
	}
	nodata := d.nodata
	if nodata == nil {
		// ReadWindow fills out-of-raster cells with NaN when the dataset
		// declares no nodata.
		nan := math.NaN()
		nodata = &nan
	}
	return &Grid{
		Data:   data,
		Width:  width,
		Height: height,
		Bounds: geo.Bounds{
			MinX: d.originX + float64(x0)*d.resX,
			MinY: d.originY - float64(y1)*d.resY,
			MaxX: d.originX + float64(x1)*d.resX,
			MaxY: d.originY - float64(y0)*d.resY,
		},
		CRS:    d.crs,
		NoData: nodata,
	}, nil
}

// kernelMargin returns the extra source pixels a kernel reaches.
func kernelMargin(kernel Kernel) int {
	switch kernel {
	case KernelCubic:
		return 2
	case KernelLanczos:
		return 3
	default:
		return 1
	}
}

// Reproject fills dst by inverse-mapping each destination pixel center
// into the source CRS. tr transforms dst CRS coordinates into the source
// CRS; pass nil when both share a CRS. Destination cells with no valid
// source data are left at the destination nodata.
func Reproject(src Source, dst *Grid, tr *geo.Transformer, kernel Kernel) error {
	srcResX, srcResY := src.Res()
	dstResX, dstResY := dst.Res()

	srcBounds := dst.Bounds
	if tr != nil {
		transformed, err := geo.TransformBoundsBox(tr, dst.Bounds, 21)
		if err != nil {
			return err
		}
		srcBounds = transformed
	}
	region, err := src.ReadRegion(srcBounds, kernelMargin(kernel)+2)
	if err != nil {
		return err
	}

	regionResX, regionResY := region.Res()
	s := newSampler(region, kernel, dstResX/srcResX, dstResY/srcResY)

	dstNoData := float32(math.NaN())
	if dst.NoData != nil {
		dstNoData = float32(*dst.NoData)
	}

	xs := make([]float64, dst.Width)
	ys := make([]float64, dst.Width)
	for row := 0; row < dst.Height; row++ {
		centerY := dst.Bounds.MaxY - (float64(row)+0.5)*dstResY
		for col := 0; col < dst.Width; col++ {
			xs[col] = dst.Bounds.MinX + (float64(col)+0.5)*dstResX
			ys[col] = centerY
		}
		if tr != nil {
			if err := tr.Transform(xs, ys); err != nil {
				return err
			}
		}
		for col := 0; col < dst.Width; col++ {
			px := (xs[col] - region.Bounds.MinX) / regionResX
			py := (region.Bounds.MaxY - ys[col]) / regionResY
			value, ok := s.at(px, py)
			if !ok {
				dst.Set(col, row, dstNoData)
				continue
			}
			dst.Set(col, row, value)
		}
	}
	return nil
}

// TileGridShape computes the destination pixel grid for a bounds and
// resolution, rounding partial pixels up.
func TileGridShape(bounds geo.Bounds, resX, resY float64) (int, int) {
	width := int(math.Ceil(bounds.Width() / resX))
	height := int(math.Ceil(bounds.Height() / resY))
	return max(width, 1), max(height, 1)
}
