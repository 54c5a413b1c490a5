package raster

import (
	"math"

	"github.com/doublemover/kubolti/internal/geo"
)

// A VirtualMosaic merges several datasets lazily per read. Members must
// share a CRS; earlier members win where they have valid data.
type VirtualMosaic struct {
	sources []*Dataset
	crs     string
	nodata  *float64
}

// NewVirtualMosaic builds a virtual mosaic over datasets. The mosaic
// nodata is the override when given, else the first declared member
// nodata.
func NewVirtualMosaic(sources []*Dataset, nodataOverride *float64) (*VirtualMosaic, error) {
	if len(sources) == 0 {
		return nil, Error.New("at least one mosaic source is required")
	}
	crs := sources[0].CRS()
	for _, src := range sources[1:] {
		if !geo.SameCRS(src.CRS(), crs) {
			return nil, Error.New("mosaic sources must share a CRS: %s vs %s", src.CRS(), crs)
		}
	}
	nodata := nodataOverride
	if nodata == nil {
		for _, src := range sources {
			if src.NoData() != nil {
				nodata = src.NoData()
				break
			}
		}
	}
	return &VirtualMosaic{sources: sources, crs: crs, nodata: nodata}, nil
}

// CRS returns the shared member CRS.
func (m *VirtualMosaic) CRS() string { return m.crs }

// NoData returns the mosaic nodata value.
func (m *VirtualMosaic) NoData() *float64 { return m.nodata }

// Res returns the finest member resolution.
func (m *VirtualMosaic) Res() (float64, float64) {
	resX, resY := m.sources[0].Res()
	for _, src := range m.sources[1:] {
		srcResX, srcResY := src.Res()
		resX = min(resX, srcResX)
		resY = min(resY, srcResY)
	}
	return resX, resY
}

// GeoBounds returns the union of member extents.
func (m *VirtualMosaic) GeoBounds() geo.Bounds {
	minX, minY, maxX, maxY := m.sources[0].GeoBounds()
	bounds := boundsOf(minX, minY, maxX, maxY)
	for _, src := range m.sources[1:] {
		minX, minY, maxX, maxY := src.GeoBounds()
		bounds = bounds.Union(boundsOf(minX, minY, maxX, maxY))
	}
	return bounds
}

// ReadRegion merges member reads into a single grid at the mosaic
// resolution. Only members intersecting the region are read.
func (m *VirtualMosaic) ReadRegion(bounds geo.Bounds, margin int) (*Grid, error) {
	resX, resY := m.Res()
	padded := geo.Bounds{
		MinX: bounds.MinX - float64(margin)*resX,
		MinY: bounds.MinY - float64(margin)*resY,
		MaxX: bounds.MaxX + float64(margin)*resX,
		MaxY: bounds.MaxY + float64(margin)*resY,
	}
	width, height := TileGridShape(padded, resX, resY)
	nodata := m.nodata
	if nodata == nil {
		nan := math.NaN()
		nodata = &nan
	}
	out := NewGrid(width, height, geo.Bounds{
		MinX: padded.MinX,
		MinY: padded.MaxY - float64(height)*resY,
		MaxX: padded.MinX + float64(width)*resX,
		MaxY: padded.MaxY,
	}, m.crs, nodata, float32(*nodata))

	for _, src := range m.sources {
		srcMinX, srcMinY, srcMaxX, srcMaxY := src.GeoBounds()
		if !out.Bounds.Intersects(boundsOf(srcMinX, srcMinY, srcMaxX, srcMaxY)) {
			continue
		}
		if err := pasteValid(out, src); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// pasteValid samples src into every still-nodata cell of dst that falls
// inside the source extent.
func pasteValid(dst *Grid, src *Dataset) error {
	region, err := src.ReadRegion(dst.Bounds, 1)
	if err != nil {
		return err
	}
	resX, resY := dst.Res()
	regionResX, regionResY := region.Res()
	s := newSampler(region, KernelNearest, resX/regionResX, resY/regionResY)
	for row := 0; row < dst.Height; row++ {
		y := dst.Bounds.MaxY - (float64(row)+0.5)*resY
		py := (region.Bounds.MaxY - y) / regionResY
		for col := 0; col < dst.Width; col++ {
			if !dst.IsNoData(dst.At(col, row)) {
				continue
			}
			x := dst.Bounds.MinX + (float64(col)+0.5)*resX
			px := (x - region.Bounds.MinX) / regionResX
			value, ok := s.at(px, py)
			if !ok {
				continue
			}
			dst.Set(col, row, value)
		}
	}
	return nil
}

// WarpToTile warps a source into a fresh destination grid covering
// bounds (in dstCRS) at the given resolution. tr transforms dstCRS
// coordinates into the source CRS; pass nil when they match. The
// effective nodata is dstNodata when given, else the source nodata, else
// NaN; the returned grid's NoData field reports the value actually used.
func WarpToTile(src Source, bounds geo.Bounds, dstCRS string, resX, resY float64, kernel Kernel, dstNodata *float64, tr *geo.Transformer) (*Grid, error) {
	nodata := dstNodata
	if nodata == nil {
		nodata = src.NoData()
	}
	if nodata == nil {
		nan := math.NaN()
		nodata = &nan
	}
	width, height := TileGridShape(bounds, resX, resY)
	dst := NewGrid(width, height, bounds, dstCRS, nodata, float32(*nodata))
	if err := Reproject(src, dst, tr, kernel); err != nil {
		return nil, err
	}
	return dst, nil
}
