package raster

import (
	"github.com/doublemover/kubolti/internal/geo"
)

// A BackendProfile pins the DEM characteristics a mesh backend expects.
type BackendProfile struct {
	Name                string  `json:"name"`
	CRS                 string  `json:"crs"`
	NoData              float64 `json:"nodata"`
	DType               DType   `json:"dtype"`
	RequireFullCoverage bool    `json:"require_full_coverage"`
}

// Ortho4XPProfile matches what Triangle4XP reads from Elevation_data.
var Ortho4XPProfile = BackendProfile{
	Name:   "ortho4xp",
	CRS:    geo.EPSG4326,
	NoData: -32768,
	DType:  DTypeFloat32,
}

// ProfileForBackend returns the profile for a named backend.
func ProfileForBackend(name string) (BackendProfile, bool) {
	switch name {
	case "ortho4xp":
		return Ortho4XPProfile, true
	default:
		return BackendProfile{}, false
	}
}

// Apply remaps a grid in place to satisfy the profile: nodata sentinel
// rewritten and full coverage enforced when required.
func (p BackendProfile) Apply(g *Grid) error {
	if !geo.SameCRS(g.CRS, p.CRS) {
		return Error.New("grid CRS %s does not match backend CRS %s", g.CRS, p.CRS)
	}
	RemapNoData(g, p.NoData)
	if p.RequireFullCoverage && CountNoData(g.Data, g.NoData) > 0 {
		return Error.New("backend profile requires void-free DEMs")
	}
	return nil
}

// ApplyStreaming rewrites a dataset on disk to the profile, reading the
// source in strip-sized windows. Used as a fallback when the remap could
// not be folded into the tile write; it operates on a single tile, never
// on a full mosaic.
func (p BackendProfile) ApplyStreaming(srcPath, dstPath string, compression Compression) error {
	src, err := OpenDataset(srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	if !geo.SameCRS(src.CRS(), p.CRS) {
		return Error.New("dataset CRS %s does not match backend CRS %s", src.CRS(), p.CRS)
	}

	width, height := src.Size()
	minX, minY, maxX, maxY := src.GeoBounds()
	nodata := p.NoData
	out := &Grid{
		Data:   make([]float32, width*height),
		Width:  width,
		Height: height,
		Bounds: boundsOf(minX, minY, maxX, maxY),
		CRS:    src.CRS(),
		NoData: &nodata,
	}
	for row := 0; row < height; row += writeRowsPerStrip {
		rows := min(writeRowsPerStrip, height-row)
		window, err := src.ReadWindow(0, row, width, rows)
		if err != nil {
			return err
		}
		mask := Mask(window, src.NoData())
		for i, masked := range mask {
			if masked {
				window[i] = float32(nodata)
			}
		}
		copy(out.Data[row*width:], window)
	}
	return WriteGeoTIFF(dstPath, out, WriteOptions{Compression: compression, DType: p.DType})
}
