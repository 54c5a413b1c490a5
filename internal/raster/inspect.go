package raster

import (
	"encoding/json"
	"math"

	"github.com/doublemover/kubolti/internal/geo"
)

// Info is the metadata detected for a DEM source.
type Info struct {
	Path   string     `json:"path"`
	CRS    string     `json:"crs,omitempty"`
	Bounds geo.Bounds `json:"bounds"`
	Width  int        `json:"width"`
	Height int        `json:"height"`
	NoData *float64   `json:"-"`
	ResX   float64    `json:"res_x"`
	ResY   float64    `json:"res_y"`
	DType  string     `json:"dtype"`
}

// MarshalJSON renders NoData as a string when it is NaN, which JSON
// cannot carry as a number.
func (i Info) MarshalJSON() ([]byte, error) {
	type alias Info
	payload := struct {
		alias
		NoData any `json:"nodata,omitempty"`
	}{alias: alias(i)}
	if i.NoData != nil {
		if math.IsNaN(*i.NoData) {
			payload.NoData = "nan"
		} else {
			payload.NoData = *i.NoData
		}
	}
	return json.Marshal(payload)
}

// Inspect collects metadata about a DEM on disk.
func Inspect(path string) (Info, error) {
	dataset, err := OpenDataset(path)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = dataset.Close() }()

	width, height := dataset.Size()
	minX, minY, maxX, maxY := dataset.GeoBounds()
	resX, resY := dataset.Res()
	return Info{
		Path:   path,
		CRS:    dataset.CRS(),
		Bounds: boundsOf(minX, minY, maxX, maxY),
		Width:  width,
		Height: height,
		NoData: dataset.NoData(),
		ResX:   resX,
		ResY:   resY,
		DType:  dataset.DType(),
	}, nil
}

// A TriangleEstimate is the triangle count a regular grid of the DEM's
// shape would produce.
type TriangleEstimate struct {
	Count  int `json:"estimated"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// EstimateTriangles estimates the mesh triangle count from the raster
// grid: two triangles per cell of the (w-1)x(h-1) quad lattice.
func EstimateTriangles(path string) (TriangleEstimate, error) {
	dataset, err := OpenDataset(path)
	if err != nil {
		return TriangleEstimate{}, err
	}
	defer func() { _ = dataset.Close() }()

	width, height := dataset.Size()
	estimate := TriangleEstimate{Width: width, Height: height}
	if width >= 2 && height >= 2 {
		estimate.Count = (width - 1) * (height - 1) * 2
	}
	return estimate, nil
}
