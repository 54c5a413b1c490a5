package dem

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/doublemover/kubolti/internal/geo"
	"github.com/doublemover/kubolti/internal/raster"
)

// DefaultAOICRS is assumed when an AOI file carries no CRS of its own.
const DefaultAOICRS = geo.EPSG4326

// An AOI is a set of polygons restricting where a DEM layer applies.
type AOI struct {
	Path     string
	Polygons []orb.Polygon
	CRS      string
	// CRSSource records where the CRS came from: "embedded" or "default".
	CRSSource string
}

// LoadAOI reads polygon geometries from a GeoJSON file. Embedded CRS
// members are honored; otherwise EPSG:4326 is assumed.
func LoadAOI(path string) (*AOI, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrInvalidInput.Wrap(err)
	}

	polygons, err := decodeGeoJSONPolygons(payload)
	if err != nil {
		return nil, ErrInvalidInput.New("%s: %v", path, err)
	}
	if len(polygons) == 0 {
		return nil, ErrInvalidInput.New("%s: no polygon geometries found", path)
	}

	crs := DefaultAOICRS
	crsSource := "default"
	if embedded := embeddedCRS(payload); embedded != "" {
		normalized, err := geo.NormalizeCRS(embedded)
		if err != nil {
			return nil, ErrInvalidInput.New("%s: unsupported AOI CRS %q", path, embedded)
		}
		crs = normalized
		crsSource = "embedded"
	}

	return &AOI{Path: path, Polygons: polygons, CRS: crs, CRSSource: crsSource}, nil
}

func decodeGeoJSONPolygons(payload []byte) ([]orb.Polygon, error) {
	var polygons []orb.Polygon
	appendGeometry := func(geometry orb.Geometry) {
		switch g := geometry.(type) {
		case orb.Polygon:
			polygons = append(polygons, g)
		case orb.MultiPolygon:
			polygons = append(polygons, g...)
		}
	}

	if fc, err := geojson.UnmarshalFeatureCollection(payload); err == nil {
		for _, feature := range fc.Features {
			appendGeometry(feature.Geometry)
		}
		return polygons, nil
	}
	if feature, err := geojson.UnmarshalFeature(payload); err == nil {
		appendGeometry(feature.Geometry)
		return polygons, nil
	}
	geometry, err := geojson.UnmarshalGeometry(payload)
	if err != nil {
		return nil, err
	}
	appendGeometry(geometry.Geometry())
	return polygons, nil
}

// embeddedCRS extracts a legacy GeoJSON "crs" member name, if present.
func embeddedCRS(payload []byte) string {
	var doc struct {
		CRS json.RawMessage `json:"crs"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil || len(doc.CRS) == 0 {
		return ""
	}
	var named struct {
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(doc.CRS, &named); err == nil && named.Properties.Name != "" {
		return normalizeCRSName(named.Properties.Name)
	}
	var plain string
	if err := json.Unmarshal(doc.CRS, &plain); err == nil {
		return normalizeCRSName(plain)
	}
	return ""
}

// normalizeCRSName maps OGC URN forms onto EPSG:code.
func normalizeCRSName(name string) string {
	lower := strings.ToLower(name)
	if rest, ok := strings.CutPrefix(lower, "urn:ogc:def:crs:epsg::"); ok {
		return "EPSG:" + rest
	}
	if lower == "urn:ogc:def:crs:ogc:1.3:crs84" {
		return geo.EPSG4326
	}
	return name
}

// Reproject returns a copy of the AOI transformed into dstCRS.
func (a *AOI) Reproject(dstCRS string) (*AOI, error) {
	if geo.SameCRS(a.CRS, dstCRS) {
		return a, nil
	}
	tr, err := geo.NewTransformer(a.CRS, dstCRS)
	if err != nil {
		return nil, err
	}
	projected := make([]orb.Polygon, len(a.Polygons))
	for i, polygon := range a.Polygons {
		out := make(orb.Polygon, len(polygon))
		for j, ring := range polygon {
			xs := make([]float64, len(ring))
			ys := make([]float64, len(ring))
			for k, point := range ring {
				xs[k], ys[k] = point[0], point[1]
			}
			if err := tr.Transform(xs, ys); err != nil {
				return nil, err
			}
			outRing := make(orb.Ring, len(ring))
			for k := range ring {
				outRing[k] = orb.Point{xs[k], ys[k]}
			}
			out[j] = outRing
		}
		projected[i] = out
	}
	return &AOI{Path: a.Path, Polygons: projected, CRS: dstCRS, CRSSource: a.CRSSource}, nil
}

// ApplyMask sets grid cells whose centers fall outside every AOI polygon
// to nodata. The grid must carry a nodata value.
func (a *AOI) ApplyMask(g *raster.Grid) error {
	if g.NoData == nil {
		return ErrInvalidInput.New("AOI mask requires a nodata value")
	}
	aoi, err := a.Reproject(g.CRS)
	if err != nil {
		return err
	}
	resX, resY := g.Res()
	nodata := float32(*g.NoData)
	for row := 0; row < g.Height; row++ {
		y := g.Bounds.MaxY - (float64(row)+0.5)*resY
		for col := 0; col < g.Width; col++ {
			x := g.Bounds.MinX + (float64(col)+0.5)*resX
			if !aoi.contains(orb.Point{x, y}) {
				g.Set(col, row, nodata)
			}
		}
	}
	return nil
}

func (a *AOI) contains(point orb.Point) bool {
	for _, polygon := range a.Polygons {
		if planar.PolygonContains(polygon, point) {
			return true
		}
	}
	return false
}
