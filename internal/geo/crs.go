// Package geo provides axis-order-safe CRS transforms on top of PROJ.
//
// PROJ honors authority axis order, which for geographic CRSes like
// EPSG:4326 is latitude first. Everything in this module speaks
// traditional GIS order (x=lon, y=lat), so coordinates are flipped at the
// PROJ boundary for geographic CRSes.
package geo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/twpayne/go-proj/v10"
	"github.com/zeebo/errs"
)

var (
	// Error is the error class for the geo package.
	Error = errs.Class("geo")
	// ErrUnsupportedTargetCRS is returned when a projected CRS is
	// requested as the tile grid target.
	ErrUnsupportedTargetCRS = errs.Class("unsupported target CRS")
)

// EPSG4326 is the canonical tile grid CRS.
const EPSG4326 = "EPSG:4326"

// geographicEPSG lists geographic CRS codes whose authority axis order is
// latitude-first and must be flipped at the PROJ boundary.
var geographicEPSG = map[int]bool{
	4258: true, // ETRS89
	4267: true, // NAD27
	4269: true, // NAD83
	4283: true, // GDA94
	4326: true, // WGS 84
	4617: true, // NAD83(CSRS)
}

// NormalizeCRS canonicalizes a CRS string like "epsg:4326" to "EPSG:4326".
func NormalizeCRS(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", Error.New("empty CRS")
	}
	code, err := epsgCode(trimmed)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("EPSG:%d", code), nil
}

// SameCRS reports whether two CRS strings denote the same EPSG code.
func SameCRS(a, b string) bool {
	codeA, errA := epsgCode(a)
	codeB, errB := epsgCode(b)
	return errA == nil && errB == nil && codeA == codeB
}

// EnsureGeographicTarget rejects projected target CRSes. The tile grid
// arithmetic is geographic-degrees only, so a projected target would
// silently produce wrong tiles.
func EnsureGeographicTarget(crs string) error {
	code, err := epsgCode(crs)
	if err != nil {
		return err
	}
	if code != 4326 {
		return ErrUnsupportedTargetCRS.New("%s: tile grids require EPSG:4326", crs)
	}
	return nil
}

func epsgCode(value string) (int, error) {
	lower := strings.ToLower(strings.TrimSpace(value))
	rest, ok := strings.CutPrefix(lower, "epsg:")
	if !ok {
		return 0, Error.New("unsupported CRS %q, expected EPSG:code", value)
	}
	code, err := strconv.Atoi(rest)
	if err != nil {
		return 0, Error.New("unsupported CRS %q, expected EPSG:code", value)
	}
	return code, nil
}

// A Transformer converts coordinates between two CRSes in traditional GIS
// axis order. It is not safe for concurrent use; each worker owns its own.
type Transformer struct {
	pj            *proj.PJ
	srcGeographic bool
	dstGeographic bool
}

// NewTransformer returns a transformer from src to dst CRS.
func NewTransformer(src, dst string) (*Transformer, error) {
	srcCode, err := epsgCode(src)
	if err != nil {
		return nil, err
	}
	dstCode, err := epsgCode(dst)
	if err != nil {
		return nil, err
	}
	pj, err := proj.NewCRSToCRS(fmt.Sprintf("epsg:%d", srcCode), fmt.Sprintf("epsg:%d", dstCode), nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Transformer{
		pj:            pj,
		srcGeographic: geographicEPSG[srcCode],
		dstGeographic: geographicEPSG[dstCode],
	}, nil
}

// Transform converts coordinates in place. xs and ys must have equal
// length and hold GIS-order coordinates.
func (t *Transformer) Transform(xs, ys []float64) error {
	if len(xs) != len(ys) {
		return Error.New("coordinate slice length mismatch")
	}
	flat := make([]float64, 2*len(xs))
	coords := make([][]float64, len(xs))
	for i := range xs {
		if t.srcGeographic {
			flat[2*i] = ys[i]
			flat[2*i+1] = xs[i]
		} else {
			flat[2*i] = xs[i]
			flat[2*i+1] = ys[i]
		}
		coords[i] = flat[2*i : 2*i+2]
	}
	if err := t.pj.ForwardFloat64Slices(coords); err != nil {
		return Error.Wrap(err)
	}
	for i := range xs {
		if t.dstGeographic {
			xs[i] = flat[2*i+1]
			ys[i] = flat[2*i]
		} else {
			xs[i] = flat[2*i]
			ys[i] = flat[2*i+1]
		}
	}
	return nil
}

// TransformPoint converts a single GIS-order coordinate.
func (t *Transformer) TransformPoint(x, y float64) (float64, float64, error) {
	xs := []float64{x}
	ys := []float64{y}
	if err := t.Transform(xs, ys); err != nil {
		return 0, 0, err
	}
	return xs[0], ys[0], nil
}

// TransformBounds converts a bounding box, densifying each edge with the
// given number of intermediate points so curved edges stay inside.
func TransformBounds(t *Transformer, minX, minY, maxX, maxY float64, densify int) (float64, float64, float64, float64, error) {
	steps := densify + 2
	var xs, ys []float64
	for i := 0; i < steps; i++ {
		x := minX + (maxX-minX)*float64(i)/float64(steps-1)
		xs = append(xs, x, x)
		ys = append(ys, minY, maxY)
	}
	for i := 0; i < steps; i++ {
		y := minY + (maxY-minY)*float64(i)/float64(steps-1)
		xs = append(xs, minX, maxX)
		ys = append(ys, y, y)
	}
	if err := t.Transform(xs, ys); err != nil {
		return 0, 0, 0, 0, err
	}
	outMinX, outMinY := xs[0], ys[0]
	outMaxX, outMaxY := xs[0], ys[0]
	for i := range xs {
		outMinX = min(outMinX, xs[i])
		outMaxX = max(outMaxX, xs[i])
		outMinY = min(outMinY, ys[i])
		outMaxY = max(outMaxY, ys[i])
	}
	return outMinX, outMinY, outMaxX, outMaxY, nil
}
