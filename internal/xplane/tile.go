package xplane

import (
	"fmt"
	"math"

	"github.com/zeebo/errs"

	"github.com/doublemover/kubolti/internal/geo"
)

// ErrInvalidTileName is returned when a tile name cannot be parsed.
var ErrInvalidTileName = errs.Class("invalid tile name")

// A Tile is a 1x1 degree cell identified by its south-west corner.
type Tile struct {
	Lat int
	Lon int
}

// ParseTile parses a +DD+DDD tile name.
func ParseTile(name string) (Tile, error) {
	if len(name) != 7 || !isSign(name[0]) || !isSign(name[3]) {
		return Tile{}, ErrInvalidTileName.New("%q", name)
	}
	lat, err := parseSigned(name[0:3])
	if err != nil {
		return Tile{}, ErrInvalidTileName.New("%q", name)
	}
	lon, err := parseSigned(name[3:7])
	if err != nil {
		return Tile{}, ErrInvalidTileName.New("%q", name)
	}
	if lat < -90 || lat > 89 || lon < -180 || lon > 179 {
		return Tile{}, ErrInvalidTileName.New("%q out of range", name)
	}
	return Tile{Lat: lat, Lon: lon}, nil
}

// MustParseTile parses a tile name, panicking on failure. For tests and
// compile-time constants only.
func MustParseTile(name string) Tile {
	tile, err := ParseTile(name)
	if err != nil {
		panic(err)
	}
	return tile
}

func isSign(b byte) bool {
	return b == '+' || b == '-'
}

func parseSigned(s string) (int, error) {
	value := 0
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid digit %q", r)
		}
		value = value*10 + int(r-'0')
	}
	if s[0] == '-' {
		value = -value
	}
	return value, nil
}

// Name returns the canonical +DD+DDD tile name.
func (t Tile) Name() string {
	return fmt.Sprintf("%+03d%+04d", t.Lat, t.Lon)
}

func (t Tile) String() string {
	return t.Name()
}

// Bounds returns the tile's bounding box in EPSG:4326 degrees.
func (t Tile) Bounds() geo.Bounds {
	return geo.Bounds{
		MinX: float64(t.Lon),
		MinY: float64(t.Lat),
		MaxX: float64(t.Lon + 1),
		MaxY: float64(t.Lat + 1),
	}
}

// Bucket returns the 10x10 degree bucket containing the tile. Floor
// division keeps negative coordinates in the correct south-west bucket.
func (t Tile) Bucket() Tile {
	return Tile{
		Lat: int(math.Floor(float64(t.Lat)/10)) * 10,
		Lon: int(math.Floor(float64(t.Lon)/10)) * 10,
	}
}

// HGTName returns the cardinal-letter tile name used by elevation files,
// e.g. N47E008.
func (t Tile) HGTName() string {
	latPrefix := "N"
	if t.Lat < 0 {
		latPrefix = "S"
	}
	lonPrefix := "E"
	if t.Lon < 0 {
		lonPrefix = "W"
	}
	return fmt.Sprintf("%s%02d%s%03d", latPrefix, abs(t.Lat), lonPrefix, abs(t.Lon))
}

func abs(value int) int {
	if value < 0 {
		return -value
	}
	return value
}

// TilesForBounds returns all tiles intersecting the bounds.
func TilesForBounds(bounds geo.Bounds) []Tile {
	startLat := int(math.Floor(bounds.MinY))
	endLat := int(math.Ceil(bounds.MaxY)) - 1
	startLon := int(math.Floor(bounds.MinX))
	endLon := int(math.Ceil(bounds.MaxX)) - 1
	var tiles []Tile
	for lat := startLat; lat <= endLat; lat++ {
		for lon := startLon; lon <= endLon; lon++ {
			tiles = append(tiles, Tile{Lat: lat, Lon: lon})
		}
	}
	return tiles
}
