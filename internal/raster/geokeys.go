package raster

import "errors"

var errGeoKeyParse = errors.New("geokey parse error")

type geoKey uint16

const (
	geoKeyGTModelType  geoKey = 1024
	geoKeyGTRasterType geoKey = 1025
	geoKeyGeodeticCRS  geoKey = 2048
	geoKeyProjectedCRS geoKey = 3072
	geoKeyVerticalCRS  geoKey = 4096
)

const (
	modelTypeProjected  = 1
	modelTypeGeographic = 2
)

type parsedGeoKeys struct {
	params       map[geoKey]int
	doubleParams map[geoKey]float64
	asciiParams  map[geoKey]string
}

// parseGeoKeys decodes a GeoKeyDirectoryTag plus its double/ASCII
// parameter arrays.
func parseGeoKeys(directory []uint16, doubleParams []float64, asciiParams string) (*parsedGeoKeys, error) {
	if len(directory) < 4 {
		return nil, errGeoKeyParse
	}
	if keyDirectoryVersion := int(directory[0]); keyDirectoryVersion != 1 {
		return nil, errGeoKeyParse
	}
	if keyRevision := int(directory[1]); keyRevision != 1 {
		return nil, errGeoKeyParse
	}
	if minorRevision := int(directory[2]); minorRevision != 0 && minorRevision != 1 {
		return nil, errGeoKeyParse
	}
	numberOfKeys := int(directory[3])
	if len(directory) < 4+4*numberOfKeys {
		return nil, errGeoKeyParse
	}

	parsed := &parsedGeoKeys{
		params:       make(map[geoKey]int),
		doubleParams: make(map[geoKey]float64),
		asciiParams:  make(map[geoKey]string),
	}
	for i := range numberOfKeys {
		keyValues := directory[4+4*i : 4+4*(i+1)]
		key := geoKey(keyValues[0])
		tiffTagLocation := int(keyValues[1])
		numberOfValues := int(keyValues[2])
		switch tiffTagLocation {
		case 0:
			if numberOfValues != 1 {
				return nil, errGeoKeyParse
			}
			parsed.params[key] = int(keyValues[3])
		case 34736: // GeoDoubleParamsTag
			index := int(keyValues[3])
			if numberOfValues != 1 || index >= len(doubleParams) {
				return nil, errGeoKeyParse
			}
			parsed.doubleParams[key] = doubleParams[index]
		case 34737: // GeoASCIIParamsTag
			index := int(keyValues[3])
			if index+numberOfValues > len(asciiParams) {
				return nil, errGeoKeyParse
			}
			parsed.asciiParams[key] = asciiParams[index : index+numberOfValues]
		default:
			return nil, errors.ErrUnsupported
		}
	}
	return parsed, nil
}

// epsgCode returns the EPSG code of the raster CRS, geographic or
// projected depending on the model type key.
func (p *parsedGeoKeys) epsgCode() (int, bool) {
	modelType, ok := p.params[geoKeyGTModelType]
	if !ok {
		return 0, false
	}
	switch modelType {
	case modelTypeGeographic:
		code, ok := p.params[geoKeyGeodeticCRS]
		return code, ok
	case modelTypeProjected:
		code, ok := p.params[geoKeyProjectedCRS]
		return code, ok
	default:
		return 0, false
	}
}
