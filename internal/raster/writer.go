package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// Compression selects the GeoTIFF codec for written artifacts.
type Compression string

const (
	CompressionNone    Compression = "none"
	CompressionLZW     Compression = "lzw"
	CompressionDeflate Compression = "deflate"
)

// ParseCompression validates a compression name.
func ParseCompression(value string) (Compression, error) {
	switch strings.ToLower(value) {
	case "", "none":
		return CompressionNone, nil
	case "lzw":
		return CompressionLZW, nil
	case "deflate":
		return CompressionDeflate, nil
	default:
		return "", Error.New("unknown compression %q", value)
	}
}

// DType selects the sample encoding for written artifacts.
type DType string

const (
	DTypeFloat32 DType = "float32"
	DTypeInt16   DType = "int16"
)

// WriteOptions controls GeoTIFF encoding.
type WriteOptions struct {
	Compression Compression
	DType       DType
}

const writeRowsPerStrip = 256

// tiffTag is an entry written into the IFD.
type tiffTag struct {
	id       uint16
	typ      uint16
	count    uint32
	value    uint32 // inline value or offset
	deferred []byte // out-of-line payload, placed after the IFD
}

const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeDouble   = 12
)

// WriteGeoTIFF writes a grid as a single-band GeoTIFF. The file is
// written to a temporary sibling and renamed so concurrent readers never
// observe a partial artifact.
func WriteGeoTIFF(path string, g *Grid, opts WriteOptions) error {
	if g.Width <= 0 || g.Height <= 0 || len(g.Data) != g.Width*g.Height {
		return Error.New("invalid grid shape")
	}
	if opts.DType == "" {
		opts.DType = DTypeFloat32
	}
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	strips, err := encodeStrips(g, opts)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	// Header: little-endian classic TIFF, IFD offset patched below.
	body.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0})

	stripOffsets := make([]uint32, len(strips))
	stripByteCounts := make([]uint32, len(strips))
	for i, strip := range strips {
		if body.Len()%2 == 1 {
			body.WriteByte(0)
		}
		stripOffsets[i] = uint32(body.Len())
		stripByteCounts[i] = uint32(len(strip))
		body.Write(strip)
	}

	if body.Len()%2 == 1 {
		body.WriteByte(0)
	}
	ifdOffset := uint32(body.Len())
	binary.LittleEndian.PutUint32(body.Bytes()[4:8], ifdOffset)

	tags := buildTags(g, opts, stripOffsets, stripByteCounts)

	// IFD layout: count, entries, next offset, then deferred payloads.
	ifdSize := 2 + 12*len(tags) + 4
	deferredOffset := ifdOffset + uint32(ifdSize)
	var deferredData bytes.Buffer
	for i := range tags {
		if tags[i].deferred != nil {
			tags[i].value = deferredOffset + uint32(deferredData.Len())
			deferredData.Write(tags[i].deferred)
			if deferredData.Len()%2 == 1 {
				deferredData.WriteByte(0)
			}
		}
	}

	var ifd bytes.Buffer
	binary.Write(&ifd, binary.LittleEndian, uint16(len(tags)))
	for _, tag := range tags {
		binary.Write(&ifd, binary.LittleEndian, tag.id)
		binary.Write(&ifd, binary.LittleEndian, tag.typ)
		binary.Write(&ifd, binary.LittleEndian, tag.count)
		binary.Write(&ifd, binary.LittleEndian, tag.value)
	}
	binary.Write(&ifd, binary.LittleEndian, uint32(0)) // no next IFD

	body.Write(ifd.Bytes())
	body.Write(deferredData.Bytes())

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func encodeStrips(g *Grid, opts WriteOptions) ([][]byte, error) {
	bytesPerSample := 4
	if opts.DType == DTypeInt16 {
		bytesPerSample = 2
	}
	var strips [][]byte
	for row := 0; row < g.Height; row += writeRowsPerStrip {
		rows := min(writeRowsPerStrip, g.Height-row)
		count := rows * g.Width
		raw := make([]byte, count*bytesPerSample)
		for i := 0; i < count; i++ {
			value := g.Data[row*g.Width+i]
			if opts.DType == DTypeInt16 {
				binary.LittleEndian.PutUint16(raw[2*i:], uint16(int16(clampInt16(value))))
			} else {
				binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(value))
			}
		}
		encoded, err := compressStrip(raw, opts.Compression)
		if err != nil {
			return nil, err
		}
		strips = append(strips, encoded)
	}
	return strips, nil
}

func clampInt16(value float32) int32 {
	if math.IsNaN(float64(value)) {
		return math.MinInt16
	}
	rounded := int32(math.Round(float64(value)))
	if rounded < math.MinInt16 {
		return math.MinInt16
	}
	if rounded > math.MaxInt16 {
		return math.MaxInt16
	}
	return rounded
}

func compressStrip(raw []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return raw, nil
	case CompressionLZW:
		var buf bytes.Buffer
		w := lzw.NewWriter(&buf, lzw.MSB, 8)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionDeflate:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, Error.New("unknown compression %q", compression)
	}
}

func buildTags(g *Grid, opts WriteOptions, stripOffsets, stripByteCounts []uint32) []tiffTag {
	resX, resY := g.Res()

	bits := uint32(32)
	sampleFormat := uint32(sampleFormatFloat)
	if opts.DType == DTypeInt16 {
		bits = 16
		sampleFormat = sampleFormatInt
	}
	compression := uint32(compressionNone)
	switch opts.Compression {
	case CompressionLZW:
		compression = compressionLZW
	case CompressionDeflate:
		compression = compressionDeflate
	}

	tags := []tiffTag{
		{id: 256, typ: typeLong, count: 1, value: uint32(g.Width)},
		{id: 257, typ: typeLong, count: 1, value: uint32(g.Height)},
		{id: 258, typ: typeShort, count: 1, value: bits},
		{id: 259, typ: typeShort, count: 1, value: compression},
		{id: 262, typ: typeShort, count: 1, value: 1}, // BlackIsZero
		longArrayTag(273, stripOffsets),
		{id: 277, typ: typeShort, count: 1, value: 1},
		{id: 278, typ: typeLong, count: 1, value: writeRowsPerStrip},
		longArrayTag(279, stripByteCounts),
		{id: 284, typ: typeShort, count: 1, value: 1},
		{id: 339, typ: typeShort, count: 1, value: sampleFormat},
		doubleArrayTag(33550, []float64{resX, resY, 0}),
		doubleArrayTag(33922, []float64{0, 0, 0, g.Bounds.MinX, g.Bounds.MaxY, 0}),
	}

	if directory := geoKeyDirectory(g.CRS); directory != nil {
		tags = append(tags, shortArrayTag(34735, directory))
	}
	if g.NoData != nil {
		tags = append(tags, asciiTag(42113, formatGDALNoData(*g.NoData)))
	}
	return tags
}

func formatGDALNoData(nodata float64) string {
	if math.IsNaN(nodata) {
		return "nan"
	}
	return strconv.FormatFloat(nodata, 'g', -1, 64)
}

func geoKeyDirectory(crs string) []uint16 {
	var code int
	if _, err := fmt.Sscanf(strings.ToUpper(crs), "EPSG:%d", &code); err != nil || code <= 0 || code > math.MaxUint16 {
		return nil
	}
	keys := [][4]uint16{
		{uint16(geoKeyGTRasterType), 0, 1, 1}, // RasterPixelIsArea
	}
	if geographicEPSGCode(code) {
		keys = append(keys,
			[4]uint16{uint16(geoKeyGTModelType), 0, 1, modelTypeGeographic},
			[4]uint16{uint16(geoKeyGeodeticCRS), 0, 1, uint16(code)},
		)
	} else {
		keys = append(keys,
			[4]uint16{uint16(geoKeyGTModelType), 0, 1, modelTypeProjected},
			[4]uint16{uint16(geoKeyProjectedCRS), 0, 1, uint16(code)},
		)
	}
	directory := []uint16{1, 1, 0, uint16(len(keys))}
	for _, key := range keys {
		directory = append(directory, key[0], key[1], key[2], key[3])
	}
	return directory
}

// geographicEPSGCode mirrors the geo package's geographic code set for
// key directory emission.
func geographicEPSGCode(code int) bool {
	switch code {
	case 4258, 4267, 4269, 4283, 4326, 4617:
		return true
	default:
		return false
	}
}

func longArrayTag(id uint16, values []uint32) tiffTag {
	if len(values) == 1 {
		return tiffTag{id: id, typ: typeLong, count: 1, value: values[0]}
	}
	payload := make([]byte, 4*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint32(payload[4*i:], value)
	}
	return tiffTag{id: id, typ: typeLong, count: uint32(len(values)), deferred: payload}
}

func shortArrayTag(id uint16, values []uint16) tiffTag {
	if len(values) <= 2 {
		var inline uint32
		for i, value := range values {
			inline |= uint32(value) << (16 * i)
		}
		return tiffTag{id: id, typ: typeShort, count: uint32(len(values)), value: inline}
	}
	payload := make([]byte, 2*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint16(payload[2*i:], value)
	}
	return tiffTag{id: id, typ: typeShort, count: uint32(len(values)), deferred: payload}
}

func doubleArrayTag(id uint16, values []float64) tiffTag {
	payload := make([]byte, 8*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint64(payload[8*i:], math.Float64bits(value))
	}
	return tiffTag{id: id, typ: typeDouble, count: uint32(len(values)), deferred: payload}
}

func asciiTag(id uint16, value string) tiffTag {
	payload := append([]byte(value), 0)
	if len(payload) <= 4 {
		var inline uint32
		for i, b := range payload {
			inline |= uint32(b) << (8 * i)
		}
		return tiffTag{id: id, typ: typeASCII, count: uint32(len(payload)), value: inline}
	}
	return tiffTag{id: id, typ: typeASCII, count: uint32(len(payload)), deferred: payload}
}
