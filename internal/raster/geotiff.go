package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

var errShortRead = errors.New("short read")

// TIFF compression codes supported by the reader.
const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionOldDeflate = 32946
)

// TIFF sample formats.
const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// A Dataset is an open single-band GeoTIFF.
type Dataset struct {
	file      *os.File
	path      string
	byteOrder binary.ByteOrder

	width  int
	height int
	crs    string
	nodata *float64

	bitsPerSample int
	sampleFormat  int
	compression   int
	predictor     int

	tiled       bool
	blockWidth  int
	blockHeight int
	blocksX     int
	blocksY     int
	offsets     []uint64
	byteCounts  []uint64

	originX float64
	originY float64
	resX    float64
	resY    float64
}

// A geoTIFFIFD is a struct into which github.com/google/tiff can
// unmarshal an IFD.
type geoTIFFIFD struct {
	ImageWidth                uint32    `tiff:"field,tag=256"`
	ImageLength               uint32    `tiff:"field,tag=257"`
	BitsPerSample             uint16    `tiff:"field,tag=258"`
	Compression               uint16    `tiff:"field,tag=259"`
	PhotometricInterpretation uint16    `tiff:"field,tag=262"`
	StripOffsets              []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel           uint16    `tiff:"field,tag=277"`
	RowsPerStrip              uint32    `tiff:"field,tag=278"`
	StripByteCounts           []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration       uint16    `tiff:"field,tag=284"`
	Predictor                 uint16    `tiff:"field,tag=317"`
	TileWidth                 uint32    `tiff:"field,tag=322"`
	TileLength                uint32    `tiff:"field,tag=323"`
	TileOffsets               []uint64  `tiff:"field,tag=324"`
	TileByteCounts            []uint64  `tiff:"field,tag=325"`
	SampleFormat              uint16    `tiff:"field,tag=339"`
	ModelPixelScaleTag        []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag          []float64 `tiff:"field,tag=33922"`
	GeoKeyDirectoryTag        []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag        []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag         string    `tiff:"field,tag=34737"`
	GDALNoData                string    `tiff:"field,tag=42113"`
}

// OpenDataset opens a GeoTIFF for windowed reads.
func OpenDataset(path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = file.Close()
		}
	}()

	tiffTIFF, err := tiff.Parse(file, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, Error.New("%s: %v", path, err)
	}
	if len(tiffTIFF.IFDs()) < 1 {
		return nil, Error.New("%s: no IFDs", path)
	}
	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, Error.New("%s: %v", path, err)
	}

	d := &Dataset{
		file:      file,
		path:      path,
		byteOrder: binary.LittleEndian,
	}
	if tiffTIFF.Order() == "MM" {
		d.byteOrder = binary.BigEndian
	}

	if ifd.SamplesPerPixel > 1 || (ifd.PlanarConfiguration != 0 && ifd.PlanarConfiguration != 1) {
		return nil, Error.New("%s: only single-band rasters are supported", path)
	}
	switch ifd.Compression {
	case 0, compressionNone, compressionLZW, compressionDeflate, compressionOldDeflate:
	default:
		return nil, Error.New("%s: unsupported compression %d", path, ifd.Compression)
	}
	d.compression = int(ifd.Compression)
	if d.compression == 0 {
		d.compression = compressionNone
	}
	d.predictor = int(ifd.Predictor)
	if d.predictor == 0 {
		d.predictor = 1
	}
	if d.predictor != 1 {
		return nil, Error.New("%s: unsupported predictor %d", path, d.predictor)
	}

	d.sampleFormat = int(ifd.SampleFormat)
	if d.sampleFormat == 0 {
		d.sampleFormat = sampleFormatUint
	}
	d.bitsPerSample = int(ifd.BitsPerSample)
	switch {
	case d.sampleFormat == sampleFormatFloat && (d.bitsPerSample == 32 || d.bitsPerSample == 64):
	case d.sampleFormat == sampleFormatInt && (d.bitsPerSample == 16 || d.bitsPerSample == 32):
	case d.sampleFormat == sampleFormatUint && (d.bitsPerSample == 8 || d.bitsPerSample == 16):
	default:
		return nil, Error.New("%s: unsupported sample format %d/%d bits", path, d.sampleFormat, d.bitsPerSample)
	}

	d.width = int(ifd.ImageWidth)
	d.height = int(ifd.ImageLength)
	if d.width <= 0 || d.height <= 0 {
		return nil, Error.New("%s: empty raster", path)
	}

	if len(ifd.TileOffsets) > 0 {
		d.tiled = true
		d.blockWidth = int(ifd.TileWidth)
		d.blockHeight = int(ifd.TileLength)
		d.offsets = ifd.TileOffsets
		d.byteCounts = ifd.TileByteCounts
	} else {
		d.blockWidth = d.width
		d.blockHeight = int(ifd.RowsPerStrip)
		if d.blockHeight <= 0 || d.blockHeight > d.height {
			d.blockHeight = d.height
		}
		d.offsets = ifd.StripOffsets
		d.byteCounts = ifd.StripByteCounts
	}
	if d.blockWidth <= 0 || d.blockHeight <= 0 {
		return nil, Error.New("%s: invalid block shape", path)
	}
	d.blocksX = (d.width + d.blockWidth - 1) / d.blockWidth
	d.blocksY = (d.height + d.blockHeight - 1) / d.blockHeight
	if len(d.offsets) < d.blocksX*d.blocksY || len(d.byteCounts) < d.blocksX*d.blocksY {
		return nil, Error.New("%s: incorrect number of block offsets or byte counts", path)
	}

	if len(ifd.ModelPixelScaleTag) < 2 || len(ifd.ModelTiepointTag) < 6 {
		return nil, Error.New("%s: missing georeferencing tags", path)
	}
	d.resX = ifd.ModelPixelScaleTag[0]
	d.resY = ifd.ModelPixelScaleTag[1]
	if d.resX <= 0 || d.resY <= 0 {
		return nil, Error.New("%s: invalid pixel scale", path)
	}
	// Tiepoint maps raster (i,j) to model (x,y); only the common case of
	// an upper-left (0,0) tiepoint is supported.
	i, j := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]
	x, y := ifd.ModelTiepointTag[3], ifd.ModelTiepointTag[4]
	d.originX = x - i*d.resX
	d.originY = y + j*d.resY

	if len(ifd.GeoKeyDirectoryTag) > 0 {
		parsed, err := parseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, ifd.GeoASCIIParamsTag)
		if err == nil {
			if code, ok := parsed.epsgCode(); ok {
				d.crs = fmt.Sprintf("EPSG:%d", code)
			}
		}
	}

	if nodata, ok := parseGDALNoData(ifd.GDALNoData); ok {
		d.nodata = &nodata
	}

	ok = true
	return d, nil
}

func parseGDALNoData(value string) (float64, bool) {
	trimmed := strings.TrimRight(strings.TrimSpace(value), "\x00")
	if trimmed == "" {
		return 0, false
	}
	if strings.EqualFold(trimmed, "nan") {
		return math.NaN(), true
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// Close closes the underlying file.
func (d *Dataset) Close() error {
	return d.file.Close()
}

// Path returns the file path the dataset was opened from.
func (d *Dataset) Path() string { return d.path }

// Size returns the raster dimensions in pixels.
func (d *Dataset) Size() (int, int) { return d.width, d.height }

// CRS returns the raster CRS as an EPSG string, or "" when unknown.
func (d *Dataset) CRS() string { return d.crs }

// NoData returns the declared nodata value, or nil.
func (d *Dataset) NoData() *float64 { return d.nodata }

// Res returns the pixel size in CRS units; the y resolution is positive.
func (d *Dataset) Res() (float64, float64) { return d.resX, d.resY }

// DType returns a GDAL-style dtype string for the stored samples.
func (d *Dataset) DType() string {
	switch {
	case d.sampleFormat == sampleFormatFloat && d.bitsPerSample == 64:
		return "float64"
	case d.sampleFormat == sampleFormatFloat:
		return "float32"
	case d.sampleFormat == sampleFormatInt && d.bitsPerSample == 32:
		return "int32"
	case d.sampleFormat == sampleFormatInt:
		return "int16"
	case d.bitsPerSample == 8:
		return "uint8"
	default:
		return "uint16"
	}
}

// GeoBounds returns the raster extent in its own CRS.
func (d *Dataset) GeoBounds() (minX, minY, maxX, maxY float64) {
	return d.originX,
		d.originY - d.resY*float64(d.height),
		d.originX + d.resX*float64(d.width),
		d.originY
}

// PixelOf returns the pixel containing the model coordinate.
func (d *Dataset) PixelOf(x, y float64) (col, row int) {
	return int(math.Floor((x - d.originX) / d.resX)),
		int(math.Floor((d.originY - y) / d.resY))
}

// readBlock reads and decodes one block into float32 samples.
func (d *Dataset) readBlock(bx, by int) ([]float32, error) {
	index := by*d.blocksX + bx
	count := d.byteCounts[index]
	compressed := make([]byte, count)
	switch n, err := d.file.ReadAt(compressed, int64(d.offsets[index])); {
	case err != nil && !errors.Is(err, io.EOF):
		return nil, err
	case uint64(n) != count:
		return nil, errShortRead
	}

	blockSamples := d.blockWidth * d.blockHeight
	if !d.tiled {
		// The final strip may be short.
		rows := d.height - by*d.blockHeight
		if rows > d.blockHeight {
			rows = d.blockHeight
		}
		blockSamples = d.blockWidth * rows
	}
	raw, err := d.decompress(compressed, blockSamples*d.bitsPerSample/8)
	if err != nil {
		return nil, err
	}
	return d.decodeSamples(raw, blockSamples), nil
}

func (d *Dataset) decompress(compressed []byte, uncompressedSize int) ([]byte, error) {
	switch d.compression {
	case compressionNone:
		return compressed, nil
	case compressionLZW:
		raw := make([]byte, uncompressedSize)
		r := lzw.NewReader(bytes.NewReader(compressed), lzw.MSB, 8)
		defer r.Close()
		for bytesRead := 0; bytesRead < uncompressedSize; {
			n, err := r.Read(raw[bytesRead:])
			if n == 0 && err != nil {
				return nil, err
			}
			bytesRead += n
		}
		return raw, nil
	case compressionDeflate, compressionOldDeflate:
		r, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		raw := make([]byte, uncompressedSize)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		return raw, nil
	default:
		return nil, Error.New("unsupported compression %d", d.compression)
	}
}

func (d *Dataset) decodeSamples(raw []byte, count int) []float32 {
	samples := make([]float32, count)
	switch {
	case d.sampleFormat == sampleFormatFloat && d.bitsPerSample == 32:
		for i := range count {
			samples[i] = math.Float32frombits(d.byteOrder.Uint32(raw[4*i : 4*i+4]))
		}
	case d.sampleFormat == sampleFormatFloat && d.bitsPerSample == 64:
		for i := range count {
			samples[i] = float32(math.Float64frombits(d.byteOrder.Uint64(raw[8*i : 8*i+8])))
		}
	case d.sampleFormat == sampleFormatInt && d.bitsPerSample == 16:
		for i := range count {
			samples[i] = float32(int16(d.byteOrder.Uint16(raw[2*i : 2*i+2])))
		}
	case d.sampleFormat == sampleFormatInt && d.bitsPerSample == 32:
		for i := range count {
			samples[i] = float32(int32(d.byteOrder.Uint32(raw[4*i : 4*i+4])))
		}
	case d.bitsPerSample == 8:
		for i := range count {
			samples[i] = float32(raw[i])
		}
	default:
		for i := range count {
			samples[i] = float32(d.byteOrder.Uint16(raw[2*i : 2*i+2]))
		}
	}
	return samples
}

// ReadWindow reads a pixel window into a float32 buffer. Pixels outside
// the raster are filled with the dataset nodata (or NaN when none).
func (d *Dataset) ReadWindow(x0, y0, width, height int) ([]float32, error) {
	fill := float32(math.NaN())
	if d.nodata != nil {
		fill = float32(*d.nodata)
	}
	out := make([]float32, width*height)
	for i := range out {
		out[i] = fill
	}

	clipX0 := max(x0, 0)
	clipY0 := max(y0, 0)
	clipX1 := min(x0+width, d.width)
	clipY1 := min(y0+height, d.height)
	if clipX0 >= clipX1 || clipY0 >= clipY1 {
		return out, nil
	}

	for by := clipY0 / d.blockHeight; by <= (clipY1-1)/d.blockHeight; by++ {
		for bx := clipX0 / d.blockWidth; bx <= (clipX1-1)/d.blockWidth; bx++ {
			block, err := d.readBlock(bx, by)
			if err != nil {
				return nil, err
			}
			blockX0 := bx * d.blockWidth
			blockY0 := by * d.blockHeight
			blockRows := len(block) / d.blockWidth
			for row := max(clipY0, blockY0); row < min(clipY1, blockY0+blockRows); row++ {
				for col := max(clipX0, blockX0); col < min(clipX1, blockX0+d.blockWidth); col++ {
					out[(row-y0)*width+(col-x0)] = block[(row-blockY0)*d.blockWidth+(col-blockX0)]
				}
			}
		}
	}
	return out, nil
}

// ReadGrid reads the entire raster into a Grid.
func (d *Dataset) ReadGrid() (*Grid, error) {
	data, err := d.ReadWindow(0, 0, d.width, d.height)
	if err != nil {
		return nil, err
	}
	minX, minY, maxX, maxY := d.GeoBounds()
	return &Grid{
		Data:   data,
		Width:  d.width,
		Height: d.height,
		Bounds: boundsOf(minX, minY, maxX, maxY),
		CRS:    d.crs,
		NoData: d.nodata,
	}, nil
}

// BlockCoverage computes coverage statistics block by block without
// holding the full raster in memory.
func (d *Dataset) BlockCoverage(nodataOverride *float64) (Coverage, error) {
	nodata := d.nodata
	if nodataOverride != nil {
		nodata = nodataOverride
	}
	total := d.width * d.height
	if total == 0 {
		return Coverage{ValidRatio: 1}, nil
	}
	nodataPixels := 0
	for by := 0; by < d.blocksY; by++ {
		for bx := 0; bx < d.blocksX; bx++ {
			block, err := d.readBlock(bx, by)
			if err != nil {
				return Coverage{}, err
			}
			// Clip padded tile columns/rows so padding never counts.
			blockX0 := bx * d.blockWidth
			blockY0 := by * d.blockHeight
			blockRows := len(block) / d.blockWidth
			for row := 0; row < blockRows && blockY0+row < d.height; row++ {
				rowData := block[row*d.blockWidth : (row+1)*d.blockWidth]
				limit := min(d.blockWidth, d.width-blockX0)
				nodataPixels += CountNoData(rowData[:limit], nodata)
			}
		}
	}
	return Coverage{
		TotalPixels:  total,
		NoDataPixels: nodataPixels,
		ValidRatio:   float64(total-nodataPixels) / float64(total),
	}, nil
}
