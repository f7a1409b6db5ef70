// Package tiffio reads multi-channel TIFF files into pixel arrays and reports
// the TIFF and GeoTIFF structure of a file.
package tiffio

import (
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	"github.com/pkg/errors"

	"loopyprep/internal/models"
)

// Photometric interpretations
const (
	PhotometricMinIsWhite = 0
	PhotometricMinIsBlack = 1
	PhotometricRGB        = 2
)

const (
	planarChunky   = 1
	planarSeparate = 2

	predictorNone       = 1
	predictorHorizontal = 2

	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3

	// NewSubfileType bits
	SubfileReducedImage = 1
	SubfileMask         = 4
)

// ifd lists the tags loopyprep reads. Any tag not listed is ignored.
type ifd struct {
	NewSubfileType            uint64    `tiff:"field,tag=254"`
	ImageWidth                uint64    `tiff:"field,tag=256"`
	ImageLength               uint64    `tiff:"field,tag=257"`
	BitsPerSample             []uint16  `tiff:"field,tag=258"`
	Compression               uint16    `tiff:"field,tag=259"`
	PhotometricInterpretation uint16    `tiff:"field,tag=262"`
	StripOffsets              []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel           uint16    `tiff:"field,tag=277"`
	RowsPerStrip              uint64    `tiff:"field,tag=278"`
	StripByteCounts           []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration       uint16    `tiff:"field,tag=284"`
	Predictor                 uint16    `tiff:"field,tag=317"`
	TileWidth                 uint64    `tiff:"field,tag=322"`
	TileLength                uint64    `tiff:"field,tag=323"`
	TileOffsets               []uint64  `tiff:"field,tag=324"`
	TileByteCounts            []uint64  `tiff:"field,tag=325"`
	ExtraSamples              []uint16  `tiff:"field,tag=338"`
	SampleFormat              []uint16  `tiff:"field,tag=339"`
	ModelPixelScaleTag        []float64 `tiff:"field,tag=33550"`
	ModelTiePointTag          []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag    []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectoryTag        []uint16  `tiff:"field,tag=34735"`
	GeoAsciiParamsTag         string    `tiff:"field,tag=34737"`
	GDALMetaData              string    `tiff:"field,tag=42112"`
}

// Page describes one image file directory
type Page struct {
	Index       int
	Width       int
	Height      int
	Samples     int
	DType       models.DType
	Photometric uint16
	Compression uint16
	Planar      bool
	SubfileType uint64
	TileWidth   int
	TileHeight  int

	ExtraSamples   []uint16
	PixelScale     []float64
	Tiepoint       []float64
	Transformation []float64
	GeoKeys        []uint16
	GeoAscii       string
	GDALMetadata   string

	raw *ifd
}

// IsOverview reports whether the page is a reduced resolution copy or a mask
func (p *Page) IsOverview() bool {
	return p.SubfileType&(SubfileReducedImage|SubfileMask) != 0
}

// Tiled reports whether the page is organised in tiles rather than strips
func (p *Page) Tiled() bool {
	return p.TileWidth > 0
}

// DataOffsets returns the file offsets of the tiles, or of the strips of an
// untiled page
func (p *Page) DataOffsets() []uint64 {
	if p.Tiled() {
		return p.raw.TileOffsets
	}
	return p.raw.StripOffsets
}

// Image is a decoded TIFF image
type Image struct {
	// Array holds the pixels, (H,W,C) when ChannelLast else (C,H,W)
	Array *models.PixelArray

	// ChannelLast is set for single page chunky images with more than one sample
	ChannelLast bool

	// Photometric is the interpretation of the first page
	Photometric uint16
}

// IsRGB reports whether the image is a chunky 3-sample RGB image
func (img *Image) IsRGB() bool {
	return img.ChannelLast && img.Array.Shape[2] == 3 && img.Photometric == PhotometricRGB
}

// File is an open TIFF file
type File struct {
	f     *os.File
	r     io.ReaderAt
	order binary.ByteOrder
	size  int64
	pages []*Page
	dec   decoder
}

// Open parses the directory structure of a TIFF or BigTIFF file
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(models.ErrValidation, "open %s: %v", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	tif, err := tiff.Parse(f, nil, nil)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(models.ErrValidation, "parse %s: %v", path, err)
	}

	tf := &File{f: f, r: tif.R(), order: tif.R().ByteOrder(), size: info.Size()}
	for i, tifd := range tif.IFDs() {
		raw := &ifd{}
		if err := tiff.UnmarshalIFD(tifd, raw); err != nil {
			f.Close()
			return nil, errors.Wrapf(models.ErrValidation, "%s: directory %d: %v", path, i, err)
		}
		page, err := newPage(i, raw)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "%s: directory %d", path, i)
		}
		tf.pages = append(tf.pages, page)
	}

	if len(tf.pages) == 0 {
		f.Close()
		return nil, errors.Wrapf(models.ErrValidation, "%s has no image directories", path)
	}
	return tf, nil
}

func newPage(index int, raw *ifd) (*Page, error) {
	p := &Page{
		Index:          index,
		Width:          int(raw.ImageWidth),
		Height:         int(raw.ImageLength),
		Samples:        int(raw.SamplesPerPixel),
		Photometric:    raw.PhotometricInterpretation,
		Compression:    raw.Compression,
		Planar:         raw.PlanarConfiguration == planarSeparate,
		SubfileType:    raw.NewSubfileType,
		TileWidth:      int(raw.TileWidth),
		TileHeight:     int(raw.TileLength),
		ExtraSamples:   raw.ExtraSamples,
		PixelScale:     raw.ModelPixelScaleTag,
		Tiepoint:       raw.ModelTiePointTag,
		Transformation: raw.ModelTransformationTag,
		GeoKeys:        raw.GeoKeyDirectoryTag,
		GeoAscii:       strings.TrimRight(raw.GeoAsciiParamsTag, "\x00"),
		GDALMetadata:   strings.TrimRight(raw.GDALMetaData, "\x00"),
		raw:            raw,
	}
	if p.Samples == 0 {
		p.Samples = 1
	}
	if p.Compression == 0 {
		p.Compression = CompressionNone
	}
	if p.Width <= 0 || p.Height <= 0 {
		return nil, errors.Wrapf(models.ErrValidation, "invalid image size %dx%d", p.Width, p.Height)
	}

	dtype, err := sampleType(raw.BitsPerSample, raw.SampleFormat)
	if err != nil {
		return nil, err
	}
	p.DType = dtype
	return p, nil
}

func sampleType(bits []uint16, formats []uint16) (models.DType, error) {
	if len(bits) == 0 {
		bits = []uint16{1}
	}
	for _, b := range bits[1:] {
		if b != bits[0] {
			return models.InvalidDType, errors.Wrapf(models.ErrUnsupportedInput, "mixed bits per sample %v", bits)
		}
	}
	format := uint16(sampleFormatUint)
	if len(formats) > 0 {
		format = formats[0]
	}

	switch {
	case format == sampleFormatUint && bits[0] == 8:
		return models.Uint8, nil
	case format == sampleFormatUint && bits[0] == 16:
		return models.Uint16, nil
	case format == sampleFormatUint && bits[0] == 32:
		return models.Uint32, nil
	case format == sampleFormatInt && bits[0] == 8:
		return models.Int8, nil
	case format == sampleFormatInt && bits[0] == 16:
		return models.Int16, nil
	case format == sampleFormatInt && bits[0] == 32:
		return models.Int32, nil
	case format == sampleFormatFloat && bits[0] == 32:
		return models.Float32, nil
	case format == sampleFormatFloat && bits[0] == 64:
		return models.Float64, nil
	}
	return models.InvalidDType, errors.Wrapf(models.ErrUnsupportedInput, "%d-bit samples with format %d", bits[0], format)
}

// Pages returns every directory of the file, overviews included
func (tf *File) Pages() []*Page {
	return tf.pages
}

// Close releases the file
func (tf *File) Close() error {
	tf.dec.close()
	return tf.f.Close()
}

// ReadPage decodes a page into little-endian samples. Chunky pages come back
// interleaved (H,W,S); planar pages as S consecutive planes (S,H,W).
func (tf *File) ReadPage(p *Page) ([]byte, error) {
	if p.raw.Predictor != 0 && p.raw.Predictor != predictorNone && p.raw.Predictor != predictorHorizontal {
		return nil, errors.Wrapf(models.ErrUnsupportedInput, "predictor %d", p.raw.Predictor)
	}
	if p.raw.Predictor == predictorHorizontal && p.DType.IsFloat() {
		return nil, errors.Wrap(models.ErrUnsupportedInput, "horizontal predictor on floating point samples")
	}

	size := p.DType.Size()
	planes, spb := 1, p.Samples // samples per block element
	if p.Planar {
		planes, spb = p.Samples, 1
	}

	blockW, blockH := p.Width, p.Height
	offsets, counts := p.raw.StripOffsets, p.raw.StripByteCounts
	if p.Tiled() {
		blockW, blockH = p.TileWidth, p.TileHeight
		offsets, counts = p.raw.TileOffsets, p.raw.TileByteCounts
	} else if rps := int(p.raw.RowsPerStrip); rps > 0 && rps < p.Height {
		blockH = rps
	}
	if blockH <= 0 || blockW <= 0 {
		return nil, errors.Wrapf(models.ErrValidation, "invalid block size %dx%d", blockW, blockH)
	}

	across := (p.Width + blockW - 1) / blockW
	down := (p.Height + blockH - 1) / blockH
	perPlane := across * down
	if len(offsets) < perPlane*planes || len(counts) < perPlane*planes {
		return nil, errors.Wrapf(models.ErrValidation, "page %d has %d blocks, need %d", p.Index, len(offsets), perPlane*planes)
	}

	rowBytes := p.Width * spb * size
	planeBytes := p.Height * rowBytes
	out := make([]byte, planeBytes*planes)
	blockRowBytes := blockW * spb * size

	for plane := 0; plane < planes; plane++ {
		for by := 0; by < down; by++ {
			for bx := 0; bx < across; bx++ {
				idx := plane*perPlane + by*across + bx

				if offsets[idx] > uint64(tf.size) || counts[idx] > uint64(tf.size)-offsets[idx] {
					return nil, errors.Wrapf(models.ErrValidation, "block %d of page %d ends past the end of the file", idx, p.Index)
				}
				raw := make([]byte, counts[idx])
				if _, err := tf.r.ReadAt(raw, int64(offsets[idx])); err != nil && err != io.EOF {
					return nil, errors.Wrapf(err, "read block %d of page %d", idx, p.Index)
				}
				buf, err := tf.dec.decompress(p.Compression, raw)
				if err != nil {
					return nil, errors.Wrapf(err, "block %d of page %d", idx, p.Index)
				}

				rows := blockH
				if !p.Tiled() && (by+1)*blockH > p.Height {
					rows = p.Height - by*blockH
				}
				if len(buf) < rows*blockRowBytes {
					return nil, errors.Wrapf(models.ErrValidation, "block %d of page %d is short: %d < %d bytes",
						idx, p.Index, len(buf), rows*blockRowBytes)
				}
				buf = buf[:rows*blockRowBytes]

				if tf.order != binary.LittleEndian {
					swapBytes(buf, size)
				}
				if p.raw.Predictor == predictorHorizontal {
					undoHorizontalPredictor(buf, blockRowBytes, spb, size)
				}

				// copy the part of the block inside the image
				x0 := bx * blockW
				copyW := blockW
				if x0+copyW > p.Width {
					copyW = p.Width - x0
				}
				for r := 0; r < rows; r++ {
					y := by*blockH + r
					if y >= p.Height {
						break
					}
					dst := plane*planeBytes + y*rowBytes + x0*spb*size
					src := r * blockRowBytes
					copy(out[dst:dst+copyW*spb*size], buf[src:src+copyW*spb*size])
				}
			}
		}
	}
	return out, nil
}

// swapBytes reverses the byte order of every element in buf
func swapBytes(buf []byte, size int) {
	if size == 1 {
		return
	}
	for i := 0; i+size <= len(buf); i += size {
		for a, b := i, i+size-1; a < b; a, b = a+1, b-1 {
			buf[a], buf[b] = buf[b], buf[a]
		}
	}
}

// undoHorizontalPredictor reverses TIFF horizontal differencing on
// little-endian integer samples, one row at a time
func undoHorizontalPredictor(buf []byte, rowBytes, spb, size int) {
	stride := spb * size
	le := binary.LittleEndian
	for row := 0; row+rowBytes <= len(buf); row += rowBytes {
		for i := row + stride; i < row+rowBytes; i += size {
			switch size {
			case 1:
				buf[i] += buf[i-stride]
			case 2:
				le.PutUint16(buf[i:], le.Uint16(buf[i:])+le.Uint16(buf[i-stride:]))
			case 4:
				le.PutUint32(buf[i:], le.Uint32(buf[i:])+le.Uint32(buf[i-stride:]))
			case 8:
				le.PutUint64(buf[i:], le.Uint64(buf[i:])+le.Uint64(buf[i-stride:]))
			}
		}
	}
}

// ReadFile reads the full resolution image of a TIFF file. Several single
// sample pages of the same size are stacked as channels; a single page with
// several samples keeps its interleaving.
func ReadFile(path string) (*Image, error) {
	tf, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer tf.Close()

	var pages []*Page
	for _, p := range tf.pages {
		if !p.IsOverview() {
			pages = append(pages, p)
		}
	}
	if len(pages) == 0 {
		return nil, errors.Wrapf(models.ErrValidation, "%s has only reduced resolution pages", path)
	}

	first := pages[0]
	img := &Image{Photometric: first.Photometric}

	if len(pages) == 1 {
		data, err := tf.ReadPage(first)
		if err != nil {
			return nil, err
		}
		shape := [3]int{first.Samples, first.Height, first.Width}
		if first.Samples > 1 && !first.Planar {
			shape = [3]int{first.Height, first.Width, first.Samples}
			img.ChannelLast = true
		}
		img.Array = &models.PixelArray{Shape: shape, DType: first.DType, Data: data}
		return img, img.Array.Validate()
	}

	for _, p := range pages {
		if p.Samples != 1 {
			return nil, errors.Wrapf(models.ErrUnsupportedInput, "page %d of %s has %d samples per pixel; stacked pages must have one",
				p.Index, path, p.Samples)
		}
		if p.Width != first.Width || p.Height != first.Height || p.DType != first.DType {
			return nil, errors.Wrapf(models.ErrUnsupportedInput, "page %d of %s is %dx%d %v, first page is %dx%d %v",
				p.Index, path, p.Width, p.Height, p.DType, first.Width, first.Height, first.DType)
		}
	}

	arr, err := models.NewPixelArray([3]int{len(pages), first.Height, first.Width}, first.DType)
	if err != nil {
		return nil, err
	}
	planeBytes := first.Height * first.Width * first.DType.Size()
	for c, p := range pages {
		data, err := tf.ReadPage(p)
		if err != nil {
			return nil, err
		}
		copy(arr.Data[c*planeBytes:(c+1)*planeBytes], data)
	}
	img.Array = arr
	return img, nil
}

// Inspect returns the directory structure of a TIFF file without decoding pixels
func Inspect(path string) ([]*Page, error) {
	tf, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer tf.Close()
	return tf.pages, nil
}
