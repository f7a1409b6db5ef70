// Package geotiff writes tiled, multi-band GeoTIFF files with internal
// nearest-neighbour overviews.
//
// A Dataset is filled band by band and serialised on Close through cogger,
// which places the directories ahead of the tile data. Pixel data is stored
// uncompressed in pixel-interleaved tiles so that an external tool can
// recompress it while copying the overviews as they are.
package geotiff

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"os"
	"sort"

	"github.com/airbusgeo/cogger"
	"github.com/pkg/errors"

	"loopyprep/internal/models"
)

// Photometric is the colour interpretation of a dataset
type Photometric uint16

const (
	MinIsBlack Photometric = 1
	RGB        Photometric = 2
)

// Affine maps pixel (col,row) to model (x,y):
//
//	x = a*col + b*row + c
//	y = d*col + e*row + f
type Affine [6]float64

// ScaleTransform is a north-up transform with square pixels of the given
// size anchored at the model origin
func ScaleTransform(scale float64) Affine {
	return Affine{scale, 0, 0, 0, -scale, 0}
}

// Rotated reports whether the transform has shear or rotation terms
func (t Affine) Rotated() bool {
	return t[1] != 0 || t[3] != 0
}

// Options describe the dataset to create
type Options struct {
	Width       int
	Height      int
	Bands       int
	DType       models.DType
	Photometric Photometric
	Transform   Affine
	CRS         CRS
	TileSize    int
}

func (o Options) validate() error {
	if o.Width <= 0 || o.Height <= 0 {
		return errors.Wrapf(models.ErrValidation, "invalid raster size %dx%d", o.Width, o.Height)
	}
	if o.Bands < 1 || o.Bands > math.MaxUint16 {
		return errors.Wrapf(models.ErrValidation, "invalid band count %d", o.Bands)
	}
	if !o.DType.Valid() {
		return errors.Wrapf(models.ErrValidation, "invalid data type %v", o.DType)
	}
	if o.TileSize <= 0 || o.TileSize%16 != 0 || o.TileSize > math.MaxUint16 {
		return errors.Wrapf(models.ErrValidation, "tile size %d must be a positive multiple of 16", o.TileSize)
	}
	switch o.Photometric {
	case MinIsBlack:
	case RGB:
		if o.Bands < 3 {
			return errors.Wrapf(models.ErrValidation, "rgb photometric needs 3 bands, got %d", o.Bands)
		}
	default:
		return errors.Wrapf(models.ErrValidation, "unsupported photometric %d", o.Photometric)
	}
	if o.CRS.Code <= 0 {
		return errors.Wrap(models.ErrValidation, "crs is not set")
	}
	for _, v := range o.Transform {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(models.ErrValidation, "transform %v is not finite", o.Transform)
		}
	}
	if o.Transform[0] == 0 && o.Transform[1] == 0 || o.Transform[3] == 0 && o.Transform[4] == 0 {
		return errors.Wrapf(models.ErrValidation, "transform %v is degenerate", o.Transform)
	}
	return nil
}

// level is one resolution of the pyramid
type level struct {
	factor int
	width  int
	height int
	planes [][]byte
}

// Dataset is a GeoTIFF being written
type Dataset struct {
	path    string
	opts    Options
	f       *os.File
	full    level
	written int
	ovr     []level
	closed  bool
}

// Create opens path for writing, truncating any existing file
func Create(path string, opts Options) (*Dataset, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	return &Dataset{
		path: path,
		opts: opts,
		f:    f,
		full: level{factor: 1, width: opts.Width, height: opts.Height, planes: make([][]byte, opts.Bands)},
	}, nil
}

// WriteBand stores the samples of band, numbered from 1. Bands must be
// written in order and plane must hold Width*Height little-endian samples.
// The dataset keeps plane until Close, so it must not change before then.
func (d *Dataset) WriteBand(band int, plane []byte) error {
	if d.closed {
		return errors.Errorf("%s is closed", d.path)
	}
	if band != d.written+1 {
		return errors.Wrapf(models.ErrValidation, "%s: band %d written out of order, expected band %d",
			d.path, band, d.written+1)
	}
	want := d.opts.Width * d.opts.Height * d.opts.DType.Size()
	if len(plane) != want {
		return errors.Wrapf(models.ErrValidation, "%s: band %d has %d bytes, expected %d", d.path, band, len(plane), want)
	}
	d.full.planes[band-1] = plane
	d.written++
	return nil
}

// BuildOverviews computes one reduced resolution level per factor from the
// full resolution bands. Levels come out from largest to smallest; a factor
// that yields the same size as the previous level is dropped.
func (d *Dataset) BuildOverviews(factors []int, resampling Resampling) error {
	if d.closed {
		return errors.Errorf("%s is closed", d.path)
	}
	if resampling != Nearest {
		return errors.Wrapf(models.ErrValidation, "unsupported resampling %v", resampling)
	}
	if d.written != d.opts.Bands {
		return errors.Wrapf(models.ErrValidation, "%s: overviews need all %d bands, %d written",
			d.path, d.opts.Bands, d.written)
	}
	for _, f := range factors {
		if f < 2 {
			return errors.Wrapf(models.ErrValidation, "overview factor %d must be at least 2", f)
		}
	}
	sorted := append([]int(nil), factors...)
	sort.Ints(sorted)

	size := d.opts.DType.Size()
	d.ovr = d.ovr[:0]
	prevW, prevH := d.opts.Width, d.opts.Height
	for _, f := range sorted {
		w, h := overviewSize(d.opts.Width, d.opts.Height, f)
		if w == prevW && h == prevH {
			continue
		}
		prevW, prevH = w, h
		lvl := level{factor: f, width: w, height: h, planes: make([][]byte, d.opts.Bands)}
		for b, plane := range d.full.planes {
			lvl.planes[b] = downsampleNearest(plane, d.opts.Width, d.opts.Height, size, w, h)
		}
		d.ovr = append(d.ovr, lvl)
	}
	return nil
}

// Close serialises the dataset. An incomplete dataset is removed from disk.
func (d *Dataset) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if d.written != d.opts.Bands {
		d.f.Close()
		os.Remove(d.path)
		return errors.Wrapf(models.ErrValidation, "%s: only %d of %d bands written", d.path, d.written, d.opts.Bands)
	}

	err := d.write()
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(d.path)
		return errors.Wrapf(err, "write %s", d.path)
	}
	return nil
}

func (d *Dataset) tileBytes() int {
	return d.opts.TileSize * d.opts.TileSize * d.opts.Bands * d.opts.DType.Size()
}

func (d *Dataset) tileGrid(l level) (int, int) {
	ts := d.opts.TileSize
	return (l.width + ts - 1) / ts, (l.height + ts - 1) / ts
}

// directory describes one level as a cogger IFD whose tiles are filled on
// demand from the level planes
func (d *Dataset) directory(l level) *cogger.IFD {
	o := d.opts
	bits := make([]uint16, o.Bands)
	formats := make([]uint16, o.Bands)
	for i := range bits {
		bits[i] = uint16(8 * o.DType.Size())
		formats[i] = sampleFormat(o.DType)
	}

	across, down := d.tileGrid(l)
	counts := make([]uint64, across*down)
	for i := range counts {
		counts[i] = uint64(d.tileBytes())
	}

	ifd := &cogger.IFD{
		ImageWidth:                uint64(l.width),
		ImageHeight:               uint64(l.height),
		BitsPerSample:             bits,
		Compression:               1,
		PhotometricInterpretation: uint16(o.Photometric),
		SamplesPerPixel:           uint16(o.Bands),
		PlanarConfiguration:       1,
		TileWidth:                 uint16(o.TileSize),
		TileHeight:                uint16(o.TileSize),
		TileByteCounts:            counts,
		SampleFormat:              formats,
		LoadTile: func(idx int, data []byte) error {
			d.fillTile(data, l, idx%across, idx/across)
			return nil
		},
	}

	colour := 1
	if o.Photometric == RGB {
		colour = 3
	}
	if extra := o.Bands - colour; extra > 0 {
		ifd.ExtraSamples = make([]uint16, extra)
	}
	return ifd
}

// georeference adds the model and projection tags of the full resolution
// directory
func (d *Dataset) georeference(ifd *cogger.IFD) {
	t := d.opts.Transform
	if t.Rotated() {
		ifd.ModelTransformationTag = []float64{
			t[0], t[1], 0, t[2],
			t[3], t[4], 0, t[5],
			0, 0, 0, 0,
			0, 0, 0, 1,
		}
	} else {
		ifd.ModelPixelScaleTag = []float64{t[0], -t[4], 0}
		ifd.ModelTiePointTag = []float64{0, 0, 0, t[2], t[5], 0}
	}
	ifd.GeoKeyDirectoryTag, ifd.GeoAsciiParamsTag = d.opts.CRS.geoKeys()
}

func sampleFormat(dtype models.DType) uint16 {
	switch {
	case dtype.IsFloat():
		return 3
	case dtype.IsSigned():
		return 2
	}
	return 1
}

// metadata holds per-band statistics, taken from the first overview when
// one exists
func (d *Dataset) metadata() (string, error) {
	src, approximate := d.full, false
	if len(d.ovr) > 0 {
		src, approximate = d.ovr[0], true
	}
	stats := make(map[int]BandStats)
	for b, plane := range src.planes {
		if s, ok := computeStats(plane, d.opts.DType, approximate); ok {
			stats[b] = s
		}
	}
	if len(stats) == 0 {
		return "", nil
	}
	return encodeStats(stats)
}

// write lays out the directories ahead of the tile data. cogger switches to
// BigTIFF by itself once offsets no longer fit 32 bits.
func (d *Dataset) write() error {
	ifd := d.directory(d.full)
	d.georeference(ifd)
	meta, err := d.metadata()
	if err != nil {
		return err
	}
	ifd.GDALMetaData = meta

	for _, l := range d.ovr {
		if err := ifd.AddOverview(d.directory(l)); err != nil {
			return errors.Wrapf(err, "overview at factor %d", l.factor)
		}
	}

	// cogger panics when a directory write fails, so the header is
	// assembled in memory and only the tile data streams to disk
	var head bytes.Buffer
	w := bufio.NewWriterSize(d.f, 1<<20)
	data := &afterHeader{head: &head, w: w}
	if err := cogger.DefaultConfig().RewriteIFDTreeSplitted(ifd, &head, data); err != nil {
		return err
	}
	if err := data.flushHead(); err != nil {
		return err
	}
	return w.Flush()
}

// afterHeader writes the pending header before the first tile
type afterHeader struct {
	head *bytes.Buffer
	w    io.Writer
}

func (a *afterHeader) flushHead() error {
	if a.head.Len() == 0 {
		return nil
	}
	_, err := a.w.Write(a.head.Bytes())
	a.head.Reset()
	return err
}

func (a *afterHeader) Write(p []byte) (int, error) {
	if err := a.flushHead(); err != nil {
		return 0, err
	}
	return a.w.Write(p)
}

// fillTile interleaves the bands of one tile, zero padding past the edges
func (d *Dataset) fillTile(tile []byte, l level, tx, ty int) {
	for i := range tile {
		tile[i] = 0
	}
	ts := d.opts.TileSize
	size := d.opts.DType.Size()
	pixel := d.opts.Bands * size

	for r := 0; r < ts; r++ {
		y := ty*ts + r
		if y >= l.height {
			break
		}
		for c := 0; c < ts; c++ {
			x := tx*ts + c
			if x >= l.width {
				break
			}
			dst := (r*ts + c) * pixel
			src := (y*l.width + x) * size
			for b, plane := range l.planes {
				copy(tile[dst+b*size:dst+(b+1)*size], plane[src:src+size])
			}
		}
	}
}

// TransformFromTags rebuilds the affine transform from GeoTIFF model tags
func TransformFromTags(pixelScale, tiepoint, transformation []float64) (Affine, bool) {
	if len(transformation) >= 16 {
		m := transformation
		return Affine{m[0], m[1], m[3], m[4], m[5], m[7]}, true
	}
	if len(pixelScale) >= 2 && len(tiepoint) >= 6 {
		sx, sy := pixelScale[0], pixelScale[1]
		i, j := tiepoint[0], tiepoint[1]
		x, y := tiepoint[3], tiepoint[4]
		return Affine{sx, 0, x - i*sx, 0, -sy, y + j*sy}, true
	}
	return Affine{}, false
}
