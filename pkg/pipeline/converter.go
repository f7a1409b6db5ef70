// Package pipeline runs the image preparation flow: it reads a raw
// multi-channel TIFF, packs its channels into pyramidal GeoTIFF files and
// recompresses those with the external compressor.
package pipeline

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"loopyprep/internal/models"
	"loopyprep/pkg/compress"
	"loopyprep/pkg/config"
	"loopyprep/pkg/geotiff"
	"loopyprep/pkg/logger"
	"loopyprep/pkg/packer"
	"loopyprep/pkg/tiffio"
	"loopyprep/pkg/visualization"
)

// Params holds the conversion parameters
type Params struct {
	// TiffPath is the raw multi-channel input image
	TiffPath string

	// OutputDir receives the output files, named after the input
	OutputDir string

	// Quality is the JPEG quality used by the compressor, 1-100
	Quality int

	// Scale is the pixel size in meters
	Scale float64

	// CRS of the output files, as "EPSG:<code>"
	CRS string

	// OverviewFactors are the pyramid downsample factors
	OverviewFactors []int

	// TileSize is the GeoTIFF tile edge length
	TileSize int

	// NumCores bounds the number of concurrent compressor processes
	NumCores int

	// Compressor is the external compressor executable
	Compressor string

	// PreviewDir receives JPEG quicklooks of every channel when set
	PreviewDir string

	// PreviewSize bounds the longest side of a quicklook
	PreviewSize int
}

// DefaultPreviewSize is the quicklook size used when none is given
const DefaultPreviewSize = 512

// NewParams fills conversion parameters from the configuration
func NewParams(cfg *config.Config, tiffPath, outputDir string) *Params {
	return &Params{
		TiffPath:        tiffPath,
		OutputDir:       outputDir,
		Quality:         cfg.Compression.Quality,
		Scale:           cfg.Raster.Scale,
		CRS:             cfg.Raster.CRS,
		OverviewFactors: cfg.Processing.OverviewFactors,
		TileSize:        cfg.Processing.TileSize,
		NumCores:        cfg.Processing.NumCores,
		Compressor:      cfg.Compression.Binary,
		PreviewSize:     DefaultPreviewSize,
	}
}

// Converter turns one TIFF into viewer-ready GeoTIFF files.
//
// The conversion consists of four steps:
//  1. Validating the input and output paths
//  2. Reading the TIFF into a pixel array
//  3. Packing the channels into tiled intermediates with overviews, after
//     optional channel quicklooks
//  4. Recompressing the intermediates to JPEG tiles
type Converter struct {
	params *Params
	log    logger.ILogger

	// crs is the parsed output projection
	crs geotiff.CRS

	// image and isRGB are set once the input is read
	image *models.PixelArray
	isRGB bool
}

// NewConverter creates a converter for the given parameters
func NewConverter(params *Params, log logger.ILogger) *Converter {
	if log == nil {
		log = &logger.NullLogger{}
	}
	return &Converter{params: params, log: log}
}

// Stem returns the output path prefix, the output directory joined with the
// input file name without its extension
func (c *Converter) Stem() string {
	base := filepath.Base(c.params.TiffPath)
	return filepath.Join(c.params.OutputDir, strings.TrimSuffix(base, filepath.Ext(base)))
}

// Process runs the conversion and returns the final file paths
func (c *Converter) Process() ([]string, error) {
	// Step 1: Validate paths and parameters before anything is written
	c.log.Infof("Step 1: Validating %s and %s...", c.params.TiffPath, c.params.OutputDir)
	if err := c.validate(); err != nil {
		return nil, err
	}

	// Step 2: Read the input image
	c.log.Infof("Step 2: Reading %s...", c.params.TiffPath)
	if err := c.loadImage(); err != nil {
		return nil, errors.Wrap(err, "failed to read input")
	}

	if c.params.PreviewDir != "" {
		c.savePreviews()
	}

	// Step 3: Pack channels into intermediate GeoTIFF files
	c.log.Infof("Step 3: Packing channels into pyramidal GeoTIFF files...")
	intermediates, err := packer.Pack(c.image, c.Stem(), c.isRGB, packer.Options{
		Scale:           c.params.Scale,
		CRS:             c.crs,
		OverviewFactors: c.params.OverviewFactors,
		TileSize:        c.params.TileSize,
		Log:             c.log,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack channels")
	}

	// Step 4: Recompress with JPEG tiles
	c.log.Infof("Step 4: Compressing %d files...", len(intermediates))
	comp := compress.NewCompressor(c.params.Compressor, c.params.Quality, c.params.NumCores, c.log)
	finals, err := comp.Recompress(intermediates)
	if err != nil {
		return nil, err
	}

	c.log.Infof("Wrote %s", strings.Join(finals, ", "))
	return finals, nil
}

func (c *Converter) validate() error {
	info, err := os.Stat(c.params.TiffPath)
	if err != nil {
		return errors.Wrapf(models.ErrValidation, "input %s: %v", c.params.TiffPath, err)
	}
	if info.IsDir() {
		return errors.Wrapf(models.ErrValidation, "input %s is a directory", c.params.TiffPath)
	}

	info, err = os.Stat(c.params.OutputDir)
	if err != nil {
		return errors.Wrapf(models.ErrValidation, "output directory %s: %v", c.params.OutputDir, err)
	}
	if !info.IsDir() {
		return errors.Wrapf(models.ErrValidation, "output %s is not a directory", c.params.OutputDir)
	}

	if err := c.checkOutputs(); err != nil {
		return err
	}

	binary := c.params.Compressor
	if binary == "" {
		binary = compress.DefaultBinary
	}
	if _, err := exec.LookPath(binary); err != nil {
		return errors.Wrapf(models.ErrValidation, "compressor %s not found: %v", binary, err)
	}

	if c.params.Quality < 1 || c.params.Quality > 100 {
		return errors.Wrapf(models.ErrValidation, "jpeg quality %d must be within 1-100", c.params.Quality)
	}
	if !(c.params.Scale > 0) {
		return errors.Wrapf(models.ErrValidation, "scale %v must be positive", c.params.Scale)
	}
	crs, err := geotiff.ParseCRS(c.params.CRS)
	if err != nil {
		return err
	}
	c.crs = crs
	return nil
}

// checkOutputs rejects a run whose final or intermediate files would replace
// the input image
func (c *Converter) checkOutputs() error {
	input, err := os.Stat(c.params.TiffPath)
	if err != nil {
		return errors.Wrapf(models.ErrValidation, "input %s: %v", c.params.TiffPath, err)
	}
	stem := c.Stem()
	for _, suffix := range []string{"", "_1", "_2"} {
		for _, ext := range []string{".tif", packer.IntermediateExt} {
			path := stem + suffix + ext
			if info, err := os.Stat(path); err == nil && os.SameFile(input, info) {
				return errors.Wrapf(models.ErrValidation, "output %s would overwrite the input", path)
			}
		}
	}
	return nil
}

// loadImage reads the input and selects the channel layout. A single page
// with three interleaved RGB samples is kept as an rgb image; any other
// interleaved image is transposed to channel-first.
func (c *Converter) loadImage() error {
	img, err := tiffio.ReadFile(c.params.TiffPath)
	if err != nil {
		return err
	}

	arr := img.Array
	c.isRGB = img.IsRGB()
	if img.ChannelLast && !c.isRGB {
		if arr, err = arr.ToChannelFirst(); err != nil {
			return err
		}
	}
	c.image = arr

	z, h, w := arr.Dims(c.isRGB)
	mode := models.ModeFor(c.isRGB)
	c.log.Infof("Read %d channels of %dx%d %v (%s)", z, w, h, arr.DType, mode)
	if arr.DType != models.Uint8 {
		c.log.Infof("Warning: %v samples are written as is; JPEG compression expects 8-bit data", arr.DType)
	}
	return nil
}

// savePreviews writes channel quicklooks. Failures only produce a warning.
func (c *Converter) savePreviews() {
	c.log.Infof("Saving channel previews to %s...", c.params.PreviewDir)
	viewer, err := visualization.NewViewer(c.image, c.isRGB)
	if err != nil {
		c.log.Infof("Warning: Failed to create previews: %v", err)
		return
	}
	size := c.params.PreviewSize
	if size <= 0 {
		size = DefaultPreviewSize
	}
	name := filepath.Base(c.Stem())
	if _, err := viewer.SaveChannelSequence(c.params.PreviewDir, name, size, c.params.Quality); err != nil {
		c.log.Infof("Warning: Failed to save previews: %v", err)
	}
}

// IsRGB reports whether the last processed image was handled as rgb
func (c *Converter) IsRGB() bool {
	return c.isRGB
}
