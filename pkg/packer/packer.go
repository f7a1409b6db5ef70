// Package packer splits a multi-channel pixel array into one or two tiled
// GeoTIFF files with overview pyramids, ready for recompression.
package packer

import (
	"os"

	"github.com/pkg/errors"

	"loopyprep/internal/models"
	"loopyprep/pkg/geotiff"
	"loopyprep/pkg/logger"
)

const (
	// MaxChannels is the largest channel count that fits in the two output files
	MaxChannels = 6

	// IntermediateExt marks files that still await recompression
	IntermediateExt = ".tif_"
)

// Options holds the georeferencing and layout of the written files
type Options struct {
	// Scale is the pixel size in model units
	Scale float64

	// CRS of the written files
	CRS geotiff.CRS

	// OverviewFactors are the pyramid downsample factors
	OverviewFactors []int

	// TileSize is the tile edge length, a multiple of 16
	TileSize int

	// Log receives progress messages; nil discards them
	Log logger.ILogger
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		Scale:           models.DefaultMPerPx,
		CRS:             geotiff.CRS{Code: 32648},
		OverviewFactors: []int{4, 8, 16, 32, 64},
		TileSize:        256,
	}
}

// group is one output file: its name suffix, band count and first channel
type group struct {
	suffix string
	bands  int
	first  int
}

// groups partitions z channels over the output files. Up to three channels
// fit in a single 3-band file; four to six go to a 3-band and a 4-band file.
func groups(z int) []group {
	if z < 4 {
		return []group{{suffix: "", bands: 3, first: 0}}
	}
	return []group{
		{suffix: "_1", bands: 3, first: 0},
		{suffix: "_2", bands: 4, first: 3},
	}
}

// Pack writes the channels of img to "<stem>.tif_" or to "<stem>_1.tif_" and
// "<stem>_2.tif_", returning the written paths in group order. isRGB selects
// the channel-last layout and the RGB photometric.
func Pack(img *models.PixelArray, stem string, isRGB bool, opts Options) ([]string, error) {
	log := opts.Log
	if log == nil {
		log = &logger.NullLogger{}
	}

	if err := img.Validate(); err != nil {
		return nil, err
	}
	z, height, width := img.Dims(isRGB)
	if z > MaxChannels {
		return nil, errors.Wrapf(models.ErrUnsupportedInput, "%d channels, at most %d are supported", z, MaxChannels)
	}
	if isRGB && z != 3 {
		return nil, errors.Wrapf(models.ErrUnsupportedInput, "rgb images need exactly 3 channels, got %d", z)
	}
	if !(opts.Scale > 0) {
		return nil, errors.Wrapf(models.ErrValidation, "scale %v must be positive", opts.Scale)
	}
	if stem == "" {
		return nil, errors.Wrap(models.ErrValidation, "empty output stem")
	}

	photometric := geotiff.MinIsBlack
	if isRGB {
		photometric = geotiff.RGB
	}

	var written []string
	for _, g := range groups(z) {
		path := stem + g.suffix + IntermediateExt
		log.Infof("Writing %s: %d bands from channels %d-%d of %d, %dx%d %v",
			path, g.bands, g.first, g.first+g.bands-1, z, width, height, img.DType)

		err := writeGroup(img, path, g, isRGB, geotiff.Options{
			Width:       width,
			Height:      height,
			Bands:       g.bands,
			DType:       img.DType,
			Photometric: photometric,
			Transform:   geotiff.ScaleTransform(opts.Scale),
			CRS:         opts.CRS,
			TileSize:    opts.TileSize,
		}, opts.OverviewFactors)
		if err != nil {
			for _, p := range written {
				os.Remove(p)
			}
			return nil, err
		}
		written = append(written, path)
	}
	return written, nil
}

func writeGroup(img *models.PixelArray, path string, g group, channelLast bool, gopts geotiff.Options, factors []int) error {
	ds, err := geotiff.Create(path, gopts)
	if err != nil {
		return err
	}

	z, _, _ := img.Dims(channelLast)
	var zero []byte

	for j := 0; j < g.bands; j++ {
		var plane []byte
		if c := g.first + j; c < z {
			if plane, err = img.Plane(c, channelLast); err != nil {
				ds.Close()
				return err
			}
		} else {
			if zero == nil {
				zero = make([]byte, gopts.Width*gopts.Height*gopts.DType.Size())
			}
			plane = zero
		}
		if err := ds.WriteBand(j+1, plane); err != nil {
			ds.Close()
			return err
		}
	}

	if err := ds.BuildOverviews(factors, geotiff.Nearest); err != nil {
		// Close removes the file of an incomplete dataset only; drop this one too
		ds.Close()
		os.Remove(path)
		return err
	}
	return ds.Close()
}
