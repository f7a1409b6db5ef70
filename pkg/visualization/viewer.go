// Package visualization renders quicklook previews of the channels of a pixel
// array, so a conversion can be checked without a GeoTIFF viewer.
package visualization

import (
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"

	"loopyprep/internal/models"
)

// Viewer extracts channels of a pixel array as 8-bit grayscale images
type Viewer struct {
	// array holds the pixels
	array *models.PixelArray

	// channelLast selects the (H,W,C) interpretation of array
	channelLast bool

	// dimensions of the array under that interpretation
	channels int
	width    int
	height   int
}

// NewViewer creates a viewer over arr
func NewViewer(arr *models.PixelArray, channelLast bool) (*Viewer, error) {
	if err := arr.Validate(); err != nil {
		return nil, err
	}
	z, h, w := arr.Dims(channelLast)
	return &Viewer{
		array:       arr,
		channelLast: channelLast,
		channels:    z,
		width:       w,
		height:      h,
	}, nil
}

// Channels returns the number of channels
func (v *Viewer) Channels() int {
	return v.channels
}

// ExtractChannel renders channel c, keeping every step-th pixel in both
// directions. Values are stretched linearly from the channel minimum to its
// maximum; NaN samples render black.
func (v *Viewer) ExtractChannel(c, step int) (*image.Gray, error) {
	if step < 1 {
		return nil, fmt.Errorf("step must be positive, got %d", step)
	}
	plane, err := v.array.Plane(c, v.channelLast)
	if err != nil {
		return nil, err
	}

	dw := (v.width + step - 1) / step
	dh := (v.height + step - 1) / step
	size := v.array.DType.Size()

	values := make([]float64, 0, dw*dh)
	for y := 0; y < v.height; y += step {
		for x := 0; x < v.width; x += step {
			i := (y*v.width + x) * size
			values = append(values, v.array.DType.Float64(plane[i:i+size]))
		}
	}

	lo, hi := valueRange(values)
	img := image.NewGray(image.Rect(0, 0, dw, dh))
	for i, val := range values {
		if math.IsNaN(val) || hi == lo {
			continue
		}
		img.Pix[i] = uint8(math.Round(255 * (val - lo) / (hi - lo)))
	}
	return img, nil
}

// valueRange returns the smallest and largest non-NaN values
func valueRange(values []float64) (float64, float64) {
	valid := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return 0, 0
	}
	return floats.Min(valid), floats.Max(valid)
}

// Thumbnail renders channel c so that its longer side is at most maxSize
// pixels, keeping the aspect ratio. Large channels are sampled coarsely
// before the bilinear scale to bound the memory of the stretch.
func (v *Viewer) Thumbnail(c, maxSize int) (*image.Gray, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("preview size must be positive, got %d", maxSize)
	}
	longest := max(v.width, v.height)
	if longest <= maxSize {
		return v.ExtractChannel(c, 1)
	}

	src, err := v.ExtractChannel(c, max(1, longest/(2*maxSize)))
	if err != nil {
		return nil, err
	}
	w := max(1, v.width*maxSize/longest)
	h := max(1, v.height*maxSize/longest)
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Bounds(), draw.Src, nil)
	return dst, nil
}

// SaveChannel saves an extracted channel as a JPEG image
func (v *Viewer) SaveChannel(img image.Image, filename string, quality int) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: quality})
}

// SaveChannelSequence writes one preview per channel to outputDir as
// "<name>_c<index>.jpg", scaled so that neither side exceeds maxSize, and
// returns the written paths
func (v *Viewer) SaveChannelSequence(outputDir, name string, maxSize, quality int) ([]string, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("preview size must be positive, got %d", maxSize)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for c := 0; c < v.channels; c++ {
		img, err := v.Thumbnail(c, maxSize)
		if err != nil {
			return paths, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_c%d.jpg", name, c))
		if err := v.SaveChannel(img, filename, quality); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
