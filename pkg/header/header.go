// Package header builds the JSON header that tells the viewer where each spot
// sits on the image and how the image channels are named and rendered.
package header

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/pkg/errors"

	"loopyprep/internal/models"
)

// Build assembles an ImageHeader from a two column (x, y) coordinate table.
// Coordinates are truncated toward zero and kept in row order.
func Build(table arrow.Record, sample string, channels models.ChannelMap, spot models.SpotParams, isRGB bool) (*models.ImageHeader, error) {
	if table == nil {
		return nil, errors.Wrap(models.ErrValidation, "no coordinate table")
	}
	if n := table.NumCols(); n != 2 {
		return nil, errors.Wrapf(models.ErrValidation, "coordinate table has %d columns, expected 2", n)
	}

	xs, err := columnValues(table.Column(0))
	if err != nil {
		return nil, errors.Wrapf(err, "column %q", table.ColumnName(0))
	}
	ys, err := columnValues(table.Column(1))
	if err != nil {
		return nil, errors.Wrapf(err, "column %q", table.ColumnName(1))
	}

	coords := make([]models.SpotCoordinate, len(xs))
	for i := range coords {
		x, err := toPixel(xs[i])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d x", i)
		}
		y, err := toPixel(ys[i])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d y", i)
		}
		coords[i] = models.SpotCoordinate{X: x, Y: y}
	}

	return models.NewImageHeader(sample, coords, channels, spot, models.ModeFor(isRGB))
}

// columnValues widens a numeric column to float64, rejecting nulls
func columnValues(col arrow.Array) ([]float64, error) {
	if col.NullN() > 0 {
		return nil, errors.Wrapf(models.ErrValidation, "%d null values", col.NullN())
	}

	out := make([]float64, col.Len())
	switch c := col.(type) {
	case *array.Int8:
		for i := range out {
			out[i] = float64(c.Value(i))
		}
	case *array.Int16:
		for i := range out {
			out[i] = float64(c.Value(i))
		}
	case *array.Int32:
		for i := range out {
			out[i] = float64(c.Value(i))
		}
	case *array.Int64:
		for i := range out {
			out[i] = float64(c.Value(i))
		}
	case *array.Uint8:
		for i := range out {
			out[i] = float64(c.Value(i))
		}
	case *array.Uint16:
		for i := range out {
			out[i] = float64(c.Value(i))
		}
	case *array.Uint32:
		for i := range out {
			out[i] = float64(c.Value(i))
		}
	case *array.Uint64:
		for i := range out {
			out[i] = float64(c.Value(i))
		}
	case *array.Float32:
		for i := range out {
			out[i] = float64(c.Value(i))
		}
	case *array.Float64:
		copy(out, c.Float64Values())
	default:
		return nil, errors.Wrapf(models.ErrValidation, "type %v is not numeric", col.DataType())
	}
	return out, nil
}

// toPixel truncates a coordinate to an unsigned pixel index
func toPixel(v float64) (uint32, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Wrapf(models.ErrValidation, "value %v is not finite", v)
	}
	if v < 0 {
		return 0, errors.Wrapf(models.ErrValidation, "value %v is negative", v)
	}
	t := math.Trunc(v)
	if t > math.MaxUint32 {
		return 0, errors.Wrapf(models.ErrValidation, "value %v exceeds %d", v, uint32(math.MaxUint32))
	}
	return uint32(t), nil
}

// Marshal renders the header as compact JSON
func Marshal(h *models.ImageHeader) ([]byte, error) {
	return json.Marshal(h)
}

// Write saves the header JSON to path
func Write(path string, h *models.ImageHeader) error {
	data, err := Marshal(h)
	if err != nil {
		return errors.Wrap(err, "marshal header")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// ParseChannelMap parses "name=index" pairs
func ParseChannelMap(pairs []string) (models.ChannelMap, error) {
	m := make(models.ChannelMap, len(pairs))
	for _, pair := range pairs {
		name, idx, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.Wrapf(models.ErrValidation, "channel %q is not of the form name=index", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil || n < 0 {
			return nil, errors.Wrapf(models.ErrValidation, "channel %q has an invalid index", pair)
		}
		if _, dup := m[name]; dup {
			return nil, errors.Wrapf(models.ErrValidation, "channel %q given twice", name)
		}
		m[name] = n
	}
	return m, nil
}

// NewImageParams lists the image files and the header under baseURL, which
// may be empty for paths relative to the viewer
func NewImageParams(files []string, headerFile, baseURL string) models.ImageParams {
	p := models.ImageParams{URLs: make([]models.URL, len(files))}
	for i, f := range files {
		p.URLs[i] = models.URL{URL: joinURL(baseURL, filepath.Base(f))}
	}
	p.HeaderURL = models.URL{URL: joinURL(baseURL, filepath.Base(headerFile))}
	return p
}

func joinURL(base, name string) string {
	if base == "" {
		return name
	}
	return strings.TrimRight(base, "/") + "/" + name
}

// WriteImageParams saves the image parameters as JSON
func WriteImageParams(path string, p models.ImageParams) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal image params")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
