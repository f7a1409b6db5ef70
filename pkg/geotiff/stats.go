package geotiff

import (
	"encoding/xml"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"loopyprep/internal/models"
)

// BandStats are summary statistics of one band
type BandStats struct {
	Min, Max, Mean, StdDev float64
	Approximate            bool
}

// computeStats summarises a plane. NaN samples are skipped; ok is false when
// no valid sample remains.
func computeStats(plane []byte, dtype models.DType, approximate bool) (BandStats, bool) {
	size := dtype.Size()
	values := make([]float64, 0, len(plane)/size)
	for i := 0; i+size <= len(plane); i += size {
		v := dtype.Float64(plane[i : i+size])
		if math.IsNaN(v) {
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return BandStats{}, false
	}

	mean, std := stat.MeanStdDev(values, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return BandStats{
		Min:         floats.Min(values),
		Max:         floats.Max(values),
		Mean:        mean,
		StdDev:      std,
		Approximate: approximate,
	}, true
}

type gdalItem struct {
	Name   string `xml:"name,attr"`
	Sample int    `xml:"sample,attr"`
	Value  string `xml:",chardata"`
}

type gdalMetadata struct {
	XMLName xml.Name   `xml:"GDALMetadata"`
	Items   []gdalItem `xml:"Item"`
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// encodeStats renders band statistics as a GDAL_METADATA document
func encodeStats(stats map[int]BandStats) (string, error) {
	bands := make([]int, 0, len(stats))
	for band := range stats {
		bands = append(bands, band)
	}
	sort.Ints(bands)

	var md gdalMetadata
	for _, band := range bands {
		s := stats[band]
		if s.Approximate {
			md.Items = append(md.Items, gdalItem{Name: "STATISTICS_APPROXIMATE", Sample: band, Value: "YES"})
		}
		md.Items = append(md.Items,
			gdalItem{Name: "STATISTICS_MAXIMUM", Sample: band, Value: formatFloat(s.Max)},
			gdalItem{Name: "STATISTICS_MEAN", Sample: band, Value: formatFloat(s.Mean)},
			gdalItem{Name: "STATISTICS_MINIMUM", Sample: band, Value: formatFloat(s.Min)},
			gdalItem{Name: "STATISTICS_STDDEV", Sample: band, Value: formatFloat(s.StdDev)},
		)
	}
	out, err := xml.Marshal(md)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DecodeStats parses the band statistics out of a GDAL_METADATA document,
// keyed by zero-based band index
func DecodeStats(doc string) (map[int]BandStats, error) {
	var md gdalMetadata
	if err := xml.Unmarshal([]byte(doc), &md); err != nil {
		return nil, err
	}
	out := make(map[int]BandStats)
	for _, item := range md.Items {
		s := out[item.Sample]
		if item.Name == "STATISTICS_APPROXIMATE" {
			s.Approximate = item.Value == "YES"
			out[item.Sample] = s
			continue
		}
		v, err := strconv.ParseFloat(item.Value, 64)
		if err != nil {
			continue
		}
		switch item.Name {
		case "STATISTICS_MAXIMUM":
			s.Max = v
		case "STATISTICS_MEAN":
			s.Mean = v
		case "STATISTICS_MINIMUM":
			s.Min = v
		case "STATISTICS_STDDEV":
			s.StdDev = v
		default:
			continue
		}
		out[item.Sample] = s
	}
	return out, nil
}
