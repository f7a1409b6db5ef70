package geotiff

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"loopyprep/internal/models"
)

// GeoKey ids and values from the GeoTIFF 1.1 specification
const (
	keyGTModelType      = 1024
	keyGTRasterType     = 1025
	keyGTCitation       = 1026
	keyGeographicType   = 2048
	keyGeogAngularUnits = 2054
	keyProjectedCSType  = 3072
	keyProjLinearUnits  = 3076

	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
	linearUnitMeter     = 9001
	angularUnitDegree   = 9102

	tagGeoAsciiParams = 34737
)

// CRS is an EPSG coordinate reference system
type CRS struct {
	Code int
}

// ParseCRS parses "EPSG:<code>"
func ParseCRS(s string) (CRS, error) {
	authority, code, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || !strings.EqualFold(authority, "EPSG") {
		return CRS{}, errors.Wrapf(models.ErrValidation, "crs %q is not of the form EPSG:<code>", s)
	}
	n, err := strconv.Atoi(code)
	if err != nil || n <= 0 || n > 0xFFFF {
		return CRS{}, errors.Wrapf(models.ErrValidation, "crs %q has an invalid code", s)
	}
	return CRS{Code: n}, nil
}

func (c CRS) String() string {
	return "EPSG:" + strconv.Itoa(c.Code)
}

// Geographic reports whether the code falls in the EPSG geographic 2D range
func (c CRS) Geographic() bool {
	return c.Code >= 4000 && c.Code < 5000
}

// geoKeys builds the GeoKeyDirectory and the GeoAsciiParams string
func (c CRS) geoKeys() ([]uint16, string) {
	citation := c.String() + "|"
	keys := [][4]uint16{
		{keyGTRasterType, 0, 1, rasterPixelIsArea},
		{keyGTCitation, tagGeoAsciiParams, uint16(len(citation)), 0},
	}
	if c.Geographic() {
		keys = append([][4]uint16{{keyGTModelType, 0, 1, modelTypeGeographic}}, keys...)
		keys = append(keys,
			[4]uint16{keyGeographicType, 0, 1, uint16(c.Code)},
			[4]uint16{keyGeogAngularUnits, 0, 1, angularUnitDegree})
	} else {
		keys = append([][4]uint16{{keyGTModelType, 0, 1, modelTypeProjected}}, keys...)
		keys = append(keys,
			[4]uint16{keyProjectedCSType, 0, 1, uint16(c.Code)},
			[4]uint16{keyProjLinearUnits, 0, 1, linearUnitMeter})
	}

	// header: version 1, revision 1.0, key count
	dir := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		dir = append(dir, k[:]...)
	}
	return dir, citation
}

// DecodeCRS reads the EPSG code back out of a GeoKeyDirectory
func DecodeCRS(dir []uint16) (CRS, bool) {
	if len(dir) < 4 {
		return CRS{}, false
	}
	n := int(dir[3])
	for i := 0; i < n && 4+4*i+3 < len(dir); i++ {
		k := dir[4+4*i : 8+4*i]
		if (k[0] == keyProjectedCSType || k[0] == keyGeographicType) && k[1] == 0 {
			return CRS{Code: int(k[3])}, true
		}
	}
	return CRS{}, false
}
