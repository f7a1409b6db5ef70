package models

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// DType is the numeric element type of a PixelArray
type DType int

const (
	InvalidDType DType = iota
	Uint8
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
	Float32: "float32",
	Float64: "float64",
}

// String returns the numpy-style name of the type
func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return "invalid"
}

// Size returns the element size in bytes, or 0 for an invalid type
func (d DType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// IsFloat reports whether the type is a floating point type
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// IsSigned reports whether the type is a signed integer type
func (d DType) IsSigned() bool {
	return d == Int8 || d == Int16 || d == Int32
}

// Valid reports whether d names a supported element type
func (d DType) Valid() bool {
	return d.Size() > 0
}

// Float64 decodes a single little-endian element from b
func (d DType) Float64(b []byte) float64 {
	switch d {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return math.NaN()
}

// PixelArray is a 3-dimensional numeric array read from a TIFF file.
//
// Data holds the elements in C order with little-endian storage. The array is
// interpreted either channel-first (C,H,W) or channel-last (H,W,C); the
// interpretation is chosen by the caller, the array itself only knows its
// shape.
type PixelArray struct {
	// Shape is the extent of each of the three axes
	Shape [3]int

	// DType is the element type
	DType DType

	// Data is the raw element storage, len(Data) == Shape[0]*Shape[1]*Shape[2]*DType.Size()
	Data []byte
}

// NewPixelArray allocates a zeroed array of the given shape and type
func NewPixelArray(shape [3]int, dtype DType) (*PixelArray, error) {
	a := &PixelArray{Shape: shape, DType: dtype}
	if err := a.checkShape(); err != nil {
		return nil, err
	}
	a.Data = make([]byte, a.Len()*dtype.Size())
	return a, nil
}

// Len returns the number of elements
func (a *PixelArray) Len() int {
	return a.Shape[0] * a.Shape[1] * a.Shape[2]
}

func (a *PixelArray) checkShape() error {
	if !a.DType.Valid() {
		return errors.Wrapf(ErrValidation, "unsupported dtype %v", a.DType)
	}
	for i, n := range a.Shape {
		if n <= 0 {
			return errors.Wrapf(ErrValidation, "axis %d has non-positive extent %d", i, n)
		}
	}
	return nil
}

// Validate checks that the shape, type and storage agree
func (a *PixelArray) Validate() error {
	if a == nil {
		return errors.Wrap(ErrValidation, "nil pixel array")
	}
	if err := a.checkShape(); err != nil {
		return err
	}
	if want := a.Len() * a.DType.Size(); len(a.Data) != want {
		return errors.Wrapf(ErrValidation, "pixel array of shape %v %v needs %d bytes, has %d",
			a.Shape, a.DType, want, len(a.Data))
	}
	return nil
}

// Dims returns channel count, height and width under the selected layout.
// channelLast selects the (H,W,C) interpretation.
func (a *PixelArray) Dims(channelLast bool) (z, height, width int) {
	if channelLast {
		return a.Shape[2], a.Shape[0], a.Shape[1]
	}
	return a.Shape[0], a.Shape[1], a.Shape[2]
}

// Plane returns channel c as a contiguous row-major height*width plane.
// For channel-first arrays the returned slice aliases Data; for channel-last
// arrays it is a strided copy.
func (a *PixelArray) Plane(c int, channelLast bool) ([]byte, error) {
	z, height, width := a.Dims(channelLast)
	if c < 0 || c >= z {
		return nil, errors.Errorf("channel %d out of range [0,%d)", c, z)
	}

	size := a.DType.Size()
	planeBytes := height * width * size

	if !channelLast {
		start := c * planeBytes
		return a.Data[start : start+planeBytes : start+planeBytes], nil
	}

	plane := make([]byte, planeBytes)
	stride := z * size
	src := c * size
	for dst := 0; dst < planeBytes; dst += size {
		copy(plane[dst:dst+size], a.Data[src:src+size])
		src += stride
	}
	return plane, nil
}

// ToChannelFirst returns a channel-first copy of a channel-last array
func (a *PixelArray) ToChannelFirst() (*PixelArray, error) {
	z, height, width := a.Dims(true)
	out, err := NewPixelArray([3]int{z, height, width}, a.DType)
	if err != nil {
		return nil, err
	}
	planeBytes := height * width * a.DType.Size()
	for c := 0; c < z; c++ {
		plane, err := a.Plane(c, true)
		if err != nil {
			return nil, err
		}
		copy(out.Data[c*planeBytes:], plane)
	}
	return out, nil
}
