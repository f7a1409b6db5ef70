package tiffio

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/image/tiff/lzw"

	"loopyprep/internal/models"
)

// Compression tag values
const (
	CompressionNone       = 1
	CompressionLZW        = 5
	CompressionJPEG       = 7
	CompressionDeflate    = 8
	CompressionPackBits   = 32773
	CompressionDeflateOld = 32946
	CompressionZSTD       = 50000
)

// decoder expands compressed strips and tiles. The zstd decoder is created on
// first use and reused for the remaining blocks of the file.
type decoder struct {
	zdec *zstd.Decoder
}

func (d *decoder) decompress(compression uint16, raw []byte) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return raw, nil

	case CompressionLZW:
		r := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer r.Close()
		buf, err := io.ReadAll(r)
		if err != nil && len(buf) == 0 {
			return nil, errors.Wrap(err, "lzw")
		}
		return buf, nil

	case CompressionDeflate, CompressionDeflateOld:
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrap(err, "deflate")
		}
		defer r.Close()
		buf, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "deflate")
		}
		return buf, nil

	case CompressionPackBits:
		return unpackBits(raw)

	case CompressionZSTD:
		if d.zdec == nil {
			dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, errors.Wrap(err, "zstd")
			}
			d.zdec = dec
		}
		buf, err := d.zdec.DecodeAll(raw, nil)
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		return buf, nil
	}

	return nil, errors.Wrapf(models.ErrUnsupportedInput, "compression %d", compression)
}

func (d *decoder) close() {
	if d.zdec != nil {
		d.zdec.Close()
		d.zdec = nil
	}
}

// unpackBits expands Apple PackBits run-length encoding
func unpackBits(src []byte) ([]byte, error) {
	dst := make([]byte, 0, 2*len(src))
	for i := 0; i < len(src); {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			end := i + n + 1
			if end > len(src) {
				return nil, errors.New("packbits: literal run past end of data")
			}
			dst = append(dst, src[i:end]...)
			i = end
		case n != -128:
			if i >= len(src) {
				return nil, errors.New("packbits: repeat run past end of data")
			}
			for k := 0; k < 1-n; k++ {
				dst = append(dst, src[i])
			}
			i++
		}
	}
	return dst, nil
}
