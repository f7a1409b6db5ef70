package geotiff

// Resampling selects how overview pixels are derived
type Resampling int

const (
	// Nearest takes the source pixel under the centre of each overview pixel
	Nearest Resampling = iota
)

func (r Resampling) String() string {
	if r == Nearest {
		return "nearest"
	}
	return "unknown"
}

// overviewSize returns the dimensions of an overview at the given factor
func overviewSize(width, height, factor int) (int, int) {
	return (width + factor - 1) / factor, (height + factor - 1) / factor
}

// centers maps each destination index to the source index under its centre
func centers(src, dst int) []int {
	idx := make([]int, dst)
	for i := range idx {
		s := int((float64(i) + 0.5) * float64(src) / float64(dst))
		if s >= src {
			s = src - 1
		}
		idx[i] = s
	}
	return idx
}

// downsampleNearest shrinks a row-major plane of size-byte elements
func downsampleNearest(src []byte, width, height, size, dstW, dstH int) []byte {
	dst := make([]byte, dstW*dstH*size)
	xs := centers(width, dstW)
	ys := centers(height, dstH)

	for y, sy := range ys {
		srcRow := sy * width * size
		dstRow := y * dstW * size
		for x, sx := range xs {
			copy(dst[dstRow+x*size:dstRow+(x+1)*size], src[srcRow+sx*size:srcRow+(sx+1)*size])
		}
	}
	return dst
}
