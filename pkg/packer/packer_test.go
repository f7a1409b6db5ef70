package packer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"loopyprep/internal/models"
	"loopyprep/pkg/geotiff"
	"loopyprep/pkg/tiffio"
)

// createTestArray fills a channel-first array so that every channel differs
func createTestArray(t *testing.T, shape [3]int) *models.PixelArray {
	t.Helper()
	arr, err := models.NewPixelArray(shape, models.Uint8)
	if err != nil {
		t.Fatalf("NewPixelArray failed: %v", err)
	}
	for i := range arr.Data {
		arr.Data[i] = byte((i*7 + i/13) % 256)
	}
	return arr
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.TileSize = 32
	return opts
}

func readBands(t *testing.T, path string) (*tiffio.Image, *tiffio.Page) {
	t.Helper()
	img, err := tiffio.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) failed: %v", path, err)
	}
	pages, err := tiffio.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect(%s) failed: %v", path, err)
	}
	return img, pages[0]
}

func TestPackSingleFile(t *testing.T) {
	for z := 1; z <= 3; z++ {
		stem := filepath.Join(t.TempDir(), "sample")
		arr := createTestArray(t, [3]int{z, 20, 30})

		paths, err := Pack(arr, stem, false, testOptions())
		if err != nil {
			t.Fatalf("z=%d: Pack failed: %v", z, err)
		}
		if len(paths) != 1 || paths[0] != stem+".tif_" {
			t.Fatalf("z=%d: expected [%s.tif_], got %v", z, stem, paths)
		}

		img, page := readBands(t, paths[0])
		if page.Samples != 3 {
			t.Errorf("z=%d: expected 3 bands, got %d", z, page.Samples)
		}
		if page.Photometric != tiffio.PhotometricMinIsBlack {
			t.Errorf("z=%d: expected min-is-black photometric, got %d", z, page.Photometric)
		}
		for b := 0; b < 3; b++ {
			got, _ := img.Array.Plane(b, true)
			want := make([]byte, 20*30)
			if b < z {
				want, _ = arr.Plane(b, false)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("z=%d: band %d does not match its source", z, b+1)
			}
		}
	}
}

func TestPackTwoFiles(t *testing.T) {
	for z := 4; z <= 6; z++ {
		stem := filepath.Join(t.TempDir(), "sample")
		arr := createTestArray(t, [3]int{z, 17, 33})

		paths, err := Pack(arr, stem, false, testOptions())
		if err != nil {
			t.Fatalf("z=%d: Pack failed: %v", z, err)
		}
		want := []string{stem + "_1.tif_", stem + "_2.tif_"}
		if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
			t.Fatalf("z=%d: expected %v, got %v", z, want, paths)
		}

		for i, bands := range []int{3, 4} {
			img, page := readBands(t, paths[i])
			if page.Samples != bands {
				t.Errorf("z=%d: file %d expected %d bands, got %d", z, i+1, bands, page.Samples)
			}
			for b := 0; b < bands; b++ {
				got, _ := img.Array.Plane(b, true)
				expected := make([]byte, 17*33)
				if c := 3*i + b; c < z {
					expected, _ = arr.Plane(c, false)
				}
				if !bytes.Equal(got, expected) {
					t.Errorf("z=%d: file %d band %d does not match channel %d", z, i+1, b+1, 3*i+b)
				}
			}
		}
	}
}

func TestPackTooManyChannels(t *testing.T) {
	dir := t.TempDir()
	arr := createTestArray(t, [3]int{7, 8, 8})

	_, err := Pack(arr, filepath.Join(dir, "sample"), false, testOptions())
	if !errors.Is(err, models.ErrUnsupportedInput) {
		t.Fatalf("Expected unsupported input error, got %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no files, found %d", len(entries))
	}
}

func TestPackRGB(t *testing.T) {
	stem := filepath.Join(t.TempDir(), "rgb")
	arr := createTestArray(t, [3]int{100, 100, 3})

	paths, err := Pack(arr, stem, true, testOptions())
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if len(paths) != 1 || paths[0] != stem+".tif_" {
		t.Fatalf("Expected [%s.tif_], got %v", stem, paths)
	}

	img, page := readBands(t, paths[0])
	if page.Photometric != tiffio.PhotometricRGB || !img.IsRGB() {
		t.Errorf("Expected RGB photometric, got %d", page.Photometric)
	}
	if len(page.ExtraSamples) != 0 {
		t.Errorf("Expected no extra samples, got %v", page.ExtraSamples)
	}
	if !bytes.Equal(img.Array.Data, arr.Data) {
		t.Errorf("RGB pixels do not round trip")
	}

	tr, ok := geotiff.TransformFromTags(page.PixelScale, page.Tiepoint, page.Transformation)
	if !ok || tr != geotiff.ScaleTransform(models.DefaultMPerPx) {
		t.Errorf("Expected transform %v, got %v", geotiff.ScaleTransform(models.DefaultMPerPx), tr)
	}
}

func TestPackRGBNeedsThreeChannels(t *testing.T) {
	arr := createTestArray(t, [3]int{10, 10, 4})
	if _, err := Pack(arr, filepath.Join(t.TempDir(), "x"), true, testOptions()); !errors.Is(err, models.ErrUnsupportedInput) {
		t.Errorf("Expected unsupported input error, got %v", err)
	}
}

func TestPackScale(t *testing.T) {
	for _, scale := range []float64{0.497e-6, 1, 2.5, 1e-9} {
		opts := testOptions()
		opts.Scale = scale
		paths, err := Pack(createTestArray(t, [3]int{1, 16, 16}), filepath.Join(t.TempDir(), "s"), false, opts)
		if err != nil {
			t.Fatalf("scale %v: Pack failed: %v", scale, err)
		}

		_, page := readBands(t, paths[0])
		if len(page.PixelScale) < 2 || page.PixelScale[0] != scale || page.PixelScale[1] != scale {
			t.Errorf("scale %v: expected pixel scale (%v, %v), got %v", scale, scale, scale, page.PixelScale)
		}
		tr, _ := geotiff.TransformFromTags(page.PixelScale, page.Tiepoint, page.Transformation)
		if tr[0] != scale || tr[4] != -scale {
			t.Errorf("scale %v: expected x-scale %v and y-scale %v, got %v", scale, scale, -scale, tr)
		}
	}
}

func TestPackOverviews(t *testing.T) {
	paths, err := Pack(createTestArray(t, [3]int{2, 100, 100}), filepath.Join(t.TempDir(), "o"), false, testOptions())
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	pages, err := tiffio.Inspect(paths[0])
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if len(pages) != 6 {
		t.Fatalf("Expected full resolution plus 5 overviews, got %d directories", len(pages))
	}
	for i, f := range []int{4, 8, 16, 32, 64} {
		p := pages[i+1]
		w := (100 + f - 1) / f
		if p.Width != w || p.Height != w || !p.IsOverview() {
			t.Errorf("Overview %d: expected %dx%d reduced image, got %dx%d subfile %d", f, w, w, p.Width, p.Height, p.SubfileType)
		}
	}
}

func TestPackInvalidInput(t *testing.T) {
	dir := t.TempDir()
	arr := createTestArray(t, [3]int{1, 8, 8})

	opts := testOptions()
	opts.Scale = 0
	if _, err := Pack(arr, filepath.Join(dir, "a"), false, opts); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected validation error for zero scale, got %v", err)
	}

	broken := &models.PixelArray{Shape: [3]int{1, 8, 8}, DType: models.Uint8, Data: make([]byte, 10)}
	if _, err := Pack(broken, filepath.Join(dir, "b"), false, testOptions()); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected validation error for inconsistent array, got %v", err)
	}

	opts = testOptions()
	opts.TileSize = 10
	if _, err := Pack(arr, filepath.Join(dir, "c"), false, opts); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected validation error for bad tile size, got %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected no files after failed packs, found %d", len(entries))
	}
}

func TestGroups(t *testing.T) {
	tests := []struct {
		z     int
		bands []int
	}{
		{1, []int{3}},
		{3, []int{3}},
		{4, []int{3, 4}},
		{6, []int{3, 4}},
	}
	for _, tt := range tests {
		gs := groups(tt.z)
		if len(gs) != len(tt.bands) {
			t.Fatalf("z=%d: expected %d groups, got %d", tt.z, len(tt.bands), len(gs))
		}
		for i, g := range gs {
			if g.bands != tt.bands[i] || g.first != 3*i {
				t.Errorf("z=%d group %d: expected %d bands from channel %d, got %+v", tt.z, i, tt.bands[i], 3*i, g)
			}
		}
	}
}
