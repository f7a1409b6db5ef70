package header

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/pkg/errors"

	"loopyprep/internal/models"
)

var xySchema = arrow.NewSchema([]arrow.Field{
	{Name: "x", Type: arrow.PrimitiveTypes.Float64},
	{Name: "y", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// createRecord builds a float64 (x, y) record
func createRecord(t *testing.T, xs, ys []float64) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.NewGoAllocator(), xySchema)
	defer b.Release()
	b.Field(0).(*array.Float64Builder).AppendValues(xs, nil)
	b.Field(1).(*array.Float64Builder).AppendValues(ys, nil)
	return b.NewRecord()
}

func TestBuildPreservesRows(t *testing.T) {
	n := 50
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		xs[i] = float64(n-i) + 0.75
		ys[i] = float64(i*i) / 3
	}
	rec := createRecord(t, xs, ys)
	defer rec.Release()

	h, err := Build(rec, "sample1", models.ChannelMap{"dapi": 0}, models.DefaultSpotParams(), false)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	coords := h.Coords()
	if len(coords) != n {
		t.Fatalf("Expected %d coordinates, got %d", n, len(coords))
	}
	for i, c := range coords {
		if c.X != uint32(math.Trunc(xs[i])) || c.Y != uint32(math.Trunc(ys[i])) {
			t.Errorf("Row %d: expected (%d,%d), got (%d,%d)", i, uint32(xs[i]), uint32(ys[i]), c.X, c.Y)
		}
	}
}

func TestBuildIntegerColumns(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "col", Type: arrow.PrimitiveTypes.Uint16},
		{Name: "row", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()
	b.Field(0).(*array.Uint16Builder).AppendValues([]uint16{5, 65535}, nil)
	b.Field(1).(*array.Int64Builder).AppendValues([]int64{7, math.MaxUint32}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	h, err := Build(rec, "s", models.ChannelMap{}, models.DefaultSpotParams(), false)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []models.SpotCoordinate{{X: 5, Y: 7}, {X: 65535, Y: math.MaxUint32}}
	for i, c := range h.Coords() {
		if c != want[i] {
			t.Errorf("Row %d: expected %+v, got %+v", i, want[i], c)
		}
	}
}

func TestBuildMode(t *testing.T) {
	rec := createRecord(t, []float64{1}, []float64{2})
	defer rec.Release()

	for _, channels := range []models.ChannelMap{{}, {"r": 0, "g": 1, "b": 2}, {"a": 0, "b": 1, "c": 2, "d": 3, "e": 4}} {
		rgb, err := Build(rec, "s", channels, models.DefaultSpotParams(), true)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if rgb.Mode() != models.ModeRGB {
			t.Errorf("Expected rgb mode, got %s", rgb.Mode())
		}
		composite, err := Build(rec, "s", channels, models.DefaultSpotParams(), false)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if composite.Mode() != models.ModeComposite {
			t.Errorf("Expected composite mode, got %s", composite.Mode())
		}
	}
}

func TestBuildInvalidTables(t *testing.T) {
	mem := memory.NewGoAllocator()

	oneColumn := func() arrow.Record {
		schema := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Float64}}, nil)
		b := array.NewRecordBuilder(mem, schema)
		defer b.Release()
		b.Field(0).(*array.Float64Builder).Append(1)
		return b.NewRecord()
	}
	stringColumn := func() arrow.Record {
		schema := arrow.NewSchema([]arrow.Field{
			{Name: "x", Type: arrow.BinaryTypes.String},
			{Name: "y", Type: arrow.PrimitiveTypes.Float64},
		}, nil)
		b := array.NewRecordBuilder(mem, schema)
		defer b.Release()
		b.Field(0).(*array.StringBuilder).Append("1")
		b.Field(1).(*array.Float64Builder).Append(1)
		return b.NewRecord()
	}
	withNull := func() arrow.Record {
		b := array.NewRecordBuilder(mem, xySchema)
		defer b.Release()
		b.Field(0).(*array.Float64Builder).AppendValues([]float64{1, 2}, nil)
		b.Field(1).(*array.Float64Builder).Append(1)
		b.Field(1).(*array.Float64Builder).AppendNull()
		return b.NewRecord()
	}

	tests := []struct {
		name string
		rec  func() arrow.Record
	}{
		{"one column", oneColumn},
		{"string column", stringColumn},
		{"null value", withNull},
		{"nan", func() arrow.Record { return createRecord(t, []float64{math.NaN()}, []float64{1}) }},
		{"infinite", func() arrow.Record { return createRecord(t, []float64{1}, []float64{math.Inf(1)}) }},
		{"negative", func() arrow.Record { return createRecord(t, []float64{-1}, []float64{1}) }},
		{"too large", func() arrow.Record { return createRecord(t, []float64{1}, []float64{math.MaxUint32 + 1}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec()
			defer rec.Release()
			if _, err := Build(rec, "s", models.ChannelMap{}, models.DefaultSpotParams(), false); !errors.Is(err, models.ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestBuildInvalidFields(t *testing.T) {
	rec := createRecord(t, []float64{1}, []float64{1})
	defer rec.Release()

	if _, err := Build(rec, "", models.ChannelMap{}, models.DefaultSpotParams(), false); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected validation error for empty sample, got %v", err)
	}
	if _, err := Build(rec, "s", models.ChannelMap{"a": -1}, models.DefaultSpotParams(), false); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected validation error for negative channel, got %v", err)
	}
	if _, err := Build(rec, "s", models.ChannelMap{}, models.SpotParams{SpotDiam: 0, MPerPx: 1}, false); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected validation error for zero spot diameter, got %v", err)
	}
}

func TestMarshal(t *testing.T) {
	rec := createRecord(t, []float64{10.9, 3}, []float64{20, 4.2})
	defer rec.Release()

	h, err := Build(rec, "sample1", models.ChannelMap{"a": 0}, models.SpotParams{SpotDiam: 0.5, MPerPx: 0.25}, false)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	data, err := Marshal(h)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"sample":"sample1","coords":[{"x":10,"y":20},{"x":3,"y":4}],"channel":{"a":0},"spot":{"spotDiam":0.5,"mPerPx":0.25},"mode":"composite"}`
	if string(data) != want {
		t.Errorf("Expected %s, got %s", want, data)
	}

	path := filepath.Join(t.TempDir(), "header.json")
	if err := Write(path, h); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	written, err := os.ReadFile(path)
	if err != nil || string(written) != want {
		t.Errorf("Expected file content %s, got %s (%v)", want, written, err)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

func checkCoords(t *testing.T, rec arrow.Record, want []models.SpotCoordinate) {
	t.Helper()
	h, err := Build(rec, "s", models.ChannelMap{}, models.DefaultSpotParams(), false)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	got := h.Coords()
	if len(got) != len(want) {
		t.Fatalf("Expected %d coordinates, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Row %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestLoadTableDelimited(t *testing.T) {
	want := []models.SpotCoordinate{{X: 1, Y: 2}, {X: 3, Y: 4}, {X: 1000, Y: 0}}

	csvPath := writeFile(t, "coords.csv", "x,y\n1.5,2\n3,4.9\n1000.01,0\n")
	rec, err := LoadTable(csvPath)
	if err != nil {
		t.Fatalf("LoadTable(csv) failed: %v", err)
	}
	checkCoords(t, rec, want)
	rec.Release()

	tsvPath := writeFile(t, "coords.tsv", "x\ty\n1.5\t2\n3\t4.9\n1000.01\t0\n")
	rec, err = LoadTable(tsvPath)
	if err != nil {
		t.Fatalf("LoadTable(tsv) failed: %v", err)
	}
	checkCoords(t, rec, want)
	rec.Release()
}

func TestLoadTableArrow(t *testing.T) {
	batches := [][2][]float64{
		{{1, 2}, {10, 20}},
		{{3}, {30}},
	}
	want := []models.SpotCoordinate{{X: 1, Y: 10}, {X: 2, Y: 20}, {X: 3, Y: 30}}

	write := func(t *testing.T, path string, stream bool) {
		f, err := os.Create(path)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		defer f.Close()

		var w interface {
			Write(arrow.Record) error
			Close() error
		}
		if stream {
			w = ipc.NewWriter(f, ipc.WithSchema(xySchema))
		} else {
			fw, err := ipc.NewFileWriter(f, ipc.WithSchema(xySchema))
			if err != nil {
				t.Fatalf("NewFileWriter failed: %v", err)
			}
			w = fw
		}
		for _, b := range batches {
			rec := createRecord(t, b[0], b[1])
			if err := w.Write(rec); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			rec.Release()
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		file   string
		stream bool
	}{
		{"file format", "coords.arrow", false},
		{"feather", "coords.feather", false},
		{"stream format", "coords.arrows", true},
		{"stream format with file extension", "coords.ipc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			write(t, path, tt.stream)

			rec, err := LoadTable(path)
			if err != nil {
				t.Fatalf("LoadTable failed: %v", err)
			}
			defer rec.Release()
			checkCoords(t, rec, want)
		})
	}
}

func TestLoadTableErrors(t *testing.T) {
	paths := []string{
		filepath.Join(t.TempDir(), "missing.csv"),
		writeFile(t, "coords.json", "[]"),
		writeFile(t, "three.csv", "x,y,z\n1,2,3\n"),
		writeFile(t, "text.csv", "x,y\none,two\n"),
	}
	for _, p := range paths {
		if rec, err := LoadTable(p); !errors.Is(err, models.ErrValidation) {
			if rec != nil {
				rec.Release()
			}
			t.Errorf("%s: expected validation error, got %v", filepath.Base(p), err)
		}
	}
}

func TestParseChannelMap(t *testing.T) {
	m, err := ParseChannelMap([]string{"dapi=0", " cd3 = 2"})
	if err != nil {
		t.Fatalf("ParseChannelMap failed: %v", err)
	}
	if len(m) != 2 || m["dapi"] != 0 || m["cd3"] != 2 {
		t.Errorf("Unexpected map %v", m)
	}

	for _, bad := range [][]string{{"dapi"}, {"=1"}, {"a=x"}, {"a=-1"}, {"a=1", "a=2"}} {
		if _, err := ParseChannelMap(bad); !errors.Is(err, models.ErrValidation) {
			t.Errorf("%v: expected validation error, got %v", bad, err)
		}
	}
}

func TestImageParams(t *testing.T) {
	p := NewImageParams([]string{"/out/s_1.tif", "/out/s_2.tif"}, "/out/s.json", "https://host/data/")
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"urls":[{"url":"https://host/data/s_1.tif"},{"url":"https://host/data/s_2.tif"}],"headerUrl":{"url":"https://host/data/s.json"}}`
	if string(data) != want {
		t.Errorf("Expected %s, got %s", want, data)
	}

	local := NewImageParams([]string{"a.tif"}, "h.json", "")
	if local.URLs[0].URL != "a.tif" || local.HeaderURL.URL != "h.json" {
		t.Errorf("Unexpected relative params %+v", local)
	}

	path := filepath.Join(t.TempDir(), "params.json")
	if err := WriteImageParams(path, p); err != nil {
		t.Fatalf("WriteImageParams failed: %v", err)
	}
	written, _ := os.ReadFile(path)
	if string(written) != want {
		t.Errorf("Expected file content %s, got %s", want, written)
	}
}
