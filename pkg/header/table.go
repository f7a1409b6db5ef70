package header

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/csv"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/pkg/errors"

	"loopyprep/internal/models"
)

// coordSchema is the layout of delimited coordinate tables
var coordSchema = arrow.NewSchema([]arrow.Field{
	{Name: "x", Type: arrow.PrimitiveTypes.Float64},
	{Name: "y", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// LoadTable reads a coordinate table. Delimited files (.csv, .tsv) must have
// a header row and two numeric columns; Arrow files (.arrow, .feather, .ipc,
// .arrows) may hold any two numeric columns. The caller releases the record.
func LoadTable(path string) (arrow.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(models.ErrValidation, "open %s: %v", path, err)
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	var recs []arrow.Record
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".tsv":
		comma := ','
		if ext == ".tsv" {
			comma = '\t'
		}
		recs, err = readDelimited(f, comma, mem)
	case ".arrow", ".feather", ".ipc":
		recs, err = readIPCFile(f, mem)
	case ".arrows":
		recs, err = readIPCStream(f, mem)
	default:
		return nil, errors.Wrapf(models.ErrValidation, "%s: unknown table format %q", path, ext)
	}
	if err != nil {
		return nil, errors.Wrapf(models.ErrValidation, "read %s: %v", path, err)
	}
	if len(recs) == 0 {
		return nil, errors.Wrapf(models.ErrValidation, "%s holds no record batches", path)
	}

	rec, err := concatRecords(recs, mem)
	if err != nil {
		return nil, errors.Wrapf(models.ErrValidation, "%s: %v", path, err)
	}
	return rec, nil
}

func readDelimited(r io.Reader, comma rune, mem memory.Allocator) ([]arrow.Record, error) {
	cr := csv.NewReader(r, coordSchema,
		csv.WithHeader(true),
		csv.WithComma(comma),
		csv.WithChunk(-1),
		csv.WithAllocator(mem))
	defer cr.Release()

	var recs []arrow.Record
	for cr.Next() {
		rec := cr.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := cr.Err(); err != nil {
		for _, rec := range recs {
			rec.Release()
		}
		return nil, err
	}
	return recs, nil
}

func readIPCFile(f *os.File, mem memory.Allocator) ([]arrow.Record, error) {
	fr, err := ipc.NewFileReader(f, ipc.WithAllocator(mem))
	if err != nil {
		// not the random access format; try the stream format
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return nil, err
		}
		return readIPCStream(f, mem)
	}
	defer fr.Close()

	recs := make([]arrow.Record, 0, fr.NumRecords())
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			for _, r := range recs {
				r.Release()
			}
			return nil, err
		}
		rec.Retain()
		recs = append(recs, rec)
	}
	return recs, nil
}

func readIPCStream(r io.Reader, mem memory.Allocator) ([]arrow.Record, error) {
	sr, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer sr.Release()

	var recs []arrow.Record
	for sr.Next() {
		rec := sr.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := sr.Err(); err != nil {
		for _, rec := range recs {
			rec.Release()
		}
		return nil, err
	}
	return recs, nil
}

// concatRecords joins record batches of one schema into a single record
func concatRecords(recs []arrow.Record, mem memory.Allocator) (arrow.Record, error) {
	if len(recs) == 1 {
		recs[0].Retain()
		return recs[0], nil
	}

	schema := recs[0].Schema()
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	var rows int64
	for _, rec := range recs {
		if !rec.Schema().Equal(schema) {
			return nil, errors.New("record batches have different schemas")
		}
		rows += rec.NumRows()
	}
	for i := range cols {
		parts := make([]arrow.Array, len(recs))
		for j, rec := range recs {
			parts[j] = rec.Column(i)
		}
		col, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}
	return array.NewRecord(schema, cols, rows), nil
}
