package dataset

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ahnung/internal/schema"
	"ahnung/internal/storage"
)

// CSVSink writes a header row of column names followed by one line per record.
// Values use their canonical text (RFC3339Nano dates, "1.0" style floats) and
// nil becomes an empty field.
type CSVSink struct {
	w      *csv.Writer
	buf    *bufio.Writer
	closer io.Closer
	cols   int
	row    []string
}

// NewCSVSink writes the header to w immediately. closer may be nil.
func NewCSVSink(w io.Writer, closer io.Closer, columns []string) (*CSVSink, error) {
	buf := bufio.NewWriterSize(w, 1<<16)
	cw := csv.NewWriter(buf)
	if err := cw.Write(columns); err != nil {
		return nil, fmt.Errorf("dataset: csv header: %w", err)
	}
	return &CSVSink{w: cw, buf: buf, closer: closer, cols: len(columns), row: make([]string, len(columns))}, nil
}

// CreateCSV creates <dir>/<dataset table>.csv for snap.
func CreateCSV(dir string, snap *schema.Snapshot, prefix string) (*CSVSink, string, error) {
	spec, err := storage.DatasetSpec(snap, prefix)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, spec.Name+".csv")
	f, err := os.Create(path)
	if err != nil {
		return nil, "", err
	}
	s, err := NewCSVSink(f, f, spec.ColumnNames())
	if err != nil {
		_ = f.Close()
		return nil, "", err
	}
	return s, path, nil
}

func (s *CSVSink) Write(_ context.Context, values []any) error {
	if len(values) != s.cols {
		return fmt.Errorf("dataset: csv expects %d values, got %d", s.cols, len(values))
	}
	for i, v := range values {
		s.row[i] = cell(v)
	}
	return s.w.Write(s.row)
}

func cell(v any) string {
	if v == nil {
		return ""
	}
	return schema.ConvertString(v)
}

// Close flushes and closes the underlying file.
func (s *CSVSink) Close(_ context.Context) error {
	s.w.Flush()
	err := s.w.Error()
	if ferr := s.buf.Flush(); err == nil {
		err = ferr
	}
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
