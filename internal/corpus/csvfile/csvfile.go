// Package csvfile reads a corpus from CSV dumps with a header row.
//
// Every row becomes one flat document keyed by the trimmed header names, so
// a header like "shop.city" is already an attribute path. Cells are kept as
// text; type resolution later decides whether "42" is a number. Empty cells
// are absent from the document.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"ahnung/internal/corpus"
	"ahnung/pkg/records"
)

// Source streams rows from one or more files. Paths may be globs.
type Source struct {
	Paths []string
	// Comma is the field delimiter; zero means ','.
	Comma rune
	// TrimSpace trims cells and headers.
	TrimSpace  bool
	LazyQuotes bool
	Log        *zap.Logger

	skipped atomic.Int64
}

// New returns a Source over paths that trims cells.
func New(log *zap.Logger, paths ...string) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{Paths: paths, TrimSpace: true, Log: log}
}

// Skipped counts rows dropped as malformed, across every Each call.
func (s *Source) Skipped() int64 { return s.skipped.Load() }

// Each streams every row of every file in order. A malformed row is logged
// and skipped; a file that cannot be opened or has no header is an error.
func (s *Source) Each(ctx context.Context, fn func(records.Record) error) error {
	files, err := corpus.Expand(s.Paths)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.streamFile(ctx, path, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) streamFile(ctx context.Context, path string, fn func(records.Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("csvfile: open: %w", err)
	}
	defer f.Close()

	n, err := s.Stream(ctx, f, fn)
	if err != nil {
		return fmt.Errorf("csvfile: %s: %w", path, err)
	}
	if s.Log != nil {
		s.Log.Debug("corpus file read", zap.String("path", path), zap.Int("documents", n))
	}
	return nil
}

// Stream decodes rows from r and hands each to fn. It returns the number of
// documents passed to fn.
func (s *Source) Stream(ctx context.Context, r io.Reader, fn func(records.Record) error) (int, error) {
	cr := csv.NewReader(r)
	if s.Comma != 0 {
		cr.Comma = s.Comma
	}
	cr.LazyQuotes = s.LazyQuotes
	cr.FieldsPerRecord = -1

	line := 1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("read header: %w", err)
	}
	keys := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if s.TrimSpace {
			h = strings.TrimSpace(h)
		}
		keys[i] = h
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			s.skipped.Add(1)
			if s.Log != nil {
				s.Log.Debug("csv row skipped", zap.Int("line", line), zap.Error(err))
			}
			continue
		}

		doc := make(records.Record, len(keys))
		for i, v := range rec {
			if i >= len(keys) || keys[i] == "" {
				continue
			}
			if s.TrimSpace {
				v = strings.TrimSpace(v)
			}
			if v != "" {
				doc[keys[i]] = v
			}
		}
		n++
		if err := fn(doc); err != nil {
			return n, err
		}
	}
}
