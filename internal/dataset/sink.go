// Package dataset writes normalized records to their consumer: a table in
// the configured storage backend or a CSV file.
package dataset

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ahnung/internal/schema"
	"ahnung/internal/storage"
)

// Sink receives normalized value vectors, one per accepted record, aligned
// with the snapshot's training attributes.
type Sink interface {
	Write(ctx context.Context, values []any) error
	Close(ctx context.Context) error
}

const defaultBatchSize = 1024

// TableSink buffers rows and appends them to a dataset table in batches.
//
// Ownership:
//   - Write copies values, so callers may reuse their slice.
//   - TableSink is not safe for concurrent use.
type TableSink struct {
	repo      storage.Repository
	spec      storage.TableSpec
	columns   []string
	batchSize int
	log       *zap.Logger

	buf     [][]any
	written int64
}

// NewTableSink derives the dataset table of snap, creates it if missing and
// returns a sink that flushes every batchSize rows (1024 when <= 0).
func NewTableSink(ctx context.Context, repo storage.Repository, snap *schema.Snapshot, prefix string, batchSize int, log *zap.Logger) (*TableSink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	spec, err := storage.DatasetSpec(snap, prefix)
	if err != nil {
		return nil, err
	}
	if err := repo.EnsureDataset(ctx, spec); err != nil {
		return nil, err
	}
	return &TableSink{
		repo:      repo,
		spec:      spec,
		columns:   spec.ColumnNames(),
		batchSize: batchSize,
		log:       log.With(zap.String("table", spec.Name)),
		buf:       make([][]any, 0, batchSize),
	}, nil
}

// Table is the dataset table rows are written to.
func (s *TableSink) Table() storage.TableSpec { return s.spec }

// Written is the number of rows flushed so far.
func (s *TableSink) Written() int64 { return s.written }

func (s *TableSink) Write(ctx context.Context, values []any) error {
	if len(values) != len(s.columns) {
		return fmt.Errorf("dataset: %s expects %d values, got %d", s.spec.Name, len(s.columns), len(values))
	}
	s.buf = append(s.buf, append([]any(nil), values...))
	if len(s.buf) >= s.batchSize {
		return s.flush(ctx)
	}
	return nil
}

func (s *TableSink) flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	n, err := s.repo.InsertRows(ctx, s.spec.Name, s.columns, s.buf)
	if err != nil {
		return fmt.Errorf("dataset: flush %d rows: %w", len(s.buf), err)
	}
	s.written += n
	s.log.Debug("batch flushed", zap.Int("rows", len(s.buf)), zap.Int64("written", s.written))
	s.buf = s.buf[:0]
	return nil
}

// Close flushes buffered rows. The repository stays open.
func (s *TableSink) Close(ctx context.Context) error {
	return s.flush(ctx)
}
