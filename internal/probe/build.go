package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ahnung/internal/corpus"
	"ahnung/internal/metrics"
	"ahnung/internal/schema"
)

// ErrTargetUnobserved is returned when no scanned document carried the target.
var ErrTargetUnobserved = errors.New("probe: target not observed in corpus")

// Options configures one schema build.
type Options struct {
	ValidateOptions
	// Estimator names the snapshot; it becomes the storage key.
	Estimator string
	// Version is stamped on the snapshot. Empty means a fresh UUID.
	Version string
	// Partitions > 1 scans the corpus concurrently when the source can be
	// split (corpus.Slice).
	Partitions int
}

// Build turns a scanned table into a snapshot.
//
// Features are the accepted non-target paths in lexicographic order. The
// target is typed and sensed but never listed as a feature.
func Build(table *Table, opts Options) (*schema.Snapshot, *Validation, error) {
	if table == nil {
		return nil, nil, fmt.Errorf("probe: build %q: nil table", opts.Estimator)
	}
	if table.Attrs[opts.Target] == nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrTargetUnobserved, opts.Target)
	}

	v := Validate(table, opts.ValidateOptions)
	defaults := Defaults(table, v)

	encoders := make(map[string][]string, len(v.Encoders))
	for path, enc := range v.Encoders {
		encoders[path] = enc.Labels()
	}
	stats := make(map[string]schema.AttributeSummary, len(table.Attrs))
	for path, st := range table.Attrs {
		stats[path] = st.Summary()
	}

	features := v.Features()
	snap, err := schema.NewSnapshot(schema.Parts{
		Version:    opts.Version,
		Estimator:  opts.Estimator,
		Target:     opts.Target,
		Docs:       table.Docs,
		Attributes: features,
		Types:      v.Types,
		Senses:     v.Senses,
		Defaults:   defaults,
		Encoders:   encoders,
		Rejected:   v.Rejected,
		Stats:      stats,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("probe: build %q: %w", opts.Estimator, err)
	}

	metrics.RecordAttributes("accepted", len(features))
	metrics.RecordAttributes("rejected", len(v.Rejected))
	return snap, v, nil
}

// Infer scans the documents of src that carry the target and builds the
// snapshot. Documents without a target value are skipped before scanning.
func Infer(ctx context.Context, src corpus.Source, opts Options) (*schema.Snapshot, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	start := time.Now()

	var (
		table *Table
		err   error
	)
	var filters []*corpus.TargetFilter
	if s, ok := src.(corpus.Slice); ok && opts.Partitions > 1 {
		parts := s.Partition(opts.Partitions)
		for i, p := range parts {
			f := corpus.WithTarget(p, opts.Target)
			filters = append(filters, f)
			parts[i] = f
		}
		table, err = ScanPartitions(ctx, parts, opts.Partitions, log)
	} else {
		f := corpus.WithTarget(src, opts.Target)
		filters = append(filters, f)
		table, err = Scan(ctx, f, log)
	}
	if err != nil {
		metrics.RecordStep("infer", metrics.StatusOf(err), time.Since(start))
		return nil, fmt.Errorf("probe: infer %q: %w", opts.Estimator, err)
	}

	snap, _, err := Build(table, opts)
	metrics.RecordStep("infer", metrics.StatusOf(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	var skipped int64
	for _, f := range filters {
		skipped += f.Skipped()
	}
	log.Info("schema inferred",
		zap.String("estimator", opts.Estimator),
		zap.String("target", opts.Target),
		zap.Int("docs", table.Docs),
		zap.Int64("skipped_no_target", skipped),
		zap.Int("features", snap.Len()),
		zap.Int("rejected", len(snap.RejectedPaths())),
		zap.Int("marker_failures", table.Failures),
		zap.Int("dropped_values", table.Dropped),
	)
	return snap, nil
}
