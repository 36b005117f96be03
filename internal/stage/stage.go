// Package stage runs the two batch stages of a pipeline for every configured
// estimator:
//
//   - SchemaStage scans each corpus, builds a snapshot and stores it.
//   - CleanupStage loads each stored snapshot, normalizes the corpus against
//     it and writes accepted records to the dataset sink.
//
// Estimators are independent and run concurrently, capped by
// runtime.parallel.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ahnung/internal/config"
	"ahnung/internal/corpus"
	"ahnung/internal/metrics"
	"ahnung/internal/normalize"
	"ahnung/internal/probe"
	"ahnung/internal/schema"
	"ahnung/internal/storage"
	"ahnung/pkg/records"
)

// SchemaStage infers and stores one snapshot per estimator.
type SchemaStage struct {
	Pipeline config.Pipeline
	Repo     storage.Repository
	Sources  SourceOpener
	Log      *zap.Logger
}

// Run returns the stored snapshots in estimator order. The first failing
// estimator cancels the others.
func (s *SchemaStage) Run(ctx context.Context) ([]*schema.Snapshot, error) {
	log := orNop(s.Log)
	out := make([]*schema.Snapshot, len(s.Pipeline.Estimators))

	g, gctx := errgroup.WithContext(ctx)
	if s.Pipeline.Runtime.Parallel > 0 {
		g.SetLimit(s.Pipeline.Runtime.Parallel)
	}
	for i, est := range s.Pipeline.Estimators {
		i, est := i, est
		g.Go(func() error {
			snap, err := s.RunEstimator(gctx, est)
			if err != nil {
				return err
			}
			out[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info("schema stage done", zap.Int("estimators", len(out)))
	return out, nil
}

// RunEstimator infers the snapshot of est and saves it.
func (s *SchemaStage) RunEstimator(ctx context.Context, est config.Estimator) (*schema.Snapshot, error) {
	log := orNop(s.Log).With(zap.String("estimator", est.Name))
	start := time.Now()

	snap, err := s.infer(ctx, est, log)
	if err == nil {
		err = s.Repo.SaveSnapshot(ctx, snap)
		if err != nil {
			err = fmt.Errorf("schema stage: save %q: %w", est.Name, err)
		}
	}
	metrics.RecordStep("schema_stage", metrics.StatusOf(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	log.Info("snapshot stored",
		zap.String("version", snap.Version()),
		zap.Int("features", snap.Len()),
		zap.Duration("took", time.Since(start).Truncate(time.Millisecond)),
	)
	return snap, nil
}

func (s *SchemaStage) infer(ctx context.Context, est config.Estimator, log *zap.Logger) (*schema.Snapshot, error) {
	src, err := s.Sources.Open(ctx, est)
	if err != nil {
		return nil, fmt.Errorf("schema stage: open %q: %w", est.Name, err)
	}

	partitions := s.Pipeline.Runtime.Partitions
	if _, isSlice := src.(corpus.Slice); partitions > 1 && !isSlice {
		src, err = collect(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("schema stage: read %q: %w", est.Name, err)
		}
	}

	vo := s.Pipeline.ValidateOptions(est)
	vo.Log = log
	return probe.Infer(ctx, src, probe.Options{
		ValidateOptions: vo,
		Estimator:       est.Name,
		Partitions:      partitions,
	})
}

// collect loads a streaming corpus into memory so it can be partitioned.
func collect(ctx context.Context, src corpus.Source) (corpus.Slice, error) {
	var out corpus.Slice
	err := src.Each(ctx, func(r records.Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// Summary reports the cleanup of one estimator.
type Summary struct {
	Estimator    string           `json:"estimator"`
	Scanned      int64            `json:"scanned"`
	Accepted     int64            `json:"accepted"`
	Rejected     map[string]int64 `json:"rejected"`
	DefaultsUsed int64            `json:"defaults_used"`
	Took         time.Duration    `json:"took"`
}

// RejectedTotal sums Rejected.
func (s Summary) RejectedTotal() int64 {
	var n int64
	for _, v := range s.Rejected {
		n += v
	}
	return n
}

// CleanupStage normalizes every corpus document against the stored snapshot
// of its estimator.
type CleanupStage struct {
	Pipeline config.Pipeline
	Repo     storage.Repository
	Sources  SourceOpener
	Sinks    SinkOpener
	Log      *zap.Logger
}

// Run returns one Summary per estimator, in estimator order.
func (c *CleanupStage) Run(ctx context.Context) ([]Summary, error) {
	out := make([]Summary, len(c.Pipeline.Estimators))

	g, gctx := errgroup.WithContext(ctx)
	if c.Pipeline.Runtime.Parallel > 0 {
		g.SetLimit(c.Pipeline.Runtime.Parallel)
	}
	for i, est := range c.Pipeline.Estimators {
		i, est := i, est
		g.Go(func() error {
			sum, err := c.RunEstimator(gctx, est)
			if err != nil {
				return err
			}
			out[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RunEstimator normalizes the corpus of est. Rejected records are counted,
// never fatal; source, sink and storage errors are.
func (c *CleanupStage) RunEstimator(ctx context.Context, est config.Estimator) (sum Summary, err error) {
	log := orNop(c.Log).With(zap.String("estimator", est.Name))
	start := time.Now()
	defer func() {
		metrics.RecordStep("cleanup_stage", metrics.StatusOf(err), time.Since(start))
	}()

	snap, err := c.Repo.LoadSnapshot(ctx, est.Name)
	if err != nil {
		return Summary{}, fmt.Errorf("cleanup stage: load %q: %w", est.Name, err)
	}
	src, err := c.Sources.Open(ctx, est)
	if err != nil {
		return Summary{}, fmt.Errorf("cleanup stage: open %q: %w", est.Name, err)
	}
	sink, err := c.Sinks.Open(ctx, snap)
	if err != nil {
		return Summary{}, fmt.Errorf("cleanup stage: sink %q: %w", est.Name, err)
	}

	n := normalize.New(snap, log)
	var scanned int64
	eachErr := src.Each(ctx, func(doc records.Record) error {
		scanned++
		res, err := n.Training(doc)
		if errors.Is(err, schema.ErrRecordRejected) {
			log.Debug("record rejected", zap.Int64("doc", scanned), zap.Error(err))
			return nil
		}
		if err != nil {
			return err
		}
		return sink.Write(ctx, res.Values)
	})
	closeErr := sink.Close(ctx)
	if eachErr != nil {
		return Summary{}, fmt.Errorf("cleanup stage: %q: %w", est.Name, eachErr)
	}
	if closeErr != nil {
		return Summary{}, fmt.Errorf("cleanup stage: close sink %q: %w", est.Name, closeErr)
	}

	counts := n.Counts()
	sum = Summary{
		Estimator: est.Name,
		Scanned:   scanned,
		Accepted:  counts.Accepted,
		Rejected: map[string]int64{
			"target_missing":    counts.TargetMissing,
			"unresolved":        counts.Unresolved,
			"too_many_defaults": counts.TooManyDefaults,
		},
		DefaultsUsed: counts.DefaultsUsed,
		Took:         time.Since(start).Truncate(time.Millisecond),
	}
	metrics.RecordDocuments(int(scanned))
	log.Info("cleanup done",
		zap.Int64("scanned", sum.Scanned),
		zap.Int64("accepted", sum.Accepted),
		zap.Int64("rejected", sum.RejectedTotal()),
		zap.Int64("defaults_used", sum.DefaultsUsed),
		zap.Duration("took", sum.Took),
	)
	return sum, nil
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
