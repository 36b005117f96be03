// Package probe infers a schema from a corpus.
//
// It scans documents into per-path statistics (Accumulator, Table), decides
// which paths become features and with which type and sense (Validate),
// computes fill values (Defaults) and freezes the result into a
// schema.Snapshot (Build).
//
// Scanning is the only stateful part. Tables built over disjoint partitions
// merge associatively, and the mode of every path is derived from the merged
// histogram, so the result does not depend on corpus order or partitioning.
package probe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ahnung/internal/corpus"
	"ahnung/internal/metrics"
	"ahnung/internal/schema"
	"ahnung/pkg/records"
)

// ValueKey buckets a value by type and canonical text, so 1 and 1.0 and "1"
// are counted separately.
type ValueKey struct {
	Type schema.Type
	Text string
}

// Less orders keys by type, then text. It breaks ties when picking the mode.
func (k ValueKey) Less(o ValueKey) bool {
	if k.Type != o.Type {
		return k.Type < o.Type
	}
	return k.Text < o.Text
}

// AttributeStats holds everything observed at one attribute path.
type AttributeStats struct {
	Present  int
	Types    map[schema.Type]int
	Values   map[ValueKey]int
	IntStr   int
	FloatStr int
}

func newAttributeStats() *AttributeStats {
	return &AttributeStats{
		Types:  make(map[schema.Type]int),
		Values: make(map[ValueKey]int),
	}
}

func (s *AttributeStats) observe(t schema.Type, v any) {
	s.Present++
	s.Types[t]++
	text := schema.Text(t, v)
	s.Values[ValueKey{Type: t, Text: text}]++

	if t != schema.TypeString {
		return
	}
	// Float coercion is only tried when integer coercion fails.
	if schema.IsIntString(text) {
		s.IntStr++
	} else if schema.IsFloatString(text) {
		s.FloatStr++
	}
}

func (s *AttributeStats) merge(o *AttributeStats) {
	s.Present += o.Present
	s.IntStr += o.IntStr
	s.FloatStr += o.FloatStr
	for t, n := range o.Types {
		s.Types[t] += n
	}
	for k, n := range o.Values {
		s.Values[k] += n
	}
}

// Unique is the number of distinct (type, text) buckets.
func (s *AttributeStats) Unique() int { return len(s.Values) }

// Mode returns the most frequent bucket. Ties go to the smallest key.
func (s *AttributeStats) Mode() (ValueKey, int, bool) {
	var (
		best  ValueKey
		count int
		found bool
	)
	for k, n := range s.Values {
		if !found || n > count || (n == count && k.Less(best)) {
			best, count, found = k, n, true
		}
	}
	return best, count, found
}

// Labels returns the distinct value texts in sorted order.
func (s *AttributeStats) Labels() []string {
	seen := make(map[string]struct{}, len(s.Values))
	out := make([]string, 0, len(s.Values))
	for k := range s.Values {
		if _, ok := seen[k.Text]; ok {
			continue
		}
		seen[k.Text] = struct{}{}
		out = append(out, k.Text)
	}
	sort.Strings(out)
	return out
}

// Summary projects the statistics persisted alongside a snapshot.
func (s *AttributeStats) Summary() schema.AttributeSummary {
	sum := schema.AttributeSummary{
		Present:  s.Present,
		Unique:   s.Unique(),
		IntStr:   s.IntStr,
		FloatStr: s.FloatStr,
	}
	if mode, _, ok := s.Mode(); ok {
		sum.Mode = mode.Text
		sum.ModeType = mode.Type
	}
	return sum
}

// Table is the result of scanning a corpus.
type Table struct {
	Docs int
	// Failures counts marker payloads that fell back to a Missing* value.
	Failures int
	// Dropped counts leaves discarded because their type was unknown.
	Dropped int
	Attrs   map[string]*AttributeStats
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{Attrs: make(map[string]*AttributeStats)}
}

// Attr returns the statistics for path, or nil.
func (t *Table) Attr(path string) *AttributeStats { return t.Attrs[path] }

// Paths returns all observed paths in sorted order.
func (t *Table) Paths() []string {
	out := make([]string, 0, len(t.Attrs))
	for p := range t.Attrs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Merge folds o into t. Merge is associative and commutative.
func (t *Table) Merge(o *Table) {
	if o == nil {
		return
	}
	t.Docs += o.Docs
	t.Failures += o.Failures
	t.Dropped += o.Dropped
	for path, st := range o.Attrs {
		cur := t.Attrs[path]
		if cur == nil {
			cur = newAttributeStats()
			t.Attrs[path] = cur
		}
		cur.merge(st)
	}
}

// Accumulator folds documents into a Table. It is single-writer: use one
// Accumulator per goroutine and Merge the tables.
type Accumulator struct {
	table *Table
	res   schema.Resolver
	flat  records.Record
	log   *zap.Logger
}

// NewAccumulator returns an empty accumulator. A nil log discards output.
func NewAccumulator(log *zap.Logger) *Accumulator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Accumulator{
		table: NewTable(),
		flat:  make(records.Record),
		log:   log,
	}
}

// Add flattens doc and records every (path, value) pair.
func (a *Accumulator) Add(doc map[string]any) {
	clear(a.flat)
	before := a.res.Failures
	a.table.Dropped += a.res.Flatten("", doc, a.flat, a.log)
	a.table.Failures += a.res.Failures - before
	a.table.Docs++

	for path, v := range a.flat {
		t, cv := a.res.Resolve(v)
		st := a.table.Attrs[path]
		if st == nil {
			st = newAttributeStats()
			a.table.Attrs[path] = st
		}
		st.observe(t, cv)
	}
}

// Table returns the accumulated table. The accumulator must not be used after.
func (a *Accumulator) Table() *Table { return a.table }

// Scan accumulates every document of src. On error or cancellation the
// partial table is discarded.
func Scan(ctx context.Context, src corpus.Source, log *zap.Logger) (*Table, error) {
	start := time.Now()
	acc := NewAccumulator(log)
	err := src.Each(ctx, func(doc records.Record) error {
		acc.Add(doc)
		return nil
	})
	metrics.RecordStep("scan", metrics.StatusOf(err), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("probe: scan: %w", err)
	}
	metrics.RecordDocuments(acc.table.Docs)
	return acc.table, nil
}

// ScanPartitions scans parts concurrently, at most limit at a time (limit <= 0
// means unbounded), and merges the tables. Any failure cancels the remaining
// partitions and no table is returned.
func ScanPartitions(ctx context.Context, parts []corpus.Source, limit int, log *zap.Logger) (*Table, error) {
	tables := make([]*Table, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, part := range parts {
		i, part := i, part
		g.Go(func() error {
			t, err := Scan(gctx, part, log)
			if err != nil {
				return fmt.Errorf("partition %d: %w", i, err)
			}
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := NewTable()
	for _, t := range tables {
		out.Merge(t)
	}
	return out, nil
}

// FormatTable renders per-path statistics as an aligned text table, most
// present first.
func FormatTable(t *Table) string {
	if t == nil || t.Docs <= 0 {
		return "schema: no documents scanned"
	}

	paths := t.Paths()
	sort.SliceStable(paths, func(i, j int) bool {
		pi, pj := t.Attrs[paths[i]].Present, t.Attrs[paths[j]].Present
		if pi == pj {
			return paths[i] < paths[j]
		}
		return pi > pj
	})

	var b strings.Builder
	fmt.Fprintf(&b, "schema table:\tdocs=%d\tmarker_failures=%d\tdropped=%d\n", t.Docs, t.Failures, t.Dropped)
	fmt.Fprintf(&b, "%-24s\t%-7s\t%-7s\tpresent\ttypes\n", "path", "unique", "rows")
	for _, p := range paths {
		st := t.Attrs[p]
		fmt.Fprintf(&b, "%-24s\t%-7d\t%-7d\t%.1f%%\t%s\n",
			p, st.Unique(), st.Present, 100*float64(st.Present)/float64(t.Docs), formatTypeCounts(st.Types))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatTypeCounts(m map[schema.Type]int) string {
	parts := make([]string, 0, len(m))
	for _, t := range append(schema.LearningTypes[:len(schema.LearningTypes):len(schema.LearningTypes)], schema.TypeNested, schema.TypeUnknown) {
		if n := m[t]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", t, n))
		}
	}
	return strings.Join(parts, ",")
}
