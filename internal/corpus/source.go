// Package corpus defines where documents come from.
//
// A Source is a finite, restartable sequence: every call to Each walks the
// whole corpus again from the start. Concrete sources live in subpackages
// (jsonfile, mongo); this package holds the interface, an in-memory source
// and the target-presence filter.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"ahnung/internal/schema"
	"ahnung/pkg/records"
)

// Source yields documents to fn in corpus order. Each stops at the first
// error returned by fn and returns it; it returns ctx.Err() on cancellation.
type Source interface {
	Each(ctx context.Context, fn func(records.Record) error) error
}

// Slice is an in-memory Source.
type Slice []records.Record

func (s Slice) Each(ctx context.Context, fn func(records.Record) error) error {
	for _, r := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Partition splits s into at most n contiguous, non-empty parts.
func (s Slice) Partition(n int) []Source {
	if n <= 1 || len(s) <= 1 {
		return []Source{s}
	}
	if n > len(s) {
		n = len(s)
	}
	size := (len(s) + n - 1) / n
	out := make([]Source, 0, n)
	for lo := 0; lo < len(s); lo += size {
		hi := lo + size
		if hi > len(s) {
			hi = len(s)
		}
		out = append(out, s[lo:hi])
	}
	return out
}

// Head yields at most n documents of src; n <= 0 yields them all.
func Head(src Source, n int) Source {
	if n <= 0 {
		return src
	}
	return head{src: src, n: n}
}

type head struct {
	src Source
	n   int
}

var errHeadDone = errors.New("corpus: head done")

func (h head) Each(ctx context.Context, fn func(records.Record) error) error {
	seen := 0
	err := h.src.Each(ctx, func(doc records.Record) error {
		if seen == h.n {
			return errHeadDone
		}
		seen++
		return fn(doc)
	})
	if errors.Is(err, errHeadDone) {
		return nil
	}
	return err
}

// TargetFilter passes through documents whose target path holds a value
// that is neither null nor the empty string.
type TargetFilter struct {
	src     Source
	target  string
	skipped atomic.Int64
}

// WithTarget wraps src so only documents carrying target are yielded.
func WithTarget(src Source, target string) *TargetFilter {
	return &TargetFilter{src: src, target: target}
}

func (f *TargetFilter) Each(ctx context.Context, fn func(records.Record) error) error {
	return f.src.Each(ctx, func(doc records.Record) error {
		if !HasValue(doc, f.target) {
			f.skipped.Add(1)
			return nil
		}
		return fn(doc)
	})
}

// Skipped returns how many documents were filtered out so far.
func (f *TargetFilter) Skipped() int64 { return f.skipped.Load() }

// Lookup resolves a dotted attribute path inside a nested document.
// A key that literally equals path wins, so flattened documents work too.
func Lookup(doc map[string]any, path string) (any, bool) {
	if v, ok := doc[path]; ok {
		return v, true
	}
	cur := any(doc)
	for _, key := range strings.Split(path, schema.Separator) {
		var m map[string]any
		switch t := cur.(type) {
		case map[string]any:
			m = t
		case records.Record:
			m = t
		default:
			return nil, false
		}
		v, ok := m[key]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// HasValue reports whether path exists in doc with a non-null, non-empty value.
func HasValue(doc map[string]any, path string) bool {
	v, ok := Lookup(doc, path)
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

// Expand resolves file paths and globs for the file-based sources, sorted
// per pattern and de-duplicated. A literal path that does not exist is an
// error; a glob matching nothing is not.
func Expand(paths []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range paths {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("corpus: bad pattern %q: %w", p, err)
		}
		if matches == nil && !hasMeta(p) {
			return nil, fmt.Errorf("corpus: %s: %w", p, os.ErrNotExist)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, `*?[\`)
}
