// Package normalize aligns single documents against a frozen schema.
//
// The same function serves bulk cleanup, dataset assembly and live
// inference: Record turns one flattened document into a value vector whose
// order matches the snapshot's attribute list, substituting defaults for
// missing or unconvertible values and rejecting records that need too many.
package normalize

import (
	"fmt"

	"ahnung/internal/schema"
	"ahnung/pkg/records"
)

// Rejection causes. All wrap schema.ErrRecordRejected; ErrUnresolvedValue
// also wraps schema.ErrValueUnresolved.
var (
	ErrTargetMissing   = fmt.Errorf("%w: target missing", schema.ErrRecordRejected)
	ErrUnresolvedValue = fmt.Errorf("%w: %w", schema.ErrRecordRejected, schema.ErrValueUnresolved)
	ErrTooManyDefaults = fmt.Errorf("%w: too many defaults", schema.ErrRecordRejected)
)

// Result is one normalized record.
type Result struct {
	// Values is aligned 1:1 with the path list the record was normalized against.
	Values []any
	// Doc holds the same values keyed by path.
	Doc records.Record
	// DefaultsUsed counts substituted values.
	DefaultsUsed int
}

// Budget is the number of defaults a record over n paths may use.
func Budget(n int) int { return 1 + n/10 }

// Record normalizes flat against paths.
//
// Per path, in order:
//   - absent (or nil): the target rejects the record, anything else takes its
//     default and counts against the budget.
//   - present with an unresolvable type: the record is rejected.
//   - present with the required type: kept.
//   - present with another type: converted, or defaulted and counted when the
//     conversion fails.
//
// An empty target normalizes for inference, where no label is expected.
func Record(flat records.Record, paths []string, types map[string]schema.Type, defaults map[string]any, target string) (*Result, error) {
	res := &Result{
		Values: make([]any, len(paths)),
		Doc:    make(records.Record, len(paths)),
	}
	budget := Budget(len(paths))

	for i, path := range paths {
		want := types[path]
		raw, ok := flat[path]
		if !ok || raw == nil {
			if target != "" && path == target {
				return nil, fmt.Errorf("%w: %q", ErrTargetMissing, path)
			}
			res.put(i, path, defaults[path])
			res.DefaultsUsed++
			continue
		}

		typ, v := schema.Resolve(raw)
		switch {
		case typ == schema.TypeUnknown || typ == schema.TypeNested:
			return nil, fmt.Errorf("%w: %q holds %T", ErrUnresolvedValue, path, raw)
		case sameKind(typ, want):
			res.put(i, path, v)
		default:
			cv, err := schema.Convert(want, v)
			if err != nil {
				res.put(i, path, defaults[path])
				res.DefaultsUsed++
				continue
			}
			res.put(i, path, cv)
		}
	}

	if res.DefaultsUsed > budget {
		return nil, fmt.Errorf("%w: used %d, allowed %d", ErrTooManyDefaults, res.DefaultsUsed, budget)
	}
	return res, nil
}

func (r *Result) put(i int, path string, v any) {
	r.Values[i] = v
	r.Doc[path] = v
}

// sameKind treats Int and Long as one kind; both are int64.
func sameKind(got, want schema.Type) bool {
	if got == want {
		return true
	}
	isInt := func(t schema.Type) bool { return t == schema.TypeInt || t == schema.TypeLong }
	return isInt(got) && isInt(want)
}
