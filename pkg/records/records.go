// Package records defines the generic document shape passed between the
// corpus sources, the schema accumulator and the normalizer.
package records

// Record is one document keyed by field name. Nested documents are stored as
// map[string]any or Record values; after flattening, keys are attribute paths.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
