package probe

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"ahnung/internal/schema"
)

// Defaults computes one fill value per accepted path of v.
//
// Numerical paths take the median of the histogram values that coerce to the
// path's type, then the mode, then the type's zero value.
// An integral median of an integer path stays int64; a fractional one is kept
// as float64 (median of 1 and 2 is 1.5).
//
// Categorical paths take the mode converted to the path's type, then the
// encoder's first label, then the integer median, then the zero value.
func Defaults(table *Table, v *Validation) map[string]any {
	out := make(map[string]any, len(v.Types))
	for path, typ := range v.Types {
		st := table.Attrs[path]
		mode, hasMode := v.Modes[path]

		switch v.Senses[path] {
		case schema.SenseNumerical:
			out[path] = numericalDefault(st, typ, mode, hasMode)
		case schema.SenseCategorical:
			out[path] = categoricalDefault(st, typ, mode, hasMode, v.Encoders[path])
		default:
			if hasMode {
				if val, ok := convertText(typ, mode.Text); ok {
					out[path] = val
					continue
				}
			}
			out[path] = schema.ZeroValue(typ)
		}
	}
	return out
}

func numericalDefault(st *AttributeStats, typ schema.Type, mode ValueKey, hasMode bool) any {
	var samples []weighted
	if typ == schema.TypeFloat {
		samples = floatSamples(st)
	} else {
		samples = intSamples(st)
	}

	if med, ok := weightedMedian(samples); ok {
		if typ != schema.TypeFloat && med == math.Trunc(med) {
			return int64(med)
		}
		return med
	}
	if hasMode {
		if val, ok := convertText(typ, mode.Text); ok {
			return val
		}
	}
	return schema.ZeroValue(typ)
}

func categoricalDefault(st *AttributeStats, typ schema.Type, mode ValueKey, hasMode bool, enc *schema.Encoder) any {
	if hasMode {
		if val, ok := convertText(typ, mode.Text); ok {
			return val
		}
	}
	if enc != nil {
		if first, ok := enc.First(); ok {
			if val, ok := convertText(typ, first); ok {
				return val
			}
		}
	}
	if med, ok := weightedMedian(intSamples(st)); ok {
		if val, ok := convertText(typ, strconv.FormatInt(int64(med), 10)); ok {
			return val
		}
	}
	return schema.ZeroValue(typ)
}

// convertText turns a histogram text into the canonical value of typ.
func convertText(typ schema.Type, text string) (any, bool) {
	switch typ {
	case schema.TypeString:
		return text, true
	case schema.TypeInt, schema.TypeLong:
		if i, err := schema.ConvertInt(text); err == nil {
			return i, true
		}
		if f, err := schema.ConvertFloat(text); err == nil {
			if i, err := schema.ConvertInt(f); err == nil {
				return i, true
			}
		}
		return nil, false
	case schema.TypeFloat:
		f, err := schema.ConvertFloat(text)
		return f, err == nil
	case schema.TypeDate:
		d, err := schema.ConvertDate(text)
		return d, err == nil
	default:
		return nil, false
	}
}

type weighted struct {
	v float64
	n int
}

func intSamples(st *AttributeStats) []weighted {
	if st == nil {
		return nil
	}
	out := make([]weighted, 0, len(st.Values))
	for k, n := range st.Values {
		i, err := strconv.ParseInt(strings.TrimSpace(k.Text), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, weighted{v: float64(i), n: n})
	}
	return out
}

func floatSamples(st *AttributeStats) []weighted {
	if st == nil {
		return nil
	}
	out := make([]weighted, 0, len(st.Values))
	for k, n := range st.Values {
		f, err := strconv.ParseFloat(strings.TrimSpace(k.Text), 64)
		if err != nil || math.IsNaN(f) {
			continue
		}
		out = append(out, weighted{v: f, n: n})
	}
	return out
}

// weightedMedian returns the median of the multiset where each value v
// occurs n times. Even-sized sets average the two middle elements.
func weightedMedian(samples []weighted) (float64, bool) {
	total := 0
	for _, s := range samples {
		total += s.n
	}
	if total == 0 {
		return 0, false
	}

	sorted := append([]weighted(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].v < sorted[j].v })

	at := func(pos int) float64 {
		seen := 0
		for _, s := range sorted {
			seen += s.n
			if pos < seen {
				return s.v
			}
		}
		return sorted[len(sorted)-1].v
	}

	if total%2 == 1 {
		return at(total / 2), true
	}
	return (at(total/2-1) + at(total/2)) / 2, true
}
