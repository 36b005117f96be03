// TableSpec lives here so both the dataset sinks and the backend packages can
// import it without circular deps.
package storage

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"ahnung/internal/schema"
)

// TableSpec describes a dataset table: one column per training attribute.
type TableSpec struct {
	Name    string       `json:"name"`
	Columns []ColumnSpec `json:"columns"`
}

// ColumnSpec maps an attribute path to a column. Backends translate Type into
// their own SQL type.
type ColumnSpec struct {
	Name string      `json:"name"`
	Path string      `json:"path"`
	Type schema.Type `json:"type"`
}

// ColumnNames returns the column names in order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// DatasetSpec derives the dataset table of snap: the table is named
// prefix + estimator and holds the features followed by the target, in the
// snapshot's order. Paths that normalize to the same identifier get a
// numeric suffix. An integer path whose default is fractional gets a float
// column so defaulted rows keep the value the normalizer produced.
func DatasetSpec(snap *schema.Snapshot, prefix string) (TableSpec, error) {
	name := ColumnName(prefix + snap.Estimator())
	if name == "" {
		return TableSpec{}, fmt.Errorf("storage: estimator %q yields an empty table name", snap.Estimator())
	}

	paths := snap.TrainingAttributes()
	spec := TableSpec{Name: name, Columns: make([]ColumnSpec, 0, len(paths))}
	used := make(map[string]bool, len(paths))
	for _, p := range paths {
		typ := columnType(snap, p)
		col := ColumnName(p)
		if col == "" {
			col = "col"
		}
		base := col
		for n := 2; used[col]; n++ {
			col = truncateIdent(base, maxIdentLen-4) + fmt.Sprintf("_%d", n)
		}
		used[col] = true
		spec.Columns = append(spec.Columns, ColumnSpec{Name: col, Path: p, Type: typ})
	}
	return spec, nil
}

const maxIdentLen = 63

func columnType(snap *schema.Snapshot, path string) schema.Type {
	typ, _ := snap.Type(path)
	if typ != schema.TypeInt && typ != schema.TypeLong {
		return typ
	}
	if def, ok := snap.Default(path); ok {
		if _, frac := def.(float64); frac {
			return schema.TypeFloat
		}
	}
	return typ
}

// foldAccents returns a fresh transformer; chained transformers keep state.
func foldAccents() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// ColumnName converts an attribute path into a safe, lowercase identifier:
// accents are folded, separators become single underscores, anything else
// outside [a-z0-9_] is dropped, and a leading digit gets a "c_" prefix.
// The result is at most 63 bytes.
func ColumnName(path string) string {
	s := strings.TrimSpace(path)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "ß", "ss")
	if folded, _, err := transform.String(foldAccents(), s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		if r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';' || r == '$' {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			lastUnderscore = r == '_'
		}
	}

	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "c_" + out
	}
	return truncateIdent(out, maxIdentLen)
}

func truncateIdent(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.ValidString(s[:cut]) {
		cut--
	}
	return s[:cut]
}
