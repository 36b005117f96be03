// Package report describes stored snapshots for people: which attributes were
// selected and how they are filled, and which were rejected and why.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"ahnung/internal/schema"
)

// Attribute is one selected attribute (or the target).
type Attribute struct {
	Path    string
	Type    string
	Sense   string
	Default string
	Present int
	Ratio   float64
	Unique  int
	Labels  []string
	Target  bool
}

// Rejected is one attribute that did not make it into the snapshot.
type Rejected struct {
	Path    string
	Reason  string
	Present int
	Ratio   float64
	Unique  int
	Types   string
}

// Report is the view of one snapshot.
type Report struct {
	Estimator string
	Version   string
	Target    string
	CreatedAt time.Time
	Docs      int
	Selected  []Attribute
	Rejected  []Rejected
}

// Build derives the report of snap. Selected attributes keep snapshot order
// with the target last; rejected ones are sorted by path.
func Build(snap *schema.Snapshot) Report {
	r := Report{
		Estimator: snap.Estimator(),
		Version:   snap.Version(),
		Target:    snap.Target(),
		CreatedAt: snap.CreatedAt(),
		Docs:      snap.Docs(),
	}
	stats := snap.Stats()
	for _, path := range snap.TrainingAttributes() {
		typ, _ := snap.Type(path)
		sense, _ := snap.Sense(path)
		a := Attribute{
			Path:   path,
			Type:   typ.String(),
			Sense:  sense.String(),
			Target: path == snap.Target(),
		}
		if def, ok := snap.Default(path); ok {
			a.Default = schema.ConvertString(def)
		}
		if st, ok := stats[path]; ok {
			a.Present, a.Unique = st.Present, st.Unique
			a.Ratio = ratio(st.Present, r.Docs)
		}
		if enc := snap.Encoder(path); enc != nil {
			a.Labels = enc.Labels()
		}
		r.Selected = append(r.Selected, a)
	}

	rejected := snap.Rejected()
	for _, path := range snap.RejectedPaths() {
		rej := rejected[path]
		r.Rejected = append(r.Rejected, Rejected{
			Path:    path,
			Reason:  rej.Reason,
			Present: rej.Present,
			Ratio:   ratio(rej.Present, r.Docs),
			Unique:  rej.Unique,
			Types:   typeCounts(rej.TypeCounts),
		})
	}
	return r
}

func ratio(n, docs int) float64 {
	if docs <= 0 {
		return 0
	}
	return float64(n) / float64(docs)
}

func typeCounts(m map[schema.Type]int) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]schema.Type, 0, len(m))
	for t := range m {
		keys = append(keys, t)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	parts := make([]string, 0, len(keys))
	for _, t := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", t, m[t]))
	}
	return strings.Join(parts, ",")
}

// WriteText renders r as aligned plain text.
func WriteText(w io.Writer, r Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "estimator %s (target %s, %d docs, version %s, %s)\n",
		r.Estimator, r.Target, r.Docs, r.Version, r.CreatedAt.UTC().Format(time.RFC3339))

	fmt.Fprintf(tw, "\nselected attributes: %d\n", len(r.Selected))
	fmt.Fprintln(tw, "path\ttype\tsense\tdefault\tpresent\tunique\tlabels")
	for _, a := range r.Selected {
		path := a.Path
		if a.Target {
			path += " (target)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%d\t%s\n",
			path, a.Type, a.Sense, a.Default, a.Ratio, a.Unique, strings.Join(a.Labels, ","))
	}

	fmt.Fprintf(tw, "\nrejected attributes: %d\n", len(r.Rejected))
	if len(r.Rejected) > 0 {
		fmt.Fprintln(tw, "path\treason\tpresent\tunique\ttypes")
		for _, rej := range r.Rejected {
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d\t%s\n", rej.Path, rej.Reason, rej.Ratio, rej.Unique, rej.Types)
		}
	}
	return tw.Flush()
}
