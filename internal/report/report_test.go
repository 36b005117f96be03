package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ahnung/internal/schema"
)

func churnSnapshot(t *testing.T) *schema.Snapshot {
	t.Helper()
	snap, err := schema.NewSnapshot(schema.Parts{
		Version:    "v7",
		Estimator:  "churn",
		Target:     "label",
		CreatedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Docs:       10,
		Attributes: []string{"age", "city"},
		Types:      map[string]schema.Type{"age": schema.TypeInt, "city": schema.TypeString, "label": schema.TypeString},
		Senses: map[string]schema.Sense{
			"age": schema.SenseNumerical, "city": schema.SenseCategorical, "label": schema.SenseCategorical,
		},
		Defaults: map[string]any{"age": 1.5, "city": "Bonn", "label": "no"},
		Encoders: map[string][]string{"city": {"Bonn", "Köln"}, "label": {"no", "yes"}},
		Rejected: map[string]schema.Rejection{
			"zip":  {Present: 3, Unique: 3, Reason: "too few values", TypeCounts: map[schema.Type]int{schema.TypeString: 2, schema.TypeInt: 1}},
			"note": {Present: 10, Unique: 1, Reason: "one value"},
		},
		Stats: map[string]schema.AttributeSummary{
			"age":   {Present: 9, Unique: 4},
			"city":  {Present: 10, Unique: 2},
			"label": {Present: 10, Unique: 2},
		},
	})
	require.NoError(t, err)
	return snap
}

// TestBuild verifies order, defaults, ratios and rejected sorting.
func TestBuild(t *testing.T) {
	t.Parallel()

	r := Build(churnSnapshot(t))
	assert.Equal(t, "churn", r.Estimator)
	require.Len(t, r.Selected, 3)

	assert.Equal(t, Attribute{Path: "age", Type: "int", Sense: "numerical", Default: "1.5", Present: 9, Ratio: 0.9, Unique: 4}, r.Selected[0])
	assert.Equal(t, []string{"Bonn", "Köln"}, r.Selected[1].Labels)
	assert.True(t, r.Selected[2].Target)
	assert.Equal(t, "label", r.Selected[2].Path)

	require.Len(t, r.Rejected, 2)
	assert.Equal(t, "note", r.Rejected[0].Path)
	assert.Equal(t, "zip", r.Rejected[1].Path)
	assert.Equal(t, "int=1,string=2", r.Rejected[1].Types)
	assert.InDelta(t, 0.3, r.Rejected[1].Ratio, 1e-9)
}

// TestWriteText verifies the plain text layout.
func TestWriteText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, Build(churnSnapshot(t))))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "estimator churn (target label, 10 docs, version v7, 2024-03-01T12:00:00Z)\n"))
	assert.Contains(t, out, "selected attributes: 3")
	assert.Contains(t, out, "rejected attributes: 2")
	assert.Regexp(t, `label \(target\)\s+string\s+categorical\s+no\s+1\.00\s+2\s+no,yes`, out)
	assert.Regexp(t, `zip\s+too few values\s+0\.30\s+3\s+int=1,string=2`, out)
}

// TestWriteHTML parses the page and checks the tables.
func TestWriteHTML(t *testing.T) {
	t.Parallel()

	snap := churnSnapshot(t)
	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, "ahnung <schema>", []Report{Build(snap)}))

	doc, err := goquery.NewDocumentFromReader(&buf)
	require.NoError(t, err)

	assert.Equal(t, "ahnung <schema>", doc.Find("h1").Text())
	sec := doc.Find("section#est-churn")
	require.Equal(t, 1, sec.Length())
	assert.Equal(t, "label", sec.Find("b.target").Text())
	assert.Equal(t, "10", sec.Find("span.docs").Text())

	var paths []string
	sec.Find("table.selected td.path").Each(func(_ int, s *goquery.Selection) {
		paths = append(paths, s.Text())
	})
	assert.Equal(t, []string{"age", "city", "label"}, paths)
	assert.Equal(t, "label", sec.Find("table.selected tr.target td.path").Text())
	assert.Equal(t, "1.5", sec.Find("table.selected td.default").First().Text())

	reasons := sec.Find("table.rejected td.reason").Map(func(_ int, s *goquery.Selection) string { return s.Text() })
	assert.Equal(t, []string{"one value", "too few values"}, reasons)
}
