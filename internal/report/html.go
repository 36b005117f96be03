package report

import (
	"fmt"
	"html/template"
	"io"
	"strings"
)

var page = template.Must(template.New("report").Funcs(template.FuncMap{
	"join": strings.Join,
	"pct":  func(f float64) string { return fmt.Sprintf("%.1f%%", 100*f) },
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{range .Reports}}
<section class="estimator" id="est-{{.Estimator}}">
<h2>{{.Estimator}}</h2>
<p class="meta">target <b class="target">{{.Target}}</b>, <span class="docs">{{.Docs}}</span> documents, version <code>{{.Version}}</code></p>
<table class="selected">
<thead><tr><th>path</th><th>type</th><th>sense</th><th>default</th><th>present</th><th>unique</th><th>labels</th></tr></thead>
<tbody>
{{range .Selected}}<tr{{if .Target}} class="target"{{end}}><td class="path">{{.Path}}</td><td class="type">{{.Type}}</td><td class="sense">{{.Sense}}</td><td class="default">{{.Default}}</td><td>{{pct .Ratio}}</td><td>{{.Unique}}</td><td>{{join .Labels ", "}}</td></tr>
{{end}}</tbody>
</table>
<table class="rejected">
<thead><tr><th>path</th><th>reason</th><th>present</th><th>unique</th><th>types</th></tr></thead>
<tbody>
{{range .Rejected}}<tr><td class="path">{{.Path}}</td><td class="reason">{{.Reason}}</td><td>{{pct .Ratio}}</td><td>{{.Unique}}</td><td>{{.Types}}</td></tr>
{{end}}</tbody>
</table>
</section>
{{end}}
</body>
</html>
`))

// WriteHTML renders one page covering every report.
func WriteHTML(w io.Writer, title string, reports []Report) error {
	return page.Execute(w, struct {
		Title   string
		Reports []Report
	}{Title: title, Reports: reports})
}
