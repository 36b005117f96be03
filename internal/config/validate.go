package config

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Severity classifies a configuration issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding of ValidatePipeline. Path is a dotted config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

var (
	sourceKinds  = map[string]bool{"file": true, "mongo": true}
	storageKinds = map[string]bool{"sqlite": true, "postgres": true, "mssql": true, "mongo": true}
	cleanupKinds = map[string]bool{"sql": true, "csv": true}
)

// ValidatePipeline reports every problem it finds rather than stopping at the
// first one. Callers treat any SeverityError as fatal.
func ValidatePipeline(p Pipeline) []Issue {
	var out []Issue
	errf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if len(p.Estimators) == 0 {
		errf("estimators", "at least one estimator is required")
	}
	seen := map[string]bool{}
	for i, e := range p.Estimators {
		path := fmt.Sprintf("estimators[%d]", i)
		switch {
		case strings.TrimSpace(e.Name) == "":
			errf(path+".name", "must be set")
		case seen[e.Name]:
			errf(path+".name", "duplicate estimator %q", e.Name)
		}
		seen[e.Name] = true
		if strings.TrimSpace(e.Target) == "" {
			errf(path+".target", "must be set")
		}
		if e.IsRegression && e.IsClassification {
			errf(path, "is_regression and is_classification are exclusive")
		}
		if !e.IsRegression && !e.IsClassification {
			warnf(path, "neither regression nor classification; the target keeps its learned type")
		}
		if p.Source.Kind == "file" && p.FilePath(e) == "" {
			errf(path+".path", "no corpus path (set source.file.path or estimators[].path)")
		}
	}

	th := p.Schema
	if th.MinPresent < 0 || th.MinPresent >= 1 {
		errf("schema.attr_type_min_present", "must be in [0, 1), got %v", th.MinPresent)
	}
	if th.MinTypeAlignment < 0 || th.MinTypeAlignment >= 1 {
		errf("schema.attr_type_min_typealign", "must be in [0, 1), got %v", th.MinTypeAlignment)
	}
	if th.MaxCategorical < 1 {
		errf("schema.max_categorical_values", "must be positive, got %d", th.MaxCategorical)
	}

	if !sourceKinds[p.Source.Kind] {
		errf("source.kind", "unsupported %q (file|mongo)", p.Source.Kind)
	}
	if f := p.Source.File; p.Source.Kind == "file" && f != nil {
		switch strings.ToLower(f.Format) {
		case "", "json", "csv":
		default:
			errf("source.file.format", "unsupported %q (json|csv)", f.Format)
		}
		if f.Comma != "" && utf8.RuneCountInString(f.Comma) != 1 {
			errf("source.file.comma", "must be a single character, got %q", f.Comma)
		}
	}
	if p.Source.Kind == "mongo" {
		if p.Source.Mongo == nil || p.Source.Mongo.URI == "" {
			errf("source.mongo.uri", "must be set")
		}
		if p.Source.Mongo == nil || p.Source.Mongo.Database == "" {
			errf("source.mongo.database", "must be set")
		}
	}

	if !storageKinds[p.Storage.Kind] {
		errf("storage.kind", "unsupported %q (sqlite|postgres|mssql|mongo)", p.Storage.Kind)
	}
	if p.Storage.DSN == "" {
		errf("storage.dsn", "must be set")
	}
	if p.Storage.Kind == "mongo" && p.Storage.Database == "" {
		errf("storage.database", "must be set for mongo")
	}

	if !cleanupKinds[p.Cleanup.Kind] {
		errf("cleanup.kind", "unsupported %q (sql|csv)", p.Cleanup.Kind)
	}
	if p.Cleanup.Kind == "csv" && p.Cleanup.Dir == "" {
		errf("cleanup.dir", "must be set for csv")
	}
	if p.Runtime.Partitions > 1 {
		warnf("runtime.partitions", "partitioned scans hold the whole corpus of an estimator in memory")
	}
	return out
}

// HasErrors reports whether issues contains a SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
